package pipeline

import (
	"fmt"
	"image"
	"math"
	"strings"
	"time"

	"github.com/chaos-io/megaphototool/enhance"
)

// ToolName prefixes every downloaded artifact.
const ToolName = "megaphototool"

// Mode decides whether a result is downloaded right away or previewed first.
type Mode string

const (
	ModeExpress Mode = "express"
	ModePreview Mode = "preview"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeExpress, nil
	case ModeExpress, ModePreview:
		return m, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
}

// Params are the user controlled transform settings.
type Params struct {
	Boost float64            `json:"boost"`
	Size  enhance.TargetSize `json:"size"`
}

// DefaultMaxSize is the largest output edge accepted when no other bound is configured.
const DefaultMaxSize enhance.TargetSize = 10000

// validate checks p against an optional upper bound for the boost (0 means unbounded)
// and an upper bound for the output edge.
func (p Params) validate(maxBoost float64, maxSize enhance.TargetSize) error {
	if math.IsNaN(p.Boost) || math.IsInf(p.Boost, 0) || p.Boost < 0 {
		return fmt.Errorf("%w: %v", ErrInvalidBoost, p.Boost)
	}
	if maxBoost > 0 && p.Boost > maxBoost {
		return fmt.Errorf("%w: %v exceeds %v", ErrInvalidBoost, p.Boost, maxBoost)
	}
	if p.Size < 0 {
		return fmt.Errorf("%w: %d", enhance.ErrInvalidTargetSize, int(p.Size))
	}
	if p.Size > maxSize {
		return fmt.Errorf("%w: %d exceeds %d", enhance.ErrInvalidTargetSize, int(p.Size), int(maxSize))
	}
	return nil
}

// Upload is one file handed to the tool.
type Upload struct {
	Name      string
	MediaType string
	Data      []byte
}

// IsImage reports whether a declared media type is accepted for processing.
func IsImage(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mediaType)), "image/")
}

type Request struct {
	Upload Upload
	Params Params
	Mode   Mode
}

// Result is published once per successful run and never modified afterwards.
type Result struct {
	ID                string
	Name              string
	Original          []byte
	OriginalType      string
	BackgroundRemoved *image.NRGBA
	Enhanced          *image.NRGBA
	PNG               []byte
	Width             int
	Height            int
	Params            Params
	Mode              Mode
	CreatedAt         time.Time
}

// Preview is a recomputation of the result for new params.
type Preview struct {
	PNG       []byte
	Width     int
	Height    int
	Params    Params
	CreatedAt time.Time
}

// Artifact is what the user downloads.
type Artifact struct {
	Name   string
	PNG    []byte
	Width  int
	Height int
}

// ArtifactName returns megaphototool-<unix millis>.png.
func ArtifactName(t time.Time) string {
	return fmt.Sprintf("%s-%d.png", ToolName, t.UnixMilli())
}
