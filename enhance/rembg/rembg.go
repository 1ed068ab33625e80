package rembg

import (
	"context"
	"fmt"
	"strings"
	"time"

	nhttp "github.com/chaos-io/megaphototool/util/http"
)

const (
	KindNoop     = "noop"
	KindRembg    = "rembg"
	KindBiRefNet = "birefnet"
)

// Remover takes an encoded image and returns an encoded image whose background is transparent.
//
//go:generate mockgen -destination=mocks/rembg.go -package=mocks . Remover
type Remover interface {
	Remove(ctx context.Context, image []byte) ([]byte, error)
}

// Options selects and configures a Remover.
type Options struct {
	Kind         string
	URL          string
	Model        string
	Workflow     []byte
	PollInterval time.Duration
	Timeout      time.Duration
}

// New builds the Remover named by opts.Kind.
func New(opts Options) (Remover, error) {
	switch strings.ToLower(opts.Kind) {
	case "", KindNoop:
		return NewDefaultRemBG(), nil
	case KindRembg:
		return NewRembgRemover(opts.URL, opts.Model, nhttp.NewHTTPClientWithTimeout(opts.Timeout)), nil
	case KindBiRefNet:
		return NewBiRefNetRemBG(opts.URL, nhttp.NewHTTPClientWithTimeout(opts.Timeout),
			WithWorkflow(opts.Workflow), WithPollInterval(opts.PollInterval))
	}
	return nil, fmt.Errorf("unknown background remover %q", opts.Kind)
}

// DefaultRemBG hands the image back untouched. Useful for inputs that already carry alpha.
type DefaultRemBG struct{}

func NewDefaultRemBG() *DefaultRemBG {
	return &DefaultRemBG{}
}

func (d *DefaultRemBG) Remove(ctx context.Context, image []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return image, nil
}

var extensions = map[string]string{
	"image/png":  ".png",
	"image/jpeg": ".jpg",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/bmp":  ".bmp",
}

func extFor(mediaType string) string {
	if ext, ok := extensions[mediaType]; ok {
		return ext
	}
	return ".png"
}
