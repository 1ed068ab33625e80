package enhance

import (
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"math"
	"strconv"
	"strings"

	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

// TargetSize is the edge length of the square output. Original keeps the input dimensions.
type TargetSize int

const Original TargetSize = 0

// Sizes offered by the front end.
var SizeOptions = []TargetSize{Original, 1000, 2000, 3000}

var ErrInvalidTargetSize = errors.New("invalid target size")

// ParseTargetSize accepts "original" (or "") and positive decimal integers.
func ParseTargetSize(s string) (TargetSize, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" || s == "original" {
		return Original, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return Original, fmt.Errorf("%w: %q", ErrInvalidTargetSize, s)
	}
	return TargetSize(n), nil
}

func (s TargetSize) String() string {
	if s == Original {
		return "original"
	}
	return strconv.Itoa(int(s))
}

func (s TargetSize) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *TargetSize) UnmarshalText(text []byte) error {
	v, err := ParseTargetSize(string(text))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// UnmarshalJSON accepts "original", "1000" or 1000. The number 0 means Original.
func (s *TargetSize) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		return s.UnmarshalText([]byte(str))
	}
	var n int
	if err := json.Unmarshal(data, &n); err != nil || n < 0 {
		return fmt.Errorf("%w: %s", ErrInvalidTargetSize, data)
	}
	*s = TargetSize(n)
	return nil
}

// Filter selects the interpolation kernel used for resizing.
type Filter string

const (
	FilterBilinear   Filter = "bilinear"
	FilterCatmullRom Filter = "catmullrom"
	FilterLanczos3   Filter = "lanczos3"
)

func ParseFilter(s string) (Filter, error) {
	switch f := Filter(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FilterBilinear, nil
	case FilterBilinear, FilterCatmullRom, FilterLanczos3:
		return f, nil
	}
	return "", fmt.Errorf("unknown resample filter %q", s)
}

// Resampler redraws a bitmap into a square canvas. The aspect ratio is not kept:
// the source is stretched over the whole target.
type Resampler struct {
	Filter Filter
}

func NewResampler(filter Filter) *Resampler {
	if filter == "" {
		filter = FilterBilinear
	}
	return &Resampler{Filter: filter}
}

// Resize returns img itself for Original, otherwise a new size x size bitmap.
func (r *Resampler) Resize(img *image.NRGBA, size TargetSize) (*image.NRGBA, error) {
	if size == Original {
		return img, nil
	}
	if size < 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidTargetSize, int(size))
	}

	n := int(size)
	// n*n*4 bytes must fit in an int
	if n > math.MaxInt/4/n {
		return nil, fmt.Errorf("%w: %d is too large to allocate", ErrInvalidTargetSize, n)
	}
	switch r.Filter {
	case FilterLanczos3:
		return ToNRGBA(resize.Resize(uint(n), uint(n), img, resize.Lanczos3)), nil
	case FilterCatmullRom:
		return scale(draw.CatmullRom, img, n), nil
	case FilterBilinear, "":
		return scale(draw.BiLinear, img, n), nil
	}
	return nil, fmt.Errorf("unknown resample filter %q", r.Filter)
}

func scale(kernel draw.Scaler, img *image.NRGBA, n int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, n, n))
	kernel.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Src, nil)
	return dst
}
