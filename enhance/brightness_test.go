package enhance

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func uniform(w, h int, c color.NRGBA) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}

// allSamples holds every (value, alpha) combination a channel can see.
func allSamples() []uint8 {
	pix := make([]uint8, 0, 256*4)
	for v := 0; v < 256; v++ {
		pix = append(pix, uint8(v), uint8(255-v), uint8(v/2), uint8(v))
	}
	return pix
}

func expected(v uint8, boost float64) uint8 {
	return uint8(math.Min(255, math.Round(float64(v)*(1+boost/100))))
}

func TestBrightenPixels_Formula(t *testing.T) {
	src := allSamples()
	for boost := 0.0; boost <= 500; boost += 5 {
		got := BrightenPixels(src, boost)
		require.Len(t, got, len(src))
		for i := 0; i < len(src); i += 4 {
			for c := 0; c < 3; c++ {
				if got[i+c] != expected(src[i+c], boost) {
					t.Fatalf("boost %v sample %d channel %d: got %d want %d", boost, src[i+c], c, got[i+c], expected(src[i+c], boost))
				}
			}
			if got[i+3] != src[i+3] {
				t.Fatalf("boost %v: alpha changed from %d to %d", boost, src[i+3], got[i+3])
			}
		}
	}
}

func TestBrightenPixels_ZeroBoostIsIdentity(t *testing.T) {
	src := allSamples()
	assert.Equal(t, src, BrightenPixels(src, 0))
}

func TestBrightenPixels_Monotonic(t *testing.T) {
	src := allSamples()
	prev := BrightenPixels(src, 0)
	for boost := 5.0; boost <= 500; boost += 5 {
		cur := BrightenPixels(src, boost)
		for i := range cur {
			if cur[i] < prev[i] {
				t.Fatalf("boost %v index %d: %d < %d", boost, i, cur[i], prev[i])
			}
		}
		prev = cur
	}
}

func TestBrightenPixels_DoesNotMutateInput(t *testing.T) {
	src := []uint8{100, 100, 100, 255}
	_ = BrightenPixels(src, 50)
	assert.Equal(t, []uint8{100, 100, 100, 255}, src)
}

func TestBrightenPixels_Compounds(t *testing.T) {
	once := BrightenPixels([]uint8{100, 10, 0, 128}, 20)
	twice := BrightenPixels(once, 20)
	assert.Equal(t, []uint8{120, 12, 0, 128}, once)
	assert.Equal(t, []uint8{144, 14, 0, 128}, twice)
}

func TestBrightenPixels_BadLengthPanics(t *testing.T) {
	assert.Panics(t, func() { BrightenPixels([]uint8{1, 2, 3}, 10) })
	assert.NotPanics(t, func() { BrightenPixels(nil, 10) })
}

func TestBrightenPixels_NegativeBoostStaysInRange(t *testing.T) {
	got := BrightenPixels([]uint8{200, 100, 0, 7}, -300)
	assert.Equal(t, []uint8{0, 0, 0, 7}, got)
}

func TestBrighten(t *testing.T) {
	tests := []struct {
		name  string
		w, h  int
		in    color.NRGBA
		boost float64
		want  color.NRGBA
	}{
		{"black stays black", 100, 100, color.NRGBA{0, 0, 0, 255}, 15, color.NRGBA{0, 0, 0, 255}},
		{"clamped to white", 10, 10, color.NRGBA{200, 200, 200, 255}, 50, color.NRGBA{255, 255, 255, 255}},
		{"white stays white", 3, 2, color.NRGBA{255, 255, 255, 40}, 35, color.NRGBA{255, 255, 255, 40}},
		{"default boost", 4, 4, color.NRGBA{100, 40, 20, 0}, 15, color.NRGBA{115, 46, 23, 0}},
		{"zero boost", 5, 1, color.NRGBA{1, 2, 3, 4}, 0, color.NRGBA{1, 2, 3, 4}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := uniform(tt.w, tt.h, tt.in)
			got := Brighten(src, tt.boost)

			require.Equal(t, src.Bounds(), got.Bounds())
			assert.Len(t, got.Pix, tt.w*tt.h*4)
			for y := 0; y < tt.h; y++ {
				for x := 0; x < tt.w; x++ {
					require.Equal(t, tt.want, got.NRGBAAt(x, y), "pixel (%d,%d)", x, y)
				}
			}
			assert.Equal(t, tt.in, src.NRGBAAt(0, 0), "source must not change")
		})
	}
}

func TestBrighten_SubImage(t *testing.T) {
	full := uniform(4, 4, color.NRGBA{10, 10, 10, 255})
	full.SetNRGBA(1, 1, color.NRGBA{100, 150, 200, 90})
	sub := full.SubImage(image.Rect(1, 1, 3, 3)).(*image.NRGBA)

	got := Brighten(sub, 50)

	assert.Equal(t, image.Rect(1, 1, 3, 3), got.Bounds())
	assert.Equal(t, color.NRGBA{150, 225, 255, 90}, got.NRGBAAt(1, 1))
	assert.Equal(t, color.NRGBA{15, 15, 15, 255}, got.NRGBAAt(2, 2))
}

func TestBrighten_Empty(t *testing.T) {
	got := Brighten(image.NewNRGBA(image.Rect(0, 0, 0, 0)), 20)
	assert.True(t, got.Bounds().Empty())
}
