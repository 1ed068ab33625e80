package enhance

import (
	"fmt"
	"image"
	"math"
)

// Factor returns the channel multiplier for a percentage boost.
func Factor(boost float64) float64 {
	return 1 + boost/100
}

// brightnessLUT maps every sample value to min(255, round(v*factor)).
// Output is clamped on both ends so negative factors stay in range.
func brightnessLUT(factor float64) *[256]uint8 {
	var lut [256]uint8
	for i := 0; i < 256; i++ {
		v := math.Round(float64(i) * factor)
		switch {
		case v > 255:
			v = 255
		case v < 0:
			v = 0
		}
		lut[i] = uint8(v)
	}
	return &lut
}

// BrightenPixels applies the boost to a raw RGBA sample slice and returns a new slice.
// Alpha samples are copied unchanged. len(pix) must be a multiple of 4.
func BrightenPixels(pix []uint8, boost float64) []uint8 {
	if len(pix)%4 != 0 {
		panic(fmt.Sprintf("enhance: pixel buffer length %d is not a multiple of 4", len(pix)))
	}

	lut := brightnessLUT(Factor(boost))
	out := make([]uint8, len(pix))
	brightenRow(out, pix, lut)
	return out
}

// Brighten returns a copy of src with every red, green and blue sample multiplied by
// 1+boost/100 and clamped to 255. src is not modified.
func Brighten(src *image.NRGBA, boost float64) *image.NRGBA {
	b := src.Bounds()
	dst := image.NewNRGBA(b)
	if b.Empty() {
		return dst
	}

	lut := brightnessLUT(Factor(boost))
	rowLen := b.Dx() * 4
	for y := 0; y < b.Dy(); y++ {
		s := src.Pix[y*src.Stride : y*src.Stride+rowLen]
		d := dst.Pix[y*dst.Stride : y*dst.Stride+rowLen]
		brightenRow(d, s, lut)
	}
	return dst
}

func brightenRow(dst, src []uint8, lut *[256]uint8) {
	for i := 0; i < len(src); i += 4 {
		dst[i] = lut[src[i]]
		dst[i+1] = lut[src[i+1]]
		dst[i+2] = lut[src[i+2]]
		dst[i+3] = src[i+3]
	}
}
