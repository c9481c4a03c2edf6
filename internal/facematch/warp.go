package facematch

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// WarpToCanonical renders a size x size crop of img through the transform m
// (source to output). Every output pixel is sampled bilinearly from the
// source at the inverse-mapped location; samples outside the source repeat
// the nearest edge pixel. ok is false when m is not invertible.
func WarpToCanonical(img image.Image, m Affine, size int) (*image.RGBA, bool) {
	if img == nil || size <= 0 {
		return nil, false
	}
	inv, ok := m.Invert()
	if !ok {
		return nil, false
	}
	src := ToRGBA(img)
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	if sw == 0 || sh == 0 {
		return nil, false
	}

	dst := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			sx, sy := inv.Apply(float64(x), float64(y))
			r, g, b := sampleBilinear(src, sw, sh, sx, sy)
			o := dst.PixOffset(x, y)
			dst.Pix[o+0] = r
			dst.Pix[o+1] = g
			dst.Pix[o+2] = b
			dst.Pix[o+3] = 255
		}
	}
	return dst, true
}

// sampleBilinear reads src at a fractional location with edge replication.
// Coordinates are relative to the top-left of src.Rect.
func sampleBilinear(src *image.RGBA, w, h int, x, y float64) (uint8, uint8, uint8) {
	x0f := math.Floor(x)
	y0f := math.Floor(y)
	fx := x - x0f
	fy := y - y0f
	x0 := clampInt(int(x0f), 0, w-1)
	y0 := clampInt(int(y0f), 0, h-1)
	x1 := clampInt(int(x0f)+1, 0, w-1)
	y1 := clampInt(int(y0f)+1, 0, h-1)

	p00 := src.PixOffset(src.Rect.Min.X+x0, src.Rect.Min.Y+y0)
	p10 := src.PixOffset(src.Rect.Min.X+x1, src.Rect.Min.Y+y0)
	p01 := src.PixOffset(src.Rect.Min.X+x0, src.Rect.Min.Y+y1)
	p11 := src.PixOffset(src.Rect.Min.X+x1, src.Rect.Min.Y+y1)

	var out [3]uint8
	for c := 0; c < 3; c++ {
		top := float64(src.Pix[p00+c])*(1-fx) + float64(src.Pix[p10+c])*fx
		bot := float64(src.Pix[p01+c])*(1-fx) + float64(src.Pix[p11+c])*fx
		v := top*(1-fy) + bot*fy
		out[c] = uint8(clamp(math.Round(v), 0, 255))
	}
	return out[0], out[1], out[2]
}

// MirrorHorizontal returns a left-right flipped copy of img.
func MirrorHorizontal(img *image.RGBA) *image.RGBA {
	b := img.Rect
	w := b.Dx()
	out := image.NewRGBA(image.Rect(0, 0, w, b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < w; x++ {
			s := img.PixOffset(b.Min.X+x, b.Min.Y+y)
			d := out.PixOffset(w-1-x, y)
			copy(out.Pix[d:d+4], img.Pix[s:s+4])
		}
	}
	return out
}

// ToRGBA returns img as *image.RGBA, converting only when necessary.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

// ImageToCHW converts an RGBA image to a planar RGB float tensor, applying
// v*scale + shift to every 8-bit channel value.
func ImageToCHW(img *image.RGBA, scale, shift float32) []float32 {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	plane := w * h
	out := make([]float32, 3*plane)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(img.Rect.Min.X+x, img.Rect.Min.Y+y)
			i := y*w + x
			out[i] = float32(img.Pix[o])*scale + shift
			out[plane+i] = float32(img.Pix[o+1])*scale + shift
			out[2*plane+i] = float32(img.Pix[o+2])*scale + shift
		}
	}
	return out
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
