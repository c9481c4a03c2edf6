package facematch

import (
	"errors"
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// LetterboxPadValue is the gray level used for the padded border.
const LetterboxPadValue = 114

// ErrEmptyImage is returned for nil or zero-sized images.
var ErrEmptyImage = errors.New("empty image")

// Letterbox resizes img to fit a target x target square while preserving the
// aspect ratio, centers it on a gray canvas and returns the canvas together
// with the parameters needed to map model coordinates back to the source.
func Letterbox(img image.Image, target int) (*image.RGBA, LetterboxInfo, error) {
	if img == nil || target <= 0 {
		return nil, LetterboxInfo{}, ErrEmptyImage
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= 0 || h <= 0 {
		return nil, LetterboxInfo{}, ErrEmptyImage
	}

	scale := math.Min(float64(target)/float64(w), float64(target)/float64(h))
	newW := max(1, int(math.Round(float64(w)*scale)))
	newH := max(1, int(math.Round(float64(h)*scale)))
	padX := (target - newW) / 2
	padY := (target - newH) / 2

	canvas := image.NewRGBA(image.Rect(0, 0, target, target))
	pad := color.RGBA{LetterboxPadValue, LetterboxPadValue, LetterboxPadValue, 255}
	draw.Draw(canvas, canvas.Bounds(), &image.Uniform{C: pad}, image.Point{}, draw.Src)
	draw.BiLinear.Scale(canvas, image.Rect(padX, padY, padX+newW, padY+newH), img, b, draw.Src, nil)

	return canvas, LetterboxInfo{
		Scale:  scale,
		PadX:   float64(padX),
		PadY:   float64(padY),
		Width:  w,
		Height: h,
		Target: target,
	}, nil
}

// LetterboxTensor letterboxes img and returns it as a CHW RGB tensor scaled
// to [0, 1].
func LetterboxTensor(img image.Image, target int) ([]float32, LetterboxInfo, error) {
	canvas, info, err := Letterbox(img, target)
	if err != nil {
		return nil, info, err
	}
	return ImageToCHW(canvas, 1.0/255.0, 0), info, nil
}

// RescaleToOriginal maps detections from letterboxed model space back to the
// source image: padding is subtracted, the result divided by the scale and
// clamped to the image. Boxes and keypoints are transformed identically.
// The input slice is not modified.
func RescaleToOriginal(dets []Detection, info LetterboxInfo) []Detection {
	if len(dets) == 0 || info.Scale <= 0 {
		return []Detection{}
	}
	maxX := float64(max(info.Width-1, 0))
	maxY := float64(max(info.Height-1, 0))

	toX := func(x float64) float64 { return clamp((x-info.PadX)/info.Scale, 0, maxX) }
	toY := func(y float64) float64 { return clamp((y-info.PadY)/info.Scale, 0, maxY) }

	out := make([]Detection, len(dets))
	for i, d := range dets {
		r := Detection{Confidence: d.Confidence}
		r.BBox = [4]float64{toX(d.BBox[0]), toY(d.BBox[1]), toX(d.BBox[2]), toY(d.BBox[3])}
		for k, kp := range d.Keypoints {
			r.Keypoints[k] = [2]float64{toX(kp[0]), toY(kp[1])}
		}
		out[i] = r
	}
	return out
}

// ToModelSpace is the forward transform of RescaleToOriginal for a single
// point. It is used to project source annotations into the model input.
func (info LetterboxInfo) ToModelSpace(x, y float64) (float64, float64) {
	return x*info.Scale + info.PadX, y*info.Scale + info.PadY
}
