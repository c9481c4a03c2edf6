package facematch

import (
	"errors"
	"image"
	"image/color"
	"math"
	"testing"
)

func solidImage(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func TestLetterbox(t *testing.T) {
	tests := []struct {
		name      string
		w, h      int
		target    int
		wantScale float64
		wantPadX  float64
		wantPadY  float64
	}{
		{name: "landscape", w: 1000, h: 500, target: 640, wantScale: 0.64, wantPadX: 0, wantPadY: 160},
		{name: "portrait", w: 320, h: 640, target: 640, wantScale: 1, wantPadX: 160, wantPadY: 0},
		{name: "square", w: 64, h: 64, target: 640, wantScale: 10, wantPadX: 0, wantPadY: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			canvas, info, err := Letterbox(solidImage(tt.w, tt.h, color.RGBA{200, 10, 10, 255}), tt.target)
			if err != nil {
				t.Fatalf("Letterbox() error = %v", err)
			}
			if canvas.Bounds().Dx() != tt.target || canvas.Bounds().Dy() != tt.target {
				t.Fatalf("canvas = %v, want %dx%d", canvas.Bounds(), tt.target, tt.target)
			}
			if math.Abs(info.Scale-tt.wantScale) > 1e-9 {
				t.Errorf("Scale = %v, want %v", info.Scale, tt.wantScale)
			}
			if info.PadX != tt.wantPadX || info.PadY != tt.wantPadY {
				t.Errorf("pad = (%v, %v), want (%v, %v)", info.PadX, info.PadY, tt.wantPadX, tt.wantPadY)
			}
			if info.Width != tt.w || info.Height != tt.h {
				t.Errorf("source size = %dx%d, want %dx%d", info.Width, info.Height, tt.w, tt.h)
			}
			if tt.wantPadY > 0 {
				if got := canvas.RGBAAt(tt.target/2, 0); got.R != LetterboxPadValue || got.G != LetterboxPadValue {
					t.Errorf("top border pixel = %v, want pad gray", got)
				}
			}
			center := canvas.RGBAAt(tt.target/2, tt.target/2)
			if center.R != 200 || center.G != 10 {
				t.Errorf("center pixel = %v, want image content", center)
			}
		})
	}
}

func TestLetterboxEmpty(t *testing.T) {
	if _, _, err := Letterbox(image.NewRGBA(image.Rect(0, 0, 0, 10)), 640); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("error = %v, want ErrEmptyImage", err)
	}
	if _, _, err := Letterbox(nil, 640); !errors.Is(err, ErrEmptyImage) {
		t.Errorf("error = %v, want ErrEmptyImage", err)
	}
}

func TestLetterboxTensorRange(t *testing.T) {
	tensor, _, err := LetterboxTensor(solidImage(20, 10, color.RGBA{255, 0, 51, 255}), 32)
	if err != nil {
		t.Fatalf("LetterboxTensor() error = %v", err)
	}
	if len(tensor) != 3*32*32 {
		t.Fatalf("len = %d, want %d", len(tensor), 3*32*32)
	}
	for i, v := range tensor {
		if v < 0 || v > 1 {
			t.Fatalf("tensor[%d] = %v out of [0, 1]", i, v)
		}
	}
	// Top-left is padding.
	want := float32(LetterboxPadValue) / 255
	if math.Abs(float64(tensor[0]-want)) > 1e-6 {
		t.Errorf("tensor[0] = %v, want %v", tensor[0], want)
	}
}

func TestRescaleRoundTrip(t *testing.T) {
	sizes := [][2]int{{1000, 500}, {480, 640}, {123, 457}, {640, 640}}
	for _, sz := range sizes {
		_, info, err := Letterbox(solidImage(sz[0], sz[1], color.RGBA{A: 255}), 640)
		if err != nil {
			t.Fatalf("Letterbox() error = %v", err)
		}

		var det Detection
		det.BBox = [4]float64{10, 20, float64(sz[0]) / 2, float64(sz[1]) / 2}
		for k := range det.Keypoints {
			det.Keypoints[k] = [2]float64{float64(5 + 10*k), float64(7 + 3*k)}
		}

		var model Detection
		model.BBox[0], model.BBox[1] = info.ToModelSpace(det.BBox[0], det.BBox[1])
		model.BBox[2], model.BBox[3] = info.ToModelSpace(det.BBox[2], det.BBox[3])
		for k, kp := range det.Keypoints {
			model.Keypoints[k][0], model.Keypoints[k][1] = info.ToModelSpace(kp[0], kp[1])
		}

		back := RescaleToOriginal([]Detection{model}, info)[0]
		for i := range det.BBox {
			if math.Abs(back.BBox[i]-det.BBox[i]) > 1 {
				t.Errorf("%v: bbox[%d] = %v, want %v", sz, i, back.BBox[i], det.BBox[i])
			}
		}
		for k := range det.Keypoints {
			if math.Abs(back.Keypoints[k][0]-det.Keypoints[k][0]) > 1 ||
				math.Abs(back.Keypoints[k][1]-det.Keypoints[k][1]) > 1 {
				t.Errorf("%v: keypoint %d = %v, want %v", sz, k, back.Keypoints[k], det.Keypoints[k])
			}
		}
	}
}

func TestRescaleClampsToImage(t *testing.T) {
	info := LetterboxInfo{Scale: 0.5, PadX: 0, PadY: 80, Width: 100, Height: 50, Target: 64}
	det := Detection{BBox: [4]float64{-10, 0, 500, 500}, Confidence: 0.9}
	det.Keypoints[0] = [2]float64{-3, 1000}

	out := RescaleToOriginal([]Detection{det}, info)
	got := out[0]
	want := [4]float64{0, 0, 99, 49}
	if got.BBox != want {
		t.Errorf("BBox = %v, want %v", got.BBox, want)
	}
	if got.Keypoints[0] != [2]float64{0, 49} {
		t.Errorf("keypoint = %v, want [0 49]", got.Keypoints[0])
	}
	if got.Confidence != 0.9 {
		t.Errorf("Confidence = %v, want 0.9", got.Confidence)
	}
	if det.BBox[0] != -10 {
		t.Error("input detection was modified")
	}
}

func TestRescaleEmpty(t *testing.T) {
	out := RescaleToOriginal(nil, LetterboxInfo{Scale: 1, Width: 10, Height: 10})
	if out == nil || len(out) != 0 {
		t.Errorf("RescaleToOriginal(nil) = %v, want empty slice", out)
	}
}
