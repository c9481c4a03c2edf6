package facematch

import (
	"math"
	"testing"
)

func TestComputeIoU(t *testing.T) {
	tests := []struct {
		name     string
		bbox1    [4]float64
		bbox2    [4]float64
		expected float64
	}{
		{
			name:     "identical boxes",
			bbox1:    [4]float64{0, 0, 10, 10},
			bbox2:    [4]float64{0, 0, 10, 10},
			expected: 1.0,
		},
		{
			name:     "no overlap",
			bbox1:    [4]float64{0, 0, 10, 10},
			bbox2:    [4]float64{20, 20, 30, 30},
			expected: 0.0,
		},
		{
			name:     "partial overlap",
			bbox1:    [4]float64{0, 0, 10, 10},
			bbox2:    [4]float64{5, 5, 15, 15},
			expected: 25.0 / 175.0, // intersection=25, union=100+100-25=175
		},
		{
			name:     "one inside other",
			bbox1:    [4]float64{0, 0, 20, 20},
			bbox2:    [4]float64{5, 5, 15, 15},
			expected: 100.0 / 400.0,
		},
		{
			name:     "touching edges",
			bbox1:    [4]float64{0, 0, 10, 10},
			bbox2:    [4]float64{10, 0, 20, 10},
			expected: 0.0,
		},
		{
			name:     "zero area",
			bbox1:    [4]float64{5, 5, 5, 5},
			bbox2:    [4]float64{5, 5, 5, 5},
			expected: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ComputeIoU(tt.bbox1, tt.bbox2)
			if math.Abs(result-tt.expected) > 0.0001 {
				t.Errorf("ComputeIoU(%v, %v) = %v, want %v", tt.bbox1, tt.bbox2, result, tt.expected)
			}
		})
	}
}

func TestCenterToCorners(t *testing.T) {
	got := CenterToCorners(50, 40, 20, 10)
	want := [4]float64{40, 35, 60, 45}
	if got != want {
		t.Errorf("CenterToCorners() = %v, want %v", got, want)
	}
}

func TestLargestDetection(t *testing.T) {
	tests := []struct {
		name     string
		dets     []Detection
		expected int
	}{
		{
			name:     "empty",
			dets:     nil,
			expected: -1,
		},
		{
			name: "largest wins regardless of confidence",
			dets: []Detection{
				{BBox: [4]float64{0, 0, 10, 10}, Confidence: 0.99},
				{BBox: [4]float64{0, 0, 30, 30}, Confidence: 0.41},
				{BBox: [4]float64{0, 0, 20, 20}, Confidence: 0.90},
			},
			expected: 1,
		},
		{
			name: "tie keeps first",
			dets: []Detection{
				{BBox: [4]float64{0, 0, 10, 10}},
				{BBox: [4]float64{50, 50, 60, 60}},
			},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := LargestDetection(tt.dets); got != tt.expected {
				t.Errorf("LargestDetection() = %d, want %d", got, tt.expected)
			}
		})
	}
}

func TestDetectionIsFinite(t *testing.T) {
	ok := Detection{BBox: [4]float64{1, 2, 3, 4}, Confidence: 0.5}
	if !ok.IsFinite() {
		t.Error("expected finite detection")
	}

	nanBox := ok
	nanBox.BBox[2] = math.NaN()
	if nanBox.IsFinite() {
		t.Error("NaN bbox should not be finite")
	}

	infKp := ok
	infKp.Keypoints[3][1] = math.Inf(1)
	if infKp.IsFinite() {
		t.Error("Inf keypoint should not be finite")
	}
}

func TestAffineInvert(t *testing.T) {
	m := Affine{{2, -1, 5}, {1, 2, -3}}
	inv, ok := m.Invert()
	if !ok {
		t.Fatal("expected invertible matrix")
	}
	x, y := m.Apply(7, 11)
	bx, by := inv.Apply(x, y)
	if math.Abs(bx-7) > 1e-9 || math.Abs(by-11) > 1e-9 {
		t.Errorf("round trip = (%v, %v), want (7, 11)", bx, by)
	}

	if _, ok := (Affine{{1, 2, 0}, {2, 4, 0}}).Invert(); ok {
		t.Error("singular matrix should not invert")
	}
}
