package facematch

import "math"

// ComputeIoU calculates Intersection over Union between two bounding boxes.
// bbox1 and bbox2 are [x1, y1, x2, y2] in the same coordinate system.
func ComputeIoU(bbox1, bbox2 [4]float64) float64 {
	// Calculate intersection.
	x1 := max(bbox1[0], bbox2[0])
	y1 := max(bbox1[1], bbox2[1])
	x2 := min(bbox1[2], bbox2[2])
	y2 := min(bbox1[3], bbox2[3])

	if x2 <= x1 || y2 <= y1 {
		return 0 // No intersection
	}

	intersection := (x2 - x1) * (y2 - y1)

	// Calculate union.
	area1 := (bbox1[2] - bbox1[0]) * (bbox1[3] - bbox1[1])
	area2 := (bbox2[2] - bbox2[0]) * (bbox2[3] - bbox2[1])
	union := area1 + area2 - intersection

	if union <= 0 {
		return 0
	}

	return intersection / union
}

// CenterToCorners converts a center-size box (cx, cy, w, h) to [x1, y1, x2, y2].
func CenterToCorners(cx, cy, w, h float64) [4]float64 {
	return [4]float64{
		cx - w/2,
		cy - h/2,
		cx + w/2,
		cy + h/2,
	}
}

// LargestDetection returns the index of the detection with the largest box
// area. Ties keep the first occurrence. Returns -1 for an empty slice.
func LargestDetection(dets []Detection) int {
	best := -1
	bestArea := math.Inf(-1)
	for i := range dets {
		if a := dets[i].Area(); a > bestArea {
			best = i
			bestArea = a
		}
	}
	return best
}

// IsFinite reports whether every coordinate and the confidence are finite numbers.
func (d Detection) IsFinite() bool {
	for _, v := range d.BBox {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	for _, kp := range d.Keypoints {
		if math.IsNaN(kp[0]) || math.IsInf(kp[0], 0) || math.IsNaN(kp[1]) || math.IsInf(kp[1], 0) {
			return false
		}
	}
	return !math.IsNaN(d.Confidence) && !math.IsInf(d.Confidence, 0)
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
