package facematch

import "sort"

// NonMaxSuppression keeps the most confident detections and drops any
// candidate overlapping an already kept one by more than iouThreshold.
//
// Candidates with confidence below confThreshold are discarded first. The
// remaining ones are ordered by confidence, descending, with ties kept in
// input order. Selection stops after maxDetections are kept; a
// non-positive maxDetections means no limit.
func NonMaxSuppression(preds []Detection, confThreshold, iouThreshold float64, maxDetections int) []Detection {
	candidates := make([]Detection, 0, len(preds))
	for _, p := range preds {
		if p.Confidence >= confThreshold && p.IsFinite() {
			candidates = append(candidates, p)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Confidence > candidates[j].Confidence
	})

	kept := make([]Detection, 0, min(len(candidates), max(maxDetections, 0)))
	suppressed := make([]bool, len(candidates))
	for i := range candidates {
		if suppressed[i] {
			continue
		}
		kept = append(kept, candidates[i])
		if maxDetections > 0 && len(kept) >= maxDetections {
			break
		}
		for j := i + 1; j < len(candidates); j++ {
			if !suppressed[j] && ComputeIoU(candidates[i].BBox, candidates[j].BBox) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return kept
}
