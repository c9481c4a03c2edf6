package detection

import "github.com/kozaktomas/face-recognizer/internal/facematch"

// RowSize is the width of one prediction row:
// cx, cy, w, h, objectness, 5 x (kx, ky), class score.
const RowSize = 16

const (
	objIndex      = 4
	keypointIndex = 5
	classIndex    = 15
)

// decodePredictions converts raw model rows into model-space detections.
// Confidence is objectness times class score.
func decodePredictions(raw []float32) []facematch.Detection {
	n := len(raw) / RowSize
	out := make([]facematch.Detection, 0, n)
	for i := 0; i < n; i++ {
		row := raw[i*RowSize : (i+1)*RowSize]
		det := facematch.Detection{
			BBox:       facematch.CenterToCorners(float64(row[0]), float64(row[1]), float64(row[2]), float64(row[3])),
			Confidence: float64(row[objIndex]) * float64(row[classIndex]),
		}
		for k := 0; k < facematch.NumKeypoints; k++ {
			det.Keypoints[k] = [2]float64{
				float64(row[keypointIndex+2*k]),
				float64(row[keypointIndex+2*k+1]),
			}
		}
		out = append(out, det)
	}
	return out
}
