// Package facematch provides the image-space geometry shared by the detection
// and embedding pipelines: letterboxing, non-max suppression, coordinate
// rescaling and landmark-based face alignment.
package facematch

// NumKeypoints is the number of facial landmarks produced per detection
// (left eye, right eye, nose tip, left mouth corner, right mouth corner).
const NumKeypoints = 5

// Detection is a single detected face.
// Once returned by the detection pipeline, all coordinates are in
// source-image pixel space.
type Detection struct {
	BBox       [4]float64               `json:"bbox"`      // [x1, y1, x2, y2]
	Keypoints  [NumKeypoints][2]float64 `json:"keypoints"` // 5 x (x, y)
	Confidence float64                  `json:"conf"`
}

// Area returns the bounding box area, zero for inverted boxes.
func (d Detection) Area() float64 {
	w := d.BBox[2] - d.BBox[0]
	h := d.BBox[3] - d.BBox[1]
	if w <= 0 || h <= 0 {
		return 0
	}
	return w * h
}

// LetterboxInfo records how an image was fitted into the model input so the
// transform can be inverted exactly.
type LetterboxInfo struct {
	Scale  float64 // model pixels per source pixel
	PadX   float64 // left padding in model pixels
	PadY   float64 // top padding in model pixels
	Width  int     // source image width
	Height int     // source image height
	Target int     // square model input size
}

// Affine is a 2x3 affine matrix mapping (x, y) to
// (m[0][0]*x + m[0][1]*y + m[0][2], m[1][0]*x + m[1][1]*y + m[1][2]).
type Affine [2][3]float64

// Apply maps a point through the transform.
func (m Affine) Apply(x, y float64) (float64, float64) {
	return m[0][0]*x + m[0][1]*y + m[0][2], m[1][0]*x + m[1][1]*y + m[1][2]
}

// Invert returns the inverse transform. ok is false for singular matrices.
func (m Affine) Invert() (inv Affine, ok bool) {
	det := m[0][0]*m[1][1] - m[0][1]*m[1][0]
	if det == 0 {
		return Affine{}, false
	}
	a := m[1][1] / det
	b := -m[0][1] / det
	c := -m[1][0] / det
	d := m[0][0] / det
	inv[0][0], inv[0][1] = a, b
	inv[1][0], inv[1][1] = c, d
	inv[0][2] = -(a*m[0][2] + b*m[1][2])
	inv[1][2] = -(c*m[0][2] + d*m[1][2])
	return inv, true
}

// ArcFaceTemplate112 holds the canonical landmark positions of a 112x112
// aligned face crop, in the same order as Detection.Keypoints.
var ArcFaceTemplate112 = [NumKeypoints][2]float64{
	{38.2946, 51.6963},
	{73.5318, 51.5014},
	{56.0252, 71.7366},
	{41.5493, 92.3655},
	{70.7299, 92.2041},
}
