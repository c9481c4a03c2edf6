package facematch

import (
	"math"
	"sort"
)

const (
	// degenerateEps is the minimum summed squared landmark spread accepted
	// by a solve.
	degenerateEps = 1e-9
	// collinearRatio bounds the minor/major variance ratio of the landmarks.
	// Real faces are far above it; collinear or coincident points are not.
	collinearRatio = 1e-4
)

// EstimateAlignment estimates the similarity transform (rotation, uniform
// scale and translation) mapping the detected keypoints onto template.
//
// The fit is least-median-of-squares: every pair of correspondences
// proposes an exact transform, the one with the smallest median residual
// wins, and a final least-squares fit is made over its inliers. ok is false
// when the landmarks are degenerate (coincident or collinear).
func EstimateAlignment(kps, template [NumKeypoints][2]float64) (Affine, bool) {
	if !landmarksSpread(kps) {
		return Affine{}, false
	}

	n := NumKeypoints
	residuals := make([]float64, n)
	bestMedian := math.Inf(1)
	var best Affine
	found := false

	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			m, ok := fitSimilarity(kps, template, []int{i, j})
			if !ok {
				continue
			}
			for k := 0; k < n; k++ {
				residuals[k] = residual2(m, kps[k], template[k])
			}
			if med := median(residuals); med < bestMedian {
				bestMedian = med
				best = m
				found = true
			}
		}
	}
	if !found {
		return Affine{}, false
	}

	// Robust scale estimate as used by LMedS: sigma = 1.4826 * (1 + 5/(n-p)) * sqrt(median).
	sigma := 1.4826 * (1 + 5.0/float64(n-2)) * math.Sqrt(bestMedian)
	limit := math.Max(2.5*sigma, 1e-6)
	limit *= limit

	inliers := make([]int, 0, n)
	for k := 0; k < n; k++ {
		if residual2(best, kps[k], template[k]) <= limit {
			inliers = append(inliers, k)
		}
	}
	if len(inliers) < 2 {
		return best, true
	}
	refined, ok := fitSimilarity(kps, template, inliers)
	if !ok {
		return best, true
	}
	return refined, true
}

// fitSimilarity solves the least-squares similarity transform over the given
// correspondence indices using the closed form for
// [a -b tx; b a ty].
func fitSimilarity(src, dst [NumKeypoints][2]float64, idx []int) (Affine, bool) {
	var sx, sy, dx, dy float64
	for _, k := range idx {
		sx += src[k][0]
		sy += src[k][1]
		dx += dst[k][0]
		dy += dst[k][1]
	}
	cnt := float64(len(idx))
	sx /= cnt
	sy /= cnt
	dx /= cnt
	dy /= cnt

	var norm, num1, num2 float64
	for _, k := range idx {
		px, py := src[k][0]-sx, src[k][1]-sy
		qx, qy := dst[k][0]-dx, dst[k][1]-dy
		norm += px*px + py*py
		num1 += px*qx + py*qy
		num2 += px*qy - py*qx
	}
	if norm < degenerateEps {
		return Affine{}, false
	}
	a := num1 / norm
	b := num2 / norm
	if a == 0 && b == 0 {
		return Affine{}, false
	}

	return Affine{
		{a, -b, dx - (a*sx - b*sy)},
		{b, a, dy - (b*sx + a*sy)},
	}, true
}

// landmarksSpread rejects coincident and collinear landmark sets by comparing
// the eigenvalues of their 2x2 covariance.
func landmarksSpread(kps [NumKeypoints][2]float64) bool {
	var mx, my float64
	for _, p := range kps {
		if math.IsNaN(p[0]) || math.IsNaN(p[1]) || math.IsInf(p[0], 0) || math.IsInf(p[1], 0) {
			return false
		}
		mx += p[0]
		my += p[1]
	}
	mx /= NumKeypoints
	my /= NumKeypoints

	var cxx, cyy, cxy float64
	for _, p := range kps {
		ux, uy := p[0]-mx, p[1]-my
		cxx += ux * ux
		cyy += uy * uy
		cxy += ux * uy
	}
	tr := cxx + cyy
	if tr < degenerateEps {
		return false
	}
	det := cxx*cyy - cxy*cxy
	disc := math.Sqrt(math.Max(tr*tr/4-det, 0))
	major := tr/2 + disc
	minor := tr/2 - disc
	return minor/major > collinearRatio
}

func residual2(m Affine, src, dst [2]float64) float64 {
	x, y := m.Apply(src[0], src[1])
	ex, ey := x-dst[0], y-dst[1]
	return ex*ex + ey*ey
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
