package spatial

import (
	"errors"
	"math"
)

var (
	// ErrTooFewPoints is returned when fewer than four correspondences are given.
	ErrTooFewPoints = errors.New("homography needs at least 4 correspondences")

	// ErrNoModel is returned when no sample produced a usable homography.
	ErrNoModel = errors.New("no homography found")
)

// Homography is a row-major 3x3 projective transform.
type Homography [9]float64

// Apply maps (x, y). ok is false when the point maps to infinity.
func (h Homography) Apply(x, y float64) (float64, float64, bool) {
	w := h[6]*x + h[7]*y + h[8]
	if math.Abs(w) < 1e-12 {
		return 0, 0, false
	}
	return (h[0]*x + h[1]*y + h[2]) / w, (h[3]*x + h[4]*y + h[5]) / w, true
}

// RansacParams configures robust homography estimation.
type RansacParams struct {
	Threshold     float64 // max reprojection error of an inlier, pixels
	MaxIterations int
	Confidence    float64 // stop once an all-inlier sample was drawn with this probability
	Seed          uint64  // sampling seed of the native estimator; OpenCV keeps its own
}

// DefaultRansacParams returns the estimator settings used for verification.
func DefaultRansacParams() RansacParams {
	return RansacParams{
		Threshold:     5.0,
		MaxIterations: 2000,
		Confidence:    0.995,
		Seed:          1,
	}
}

// EstimateHomography fits a homography mapping src onto dst with RANSAC and
// returns it together with the inlier mask.
func EstimateHomography(src, dst [][2]float64, p RansacParams) (Homography, []bool, error) {
	if len(src) != len(dst) || len(src) < 4 {
		return Homography{}, nil, ErrTooFewPoints
	}
	return estimateHomography(src, dst, p)
}

// CountInliers returns the number of true entries in mask.
func CountInliers(mask []bool) int {
	n := 0
	for _, in := range mask {
		if in {
			n++
		}
	}
	return n
}
