//go:build !cgo

package spatial

import (
	"math"
	"math/rand/v2"
	"slices"

	"gonum.org/v1/gonum/mat"
)

func (h Homography) mul(o Homography) Homography {
	var r Homography
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				r[i*3+j] += h[i*3+k] * o[k*3+j]
			}
		}
	}
	return r
}

func estimateHomography(src, dst [][2]float64, p RansacParams) (Homography, []bool, error) {
	n := len(src)
	rng := rand.New(rand.NewPCG(p.Seed, uint64(n))) //nolint:gosec // reproducible sampling
	thr2 := p.Threshold * p.Threshold

	var best Homography
	var bestMask []bool
	bestCount := 0

	iterations := max(p.MaxIterations, 1)
	sample := make([]int, 4)
	s4, d4 := make([][2]float64, 4), make([][2]float64, 4)
	for it := 0; it < iterations; it++ {
		pickDistinct(rng, n, sample)
		for i, idx := range sample {
			s4[i], d4[i] = src[idx], dst[idx]
		}
		if degenerate(s4) || degenerate(d4) {
			continue
		}
		h, ok := fitDLT(s4, d4)
		if !ok {
			continue
		}
		mask, count := inliers(h, src, dst, thr2)
		if count > bestCount {
			best, bestMask, bestCount = h, mask, count
			iterations = min(iterations, adaptiveIterations(float64(count)/float64(n), p.Confidence, p.MaxIterations))
		}
	}
	if bestCount < 4 {
		return Homography{}, nil, ErrNoModel
	}

	// Refit on all inliers and keep the refined model if it is at least as good.
	var is, id [][2]float64
	for i, in := range bestMask {
		if in {
			is, id = append(is, src[i]), append(id, dst[i])
		}
	}
	if refined, ok := fitDLT(is, id); ok {
		if mask, count := inliers(refined, src, dst, thr2); count >= bestCount {
			best, bestMask = refined, mask
		}
	}
	return best, bestMask, nil
}

func adaptiveIterations(inlierRatio, confidence float64, limit int) int {
	if inlierRatio >= 1 {
		return 1
	}
	p := math.Pow(inlierRatio, 4)
	if p <= 0 || confidence <= 0 || confidence >= 1 {
		return limit
	}
	n := math.Log(1-confidence) / math.Log(1-p)
	if math.IsNaN(n) || n > float64(limit) {
		return limit
	}
	return max(int(math.Ceil(n)), 1)
}

func pickDistinct(rng *rand.Rand, n int, out []int) {
	for i := range out {
		for {
			v := rng.IntN(n)
			if !slices.Contains(out[:i], v) {
				out[i] = v
				break
			}
		}
	}
}

// degenerate reports whether any three of the four points are nearly collinear.
func degenerate(pts [][2]float64) bool {
	for i := 0; i < 4; i++ {
		for j := i + 1; j < 4; j++ {
			for k := j + 1; k < 4; k++ {
				a, b, c := pts[i], pts[j], pts[k]
				area := (b[0]-a[0])*(c[1]-a[1]) - (b[1]-a[1])*(c[0]-a[0])
				if math.Abs(area) < 1e-6 {
					return true
				}
			}
		}
	}
	return false
}

func inliers(h Homography, src, dst [][2]float64, thr2 float64) ([]bool, int) {
	mask := make([]bool, len(src))
	count := 0
	for i := range src {
		x, y, ok := h.Apply(src[i][0], src[i][1])
		if !ok {
			continue
		}
		dx, dy := x-dst[i][0], y-dst[i][1]
		if dx*dx+dy*dy <= thr2 {
			mask[i] = true
			count++
		}
	}
	return mask, count
}

// normalization returns the similarity transform moving the centroid to the
// origin with mean distance sqrt(2), and its inverse.
func normalization(pts [][2]float64) (Homography, Homography) {
	var cx, cy float64
	for _, p := range pts {
		cx += p[0]
		cy += p[1]
	}
	cx /= float64(len(pts))
	cy /= float64(len(pts))
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p[0]-cx, p[1]-cy)
	}
	mean /= float64(len(pts))
	s := math.Sqrt2 / math.Max(mean, 1e-12)

	t := Homography{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
	inv := Homography{1 / s, 0, cx, 0, 1 / s, cy, 0, 0, 1}
	return t, inv
}

// fitDLT solves for the homography with the normalized direct linear
// transform. The solution is the right singular vector of the smallest
// singular value.
func fitDLT(src, dst [][2]float64) (Homography, bool) {
	n := len(src)
	if n < 4 {
		return Homography{}, false
	}
	ts, _ := normalization(src)
	td, tdInv := normalization(dst)

	rows := max(2*n, 9)
	a := mat.NewDense(rows, 9, nil)
	for i := range n {
		x, y, _ := ts.Apply(src[i][0], src[i][1])
		u, v, _ := td.Apply(dst[i][0], dst[i][1])
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return Homography{}, false
	}
	var vt mat.Dense
	svd.VTo(&vt)

	var hn Homography
	for i := range 9 {
		hn[i] = vt.At(i, 8)
	}
	h := tdInv.mul(hn).mul(ts)
	if math.Abs(h[8]) < 1e-12 {
		return Homography{}, false
	}
	for i := range h {
		h[i] /= h[8]
	}
	for _, v := range h {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Homography{}, false
		}
	}
	return h, true
}
