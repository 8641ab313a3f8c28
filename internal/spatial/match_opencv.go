//go:build cgo

package spatial

import "gocv.io/x/gocv"

// matchRatio runs a brute-force L2 2-nn search through OpenCV and applies the
// ratio test to each pair.
func matchRatio(query, train [][]float32, ratio float64) []Match {
	if len(query[0]) != len(train[0]) {
		return nil
	}
	q, ok := descriptorMat(query)
	if !ok {
		return nil
	}
	defer q.Close()
	t, ok := descriptorMat(train)
	if !ok {
		return nil
	}
	defer t.Close()

	matcher := gocv.NewBFMatcher()
	defer matcher.Close()

	var matches []Match
	for _, pair := range matcher.KnnMatch(q, t, 2) {
		if len(pair) < 2 {
			continue
		}
		if pair[0].Distance < ratio*pair[1].Distance {
			matches = append(matches, Match{
				Query:    pair[0].QueryIdx,
				Train:    pair[0].TrainIdx,
				Distance: pair[0].Distance,
			})
		}
	}
	return matches
}

// descriptorMat packs equal-width descriptors into an n x dim CV_32F Mat.
func descriptorMat(descs [][]float32) (gocv.Mat, bool) {
	dim := len(descs[0])
	if dim == 0 {
		return gocv.Mat{}, false
	}
	m := gocv.NewMatWithSize(len(descs), dim, gocv.MatTypeCV32F)
	for i, d := range descs {
		if len(d) != dim {
			m.Close()
			return gocv.Mat{}, false
		}
		for j, v := range d {
			m.SetFloatAt(i, j, v)
		}
	}
	return m, true
}
