//go:build cgo

package spatial

import "gocv.io/x/gocv"

func estimateHomography(src, dst [][2]float64, p RansacParams) (Homography, []bool, error) {
	srcMat := pointMat(src)
	defer srcMat.Close()
	dstMat := pointMat(dst)
	defer dstMat.Close()

	mask := gocv.NewMat()
	defer mask.Close()
	hm := gocv.FindHomography(srcMat, dstMat, gocv.HomographyMethodRANSAC, p.Threshold, &mask, max(p.MaxIterations, 1), p.Confidence)
	defer hm.Close()
	if hm.Empty() || hm.Rows() != 3 || hm.Cols() != 3 || mask.Rows() != len(src) {
		return Homography{}, nil, ErrNoModel
	}

	var h Homography
	for r := range 3 {
		for c := range 3 {
			h[r*3+c] = hm.GetDoubleAt(r, c)
		}
	}
	inliers := make([]bool, len(src))
	for i := range inliers {
		inliers[i] = mask.GetUCharAt(i, 0) != 0
	}
	if CountInliers(inliers) < 4 {
		return Homography{}, nil, ErrNoModel
	}
	return h, inliers, nil
}

// pointMat stores points as an n x 1 two-channel CV_64F Mat.
func pointMat(pts [][2]float64) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 1, gocv.MatTypeCV64FC2)
	for i, p := range pts {
		m.SetDoubleAt(i, 0, p[0])
		m.SetDoubleAt(i, 1, p[1])
	}
	return m
}
