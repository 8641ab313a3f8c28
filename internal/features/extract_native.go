//go:build !cgo

package features

import "image"

const detectorImpl = "native"

func newDetector(p Params) detector {
	return &siftDetector{
		layers:            p.OctaveLayers,
		sigma:             p.Sigma,
		contrastThreshold: p.ContrastThreshold,
		edgeThreshold:     p.EdgeThreshold,
		maxFeatures:       p.MaxFeatures,
	}
}

func equalize(g *image.Gray, clipLimit float64, tiles int) *image.Gray {
	return EqualizeAdaptive(g, clipLimit, tiles)
}
