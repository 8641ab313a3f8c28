package features

import (
	"errors"
	"fmt"
)

// Params fixes the preprocessing and detector settings. Descriptors computed
// with different Params are not comparable.
type Params struct {
	MaxImageDim       int     // longer side cap before extraction, 0 disables
	ClaheClipLimit    float64 // contrast-limited equalization clip, 0 disables
	ClaheTiles        int     // tiles per side for equalization
	OctaveLayers      int
	ContrastThreshold float64
	EdgeThreshold     float64
	Sigma             float64
	MaxFeatures       int // 0 keeps every keypoint
}

// DefaultParams returns the settings the reference corpus was built with.
func DefaultParams() Params {
	return Params{
		MaxImageDim:       1024,
		ClaheClipLimit:    2.0,
		ClaheTiles:        16,
		OctaveLayers:      3,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
		Sigma:             1.6,
		MaxFeatures:       0,
	}
}

// Validate checks that the parameters describe a usable detector.
func (p Params) Validate() error {
	switch {
	case p.MaxImageDim < 0:
		return errors.New("max image dimension must not be negative")
	case p.ClaheClipLimit < 0:
		return errors.New("clahe clip limit must not be negative")
	case p.ClaheClipLimit > 0 && p.ClaheTiles < 1:
		return errors.New("clahe tiles must be at least 1")
	case p.OctaveLayers < 1:
		return errors.New("octave layers must be at least 1")
	case p.ContrastThreshold <= 0:
		return errors.New("contrast threshold must be positive")
	case p.EdgeThreshold <= 1:
		return errors.New("edge threshold must be greater than 1")
	case p.Sigma <= 0:
		return errors.New("sigma must be positive")
	case p.MaxFeatures < 0:
		return errors.New("max features must not be negative")
	}
	return nil
}

// Signature identifies the parameter set and the detector implementation.
// Cached descriptors stored under a different signature must be recomputed.
func (p Params) Signature() string {
	return fmt.Sprintf("sift/v1 impl=%s dim=%d clahe=%.3f:%d layers=%d contrast=%.4f edge=%.2f sigma=%.3f max=%d",
		detectorImpl, p.MaxImageDim, p.ClaheClipLimit, p.ClaheTiles, p.OctaveLayers,
		p.ContrastThreshold, p.EdgeThreshold, p.Sigma, p.MaxFeatures)
}
