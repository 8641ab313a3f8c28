// Package features turns raster images into scale and rotation invariant
// local keypoint descriptors.
package features

import (
	"errors"
	"math"
)

var (
	// ErrImageUnreadable is returned when an image cannot be opened or decoded.
	ErrImageUnreadable = errors.New("image unreadable")

	// ErrNoDescriptors is returned when the detector finds no usable keypoints.
	ErrNoDescriptors = errors.New("no descriptors found")
)

// DescriptorDim is the width of a SIFT descriptor (4x4 spatial bins, 8 orientation bins).
const DescriptorDim = 128

// Keypoint is a detected interest point in the coordinate frame of the
// preprocessed (downscaled) image.
type Keypoint struct {
	X        float32
	Y        float32
	Size     float32
	Angle    float32 // degrees, [0, 360)
	Response float32
	Octave   int
}

// DescriptorSet holds the keypoints of one image and one descriptor per keypoint.
// Keypoints[i] corresponds to Descriptors[i].
type DescriptorSet struct {
	Keypoints   []Keypoint
	Descriptors [][]float32
	Width       int // preprocessed image width
	Height      int // preprocessed image height
}

// Len returns the number of descriptors in the set.
func (s *DescriptorSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Descriptors)
}

// Dim returns the descriptor width, or 0 for an empty set.
func (s *DescriptorSet) Dim() int {
	if s.Len() == 0 {
		return 0
	}
	return len(s.Descriptors[0])
}

// Points returns the keypoint coordinates as float64 pairs.
func (s *DescriptorSet) Points() [][2]float64 {
	pts := make([][2]float64, len(s.Keypoints))
	for i, kp := range s.Keypoints {
		pts[i] = [2]float64{float64(kp.X), float64(kp.Y)}
	}
	return pts
}

// Validate checks that keypoints and descriptors stay aligned and that all
// descriptors share one width.
func (s *DescriptorSet) Validate() error {
	if len(s.Keypoints) != len(s.Descriptors) {
		return errors.New("keypoint and descriptor counts differ")
	}
	dim := s.Dim()
	for _, d := range s.Descriptors {
		if len(d) != dim {
			return errors.New("descriptors have mixed widths")
		}
		for _, v := range d {
			if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
				return errors.New("descriptor contains non-finite value")
			}
		}
	}
	return nil
}
