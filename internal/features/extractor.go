package features

import (
	"fmt"
	"image"
	"sort"
)

// minImageSide is the smallest preprocessed side length worth detecting on.
const minImageSide = 16

// detector finds keypoints on a preprocessed grayscale image and describes
// them. The default build runs OpenCV SIFT through gocv; builds without cgo
// use the native scale-space implementation.
type detector interface {
	detect(img *image.Gray) ([]Keypoint, [][]float32)
}

// Extractor computes descriptor sets with a fixed parameter set. It holds no
// mutable state and is safe for concurrent use.
type Extractor struct {
	params   Params
	detector detector
}

// NewExtractor creates an extractor for the given parameters.
func NewExtractor(p Params) (*Extractor, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid extractor params: %w", err)
	}
	return &Extractor{params: p, detector: newDetector(p)}, nil
}

// Params returns the extractor's parameters.
func (e *Extractor) Params() Params {
	return e.params
}

// Prepare runs the preprocessing stages: downscale, grayscale and local
// contrast equalization.
func (e *Extractor) Prepare(img image.Image) *image.Gray {
	gray := ToGray(Downscale(img, e.params.MaxImageDim))
	if e.params.ClaheClipLimit > 0 {
		gray = equalize(gray, e.params.ClaheClipLimit, e.params.ClaheTiles)
	}
	return gray
}

// Extract detects keypoints and computes their descriptors. It returns
// ErrNoDescriptors when nothing usable is found.
func (e *Extractor) Extract(img image.Image) (*DescriptorSet, error) {
	gray := e.Prepare(img)
	if gray.Rect.Dx() < minImageSide || gray.Rect.Dy() < minImageSide {
		return nil, ErrNoDescriptors
	}
	kps, descs := e.detector.detect(gray)
	if len(kps) == 0 {
		return nil, ErrNoDescriptors
	}
	return &DescriptorSet{
		Keypoints:   kps,
		Descriptors: descs,
		Width:       gray.Rect.Dx(),
		Height:      gray.Rect.Dy(),
	}, nil
}

// ExtractFile decodes the image at path and extracts its descriptors.
func (e *Extractor) ExtractFile(path string) (*DescriptorSet, error) {
	img, err := DecodeFile(path)
	if err != nil {
		return nil, err
	}
	set, err := e.Extract(img)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return set, nil
}

// strongest orders keypoints by descending response and keeps the first n.
func strongest(kps []Keypoint, descs [][]float32, n int) ([]Keypoint, [][]float32) {
	order := make([]int, len(kps))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return kps[order[a]].Response > kps[order[b]].Response
	})
	n = min(n, len(kps))
	outK := make([]Keypoint, n)
	outD := make([][]float32, n)
	for i := range n {
		outK[i] = kps[order[i]]
		outD[i] = descs[order[i]]
	}
	return outK, outD
}
