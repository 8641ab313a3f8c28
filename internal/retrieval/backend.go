package retrieval

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"

	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/fingerprint"
)

// FeatureBackend turns an image into local descriptors. Implementations must
// be safe for concurrent use.
type FeatureBackend interface {
	// Name identifies the backend in logs and stats.
	Name() string
	// Signature changes whenever descriptors produced before and after the
	// change are not comparable.
	Signature() string
	Extract(ctx context.Context, img image.Image) (*features.DescriptorSet, error)
	// Orientations lists the query transforms the orchestrator may try,
	// identity first.
	Orientations() []features.Orientation
}

// SIFTBackend extracts descriptors locally.
type SIFTBackend struct {
	extractor *features.Extractor
}

// NewSIFTBackend creates a backend with the given extractor parameters.
func NewSIFTBackend(p features.Params) (*SIFTBackend, error) {
	ex, err := features.NewExtractor(p)
	if err != nil {
		return nil, err
	}
	return &SIFTBackend{extractor: ex}, nil
}

func (b *SIFTBackend) Name() string { return "sift" }

func (b *SIFTBackend) Signature() string { return b.extractor.Params().Signature() }

func (b *SIFTBackend) Extract(ctx context.Context, img image.Image) (*features.DescriptorSet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return b.extractor.Extract(img)
}

func (b *SIFTBackend) Orientations() []features.Orientation {
	return []features.Orientation{features.OrientationIdentity, features.OrientationMirror}
}

// RemoteBackend delegates extraction to a learned-feature service.
type RemoteBackend struct {
	client *fingerprint.KeypointClient
	maxDim int
}

// NewRemoteBackend creates a backend that downscales images to maxDim before
// uploading them.
func NewRemoteBackend(client *fingerprint.KeypointClient, maxDim int) *RemoteBackend {
	return &RemoteBackend{client: client, maxDim: maxDim}
}

func (b *RemoteBackend) Name() string { return "remote" }

func (b *RemoteBackend) Signature() string {
	return fmt.Sprintf("remote/v1 model=%s dim=%d", b.client.Model(), b.maxDim)
}

func (b *RemoteBackend) Extract(ctx context.Context, img image.Image) (*features.DescriptorSet, error) {
	img = features.Downscale(img, b.maxDim)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode image: %w", err)
	}

	res, err := b.client.ComputeKeypoints(ctx, buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("feature service: %w", err)
	}
	if len(res.Descriptors) == 0 {
		return nil, features.ErrNoDescriptors
	}

	set := &features.DescriptorSet{
		Keypoints:   make([]features.Keypoint, len(res.Keypoints)),
		Descriptors: res.Descriptors,
		Width:       img.Bounds().Dx(),
		Height:      img.Bounds().Dy(),
	}
	for i, kp := range res.Keypoints {
		set.Keypoints[i] = features.Keypoint{X: kp[0], Y: kp[1]}
		if i < len(res.Scores) {
			set.Keypoints[i].Response = res.Scores[i]
		}
	}
	if err := set.Validate(); err != nil {
		return nil, fmt.Errorf("feature service returned invalid descriptors: %w", err)
	}
	return set, nil
}

func (b *RemoteBackend) Orientations() []features.Orientation {
	return []features.Orientation{
		features.OrientationIdentity,
		features.OrientationMirror,
		features.OrientationRotate90,
		features.OrientationRotate180,
		features.OrientationRotate270,
	}
}
