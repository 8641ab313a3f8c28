package spatial

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/kozaktomas/turtle-id/internal/features"
)

// ErrVerificationSkipped is returned with the unmodified candidate list when
// the query has no descriptors to verify with.
var ErrVerificationSkipped = errors.New("verification skipped: query has no descriptors")

// minCorrespondences is the smallest match set a homography can be fitted to.
const minCorrespondences = 4

// Candidate is one identity proposed by retrieval.
type Candidate struct {
	Position       int
	SiteID         string
	Location       string
	StoragePath    string
	ImageKey       string
	VectorDistance float64
	SpatialScore   int
	Verified       bool // false when the candidate's descriptors were unavailable
}

// DescriptorSource loads archived descriptors by image key.
type DescriptorSource interface {
	Get(key string) (*features.DescriptorSet, error)
}

// Config controls geometric verification.
type Config struct {
	Ratio      float64 // nearest/second-nearest ratio test
	MinMatches int
	Ransac     RansacParams
}

// DefaultConfig returns the verification settings of the reference deployment.
func DefaultConfig() Config {
	return Config{
		Ratio:      0.7,
		MinMatches: minCorrespondences,
		Ransac:     DefaultRansacParams(),
	}
}

// Verifier reranks candidates by RANSAC inlier count.
type Verifier struct {
	cfg    Config
	source DescriptorSource
	logger *slog.Logger
}

// NewVerifier creates a verifier reading candidate descriptors from source.
func NewVerifier(cfg Config, source DescriptorSource, logger *slog.Logger) *Verifier {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.MinMatches = max(cfg.MinMatches, minCorrespondences)
	return &Verifier{cfg: cfg, source: source, logger: logger}
}

// Score returns the number of homography inliers between two descriptor
// sets, or 0 when too few ratio-test matches survive or no model fits.
func (v *Verifier) Score(query, candidate *features.DescriptorSet) int {
	if query.Len() == 0 || candidate.Len() == 0 {
		return 0
	}
	matches := MatchRatio(query.Descriptors, candidate.Descriptors, v.cfg.Ratio)
	if len(matches) < v.cfg.MinMatches {
		return 0
	}
	src := make([][2]float64, len(matches))
	dst := make([][2]float64, len(matches))
	for i, m := range matches {
		q, c := query.Keypoints[m.Query], candidate.Keypoints[m.Train]
		src[i] = [2]float64{float64(q.X), float64(q.Y)}
		dst[i] = [2]float64{float64(c.X), float64(c.Y)}
	}
	_, mask, err := EstimateHomography(src, dst, v.cfg.Ransac)
	if err != nil {
		return 0
	}
	return CountInliers(mask)
}

// Rerank scores every candidate against the query and returns a new slice
// sorted by descending spatial score; ties keep their retrieval order.
// Candidates whose descriptors cannot be loaded stay in the list with score 0.
// A query without descriptors yields the input list and ErrVerificationSkipped.
// Cancellation is checked between candidates.
func (v *Verifier) Rerank(ctx context.Context, query *features.DescriptorSet, candidates []Candidate) ([]Candidate, error) {
	if query.Len() == 0 {
		return candidates, ErrVerificationSkipped
	}

	out := make([]Candidate, len(candidates))
	copy(out, candidates)
	for i := range out {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c := &out[i]
		c.SpatialScore = 0
		c.Verified = false

		set, err := v.source.Get(c.ImageKey)
		if err != nil {
			v.logger.Warn("candidate descriptors unavailable", "path", c.StoragePath, "site_id", c.SiteID, "error", err)
			continue
		}
		c.SpatialScore = v.Score(query, set)
		c.Verified = true
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SpatialScore > out[j].SpatialScore
	})
	return out, nil
}
