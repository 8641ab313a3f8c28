package retrieval

import (
	"context"
	"image"
	"log/slog"

	"github.com/kozaktomas/turtle-id/internal/features"
	"github.com/kozaktomas/turtle-id/internal/spatial"
)

// RankedCandidate is one search result returned to callers.
type RankedCandidate struct {
	SiteID         string  `json:"site_id"`
	Location       string  `json:"location"`
	StoragePath    string  `json:"storage_path"`
	VectorDistance float64 `json:"vector_distance"`
	SpatialScore   int     `json:"spatial_score"`
	Verified       bool    `json:"verified"`
	IsMirrored     bool    `json:"is_mirrored"`
	Orientation    string  `json:"orientation"`
}

// Pipeline runs retrieval and verification for one orientation of a query.
// Results are sorted by descending spatial score.
type Pipeline interface {
	Run(ctx context.Context, img image.Image, location string, k int) ([]spatial.Candidate, error)
}

// OrchestratorConfig controls the orientation fallback.
type OrchestratorConfig struct {
	CandidatePool       int // diverse candidates verified per orientation
	ConfidenceThreshold int // top spatial score that skips the fallback
	ResultLimit         int
}

// DefaultOrchestratorConfig returns the settings of the reference deployment.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		CandidatePool:       20,
		ConfidenceThreshold: 15,
		ResultLimit:         5,
	}
}

// Orchestrator searches the query as given and, when the best match is not
// confident, the transformed variants of the query.
type Orchestrator struct {
	pipeline     Pipeline
	orientations []features.Orientation
	cfg          OrchestratorConfig
	logger       *slog.Logger
}

// NewOrchestrator creates an orchestrator trying orientations in order after
// the identity search.
func NewOrchestrator(p Pipeline, orientations []features.Orientation, cfg OrchestratorConfig, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{pipeline: p, orientations: orientations, cfg: cfg, logger: logger}
}

func topScore(c []spatial.Candidate) int {
	if len(c) == 0 {
		return 0
	}
	return c[0].SpatialScore
}

// Search returns up to limit ranked candidates; limit <= 0 uses the configured
// result limit. Failures of the identity search are returned; failures of a
// transformed variant are logged and that variant is skipped.
func (o *Orchestrator) Search(ctx context.Context, img image.Image, location string, limit int) ([]RankedCandidate, error) {
	if limit <= 0 {
		limit = o.cfg.ResultLimit
	}
	pool := max(o.cfg.CandidatePool, limit)

	best, err := o.pipeline.Run(ctx, img, location, pool)
	if err != nil {
		return nil, err
	}
	bestOrientation := features.OrientationIdentity
	if topScore(best) >= o.cfg.ConfidenceThreshold {
		return rank(best, bestOrientation, limit), nil
	}

	for _, or := range o.orientations {
		if or == features.OrientationIdentity {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		res, err := o.pipeline.Run(ctx, features.Transform(img, or), location, pool)
		if err != nil {
			o.logger.Warn("transformed query failed", "orientation", or.String(), "error", err)
			continue
		}
		// Only a strictly better transform replaces the current best.
		if topScore(res) > topScore(best) {
			best, bestOrientation = res, or
		}
	}

	if bestOrientation != features.OrientationIdentity {
		o.logger.Debug("transformed query won", "orientation", bestOrientation.String(), "score", topScore(best))
	}
	return rank(best, bestOrientation, limit), nil
}

func rank(c []spatial.Candidate, or features.Orientation, limit int) []RankedCandidate {
	n := min(len(c), limit)
	out := make([]RankedCandidate, n)
	for i := range n {
		out[i] = RankedCandidate{
			SiteID:         c[i].SiteID,
			Location:       c[i].Location,
			StoragePath:    c[i].StoragePath,
			VectorDistance: c[i].VectorDistance,
			SpatialScore:   c[i].SpatialScore,
			Verified:       c[i].Verified,
			IsMirrored:     or.IsMirrored(),
			Orientation:    or.String(),
		}
	}
	return out
}
