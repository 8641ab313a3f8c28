// Package vocabulary learns and persists the visual codebook used for VLAD
// encoding.
package vocabulary

import (
	"errors"
	"fmt"
	"math"
)

// ErrVocabularyMissingOrCorrupt is returned when a codebook is absent, fails
// to decode, or has no fitted centroids. Callers retrain instead of encoding.
var ErrVocabularyMissingOrCorrupt = errors.New("vocabulary missing or corrupt")

// Vocabulary is an immutable set of K centroids of width Dim.
type Vocabulary struct {
	K         int
	Dim       int
	Centroids [][]float32
	Backend   string // signature of the descriptors the codebook was fitted on
	Seed      uint64

	// Generation is the artifact generation the vocabulary was loaded from or saved into.
	Generation string
}

// Validate reports ErrVocabularyMissingOrCorrupt unless every centroid is
// populated with finite values and at least one centroid is non-zero.
func (v *Vocabulary) Validate() error {
	if v == nil {
		return fmt.Errorf("%w: nil vocabulary", ErrVocabularyMissingOrCorrupt)
	}
	if v.K <= 0 || v.Dim <= 0 {
		return fmt.Errorf("%w: K=%d dim=%d", ErrVocabularyMissingOrCorrupt, v.K, v.Dim)
	}
	if len(v.Centroids) != v.K {
		return fmt.Errorf("%w: %d centroids, want %d", ErrVocabularyMissingOrCorrupt, len(v.Centroids), v.K)
	}
	fitted := false
	for i, c := range v.Centroids {
		if len(c) != v.Dim {
			return fmt.Errorf("%w: centroid %d has width %d, want %d", ErrVocabularyMissingOrCorrupt, i, len(c), v.Dim)
		}
		for _, x := range c {
			if math.IsNaN(float64(x)) || math.IsInf(float64(x), 0) {
				return fmt.Errorf("%w: centroid %d is not finite", ErrVocabularyMissingOrCorrupt, i)
			}
			if x != 0 {
				fitted = true
			}
		}
	}
	if !fitted {
		return fmt.Errorf("%w: centroids are unfitted", ErrVocabularyMissingOrCorrupt)
	}
	return nil
}

// EncodedDim is the width of a VLAD vector built from this vocabulary.
func (v *Vocabulary) EncodedDim() int {
	return v.K * v.Dim
}

// Nearest returns the index of the closest centroid and its squared L2 distance.
func (v *Vocabulary) Nearest(d []float32) (int, float64) {
	best, bestDist := 0, math.Inf(1)
	for i, c := range v.Centroids {
		var dist float64
		for j, x := range c {
			diff := float64(d[j]) - float64(x)
			dist += diff * diff
			if dist >= bestDist {
				break
			}
		}
		if dist < bestDist {
			best, bestDist = i, dist
		}
	}
	return best, bestDist
}
