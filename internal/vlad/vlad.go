// Package vlad aggregates a variable number of local descriptors into one
// fixed-length vector of locally aggregated descriptors.
package vlad

import (
	"errors"
	"fmt"
	"math"

	"github.com/kozaktomas/turtle-id/internal/vocabulary"
)

var (
	// ErrEmptyDescriptors is returned when there is nothing to encode.
	ErrEmptyDescriptors = errors.New("empty descriptor set")

	// ErrDegenerate is returned when the aggregated residuals are all zero,
	// for example when every descriptor coincides with its centroid.
	ErrDegenerate = errors.New("degenerate encoding")
)

// Encode builds the K*D vector for descs. Each descriptor is hard-assigned to
// its nearest centroid and residuals are summed per centroid; centroids
// without assignments keep an all-zero block. The result is power normalized
// (signed square root) and then L2 normalized.
func Encode(descs [][]float32, vocab *vocabulary.Vocabulary) ([]float32, error) {
	if len(descs) == 0 {
		return nil, ErrEmptyDescriptors
	}
	if err := vocab.Validate(); err != nil {
		return nil, err
	}

	dim := vocab.Dim
	acc := make([]float64, vocab.K*dim)
	for i, d := range descs {
		if len(d) != dim {
			return nil, fmt.Errorf("descriptor %d has width %d, vocabulary expects %d", i, len(d), dim)
		}
		c, _ := vocab.Nearest(d)
		block := acc[c*dim : (c+1)*dim]
		centroid := vocab.Centroids[c]
		for j, x := range d {
			block[j] += float64(x) - float64(centroid[j])
		}
	}

	var norm float64
	for i, x := range acc {
		x = math.Copysign(math.Sqrt(math.Abs(x)), x)
		acc[i] = x
		norm += x * x
	}
	if norm == 0 {
		return nil, ErrDegenerate
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(acc))
	for i, x := range acc {
		out[i] = float32(x / norm)
	}
	return out, nil
}

// Norm returns the L2 norm of v.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
