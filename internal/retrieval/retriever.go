// Package retrieval owns the loaded artifacts and runs the query pipeline:
// extract, encode, diverse index search, geometric rerank and the
// orientation fallback.
package retrieval

import (
	"github.com/kozaktomas/turtle-id/internal/database"
	"github.com/kozaktomas/turtle-id/internal/spatial"
)

// DefaultOversample is how many raw neighbors are pulled per requested identity.
const DefaultOversample = 10

// Retriever wraps index search so that every returned candidate belongs to a
// different identity.
type Retriever struct {
	index      *database.Index
	oversample int
}

// NewRetriever creates a retriever over index.
func NewRetriever(index *database.Index, oversample int) *Retriever {
	if oversample <= 0 {
		oversample = DefaultOversample
	}
	return &Retriever{index: index, oversample: oversample}
}

// Retrieve returns up to k candidates in ascending vector distance, keeping
// only the nearest image of each site. A non-empty location restricts the
// search to that location with an exact scan. Images without a site are each
// treated as their own identity.
func (r *Retriever) Retrieve(query []float32, location string, k int) ([]spatial.Candidate, error) {
	if k <= 0 || r.index.Len() == 0 {
		return []spatial.Candidate{}, nil
	}

	var hits []database.Neighbor
	var err error
	if location != "" {
		hits, err = r.index.SearchSubset(query, r.index.PositionsForLocation(location), k*r.oversample)
	} else {
		hits, err = r.index.Search(query, k*r.oversample)
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, k)
	out := make([]spatial.Candidate, 0, k)
	for _, h := range hits {
		rec, ok := r.index.Record(h.Position)
		if !ok {
			continue
		}
		identity := rec.SiteID
		if identity == "" || identity == database.UnassignedSite {
			identity = "\x00" + rec.StoragePath
		}
		if _, dup := seen[identity]; dup {
			continue
		}
		seen[identity] = struct{}{}

		out = append(out, spatial.Candidate{
			Position:       h.Position,
			SiteID:         rec.SiteID,
			Location:       rec.Location,
			StoragePath:    rec.StoragePath,
			ImageKey:       rec.ImageKey,
			VectorDistance: h.Distance,
		})
		if len(out) == k {
			break
		}
	}
	return out, nil
}
