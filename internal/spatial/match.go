// Package spatial re-scores retrieval candidates by counting geometrically
// consistent keypoint correspondences.
package spatial

// Match pairs a query descriptor with its nearest train descriptor.
type Match struct {
	Query    int
	Train    int
	Distance float64
}

// MatchRatio matches every query descriptor to its nearest train descriptor
// and keeps the match only when the nearest distance is below ratio times the
// second-nearest distance. With fewer than two train descriptors no match can
// pass the test.
func MatchRatio(query, train [][]float32, ratio float64) []Match {
	if len(train) < 2 || len(query) == 0 {
		return nil
	}
	return matchRatio(query, train, ratio)
}
