//go:build !cgo

package spatial

import "math"

func matchRatio(query, train [][]float32, ratio float64) []Match {
	ratio2 := ratio * ratio

	var matches []Match
	for qi, q := range query {
		best, second := math.Inf(1), math.Inf(1)
		bestIdx := -1
		for ti, t := range train {
			d := squaredDistance(q, t, second)
			switch {
			case d < best:
				second = best
				best, bestIdx = d, ti
			case d < second:
				second = d
			}
		}
		if bestIdx >= 0 && best < ratio2*second {
			matches = append(matches, Match{Query: qi, Train: bestIdx, Distance: math.Sqrt(best)})
		}
	}
	return matches
}

// squaredDistance stops early once the partial sum exceeds limit.
func squaredDistance(a, b []float32, limit float64) float64 {
	if len(a) != len(b) {
		return math.Inf(1)
	}
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
		if sum > limit {
			return sum
		}
	}
	return sum
}
