// Package cluster seeds identity labels for an unlabeled corpus by
// density-based clustering of encoded image vectors.
package cluster

import (
	"fmt"
	"math"
)

// Noise is the label of points that belong to no dense cluster.
const Noise = -1

// DBSCAN labels each vector with a cluster index starting at 0, or Noise.
// A point is a core point when at least minSamples points, itself included,
// lie within eps of it (L2 distance). Cluster numbering follows the order in
// which clusters are first discovered, so identical input yields identical labels.
func DBSCAN(vectors [][]float32, eps float64, minSamples int) []int {
	const unvisited = -2

	labels := make([]int, len(vectors))
	for i := range labels {
		labels[i] = unvisited
	}

	cluster := 0
	for i := range vectors {
		if labels[i] != unvisited {
			continue
		}
		neighbors := regionQuery(vectors, i, eps)
		if len(neighbors) < minSamples {
			labels[i] = Noise
			continue
		}

		labels[i] = cluster
		queue := append([]int(nil), neighbors...)
		for len(queue) > 0 {
			j := queue[0]
			queue = queue[1:]
			if labels[j] == Noise {
				// Border point reached from a core point.
				labels[j] = cluster
			}
			if labels[j] != unvisited {
				continue
			}
			labels[j] = cluster
			if next := regionQuery(vectors, j, eps); len(next) >= minSamples {
				queue = append(queue, next...)
			}
		}
		cluster++
	}
	return labels
}

func regionQuery(vectors [][]float32, i int, eps float64) []int {
	eps2 := eps * eps
	var out []int
	for j, v := range vectors {
		var sum float64
		for d, x := range v {
			diff := float64(x) - float64(vectors[i][d])
			sum += diff * diff
			if sum > eps2 {
				break
			}
		}
		if sum <= eps2 {
			out = append(out, j)
		}
	}
	return out
}

// Summary describes a labeling.
type Summary struct {
	Clusters int
	Noise    int
	Largest  int
}

// Summarize counts clusters and noise points in labels.
func Summarize(labels []int) Summary {
	sizes := make(map[int]int)
	var s Summary
	for _, l := range labels {
		if l == Noise {
			s.Noise++
			continue
		}
		sizes[l]++
	}
	s.Clusters = len(sizes)
	for _, n := range sizes {
		s.Largest = max(s.Largest, n)
	}
	return s
}

// SiteLabel maps a cluster label to a site identifier. Noise maps to unassigned.
func SiteLabel(label int, unassigned string) string {
	if label == Noise {
		return unassigned
	}
	return fmt.Sprintf("site-%d", label)
}

// SuggestEps returns the median distance from each point to its
// (minSamples-1)-th nearest neighbor, a common starting radius for DBSCAN.
func SuggestEps(vectors [][]float32, minSamples int) float64 {
	k := max(minSamples-1, 1)
	if len(vectors) <= k {
		return 0
	}
	kth := make([]float64, len(vectors))
	for i, a := range vectors {
		dists := make([]float64, 0, len(vectors)-1)
		for j, b := range vectors {
			if i == j {
				continue
			}
			var sum float64
			for d := range a {
				diff := float64(a[d]) - float64(b[d])
				sum += diff * diff
			}
			dists = append(dists, math.Sqrt(sum))
		}
		kth[i] = nthSmallest(dists, k-1)
	}
	return nthSmallest(kth, len(kth)/2)
}

// nthSmallest returns the n-th smallest element (0-based). It reorders s.
func nthSmallest(s []float64, n int) float64 {
	lo, hi := 0, len(s)-1
	for lo < hi {
		pivot := s[(lo+hi)/2]
		i, j := lo, hi
		for i <= j {
			for s[i] < pivot {
				i++
			}
			for s[j] > pivot {
				j--
			}
			if i <= j {
				s[i], s[j] = s[j], s[i]
				i++
				j--
			}
		}
		switch {
		case n <= j:
			hi = j
		case n >= i:
			lo = i
		default:
			return s[n]
		}
	}
	return s[n]
}
