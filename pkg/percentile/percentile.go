// Package percentile computes order statistics with the same rank conventions
// as numpy.percentile, so thresholds match the reference pipeline bit for bit.
package percentile

import (
	"math"
	"slices"
)

// Method selects how a percentile falling between two ranks is resolved
type Method int

const (
	// Linear interpolates between the two nearest ranks (numpy default)
	Linear Method = iota

	// Midpoint averages the two nearest ranks
	Midpoint
)

// Of returns the p-th percentile (0..100) of values using the given method.
// values is not modified. An empty input yields NaN.
func Of(values []float64, p float64, m Method) float64 {
	if len(values) == 0 {
		return math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return OfSorted(sorted, p, m)
}

// OfSorted is Of for input already sorted ascending
func OfSorted(sorted []float64, p float64, m Method) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[n-1]
	}

	rank := float64(n-1) * (p / 100)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	a, b := sorted[lo], sorted[hi]
	if lo == hi || a == b {
		return a
	}

	switch m {
	case Midpoint:
		return (a + b) / 2
	default:
		frac := rank - float64(lo)
		// numpy lerps from the nearer end to stay monotonic in frac
		if frac >= 0.5 {
			return b - (b-a)*(1-frac)
		}
		return a + (b-a)*frac
	}
}

// Pair returns the lower and upper percentiles of values with a single sort
func Pair(values []float64, lower, upper float64, m Method) (float64, float64) {
	if len(values) == 0 {
		return math.NaN(), math.NaN()
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	return OfSorted(sorted, lower, m), OfSorted(sorted, upper, m)
}
