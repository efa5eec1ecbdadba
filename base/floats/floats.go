package floats

import (
	"math"
	"slices"
)

// madScale converts a median absolute deviation into a consistent estimator
// of the standard deviation of normally distributed data.
const madScale = 1.4826

func midpoint(x, y float64) float64 {
	return x + (y-x)/2.0
}

// Median returns the median of fs. The slice is sorted in place.
func Median(fs []float64) float64 {
	n := len(fs)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(fs)
	i := n / 2
	if n%2 != 0 {
		return fs[i]
	}
	return midpoint(fs[i-1], fs[i])
}

// Spread returns the median of fs together with the scaled median absolute
// deviation around it. fs is left untouched.
func Spread(fs []float64) (median, spread float64) {
	if len(fs) == 0 {
		panic("unexpected number of values")
	}
	xs := slices.Clone(fs)
	median = Median(xs)
	for i, x := range xs {
		xs[i] = math.Abs(x - median)
	}
	spread = madScale * Median(xs)
	return
}

func IsFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}
