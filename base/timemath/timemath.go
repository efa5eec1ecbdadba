package timemath

import (
	"slices"
	"time"
)

func Seconds(d time.Duration) float64 {
	return d.Seconds()
}

func Duration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func Clamp(d, lo, hi time.Duration) time.Duration {
	if lo > hi {
		panic("unexpected duration bounds")
	}
	switch {
	case d < lo:
		return lo
	case d > hi:
		return hi
	default:
		return d
	}
}

func midpoint(x, y time.Duration) time.Duration {
	return x + (y-x)/2
}

func Median(ds []time.Duration) time.Duration {
	n := len(ds)
	if n == 0 {
		panic("unexpected number of values")
	}
	slices.Sort(ds)
	i := n / 2
	if n%2 != 0 {
		return ds[i]
	}
	return midpoint(ds[i-1], ds[i])
}
