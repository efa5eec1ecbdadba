package poll

import (
	"time"

	"example.com/eng-clock/base/timemath"
)

type Params struct {
	// Desired bound on the offset standard deviation (s)
	TargetPrecision float64
	MinInterval     time.Duration
	MaxInterval     time.Duration
	Growth          float64
	Shrink          float64
}

// State is the scheduling history that the next interval depends on.
type State struct {
	Interval time.Duration // zero before the first poll
	Failed   bool
}

// NextInterval is the poll interval control law. With the offset variance
// above twice the target variance the interval drops to the minimum. A
// failed burst or a variance above target shrinks the interval, otherwise
// it grows geometrically. The result lies in [MinInterval, MaxInterval].
func NextInterval(s State, offsetVar float64, p Params) time.Duration {
	target := p.TargetPrecision * p.TargetPrecision
	prev := s.Interval
	if prev <= 0 {
		prev = p.MinInterval
	}
	var next time.Duration
	switch {
	case offsetVar > 2*target:
		next = p.MinInterval
	case s.Failed || offsetVar > target:
		next = timemath.Duration(timemath.Seconds(prev) * p.Shrink)
	default:
		next = timemath.Duration(timemath.Seconds(prev) * p.Growth)
	}
	return timemath.Clamp(next, p.MinInterval, p.MaxInterval)
}
