package floats

// ExpAvg is an exponentially smoothed moving average with smoothing
// timescale 1/eps. The denominator tracks the accumulated weight so that
// early estimates are not biased towards zero.
type ExpAvg struct {
	eps         float64
	numerator   float64
	denominator float64
}

func NewExpAvg(eps float64) ExpAvg {
	if !(0.0 < eps && eps < 1.0) {
		panic("unexpected smoothing factor")
	}
	return ExpAvg{eps: eps}
}

func (a *ExpAvg) Add(x float64) float64 {
	a.numerator += a.eps * (x - a.numerator)
	a.denominator += a.eps * (1.0 - a.denominator)
	return a.numerator / a.denominator
}

// Value returns the current average, or false if no sample has been added.
func (a ExpAvg) Value() (float64, bool) {
	if a.denominator == 0.0 {
		return 0.0, false
	}
	return a.numerator / a.denominator, true
}

func (a *ExpAvg) Reset() {
	a.numerator = 0.0
	a.denominator = 0.0
}
