package estimator

import "math"

// Gaussian is a scalar normal distribution given by mean and variance.
type Gaussian struct {
	Mean float64
	Var  float64
}

func (g Gaussian) StdDev() float64 {
	return math.Sqrt(g.Var)
}

// Fuse combines a prior with an independent observation of the same
// quantity. The posterior variance never exceeds the prior variance.
func Fuse(prior, obs Gaussian) Gaussian {
	if prior.Var < 0 || obs.Var < 0 {
		panic("unexpected negative variance")
	}
	s := prior.Var + obs.Var
	if s == 0 {
		return prior
	}
	if math.IsInf(prior.Var, 1) {
		return obs
	}
	k := prior.Var / s
	return Gaussian{
		Mean: prior.Mean + k*(obs.Mean-prior.Mean),
		Var:  prior.Var * obs.Var / s,
	}
}
