package measurements

// Filter selects the sample of a burst that is passed on to the estimator.
// drift is the current estimate of the local clock drift (s/s), used to
// compare samples taken at different times.
type Filter interface {
	Do(samples []Sample, drift float64) (Sample, bool)
	Reset()
}
