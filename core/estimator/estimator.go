// Package estimator maintains the belief about the offset and drift of the
// local clock relative to reference time.
//
// Updates are serialized by the owner of an Estimator; readers use
// Snapshot, which never blocks.
package estimator

import (
	"math"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"example.com/eng-clock/core/measurements"
)

// Minimum credible measurement precision (s)
const minPrecision = 1e-6

type Params struct {
	InitialOffsetStdDev  float64
	InitialDriftStdDev   float64
	Noise                Noise
	DelayNoiseFactor     float64
	MinMeasurementStdDev float64
}

type Estimator struct {
	log      *zap.Logger
	params   Params
	belief   Belief
	snapshot atomic.Pointer[Belief]
}

func New(log *zap.Logger, params Params, now time.Time) *Estimator {
	return Restore(log, params,
		Prior(now, params.InitialOffsetStdDev, params.InitialDriftStdDev))
}

// Restore creates an estimator continuing from a previously saved belief.
func Restore(log *zap.Logger, params Params, b Belief) *Estimator {
	e := &Estimator{log: log, params: params}
	e.publish(b)
	return e
}

func (e *Estimator) publish(b Belief) {
	e.belief = b
	s := b
	e.snapshot.Store(&s)
}

func (e *Estimator) Params() Params {
	return e.params
}

// Snapshot returns the most recently published belief.
func (e *Estimator) Snapshot() Belief {
	return *e.snapshot.Load()
}

func (e *Estimator) Predict(now time.Time) Belief {
	b := e.belief.Predict(now, e.params.Noise)
	if b != e.belief {
		e.publish(b)
	}
	return b
}

func (e *Estimator) Update(at time.Time, offset, r float64) Belief {
	prior := e.belief.Predict(at, e.params.Noise)
	b := e.belief.Update(at, offset, r, e.params.Noise)
	e.publish(b)
	e.log.Debug("updated belief",
		zap.Float64("observation", offset),
		zap.Float64("stdDev", math.Sqrt(r)),
		zap.Float64("priorStdDev", prior.OffsetStdDev()),
		zap.Object("belief", b))
	return b
}

// UpdateSample folds a screened sample into the belief.
func (e *Estimator) UpdateSample(s measurements.Sample) Belief {
	r := MeasurementVariance(s.Delay(), s.Precision, e.params)
	return e.Update(s.Time(), s.Offset().Seconds(), r)
}

// MeasurementVariance maps the round trip delay and advertised server
// precision of a sample to the variance of its offset (s^2). The delay
// bounds the asymmetry error of the offset.
func MeasurementVariance(delay, precision time.Duration, p Params) float64 {
	sd := math.Max(p.MinMeasurementStdDev, p.DelayNoiseFactor*delay.Seconds())
	pr := math.Max(minPrecision, precision.Seconds())
	return sd*sd + pr*pr
}
