package estimator

import (
	"math"
	"time"

	"go.uber.org/zap/zapcore"
)

// Noise holds the process noise densities of the clock model: offset
// variance gained per second of elapsed time (s^2/s) and drift variance
// gained per second ((s/s)^2/s).
type Noise struct {
	Offset float64
	Drift  float64
}

// Belief is the estimated offset of the local clock from reference time
// (reference minus local, in seconds) and its drift (seconds per second),
// anchored at local time AsOf. The last accepted observation is kept for
// the drift update.
type Belief struct {
	Offset    float64   `toml:"offset"`
	OffsetVar float64   `toml:"offset_variance"`
	Drift     float64   `toml:"drift"`
	DriftVar  float64   `toml:"drift_variance"`
	AsOf      time.Time `toml:"as_of"`

	LastAt     time.Time `toml:"last_observation_at,omitempty"`
	LastOffset float64   `toml:"last_observation_offset,omitempty"`
	LastVar    float64   `toml:"last_observation_variance,omitempty"`
}

// Prior returns the wide initial belief anchored at now.
func Prior(now time.Time, offsetStdDev, driftStdDev float64) Belief {
	return Belief{
		OffsetVar: offsetStdDev * offsetStdDev,
		DriftVar:  driftStdDev * driftStdDev,
		AsOf:      now,
	}
}

func (b Belief) OffsetStdDev() float64 {
	return math.Sqrt(b.OffsetVar)
}

func (b Belief) DriftStdDev() float64 {
	return math.Sqrt(b.DriftVar)
}

func (b Belief) OffsetDuration() time.Duration {
	return time.Duration(b.Offset * float64(time.Second))
}

// Corrected maps a local clock reading to estimated reference time.
func (b Belief) Corrected(local time.Time) time.Time {
	return local.Add(b.OffsetDuration())
}

// Predict advances the belief to now. Both variances grow with elapsed
// time; a belief is left unchanged if now is not after AsOf.
func (b Belief) Predict(now time.Time, q Noise) Belief {
	if !now.After(b.AsOf) {
		return b
	}
	dt := now.Sub(b.AsOf).Seconds()
	b.Offset += b.Drift * dt
	b.OffsetVar += b.DriftVar*dt*dt + q.Offset*dt
	b.DriftVar += q.Drift * dt
	b.AsOf = now
	return b
}

// Update predicts the belief to the observation time and fuses an offset
// observation z with variance r. When a previous observation exists the
// change in offset since then is fused as an observation of drift.
func (b Belief) Update(at time.Time, z, r float64, q Noise) Belief {
	b = b.Predict(at, q)

	if !b.LastAt.IsZero() && at.After(b.LastAt) {
		dt := at.Sub(b.LastAt).Seconds()
		d := Fuse(
			Gaussian{Mean: b.Drift, Var: b.DriftVar},
			Gaussian{Mean: (z - b.LastOffset) / dt, Var: (r + b.LastVar) / (dt * dt)})
		b.Drift, b.DriftVar = d.Mean, d.Var
	}

	o := Fuse(
		Gaussian{Mean: b.Offset, Var: b.OffsetVar},
		Gaussian{Mean: z, Var: r})
	b.Offset, b.OffsetVar = o.Mean, o.Var

	b.LastAt, b.LastOffset, b.LastVar = at, z, r
	return b
}

func (b Belief) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddFloat64("offset", b.Offset)
	enc.AddFloat64("offsetStdDev", b.OffsetStdDev())
	enc.AddFloat64("drift", b.Drift)
	enc.AddFloat64("driftStdDev", b.DriftStdDev())
	enc.AddTime("asOf", b.AsOf)
	return nil
}
