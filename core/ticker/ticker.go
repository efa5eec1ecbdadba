// Package ticker fires once per second at integer second boundaries of the
// corrected time.
package ticker

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/eng-clock/base/floats"
	"example.com/eng-clock/base/metrics"
	"example.com/eng-clock/base/timebase"
	"example.com/eng-clock/base/timemath"
	"example.com/eng-clock/core/estimator"
)

const (
	maxLatencyCorrection = 50 * time.Millisecond
	latencySmoothing     = 0.1

	// Backward jumps of the corrected time beyond this re-anchor the
	// timeline instead of waiting for the last fired boundary to recur.
	ResyncThreshold = 5 * time.Second
)

// Tick is one firing at boundary Time of the corrected time.
type Tick struct {
	Time         time.Time // boundary
	ID           int64     // Unix seconds of Time
	Transmit     time.Time // corrected time at emission
	Offset       float64   // s
	OffsetStdDev float64   // s
	Lateness     time.Duration
}

func (t Tick) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddInt64("id", t.ID)
	enc.AddTime("time", t.Time)
	enc.AddDuration("lateness", t.Lateness)
	enc.AddFloat64("offset", t.Offset)
	enc.AddFloat64("offsetStdDev", t.OffsetStdDev)
	return nil
}

// BeliefSource provides the latest published belief without blocking.
type BeliefSource interface {
	Snapshot() estimator.Belief
}

// NextBoundary maps a local clock reading to corrected time and returns the
// next integer second strictly after it together with the wait until then.
func NextBoundary(local time.Time, offset time.Duration) (
	corrected, boundary time.Time, wait time.Duration) {
	corrected = local.Add(offset)
	boundary = corrected.Truncate(time.Second).Add(time.Second)
	wait = boundary.Sub(corrected)
	return
}

type tickerMetrics struct {
	ticksFired   prometheus.Counter
	ticksDropped prometheus.Counter
	resyncs      prometheus.Counter
	lateness     prometheus.Gauge
}

var tickerMtrcs atomic.Pointer[tickerMetrics]

func init() {
	tickerMtrcs.Store(&tickerMetrics{
		ticksFired: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.TickerTicksFiredN,
			Help: metrics.TickerTicksFiredH,
		}),
		ticksDropped: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.TickerTicksDroppedN,
			Help: metrics.TickerTicksDroppedH,
		}),
		resyncs: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.TickerResyncsN,
			Help: metrics.TickerResyncsH,
		}),
		lateness: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.TickerLatenessN,
			Help: metrics.TickerLatenessH,
		}),
	})
}

type Ticker struct {
	log   *zap.Logger
	clk   timebase.LocalClock
	src   BeliefSource
	noise estimator.Noise
	out   chan<- Tick

	last    time.Time // last fired boundary
	latency floats.ExpAvg
}

func New(log *zap.Logger, clk timebase.LocalClock, src BeliefSource,
	noise estimator.Noise, out chan<- Tick) *Ticker {
	return &Ticker{
		log:     log,
		clk:     clk,
		src:     src,
		noise:   noise,
		out:     out,
		latency: floats.NewExpAvg(latencySmoothing),
	}
}

// LatencyCorrection is the smoothed scheduling latency subtracted from
// every wait, in [0, 50ms].
func (t *Ticker) LatencyCorrection() time.Duration {
	l, _ := t.latency.Value()
	return timemath.Clamp(timemath.Duration(l), 0, maxLatencyCorrection)
}

func (t *Ticker) corrected(local time.Time) (time.Time, estimator.Belief) {
	b := t.src.Snapshot().Predict(local, t.noise)
	return b.Corrected(local), b
}

// target returns the boundary to fire next and the wait until then.
func (t *Ticker) target(local time.Time) (time.Time, time.Duration) {
	b := t.src.Snapshot().Predict(local, t.noise)
	corrected, boundary, wait := NextBoundary(local, b.OffsetDuration())
	if t.last.IsZero() || boundary.After(t.last) {
		return boundary, wait
	}
	if corrected.Before(t.last.Add(-ResyncThreshold)) {
		tickerMtrcs.Load().resyncs.Inc()
		t.log.Warn("corrected time jumped backward, re-anchoring",
			zap.Time("last", t.last), zap.Time("now", corrected))
		t.last = time.Time{}
		return boundary, wait
	}
	// The boundary was fired already; wait for the one after it.
	next := t.last.Add(time.Second)
	return next, next.Sub(corrected)
}

func (t *Ticker) Run(ctx context.Context) {
	mtrcs := tickerMtrcs.Load()
	for ctx.Err() == nil {
		local := t.clk.Now()
		boundary, wait := t.target(local)

		d := max(wait-t.LatencyCorrection(), 0)
		t.clk.Sleep(d)
		woke := t.clk.Now()
		if ctx.Err() != nil {
			break
		}

		overshoot := woke.Sub(local.Add(d))
		if overshoot >= 0 && overshoot <= time.Second {
			t.latency.Add(timemath.Seconds(min(overshoot, maxLatencyCorrection)))
		}

		now, b := t.corrected(woke)
		lateness := now.Sub(boundary)
		if lateness < -maxLatencyCorrection {
			// Woke well before the boundary, e.g. after the offset
			// estimate decreased.
			continue
		}
		t.last = boundary

		tick := Tick{
			Time:         boundary,
			ID:           boundary.Unix(),
			Transmit:     now,
			Offset:       b.Offset,
			OffsetStdDev: b.OffsetStdDev(),
			Lateness:     lateness,
		}
		mtrcs.lateness.Set(timemath.Seconds(lateness))
		select {
		case t.out <- tick:
			mtrcs.ticksFired.Inc()
		default:
			mtrcs.ticksDropped.Inc()
			t.log.Debug("dropped tick", zap.Object("tick", tick))
		}
	}
}
