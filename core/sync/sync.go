// Package sync runs the measurement loop that keeps the clock estimate
// current.
package sync

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/eng-clock/base/metrics"
	"example.com/eng-clock/base/timebase"
	"example.com/eng-clock/base/timemath"
	"example.com/eng-clock/core/client"
	"example.com/eng-clock/core/estimator"
	"example.com/eng-clock/core/measurements"
	"example.com/eng-clock/core/poll"
)

// Longest single sleep while waiting for the next poll; bounds the delay
// in noticing cancellation or a stepped local clock.
const sleepQuantum = 1 * time.Second

type syncMetrics struct {
	bursts       prometheus.Counter
	burstsFailed prometheus.Counter
	updates      prometheus.Counter
	offset       prometheus.Gauge
	offsetStdDev prometheus.Gauge
	drift        prometheus.Gauge
	driftStdDev  prometheus.Gauge
}

var syncMtrcs atomic.Pointer[syncMetrics]

func init() {
	syncMtrcs.Store(&syncMetrics{
		bursts: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncBurstsN,
			Help: metrics.SyncBurstsH,
		}),
		burstsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.SyncBurstsFailedN,
			Help: metrics.SyncBurstsFailedH,
		}),
		updates: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.EstimatorUpdatesN,
			Help: metrics.EstimatorUpdatesH,
		}),
		offset: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EstimatorOffsetN,
			Help: metrics.EstimatorOffsetH,
		}),
		offsetStdDev: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EstimatorOffsetStdDevN,
			Help: metrics.EstimatorOffsetStdDevH,
		}),
		drift: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EstimatorDriftN,
			Help: metrics.EstimatorDriftH,
		}),
		driftStdDev: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.EstimatorDriftStdDevN,
			Help: metrics.EstimatorDriftStdDevH,
		}),
	})
}

// Synchronizer owns the estimator and the scheduler; no other goroutine
// may update either while Run is active. Readers use the estimator's
// snapshot.
type Synchronizer struct {
	log    *zap.Logger
	clk    timebase.LocalClock
	ex     client.Exchanger
	probes int
	filter measurements.Filter
	est    *estimator.Estimator
	sched  *poll.Scheduler
}

func NewSynchronizer(log *zap.Logger, clk timebase.LocalClock, ex client.Exchanger,
	probes int, filter measurements.Filter, est *estimator.Estimator,
	sched *poll.Scheduler) *Synchronizer {
	if probes < 1 {
		panic("unexpected number of probes")
	}
	return &Synchronizer{
		log:    log,
		clk:    clk,
		ex:     ex,
		probes: probes,
		filter: filter,
		est:    est,
		sched:  sched,
	}
}

func (s *Synchronizer) Estimator() *estimator.Estimator {
	return s.est
}

// Poll carries out the burst described by d and returns the decision for
// the next one.
func (s *Synchronizer) Poll(ctx context.Context, d poll.Decision) poll.Decision {
	mtrcs := syncMtrcs.Load()
	mtrcs.bursts.Inc()

	rs := client.MeasureBurst(ctx, s.log, s.ex, d.Servers, s.probes)
	if ctx.Err() != nil {
		return d
	}

	now := s.clk.Now()
	var valid []client.Result
	for _, r := range rs {
		if s.record(r, now) {
			valid = append(valid, r)
		}
	}

	ss := client.Samples(valid)
	x, ok := s.filter.Do(ss, s.est.Snapshot().Drift)
	var b estimator.Belief
	if ok {
		b = s.est.UpdateSample(x)
		mtrcs.updates.Inc()
		s.log.Info("updated clock estimate",
			zap.String("server", x.Server),
			zap.Duration("sample offset", x.Offset()),
			zap.Duration("sample delay", x.Delay()),
			zap.Duration("offset", b.OffsetDuration()),
			zap.Float64("offsetStdDev", b.OffsetStdDev()))
	} else {
		if len(ss) != 0 {
			s.sched.Reject()
		}
		mtrcs.burstsFailed.Inc()
		b = s.est.Predict(now)
		s.log.Info("no usable sample in burst",
			zap.Int("samples", len(ss)),
			zap.Float64("offsetStdDev", b.OffsetStdDev()))
	}

	mtrcs.offset.Set(b.Offset)
	mtrcs.offsetStdDev.Set(b.OffsetStdDev())
	mtrcs.drift.Set(b.Drift)
	mtrcs.driftStdDev.Set(b.DriftStdDev())

	now = s.clk.Now()
	return s.sched.NextPoll(s.est.Predict(now), now)
}

// record updates the pool with the outcome of the exchanges with one
// server. A server whose replies all failed validation counts as failed.
// Successes are stamped with the arrival of the last valid reply and
// failures with the end of the burst, end.
func (s *Synchronizer) record(r client.Result, end time.Time) bool {
	var delays []time.Duration
	var at time.Time
	for _, x := range r.Samples {
		err := x.Validate()
		if err != nil {
			s.log.Info("discarding invalid sample",
				zap.String("server", r.Server), zap.Error(err))
			continue
		}
		delays = append(delays, x.Delay())
		if x.Destination.After(at) {
			at = x.Destination
		}
	}
	if len(delays) == 0 {
		s.sched.RecordFailure(r.Server, end)
		return false
	}
	s.sched.RecordSuccess(r.Server, at, timemath.Median(delays))
	return true
}

// sleepUntil sleeps on the local clock until t or until ctx is done.
func (s *Synchronizer) sleepUntil(ctx context.Context, t time.Time) {
	for ctx.Err() == nil {
		d := t.Sub(s.clk.Now())
		if d <= 0 {
			return
		}
		s.clk.Sleep(min(d, sleepQuantum))
	}
}

// Run polls until ctx is done. The first burst is sent immediately.
func (s *Synchronizer) Run(ctx context.Context) {
	d := s.sched.Initial(s.clk.Now())
	s.log.Info("starting synchronization", zap.Object("decision", d))
	for {
		s.sleepUntil(ctx, d.At)
		if ctx.Err() != nil {
			s.log.Info("stopping synchronization", zap.Error(ctx.Err()))
			return
		}
		d = s.Poll(ctx, d)
	}
}
