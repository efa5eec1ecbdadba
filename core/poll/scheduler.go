// Package poll decides when the next burst of requests is sent and to
// which servers.
package poll

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"example.com/eng-clock/base/metrics"
	"example.com/eng-clock/base/timemath"
	"example.com/eng-clock/core/estimator"
)

// Decision is the outcome of one scheduling step.
type Decision struct {
	At       time.Time
	Interval time.Duration
	Servers  []string
}

func (d Decision) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddTime("at", d.At)
	enc.AddDuration("interval", d.Interval)
	return enc.AddArray("servers", zapcore.ArrayMarshalerFunc(
		func(ae zapcore.ArrayEncoder) error {
			for _, s := range d.Servers {
				ae.AppendString(s)
			}
			return nil
		}))
}

type pollMetrics struct {
	interval        prometheus.Gauge
	serversExcluded prometheus.Gauge
}

var pollMtrcs atomic.Pointer[pollMetrics]

func init() {
	pollMtrcs.Store(&pollMetrics{
		interval: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PollIntervalN,
			Help: metrics.PollIntervalH,
		}),
		serversExcluded: promauto.NewGauge(prometheus.GaugeOpts{
			Name: metrics.PollServersExcludedN,
			Help: metrics.PollServersExcludedH,
		}),
	})
}

// Scheduler combines the interval control law with the server pool. It is
// not safe for concurrent use.
type Scheduler struct {
	log             *zap.Logger
	params          Params
	noise           estimator.Noise
	pool            *Pool
	serversPerBurst int

	state     State
	attempts  int
	successes int
	rejected  bool
}

func NewScheduler(log *zap.Logger, params Params, noise estimator.Noise,
	pool *Pool, serversPerBurst int) *Scheduler {
	if params.MinInterval <= 0 || params.MinInterval > params.MaxInterval {
		panic("unexpected poll interval bounds")
	}
	if serversPerBurst < 1 {
		panic("unexpected number of servers per burst")
	}
	return &Scheduler{
		log:             log,
		params:          params,
		noise:           noise,
		pool:            pool,
		serversPerBurst: serversPerBurst,
	}
}

func (s *Scheduler) Pool() *Pool {
	return s.pool
}

func (s *Scheduler) RecordSuccess(addr string, now time.Time, delay time.Duration) {
	s.pool.RecordSuccess(addr, now, delay)
	s.attempts++
	s.successes++
}

func (s *Scheduler) RecordFailure(addr string, now time.Time) {
	s.pool.RecordFailure(addr, now)
	s.attempts++
}

// Reject marks the last burst as failed even though exchanges succeeded,
// e.g. because every sample was screened out.
func (s *Scheduler) Reject() {
	s.rejected = true
}

// Initial returns the decision for the first burst, due immediately.
func (s *Scheduler) Initial(now time.Time) Decision {
	return Decision{
		At:      now,
		Servers: s.pool.Select(now, s.serversPerBurst),
	}
}

// NextPoll computes the next decision from the belief predicted to now and
// the outcomes recorded since the previous decision.
func (s *Scheduler) NextPoll(b estimator.Belief, now time.Time) Decision {
	s.state.Failed = s.rejected || s.attempts != 0 && s.successes == 0
	s.attempts, s.successes, s.rejected = 0, 0, false

	v := b.Predict(now, s.noise).OffsetVar
	interval := NextInterval(s.state, v, s.params)
	s.state.Interval = interval

	at := now.Add(interval)
	d := Decision{
		At:       at,
		Interval: interval,
		Servers:  s.pool.Select(at, s.serversPerBurst),
	}

	mtrcs := pollMtrcs.Load()
	mtrcs.interval.Set(timemath.Seconds(interval))
	mtrcs.serversExcluded.Set(float64(s.pool.Excluded(at)))

	s.log.Debug("scheduled next poll",
		zap.Bool("failed", s.state.Failed),
		zap.Float64("offsetStdDev", math.Sqrt(v)),
		zap.Object("decision", d))
	return d
}
