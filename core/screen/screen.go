// Package screen selects the sample of a burst that reaches the estimator
// and rejects outliers against a short rolling history of accepted offsets.
// Offsets in the history are carried forward to the time of each candidate
// sample with the current drift estimate, so a steadily drifting local
// clock does not look like a sequence of outliers.
package screen

import (
	"math"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/eng-clock/base/floats"
	"example.com/eng-clock/base/metrics"
	"example.com/eng-clock/core/measurements"
)

const (
	// Minimum history size before outliers are rejected
	minHistory = 3

	// Consecutive bursts rejected as outliers before the history is
	// discarded and the next sample is accepted unconditionally
	maxOutlierBursts = 3

	reasonInvalid = "invalid"
	reasonDelay   = "delay"
	reasonOutlier = "outlier"
)

type Params struct {
	HistoryLength    int
	OutlierThreshold float64
	MinOutlierSpread float64 // s
	MaxDelay         time.Duration
}

type screenMetrics struct {
	samplesAccepted prometheus.Counter
	samplesRejected *prometheus.CounterVec
}

var screenMtrcs atomic.Pointer[screenMetrics]

func init() {
	screenMtrcs.Store(&screenMetrics{
		samplesAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ScreenSamplesAcceptedN,
			Help: metrics.ScreenSamplesAcceptedH,
		}),
		samplesRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.ScreenSamplesRejectedN,
			Help: metrics.ScreenSamplesRejectedH,
		}, []string{"reason"}),
	})
}

type entry struct {
	at     time.Time
	offset float64 // s
}

// Screen keeps the rolling offset history. It is not safe for concurrent
// use.
type Screen struct {
	log           *zap.Logger
	params        Params
	history       []entry
	next          int
	outlierBursts int
}

var _ measurements.Filter = (*Screen)(nil)

func New(log *zap.Logger, params Params) *Screen {
	if params.HistoryLength < minHistory {
		panic("unexpected history length")
	}
	return &Screen{
		log:     log,
		params:  params,
		history: make([]entry, 0, params.HistoryLength),
	}
}

func (s *Screen) add(at time.Time, offset float64) {
	e := entry{at: at, offset: offset}
	if len(s.history) < s.params.HistoryLength {
		s.history = append(s.history, e)
		return
	}
	s.history[s.next] = e
	s.next = (s.next + 1) % len(s.history)
}

// Bounds returns the interval of offsets (s) accepted for a sample taken
// at local time at, given the local clock drift (s/s). ok is false while
// the history is too short to reject outliers.
func (s *Screen) Bounds(at time.Time, drift float64) (lo, hi float64, ok bool) {
	if len(s.history) < minHistory {
		return math.Inf(-1), math.Inf(1), false
	}
	offs := make([]float64, len(s.history))
	for i, e := range s.history {
		offs[i] = e.offset + drift*at.Sub(e.at).Seconds()
	}
	med, spread := floats.Spread(offs)
	w := s.params.OutlierThreshold * math.Max(spread, s.params.MinOutlierSpread)
	return med - w, med + w, true
}

// Do returns the minimum delay sample among those that are valid, not
// delayed beyond the limit and within the outlier bounds. drift is the
// current estimate of the local clock drift (s/s). ok is false if every
// sample was rejected.
func (s *Screen) Do(samples []measurements.Sample, drift float64) (measurements.Sample, bool) {
	mtrcs := screenMtrcs.Load()

	var best measurements.Sample
	var found bool
	var outliers int
	for _, x := range samples {
		err := x.Validate()
		if err != nil {
			mtrcs.samplesRejected.WithLabelValues(reasonInvalid).Inc()
			s.log.Info("rejected sample", zap.String("reason", reasonInvalid),
				zap.String("server", x.Server), zap.Error(err))
			continue
		}
		if x.Delay() > s.params.MaxDelay {
			mtrcs.samplesRejected.WithLabelValues(reasonDelay).Inc()
			s.log.Info("rejected sample", zap.String("reason", reasonDelay),
				zap.String("server", x.Server), zap.Duration("delay", x.Delay()))
			continue
		}
		off := x.Offset().Seconds()
		lo, hi, _ := s.Bounds(x.Time(), drift)
		if off < lo || off > hi {
			outliers++
			mtrcs.samplesRejected.WithLabelValues(reasonOutlier).Inc()
			s.log.Info("rejected sample", zap.String("reason", reasonOutlier),
				zap.String("server", x.Server), zap.Float64("offset", off),
				zap.Float64("lo", lo), zap.Float64("hi", hi))
			continue
		}
		if !found || x.Delay() < best.Delay() {
			best = x
			found = true
		}
	}

	if !found {
		if outliers != 0 {
			s.outlierBursts++
			if s.outlierBursts >= maxOutlierBursts {
				s.log.Warn("persistent outliers, discarding offset history",
					zap.Int("bursts", s.outlierBursts))
				s.Reset()
			}
		}
		return measurements.Sample{}, false
	}

	s.outlierBursts = 0
	s.add(best.Time(), best.Offset().Seconds())
	mtrcs.samplesAccepted.Inc()
	s.log.Debug("accepted sample", zap.Object("sample", best))
	return best, true
}

func (s *Screen) Reset() {
	s.history = s.history[:0]
	s.next = 0
	s.outlierBursts = 0
}
