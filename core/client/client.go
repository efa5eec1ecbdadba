// Package client performs NTP exchanges. An exchange sends one request to
// one server and turns the reply into a four-timestamp sample.
package client

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"example.com/eng-clock/base/metrics"
	"example.com/eng-clock/core/measurements"
)

// Exchanger carries out a single request/response exchange with server
// (host:port). Errors are classified as by Classify.
type Exchanger interface {
	Exchange(ctx context.Context, server string) (measurements.Sample, error)
}

type clientMetrics struct {
	reqsSent       prometheus.Counter
	respsAccepted  prometheus.Counter
	exchangeErrors *prometheus.CounterVec
	roundTripDelay prometheus.Histogram
}

var clientMtrcs atomic.Pointer[clientMetrics]

func init() {
	clientMtrcs.Store(&clientMetrics{
		reqsSent: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientReqsSentN,
			Help: metrics.ClientReqsSentH,
		}),
		respsAccepted: promauto.NewCounter(prometheus.CounterOpts{
			Name: metrics.ClientRespsAcceptedN,
			Help: metrics.ClientRespsAcceptedH,
		}),
		exchangeErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: metrics.ClientExchangeErrorsN,
			Help: metrics.ClientExchangeErrorsH,
		}, []string{"kind"}),
		roundTripDelay: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    metrics.ClientRoundTripDelayN,
			Help:    metrics.ClientRoundTripDelayH,
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
	})
}

// Result collects the outcome of the probes sent to one server in a burst.
type Result struct {
	Server  string
	Samples []measurements.Sample
	Err     error // first classified error, nil if every probe succeeded
}

// OK reports whether at least one probe produced a sample.
func (r Result) OK() bool {
	return len(r.Samples) != 0
}

// MeasureBurst queries servers concurrently with probes sequential
// exchanges each. Results are in the order of servers.
func MeasureBurst(ctx context.Context, log *zap.Logger, ex Exchanger,
	servers []string, probes int) []Result {
	if probes < 1 {
		panic("unexpected number of probes")
	}
	mtrcs := clientMtrcs.Load()

	rs := make([]Result, len(servers))
	var wg sync.WaitGroup
	for i, server := range servers {
		wg.Add(1)
		go func(r *Result, server string) {
			defer wg.Done()
			r.Server = server
			for range probes {
				s, err := ex.Exchange(ctx, server)
				if err != nil {
					err = Classify(server, err)
					mtrcs.exchangeErrors.WithLabelValues(Kind(err)).Inc()
					log.Info("failed to measure clock offset",
						zap.String("to", server), zap.Error(err))
					if r.Err == nil {
						r.Err = err
					}
					if ctx.Err() != nil {
						return
					}
					continue
				}
				r.Samples = append(r.Samples, s)
			}
		}(&rs[i], server)
	}
	wg.Wait()
	return rs
}

// Samples flattens the samples of a burst.
func Samples(rs []Result) []measurements.Sample {
	var ss []measurements.Sample
	for _, r := range rs {
		ss = append(ss, r.Samples...)
	}
	return ss
}
