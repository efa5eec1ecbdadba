// Package benchmark measures the round trip delay distribution of repeated
// NTP exchanges with one server.
package benchmark

import (
	"fmt"
	"io"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

const (
	minDelayMicros = 1
	maxDelayMicros = 10_000_000
	sigFigs        = 3

	readTimeout = 1 * time.Second
)

type Params struct {
	Remote      string // host:port
	Requests    int    // per worker
	Concurrency int
	DSCP        uint8
}

// Result summarizes a benchmark run. Delays are recorded in microseconds.
type Result struct {
	Sent     int64
	Received int64
	Failed   int64
	Elapsed  time.Duration
	Delays   *hdrhistogram.Histogram
}

func newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(minDelayMicros, maxDelayMicros, sigFigs)
}

// Print writes the percentile distribution followed by a summary line.
func (r Result) Print(w io.Writer) error {
	_, err := r.Delays.PercentilesPrint(w, 1, 1.0)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w,
		"sent %d, received %d, failed %d in %v; delay p50 %dus p99 %dus max %dus\n",
		r.Sent, r.Received, r.Failed, r.Elapsed.Round(time.Millisecond),
		r.Delays.ValueAtQuantile(50), r.Delays.ValueAtQuantile(99), r.Delays.Max())
	return err
}
