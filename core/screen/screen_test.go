package screen

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"

	"example.com/eng-clock/core/measurements"
)

var t0 = time.Date(2024, time.January, 2, 3, 4, 5, 0, time.UTC)

var params = Params{
	HistoryLength:    8,
	OutlierThreshold: 5,
	MinOutlierSpread: 0.001,
	MaxDelay:         time.Second,
}

// sample builds a symmetric exchange with the given offset and delay.
func sample(server string, offset, delay time.Duration) measurements.Sample {
	return sampleAt(server, t0, offset, delay)
}

func sampleAt(server string, at time.Time, offset, delay time.Duration) measurements.Sample {
	return measurements.Sample{
		Server:      server,
		Originate:   at,
		Receive:     at.Add(offset + delay/2),
		Transmit:    at.Add(offset + delay/2),
		Destination: at.Add(delay),
	}
}

func TestMinimumDelaySelection(t *testing.T) {
	s := New(zap.NewNop(), params)
	x, ok := s.Do([]measurements.Sample{
		sample("a", 10*time.Millisecond, 40*time.Millisecond),
		sample("b", 12*time.Millisecond, 8*time.Millisecond),
		sample("c", 11*time.Millisecond, 20*time.Millisecond),
	}, 0)
	if !ok || x.Server != "b" {
		t.Errorf("Do() = %v, %v; want sample from b", x.Server, ok)
	}
}

func TestRejectInvalid(t *testing.T) {
	s := New(zap.NewNop(), params)
	rejected := testutil.ToFloat64(screenMtrcs.Load().samplesRejected.WithLabelValues(reasonInvalid))

	bad := sample("a", 0, 10*time.Millisecond)
	bad.Destination = t0.Add(-time.Second)
	slow := sample("b", 0, 2*time.Second)
	_, ok := s.Do([]measurements.Sample{bad, slow}, 0)
	if ok {
		t.Errorf("Do() accepted a burst of invalid samples")
	}
	got := testutil.ToFloat64(screenMtrcs.Load().samplesRejected.WithLabelValues(reasonInvalid))
	if got != rejected+1 {
		t.Errorf("invalid sample counter = %v, want %v", got, rejected+1)
	}
	if len(s.history) != 0 {
		t.Errorf("rejected samples entered the history")
	}
}

func TestRejectOutlier(t *testing.T) {
	s := New(zap.NewNop(), params)
	for _, off := range []time.Duration{20, 21, 19, 20} {
		_, ok := s.Do([]measurements.Sample{sample("a", off*time.Millisecond, 10*time.Millisecond)}, 0)
		if !ok {
			t.Fatalf("rejected consistent sample with offset %vms", off)
		}
	}
	lo, hi, ok := s.Bounds(t0, 0)
	if !ok || lo > 0.0151 || hi < 0.0249 {
		t.Errorf("Bounds() = [%v, %v], %v", lo, hi, ok)
	}

	// A low delay outlier must not win over a consistent sample
	x, ok := s.Do([]measurements.Sample{
		sample("a", 520*time.Millisecond, time.Millisecond),
		sample("b", 21*time.Millisecond, 30*time.Millisecond),
	}, 0)
	if !ok || x.Server != "b" {
		t.Errorf("Do() = %v, %v; want sample from b", x.Server, ok)
	}

	_, ok = s.Do([]measurements.Sample{sample("a", 520*time.Millisecond, time.Millisecond)}, 0)
	if ok {
		t.Errorf("Do() accepted an outlier")
	}
}

func TestPersistentOutliersResetHistory(t *testing.T) {
	s := New(zap.NewNop(), params)
	for range 5 {
		s.Do([]measurements.Sample{sample("a", 0, 10*time.Millisecond)}, 0)
	}
	// The reference moved, e.g. after a local clock step
	jump := []measurements.Sample{sample("a", 3*time.Second, 10*time.Millisecond)}
	for i := range maxOutlierBursts {
		if _, ok := s.Do(jump, 0); ok {
			t.Fatalf("burst %d accepted before history reset", i)
		}
	}
	if _, ok := s.Do(jump, 0); !ok {
		t.Errorf("sample rejected after history reset")
	}
}

func TestHistoryRing(t *testing.T) {
	s := New(zap.NewNop(), Params{
		HistoryLength:    3,
		OutlierThreshold: 1e9,
		MinOutlierSpread: 1,
		MaxDelay:         time.Second,
	})
	for i := range 5 {
		s.Do([]measurements.Sample{sample("a", time.Duration(i)*time.Second, 0)}, 0)
	}
	if len(s.history) != 3 {
		t.Fatalf("history length = %d, want 3", len(s.history))
	}
	sum := s.history[0].offset + s.history[1].offset + s.history[2].offset
	if sum != 2+3+4 {
		t.Errorf("history = %v, want the three most recent offsets", s.history)
	}
}

func TestDriftCompensation(t *testing.T) {
	const drift = 20e-6
	// Short poll intervals first, then one long one
	var ats []time.Time
	for i := range 6 {
		ats = append(ats, t0.Add(time.Duration(i)*16*time.Second))
	}
	ats = append(ats, ats[len(ats)-1].Add(4096*time.Second))
	burst := func(at time.Time) []measurements.Sample {
		off := 100*time.Millisecond + time.Duration(drift*float64(at.Sub(t0)))
		return []measurements.Sample{sampleAt("a", at, off, 2*time.Millisecond)}
	}

	s := New(zap.NewNop(), params)
	for i, at := range ats {
		if _, ok := s.Do(burst(at), drift); !ok {
			t.Errorf("burst %d rejected with drift compensation", i)
		}
	}

	s = New(zap.NewNop(), params)
	for i, at := range ats[:len(ats)-1] {
		if _, ok := s.Do(burst(at), 0); !ok {
			t.Fatalf("burst %d rejected", i)
		}
	}
	if _, ok := s.Do(burst(ats[len(ats)-1]), 0); ok {
		t.Errorf("uncompensated drift over %v was not flagged", 4096*time.Second)
	}
}
