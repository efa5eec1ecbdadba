package estimator_test

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"example.com/eng-clock/core/estimator"
	"example.com/eng-clock/core/measurements"
)

var (
	t0    = time.Date(2024, time.June, 1, 0, 0, 0, 0, time.UTC)
	noise = estimator.Noise{Offset: 1e-8, Drift: 1e-14}
)

func assertClose(t *testing.T, name string, x, y, delta float64) {
	t.Helper()
	if math.Abs(x-y) > delta {
		t.Errorf("%s = %v, want %v (±%v)", name, x, y, delta)
	}
}

func TestFuse(t *testing.T) {
	g := estimator.Fuse(
		estimator.Gaussian{Mean: 0, Var: 100},
		estimator.Gaussian{Mean: 10, Var: 10})
	assertClose(t, "mean", g.Mean, 100.0/11, 1e-12)
	assertClose(t, "variance", g.Var, 100.0/11, 1e-12)
	assertClose(t, "mean", g.Mean, 9.09, 0.005)
}

func TestFuseLimits(t *testing.T) {
	obs := estimator.Gaussian{Mean: 3, Var: 2}
	g := estimator.Fuse(estimator.Gaussian{Mean: -1, Var: math.Inf(1)}, obs)
	if g != obs {
		t.Errorf("Fuse(uninformed, %v) = %v, want %v", obs, g, obs)
	}
	exact := estimator.Gaussian{Mean: 5, Var: 0}
	g = estimator.Fuse(exact, obs)
	if g != exact {
		t.Errorf("Fuse(%v, %v) = %v, want %v", exact, obs, g, exact)
	}
	defer func() {
		if r := recover(); r == nil {
			t.Errorf("Fuse with negative variance did not panic")
		}
	}()
	estimator.Fuse(estimator.Gaussian{Var: -1}, obs)
}

func TestPredictIdempotent(t *testing.T) {
	b0 := estimator.Prior(t0, 1, 1e-4)
	b0.Drift = 1e-5
	now := t0.Add(10 * time.Second)
	b1 := b0.Predict(now, noise)
	b2 := b1.Predict(now, noise)
	if b1 != b2 {
		t.Errorf("predict with zero elapsed time changed the belief: %+v != %+v", b1, b2)
	}
	if b3 := b1.Predict(t0, noise); b3 != b1 {
		t.Errorf("predict into the past changed the belief: %+v != %+v", b3, b1)
	}
	assertClose(t, "offset", b1.Offset, 1e-4, 1e-15)
	assertClose(t, "offset variance", b1.OffsetVar, 1+1e-8*100+1e-8*10, 1e-15)
	assertClose(t, "drift variance", b1.DriftVar, 1e-8+1e-14*10, 1e-20)
}

func TestPredictMonotonicVariance(t *testing.T) {
	b := estimator.Prior(t0, 0.01, 1e-6)
	for i := 1; i <= 100; i++ {
		next := b.Predict(t0.Add(time.Duration(i*i)*time.Millisecond), noise)
		if next.OffsetVar < b.OffsetVar || next.DriftVar < b.DriftVar {
			t.Fatalf("variance decreased at step %d: %+v -> %+v", i, b, next)
		}
		b = next
	}
}

func TestUpdateShrinksVariance(t *testing.T) {
	b := estimator.Prior(t0, 1, 1e-4)
	for i := 1; i <= 20; i++ {
		at := t0.Add(time.Duration(i) * 64 * time.Second)
		prior := b.Predict(at, noise)
		r := 1e-4 * float64(i%3+1)
		b = b.Update(at, 0.1, r, noise)
		if b.OffsetVar > prior.OffsetVar {
			t.Errorf("update %d increased offset variance: %v > %v", i, b.OffsetVar, prior.OffsetVar)
		}
		if b.DriftVar > prior.DriftVar {
			t.Errorf("update %d increased drift variance: %v > %v", i, b.DriftVar, prior.DriftVar)
		}
	}
}

func TestUpdateLearnsDrift(t *testing.T) {
	const (
		offset0 = 0.25
		rate    = 1e-5
	)
	b := estimator.Prior(t0, 1, 1e-4)
	for i := 0; i < 12; i++ {
		dt := float64(i) * 16
		b = b.Update(t0.Add(time.Duration(dt)*time.Second), offset0+rate*dt, 2e-12, noise)
	}
	assertClose(t, "drift", b.Drift, rate, 1e-12)
	assertClose(t, "offset", b.Offset, offset0+rate*11*16, 1e-9)

	// Drift carries the prediction forward between samples
	later := b.Predict(b.AsOf.Add(100*time.Second), noise)
	assertClose(t, "predicted offset", later.Offset, offset0+rate*(11*16+100), 1e-8)
}

func TestBeliefPersistence(t *testing.T) {
	b := estimator.Prior(t0, 1, 1e-4)
	b = b.Update(t0.Add(1500*time.Millisecond), 0.02, 1e-5, noise)
	b = b.Update(t0.Add(17*time.Second+123456789), 0.0203, 2e-5, noise)

	raw, err := toml.Marshal(b)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	var restored estimator.Belief
	err = toml.Unmarshal(raw, &restored)
	if err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}

	at := t0.Add(90 * time.Second)
	x := b.Update(at, 0.021, 1e-5, noise).Predict(at.Add(time.Minute), noise)
	y := restored.Update(at, 0.021, 1e-5, noise).Predict(at.Add(time.Minute), noise)
	if x.Offset != y.Offset || x.OffsetVar != y.OffsetVar ||
		x.Drift != y.Drift || x.DriftVar != y.DriftVar || !x.AsOf.Equal(y.AsOf) {
		t.Errorf("restored belief diverged: %+v != %+v", y, x)
	}
}

func TestMeasurementVariance(t *testing.T) {
	p := estimator.Params{DelayNoiseFactor: 0.5, MinMeasurementStdDev: 1e-6}
	r := estimator.MeasurementVariance(10*time.Millisecond, 0, p)
	assertClose(t, "r", r, 0.005*0.005+1e-12, 1e-18)
	r = estimator.MeasurementVariance(0, time.Millisecond, p)
	assertClose(t, "r", r, 1e-12+1e-6, 1e-18)
	if estimator.MeasurementVariance(time.Millisecond, 0, p) >=
		estimator.MeasurementVariance(2*time.Millisecond, 0, p) {
		t.Errorf("lower delay must yield lower measurement variance")
	}
}

func TestEstimatorSnapshot(t *testing.T) {
	p := estimator.Params{
		InitialOffsetStdDev:  1,
		InitialDriftStdDev:   1e-4,
		Noise:                noise,
		DelayNoiseFactor:     0.5,
		MinMeasurementStdDev: 1e-6,
	}
	e := estimator.New(zap.NewNop(), p, t0)
	if s := e.Snapshot(); s.OffsetVar != 1 || !s.AsOf.Equal(t0) {
		t.Errorf("unexpected initial snapshot %+v", s)
	}

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
				s := e.Snapshot()
				if s.OffsetVar < 0 || s.DriftVar < 0 {
					t.Errorf("negative variance in snapshot %+v", s)
					return
				}
			}
		}
	}()

	for i := 1; i <= 50; i++ {
		at := t0.Add(time.Duration(i) * 16 * time.Second)
		s := measurements.Sample{
			Originate:   at,
			Receive:     at.Add(55 * time.Millisecond),
			Transmit:    at.Add(56 * time.Millisecond),
			Destination: at.Add(10 * time.Millisecond),
		}
		b := e.UpdateSample(s)
		if e.Snapshot() != b {
			t.Errorf("snapshot does not reflect update %d", i)
		}
	}
	close(done)
	wg.Wait()

	b := e.Snapshot()
	assertClose(t, "offset", b.Offset, 0.0505, 1e-3)
	if b.OffsetStdDev() > 0.005 {
		t.Errorf("offset stddev %v did not converge", b.OffsetStdDev())
	}

	before := e.Snapshot()
	after := e.Predict(before.AsOf.Add(time.Hour))
	if after.OffsetVar <= before.OffsetVar || e.Snapshot() != after {
		t.Errorf("predict did not publish a wider belief: %+v -> %+v", before, after)
	}
}
