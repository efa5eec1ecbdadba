package floats_test

import (
	"math"
	"testing"

	"example.com/eng-clock/base/floats"
)

func assertClose(t *testing.T, x, y, delta float64) {
	t.Helper()
	if math.Abs(x-y) > delta {
		t.Errorf("%v !~ %v (delta=%v)", x, y, delta)
	}
}

func TestExpAvgConstant(t *testing.T) {
	for _, eps := range []float64{0.01, 0.02, 0.05, 0.1, 0.2} {
		for v := -10; v <= 10; v++ {
			a := floats.NewExpAvg(eps)
			if _, ok := a.Value(); ok {
				t.Fatalf("empty average must not report a value")
			}
			for range 13 {
				avg := a.Add(float64(v))
				assertClose(t, avg, float64(v), 1e-9)
				got, ok := a.Value()
				if !ok || got != avg {
					t.Errorf("Value() = %v, %v, want %v, true", got, ok, avg)
				}
			}
		}
	}
}

func TestExpAvgRamp(t *testing.T) {
	const mod = 7
	for _, eps := range []float64{0.01, 0.02, 0.05, 0.1, 0.2} {
		a := floats.NewExpAvg(eps)
		for i := range mod * 10 {
			a.Add(float64(i % mod))
		}
		decay := math.Pow(1.0-eps, mod)
		want := (mod - (1.0-decay)/eps) / (1.0 - decay)
		got, _ := a.Value()
		assertClose(t, got, want, 1e-12)
	}
}

func TestExpAvgReset(t *testing.T) {
	a := floats.NewExpAvg(0.1)
	a.Add(67e3)
	a.Reset()
	if _, ok := a.Value(); ok {
		t.Errorf("reset average must not report a value")
	}
	assertClose(t, a.Add(5.0), 5.0, 1e-12)
}

func TestExpAvgInvalidFactor(t *testing.T) {
	for _, eps := range []float64{0.0, 1.0, -0.5, 2.0} {
		func() {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("NewExpAvg(%v) did not panic", eps)
				}
			}()
			floats.NewExpAvg(eps)
		}()
	}
}
