package timebase

import (
	"sync/atomic"
	"time"

	"example.com/eng-clock/base/timebase"
)

var (
	lclk atomic.Pointer[timebase.LocalClock]
)

func RegisterClock(c timebase.LocalClock) {
	if c == nil {
		panic("local clock must not be nil")
	}
	swapped := lclk.CompareAndSwap(nil, &c)
	if !swapped {
		panic("local clock already registered")
	}
}

func Clock() timebase.LocalClock {
	c := lclk.Load()
	if c == nil {
		panic("no local clock registered")
	}
	return *c
}

func Now() time.Time {
	return Clock().Now()
}
