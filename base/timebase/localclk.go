package timebase

import (
	"time"
)

// LocalClock is the host clock as seen by the synchronization core. It is
// only ever read; corrections are applied to derived time, never to the
// clock itself.
type LocalClock interface {
	Now() time.Time
	Sleep(duration time.Duration)
}
