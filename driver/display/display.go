// Package display renders boundary ticks for the user.
package display

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"example.com/eng-clock/core/ticker"
)

// ErrQuit is returned by Run when the user closed the display.
var ErrQuit = errors.New("display closed by user")

// Display consumes ticks until ctx is done, the channel is closed or the
// user quits.
type Display interface {
	Run(ctx context.Context, ticks <-chan ticker.Tick) error
}

var phaseChars = [...]string{"=", ":", ".", ":"}

// Phase returns a marker that cycles with period four seconds so that
// successive ticks are visibly distinct.
func Phase(id int64) string {
	i := id % int64(len(phaseChars))
	if i < 0 {
		i += int64(len(phaseChars))
	}
	return phaseChars[i]
}

// Format returns the plain text line for t, e.g.
// "12:34:56  offset +0.012s ±0.003s".
func Format(t ticker.Tick) string {
	return fmt.Sprintf("%s  offset %+.3fs ±%.3fs",
		t.Time.UTC().Format(time.TimeOnly), t.Offset, t.OffsetStdDev)
}

// logLatency logs the delay between the boundary and its rendering and
// between emission and rendering. now returns corrected time.
func logLatency(log *zap.Logger, now func() time.Time, t ticker.Tick) {
	if now == nil {
		return
	}
	if ce := log.Check(zap.DebugLevel, "rendered tick"); ce != nil {
		at := now()
		ce.Write(
			zap.Int64("id", t.ID),
			zap.Duration("latency", at.Sub(t.Time)),
			zap.Duration("transit", at.Sub(t.Transmit)),
		)
	}
}
