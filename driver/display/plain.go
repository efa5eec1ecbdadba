package display

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"

	"example.com/eng-clock/core/ticker"
)

// Plain writes one line per tick.
type Plain struct {
	Log *zap.Logger
	Out io.Writer
	Now func() time.Time
}

var _ Display = (*Plain)(nil)

func (p *Plain) Run(ctx context.Context, ticks <-chan ticker.Tick) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			_, err := fmt.Fprintln(p.Out, Format(t))
			if err != nil {
				return err
			}
			logLatency(p.Log, p.Now, t)
		}
	}
}
