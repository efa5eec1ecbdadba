package measurements

import (
	"errors"
	"time"

	"go.uber.org/zap/zapcore"
)

var (
	ErrNegativeDelay     = errors.New("negative round trip delay")
	ErrMissingTimestamps = errors.New("missing exchange timestamps")
)

// Sample is one completed request/response exchange. Originate and
// Destination are read from the local clock, Receive and Transmit from the
// server clock.
type Sample struct {
	Server       string
	Originate    time.Time
	Receive      time.Time
	Transmit     time.Time
	Destination  time.Time
	Stratum      uint8
	Precision    time.Duration
	RootDistance time.Duration
}

// Offset is the reference time minus the local time.
func (s Sample) Offset() time.Duration {
	return (s.Receive.Sub(s.Originate) + s.Transmit.Sub(s.Destination)) / 2
}

func (s Sample) Delay() time.Duration {
	return s.Destination.Sub(s.Originate) - s.Transmit.Sub(s.Receive)
}

// Time is the local instant the offset refers to, the midpoint of the
// exchange on the local clock.
func (s Sample) Time() time.Time {
	return s.Originate.Add(s.Destination.Sub(s.Originate) / 2)
}

func (s Sample) Validate() error {
	if s.Originate.IsZero() || s.Receive.IsZero() ||
		s.Transmit.IsZero() || s.Destination.IsZero() {
		return ErrMissingTimestamps
	}
	if s.Delay() < 0 {
		return ErrNegativeDelay
	}
	return nil
}

func (s Sample) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("server", s.Server)
	enc.AddTime("originate", s.Originate)
	enc.AddTime("receive", s.Receive)
	enc.AddTime("transmit", s.Transmit)
	enc.AddTime("destination", s.Destination)
	enc.AddDuration("offset", s.Offset())
	enc.AddDuration("delay", s.Delay())
	enc.AddUint8("stratum", s.Stratum)
	enc.AddDuration("precision", s.Precision)
	return nil
}
