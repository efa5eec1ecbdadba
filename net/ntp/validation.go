package ntp

import (
	"errors"
	"time"
)

const (
	// Precision outside [MinPrecision, MaxPrecision] (log2 seconds) is
	// implausible for a server that is worth synchronizing to.
	MinPrecision = -32
	MaxPrecision = 0

	MaxRootDistance = 16 * time.Second
)

var (
	ErrUnsynchronized       = errors.New("server not synchronized")
	ErrUnexpectedVersion    = errors.New("unexpected protocol version")
	ErrUnexpectedMode       = errors.New("unexpected protocol mode")
	ErrKissOfDeath          = errors.New("kiss-o'-death response")
	ErrUnexpectedStratum    = errors.New("unexpected stratum")
	ErrImplausiblePrecision = errors.New("implausible precision")
	ErrRootDistance         = errors.New("root distance exceeds limit")
	ErrInvalidTimestamps    = errors.New("invalid response timestamps")

	errUnexpectedRequest = errors.New("unexpected request structure")
)

func ValidateResponseMetadata(resp *Packet) error {
	// Based on Ntimed by Poul-Henning Kamp, https://github.com/bsdphk/Ntimed

	if resp.LeapIndicator() == LeapIndicatorUnknown {
		return ErrUnsynchronized
	}
	if resp.Version() != 3 && resp.Version() != 4 {
		return ErrUnexpectedVersion
	}
	if resp.Mode() != ModeServer {
		return ErrUnexpectedMode
	}
	if resp.Stratum == 0 {
		return ErrKissOfDeath
	}
	if resp.Stratum > 15 {
		return ErrUnexpectedStratum
	}
	if resp.Precision < MinPrecision || resp.Precision > MaxPrecision {
		return ErrImplausiblePrecision
	}
	if resp.RootDistance() > MaxRootDistance {
		return ErrRootDistance
	}
	if resp.ReceiveTime.IsZero() || resp.TransmitTime.IsZero() {
		return ErrInvalidTimestamps
	}
	return nil
}

// ValidateResponseTimestamps checks that the server did not send its reply
// before receiving the request, that the local clock did not move
// backward during the exchange and that the server did not claim more
// processing time than the whole round trip took.
func ValidateResponseTimestamps(t0, t1, t2, t3 time.Time) error {
	if t3.Before(t0) {
		return ErrInvalidTimestamps
	}
	if t2.Before(t1) {
		return ErrInvalidTimestamps
	}
	if t3.Sub(t0) < t2.Sub(t1) {
		return ErrInvalidTimestamps
	}
	return nil
}

func ValidateRequest(req *Packet) error {
	li := req.LeapIndicator()
	if li != LeapIndicatorNoWarning && li != LeapIndicatorUnknown {
		return errUnexpectedRequest
	}
	vn := req.Version()
	if vn < VersionMin || VersionMax < vn {
		return errUnexpectedRequest
	}
	mode := req.Mode()
	if vn == 1 && mode != ModeReserved0 || vn != 1 && mode != ModeClient {
		return errUnexpectedRequest
	}
	return nil
}
