package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"syscall"
)

var (
	// ErrTimeout means that no acceptable reply arrived in time. It is the
	// only retryable failure.
	ErrTimeout = errors.New("exchange timed out")
	// ErrNetworkUnreachable means that the exchange could not be carried
	// out at all, e.g. because name resolution or routing failed.
	ErrNetworkUnreachable = errors.New("network unreachable")

	errWrite                  = errors.New("failed to write packet")
	errUnexpectedPacketFlags  = errors.New("failed to read packet: unexpected flags")
	errUnexpectedPacketSource = errors.New("failed to read packet: unexpected source")
	errUnexpectedPacket       = errors.New("failed to read packet: unexpected type or structure")
	errNoAddress              = errors.New("no usable address")
)

const (
	KindTimeout     = "timeout"
	KindProtocol    = "protocol"
	KindUnreachable = "unreachable"
)

// ProtocolError is a malformed or implausible reply.
type ProtocolError struct {
	Server string
	Err    error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error from %s: %v", e.Server, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// Classify maps err into the transport error taxonomy: the result wraps
// err and matches exactly one of ErrTimeout, ErrNetworkUnreachable or
// *ProtocolError.
func Classify(server string, err error) error {
	if err == nil {
		return nil
	}
	var perr *ProtocolError
	if errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetworkUnreachable) ||
		errors.As(err, &perr) {
		return err
	}
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.As(err, &nerr) && nerr.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	var dnsErr *net.DNSError
	var opErr *net.OpError
	var errno syscall.Errno
	if errors.As(err, &dnsErr) || errors.As(err, &opErr) ||
		errors.As(err, &errno) || errors.Is(err, errNoAddress) {
		return fmt.Errorf("%w: %w", ErrNetworkUnreachable, err)
	}
	return &ProtocolError{Server: server, Err: err}
}

func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout)
}

// Kind returns the metric label of a classified error.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrNetworkUnreachable):
		return KindUnreachable
	default:
		return KindProtocol
	}
}
