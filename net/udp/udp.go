// Package udp provides the socket plumbing for NTP exchanges: receive
// timestamps from the kernel, DSCP marking and port reuse.
package udp

import (
	"context"
	"errors"
	"net"
	"net/netip"

	"github.com/libp2p/go-reuseport"
)

var (
	errTimestampNotFound    = errors.New("failed to read timestamp from out of band data")
	errUnexpectedData       = errors.New("failed to read out of band data")
	errUnsupportedOperation = errors.New("unsupported operation")
)

// Timestamp handling based on studying code from the following projects:
// - https://github.com/bsdphk/Ntimed, file udp.c
// - https://github.com/golang/go, package "golang.org/x/sys/unix"
// - https://github.com/facebook/time, package "github.com/facebook/time/ntp/protocol/ntp"

// ListenUDP opens a UDP socket bound to laddr. An empty laddr or a zero
// port yields an ephemeral socket; a fixed port is bound with SO_REUSEPORT
// so that several exchanges can share the configured source port.
func ListenUDP(ctx context.Context, network string, laddr netip.AddrPort) (*net.UDPConn, error) {
	if !laddr.IsValid() || laddr.Port() == 0 {
		var a *net.UDPAddr
		if laddr.IsValid() {
			a = net.UDPAddrFromAddrPort(laddr)
		}
		return net.ListenUDP(network, a)
	}
	if !reuseport.Available() {
		return net.ListenUDP(network, net.UDPAddrFromAddrPort(laddr))
	}
	var lc net.ListenConfig
	lc.Control = reuseport.Control
	pc, err := lc.ListenPacket(ctx, network, laddr.String())
	if err != nil {
		return nil, err
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		_ = pc.Close()
		return nil, errUnexpectedData
	}
	return conn, nil
}
