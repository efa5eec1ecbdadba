package client

import (
	"context"
	"net"
	"net/netip"
	"time"

	"github.com/beevik/ntp"
	"go.uber.org/zap"

	"example.com/eng-clock/base/timemath"
	"example.com/eng-clock/core/measurements"
	"example.com/eng-clock/net/udp"
)

const defaultBeevikTimeout = 5 * time.Second

// BeevikClient exchanges NTP packets using github.com/beevik/ntp.
type BeevikClient struct {
	Log       *zap.Logger
	LocalAddr netip.AddrPort
	DSCP      uint8
	Timeout   time.Duration
}

var _ Exchanger = (*BeevikClient)(nil)

func (c *BeevikClient) dialer(ctx context.Context) func(string, string) (net.Conn, error) {
	return func(_, remoteAddress string) (net.Conn, error) {
		var d net.Dialer
		if c.LocalAddr.IsValid() {
			d.LocalAddr = net.UDPAddrFromAddrPort(c.LocalAddr)
		}
		conn, err := d.DialContext(ctx, "udp", remoteAddress)
		if err != nil {
			return nil, err
		}
		if uc, ok := conn.(*net.UDPConn); ok {
			err = udp.SetDSCP(uc, c.DSCP)
			if err != nil {
				c.Log.Debug("failed to set DSCP", zap.Error(err))
			}
		}
		return conn, nil
	}
}

func (c *BeevikClient) Exchange(ctx context.Context, server string) (measurements.Sample, error) {
	mtrcs := clientMtrcs.Load()

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultBeevikTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = min(timeout, time.Until(deadline))
		if timeout <= 0 {
			return measurements.Sample{}, Classify(server, context.DeadlineExceeded)
		}
	}

	mtrcs.reqsSent.Inc()
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{
		Timeout: timeout,
		Dialer:  c.dialer(ctx),
	})
	if err != nil {
		return measurements.Sample{}, Classify(server, err)
	}
	err = resp.Validate()
	if err != nil {
		return measurements.Sample{}, &ProtocolError{Server: server, Err: err}
	}

	s := sampleFromResponse(server, resp)
	err = s.Validate()
	if err != nil {
		return measurements.Sample{}, &ProtocolError{Server: server, Err: err}
	}
	mtrcs.respsAccepted.Inc()
	mtrcs.roundTripDelay.Observe(timemath.Seconds(resp.RTT))
	c.Log.Debug("evaluated response",
		zap.String("from", server),
		zap.Duration("clock offset", resp.ClockOffset),
		zap.Duration("round trip delay", resp.RTT),
		zap.Uint8("stratum", resp.Stratum),
		zap.String("reference", resp.ReferenceString()),
	)
	return s, nil
}

// sampleFromResponse reconstructs the four timestamps of an exchange from
// the server transmit time, clock offset and round trip delay, assuming no
// processing time on the server. The resulting sample has the offset and
// delay of the response.
func sampleFromResponse(server string, resp *ntp.Response) measurements.Sample {
	t2 := resp.Time
	mid := t2.Add(-resp.ClockOffset)
	return measurements.Sample{
		Server:       server,
		Originate:    mid.Add(-resp.RTT / 2),
		Receive:      t2,
		Transmit:     t2,
		Destination:  mid.Add(resp.RTT - resp.RTT/2),
		Stratum:      resp.Stratum,
		Precision:    resp.Precision,
		RootDistance: resp.RootDistance,
	}
}
