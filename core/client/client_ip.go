package client

import (
	"context"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"go.uber.org/zap"

	"example.com/eng-clock/base/timemath"
	"example.com/eng-clock/core/measurements"
	"example.com/eng-clock/core/timebase"
	"example.com/eng-clock/net/gopacketntp"
	"example.com/eng-clock/net/ntp"
	"example.com/eng-clock/net/udp"
)

const maxNumRetries = 1

// IPClient exchanges NTP packets over UDP using its own packet codec and
// kernel receive timestamps where available.
type IPClient struct {
	Log       *zap.Logger
	LocalAddr netip.AddrPort
	DSCP      uint8
	Timeout   time.Duration
	Histo     *hdrhistogram.Histogram
}

var _ Exchanger = (*IPClient)(nil)

func compareAddrs(x, y netip.Addr) int {
	return x.Unmap().Compare(y.Unmap())
}

// resolve returns the address of server, preferring the address family of
// localAddr if it is set.
func resolve(ctx context.Context, server string, localAddr netip.AddrPort) (netip.AddrPort, error) {
	host, port, err := net.SplitHostPort(server)
	if err != nil {
		return netip.AddrPort{}, err
	}
	p, err := strconv.ParseUint(port, 10, 16)
	if err != nil {
		return netip.AddrPort{}, err
	}
	if a, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(a.Unmap(), uint16(p)), nil
	}
	as, err := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, err
	}
	for _, a := range as {
		a = a.Unmap()
		if !localAddr.IsValid() || a.Is4() == localAddr.Addr().Unmap().Is4() {
			return netip.AddrPortFrom(a, uint16(p)), nil
		}
	}
	return netip.AddrPort{}, errNoAddress
}

func (c *IPClient) Exchange(ctx context.Context, server string) (measurements.Sample, error) {
	log := c.Log
	mtrcs := clientMtrcs.Load()

	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	remoteAddr, err := resolve(ctx, server, c.LocalAddr)
	if err != nil {
		return measurements.Sample{}, Classify(server, err)
	}
	network := "udp4"
	if remoteAddr.Addr().Is6() {
		network = "udp6"
	}
	var localAddr netip.AddrPort
	if c.LocalAddr.IsValid() && c.LocalAddr.Addr().Unmap().Is4() == remoteAddr.Addr().Is4() {
		localAddr = c.LocalAddr
	}

	conn, err := udp.ListenUDP(ctx, network, localAddr)
	if err != nil {
		return measurements.Sample{}, Classify(server, err)
	}
	defer conn.Close()
	deadline, deadlineIsSet := ctx.Deadline()
	if deadlineIsSet {
		err = conn.SetDeadline(deadline)
		if err != nil {
			return measurements.Sample{}, Classify(server, err)
		}
	}
	err = udp.EnableRxTimestamps(conn)
	if err != nil {
		log.Debug("failed to enable timestamping", zap.Error(err))
	}
	err = udp.SetDSCP(conn, c.DSCP)
	if err != nil {
		log.Debug("failed to set DSCP", zap.Error(err))
	}

	buf := make([]byte, ntp.PacketLen)

	cTxTime := timebase.Now()

	ntpreq := ntp.Packet{}
	ntpreq.SetVersion(ntp.VersionMax)
	ntpreq.SetMode(ntp.ModeClient)
	ntpreq.TransmitTime = ntp.Time64FromTime(cTxTime)

	ntp.EncodePacket(&buf, &ntpreq)

	n, err := conn.WriteToUDPAddrPort(buf, remoteAddr)
	if err != nil {
		return measurements.Sample{}, Classify(server, err)
	}
	if n != len(buf) {
		return measurements.Sample{}, Classify(server, errWrite)
	}
	mtrcs.reqsSent.Inc()

	numRetries := 0
	retry := func() bool {
		if numRetries != maxNumRetries && deadlineIsSet && timebase.Now().Before(deadline) {
			numRetries++
			return true
		}
		return false
	}

	buf = make([]byte, 1024)
	oob := make([]byte, udp.TimestampLen())
	for {
		buf = buf[:cap(buf)]
		oob = oob[:cap(oob)]
		n, oobn, flags, srcAddr, err := conn.ReadMsgUDPAddrPort(buf, oob)
		if err != nil {
			return measurements.Sample{}, Classify(server, err)
		}
		cRxTime, tserr := udp.TimestampFromOOBData(oob[:oobn])
		if tserr != nil {
			cRxTime = timebase.Now()
		}
		if flags != 0 {
			if retry() {
				log.Info("failed to read packet", zap.Int("flags", flags))
				continue
			}
			return measurements.Sample{}, Classify(server, errUnexpectedPacketFlags)
		}
		buf = buf[:n]

		if compareAddrs(srcAddr.Addr(), remoteAddr.Addr()) != 0 {
			if retry() {
				log.Info("received packet from unexpected source",
					zap.Stringer("from", srcAddr))
				continue
			}
			return measurements.Sample{}, Classify(server, errUnexpectedPacketSource)
		}

		if ce := log.Check(zap.DebugLevel, "received datagram"); ce != nil {
			ce.Write(zap.String("from", server), zap.String("dump", gopacketntp.Dump(buf)))
		}

		var ntpresp ntp.Packet
		err = ntp.DecodePacket(&ntpresp, buf)
		if err != nil {
			if retry() {
				log.Info("failed to decode packet payload", zap.Error(err))
				continue
			}
			return measurements.Sample{}, &ProtocolError{Server: server, Err: err}
		}

		if ntpresp.OriginTime != ntpreq.TransmitTime {
			if retry() {
				log.Info("received packet with unexpected type or structure")
				continue
			}
			return measurements.Sample{}, &ProtocolError{Server: server, Err: errUnexpectedPacket}
		}

		err = ntp.ValidateResponseMetadata(&ntpresp)
		if err != nil {
			return measurements.Sample{}, &ProtocolError{Server: server, Err: err}
		}

		log.Debug("received response",
			zap.Time("at", cRxTime),
			zap.String("from", server),
			zap.Object("data", ntp.PacketMarshaler{Pkt: &ntpresp}),
		)

		t0 := cTxTime
		t1 := ntp.TimeFromTime64(ntpresp.ReceiveTime, cTxTime)
		t2 := ntp.TimeFromTime64(ntpresp.TransmitTime, cTxTime)
		t3 := cRxTime

		err = ntp.ValidateResponseTimestamps(t0, t1, t2, t3)
		if err != nil {
			return measurements.Sample{}, &ProtocolError{Server: server, Err: err}
		}

		s := measurements.Sample{
			Server:       server,
			Originate:    t0,
			Receive:      t1,
			Transmit:     t2,
			Destination:  t3,
			Stratum:      ntpresp.Stratum,
			Precision:    ntp.PrecisionDuration(ntpresp.Precision),
			RootDistance: ntpresp.RootDistance(),
		}
		rtd := s.Delay()

		mtrcs.respsAccepted.Inc()
		mtrcs.roundTripDelay.Observe(timemath.Seconds(rtd))
		log.Debug("evaluated response",
			zap.String("from", server),
			zap.Duration("clock offset", s.Offset()),
			zap.Duration("round trip delay", rtd),
		)

		if c.Histo != nil {
			_ = c.Histo.RecordValue(rtd.Microseconds())
		}

		return s, nil
	}
}
