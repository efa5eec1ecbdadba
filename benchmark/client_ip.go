package benchmark

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"example.com/eng-clock/core/timebase"
	"example.com/eng-clock/net/gopacketntp"
	"example.com/eng-clock/net/ntp"
	"example.com/eng-clock/net/udp"
)

var errUnrelatedPacket = errors.New("unrelated packet received")

type worker struct {
	log  *zap.Logger
	conn *net.UDPConn
	buf  []byte
	oob  []byte
}

// exchange sends one request and returns the round trip delay of the
// matching response.
func (w *worker) exchange() (time.Duration, error) {
	cTxTime := timebase.Now()
	req := gopacketntp.Packet{}
	req.SetVersion(ntp.VersionMax)
	req.SetMode(ntp.ModeClient)
	req.TransmitTime = ntp.Time64FromTime(cTxTime)
	b, err := gopacketntp.Serialize(&req)
	if err != nil {
		return 0, err
	}
	_, err = w.conn.Write(b)
	if err != nil {
		return 0, err
	}

	err = w.conn.SetReadDeadline(time.Now().Add(readTimeout))
	if err != nil {
		return 0, err
	}
	buf := w.buf[:cap(w.buf)]
	oob := w.oob[:cap(w.oob)]
	n, oobn, _, _, err := w.conn.ReadMsgUDPAddrPort(buf, oob)
	if err != nil {
		return 0, err
	}
	cRxTime, err := udp.TimestampFromOOBData(oob[:oobn])
	if err != nil {
		cRxTime = timebase.Now()
	}

	resp, err := gopacketntp.Decode(buf[:n])
	if err != nil {
		return 0, err
	}
	if resp.OriginTime != req.TransmitTime {
		return 0, errUnrelatedPacket
	}
	err = ntp.ValidateResponseMetadata(&resp.Packet)
	if err != nil {
		return 0, err
	}
	sRxTime := ntp.TimeFromTime64(resp.ReceiveTime, cTxTime)
	sTxTime := ntp.TimeFromTime64(resp.TransmitTime, cTxTime)
	err = ntp.ValidateResponseTimestamps(cTxTime, sRxTime, sTxTime, cRxTime)
	if err != nil {
		return 0, err
	}
	return ntp.RoundTripDelay(cTxTime, sRxTime, sTxTime, cRxTime), nil
}

// Run sends p.Requests requests from each of p.Concurrency workers, one
// outstanding request per worker. Lost or invalid responses are counted as
// failures; Run fails only if a socket cannot be set up.
func Run(ctx context.Context, log *zap.Logger, p Params) (Result, error) {
	if p.Requests < 1 || p.Concurrency < 1 {
		panic("unexpected benchmark parameters")
	}
	raddr, err := net.ResolveUDPAddr("udp", p.Remote)
	if err != nil {
		return Result{}, err
	}

	var mu sync.Mutex
	res := Result{Delays: newHistogram()}
	g, ctx := errgroup.WithContext(ctx)
	t0 := time.Now()
	for range p.Concurrency {
		g.Go(func() error {
			conn, err := net.DialUDP("udp", nil, raddr)
			if err != nil {
				return err
			}
			defer conn.Close()
			err = udp.EnableRxTimestamps(conn)
			if err != nil {
				log.Debug("failed to enable timestamping", zap.Error(err))
			}
			err = udp.SetDSCP(conn, p.DSCP)
			if err != nil {
				log.Debug("failed to set DSCP", zap.Error(err))
			}

			w := &worker{
				log:  log,
				conn: conn,
				buf:  make([]byte, 1024),
				oob:  make([]byte, udp.TimestampLen()),
			}
			hg := newHistogram()
			var sent, failed int64
			for range p.Requests {
				if ctx.Err() != nil {
					break
				}
				sent++
				rtd, err := w.exchange()
				if err != nil {
					failed++
					log.Debug("exchange failed", zap.Error(err))
					continue
				}
				err = hg.RecordValue(max(rtd.Microseconds(), minDelayMicros))
				if err != nil {
					log.Info("failed to record histogram value",
						zap.Duration("delay", rtd), zap.Error(err))
				}
			}

			mu.Lock()
			defer mu.Unlock()
			res.Sent += sent
			res.Failed += failed
			res.Received += sent - failed
			res.Delays.Merge(hg)
			return nil
		})
	}
	err = g.Wait()
	res.Elapsed = time.Since(t0)
	return res, err
}
