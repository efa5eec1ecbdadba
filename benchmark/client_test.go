package benchmark

import (
	"bytes"
	"context"
	"net"
	"net/netip"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"example.com/eng-clock/core/timebase"
	"example.com/eng-clock/driver/clock"
	"example.com/eng-clock/net/ntp"
)

func TestMain(m *testing.M) {
	timebase.RegisterClock(&clock.SystemClock{Log: zap.NewNop()})
	os.Exit(m.Run())
}

// startServer answers every other request when lossy is set.
func startServer(t *testing.T, lossy bool) string {
	t.Helper()
	conn, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(
		netip.AddrPortFrom(netip.MustParseAddr("127.0.0.1"), 0)))
	if err != nil {
		t.Fatalf("net.ListenUDP failed: %v", err)
	}
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = conn.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		buf := make([]byte, 1024)
		for i := 0; ; i++ {
			n, from, err := conn.ReadFromUDPAddrPort(buf)
			if err != nil {
				return
			}
			if lossy && i%2 == 1 {
				continue
			}
			var req ntp.Packet
			if ntp.DecodePacket(&req, buf[:n]) != nil {
				continue
			}
			now := time.Now()
			var resp ntp.Packet
			resp.SetVersion(ntp.VersionMax)
			resp.SetMode(ntp.ModeServer)
			resp.Stratum = 1
			resp.Precision = -24
			resp.OriginTime = req.TransmitTime
			resp.ReceiveTime = ntp.Time64FromTime(now)
			resp.TransmitTime = ntp.Time64FromTime(now)
			b := make([]byte, ntp.PacketLen)
			ntp.EncodePacket(&b, &resp)
			_, _ = conn.WriteToUDPAddrPort(b, from)
		}
	}()
	return conn.LocalAddr().String()
}

func TestRun(t *testing.T) {
	remote := startServer(t, false)
	res, err := Run(context.Background(), zaptest.NewLogger(t), Params{
		Remote:      remote,
		Requests:    25,
		Concurrency: 2,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Sent != 50 || res.Received != 50 || res.Failed != 0 {
		t.Errorf("Run = sent %d, received %d, failed %d, want 50, 50, 0",
			res.Sent, res.Received, res.Failed)
	}
	if n := res.Delays.TotalCount(); n != 50 {
		t.Errorf("histogram count = %d, want 50", n)
	}
	if res.Delays.Max() > time.Second.Microseconds() {
		t.Errorf("max delay = %dus, want less than 1s on loopback", res.Delays.Max())
	}

	var out bytes.Buffer
	if err := res.Print(&out); err != nil {
		t.Fatalf("Print failed: %v", err)
	}
	if !strings.Contains(out.String(), "sent 50, received 50, failed 0") {
		t.Errorf("Print wrote %q, want summary line", out.String())
	}
}

func TestRunLossy(t *testing.T) {
	if testing.Short() {
		t.Skip("waits for read timeouts")
	}
	remote := startServer(t, true)
	res, err := Run(context.Background(), zaptest.NewLogger(t), Params{
		Remote:      remote,
		Requests:    4,
		Concurrency: 1,
	})
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if res.Sent != 4 || res.Failed != 2 || res.Received != 2 {
		t.Errorf("Run = sent %d, received %d, failed %d, want 4, 2, 2",
			res.Sent, res.Received, res.Failed)
	}
}
