package ntp_test

import (
	"errors"
	"math"
	"testing"
	"time"

	"example.com/eng-clock/net/ntp"
)

func TestTime64Conversion(t *testing.T) {
	t0 := time.Now().UTC()
	t64 := ntp.Time64FromTime(t0)
	t1 := ntp.TimeFromTime64(t64, t0)

	if !t1.Equal(t0) {
		t.Errorf("t1 and t0 must be equal: %v != %v", t1, t0)
	}
}

func TestTime64ConversionAcrossEras(t *testing.T) {
	// 2036-02-07T06:28:16Z is the first instant of NTP era 1
	rollover := time.Date(2036, time.February, 7, 6, 28, 16, 0, time.UTC)
	for _, d := range []time.Duration{-time.Hour, -time.Second, 0, time.Second, time.Hour} {
		t0 := rollover.Add(d)
		t64 := ntp.Time64FromTime(t0)
		for _, ref := range []time.Time{t0, t0.Add(-24 * time.Hour), t0.Add(24 * time.Hour)} {
			t1 := ntp.TimeFromTime64(t64, ref)
			if !t1.Equal(t0) {
				t.Errorf("TimeFromTime64(%v, %v) = %v, want %v", t64, ref, t1, t0)
			}
		}
	}
}

func TestBeforeAfter(t *testing.T) {
	tests := []struct {
		t0, t1 ntp.Time64
	}{
		{ntp.Time64{Seconds: 10, Fraction: 0}, ntp.Time64{Seconds: 20, Fraction: 0}},
		{ntp.Time64{Seconds: 10, Fraction: 100}, ntp.Time64{Seconds: 10, Fraction: 200}},
		{ntp.Time64{Seconds: 0, Fraction: math.MaxUint32}, ntp.Time64{Seconds: 1, Fraction: 0}},
	}
	for _, tt := range tests {
		if !tt.t0.Before(tt.t1) || tt.t1.Before(tt.t0) {
			t.Errorf("%v must be before %v", tt.t0, tt.t1)
		}
		if !tt.t1.After(tt.t0) || tt.t0.After(tt.t1) {
			t.Errorf("%v must be after %v", tt.t1, tt.t0)
		}
	}
	z := ntp.Time64{}
	if z.Before(z) || z.After(z) || !z.IsZero() {
		t.Errorf("zero timestamp must be neither before nor after itself")
	}
}

func TestClockOffsetAndRoundTripDelay(t *testing.T) {
	base := time.Date(2023, time.May, 1, 12, 0, 0, 0, time.UTC)
	t0 := base
	t1 := base.Add(30 * time.Millisecond) // server clock 20ms ahead, 10ms one way
	t2 := base.Add(31 * time.Millisecond) // 1ms server processing
	t3 := base.Add(21 * time.Millisecond)

	off := ntp.ClockOffset(t0, t1, t2, t3)
	if off != 20*time.Millisecond {
		t.Errorf("ClockOffset = %v, want %v", off, 20*time.Millisecond)
	}
	rtd := ntp.RoundTripDelay(t0, t1, t2, t3)
	if rtd != 20*time.Millisecond {
		t.Errorf("RoundTripDelay = %v, want %v", rtd, 20*time.Millisecond)
	}
}

func TestPacketRoundTrip(t *testing.T) {
	p0 := ntp.Packet{
		Stratum:        2,
		Poll:           6,
		Precision:      -23,
		RootDelay:      ntp.Time32{Seconds: 1, Fraction: math.MaxUint16},
		RootDispersion: ntp.Time32{Seconds: 0, Fraction: 1},
		ReferenceID:    0x47505300,
		ReferenceTime:  ntp.Time64{Seconds: 1, Fraction: 2},
		OriginTime:     ntp.Time64{Seconds: math.MaxUint32, Fraction: math.MaxUint32},
		ReceiveTime:    ntp.Time64{Seconds: 3, Fraction: 4},
		TransmitTime:   ntp.Time64{Seconds: 5, Fraction: 6},
	}
	p0.SetLeapIndicator(ntp.LeapIndicatorInsertSecond)
	p0.SetVersion(ntp.VersionMax)
	p0.SetMode(ntp.ModeServer)

	var b []byte
	ntp.EncodePacket(&b, &p0)
	if len(b) != ntp.PacketLen {
		t.Fatalf("encoded length = %d, want %d", len(b), ntp.PacketLen)
	}
	var p1 ntp.Packet
	err := ntp.DecodePacket(&p1, b)
	if err != nil {
		t.Fatalf("DecodePacket failed: %v", err)
	}
	if p1 != p0 {
		t.Errorf("decoded packet %+v, want %+v", p1, p0)
	}
	if p1.LeapIndicator() != ntp.LeapIndicatorInsertSecond ||
		p1.Version() != ntp.VersionMax || p1.Mode() != ntp.ModeServer {
		t.Errorf("unexpected LVM fields in %+v", p1)
	}
}

func TestDecodeShortPacket(t *testing.T) {
	var p ntp.Packet
	err := ntp.DecodePacket(&p, make([]byte, ntp.PacketLen-1))
	if err == nil {
		t.Errorf("DecodePacket must fail for short input")
	}
}

func TestSetFieldPanics(t *testing.T) {
	tests := []struct {
		name string
		f    func(p *ntp.Packet)
	}{
		{"LeapIndicator", func(p *ntp.Packet) { p.SetLeapIndicator(4) }},
		{"Version", func(p *ntp.Packet) { p.SetVersion(8) }},
		{"Mode", func(p *ntp.Packet) { p.SetMode(8) }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if r := recover(); r == nil {
					t.Errorf("Set%s did not panic", tt.name)
				}
			}()
			tt.f(&ntp.Packet{})
		})
	}
}

func TestTime32Duration(t *testing.T) {
	tests := []struct {
		t    ntp.Time32
		want time.Duration
	}{
		{ntp.Time32{}, 0},
		{ntp.Time32{Seconds: 1}, time.Second},
		{ntp.Time32{Fraction: 1 << 15}, 500 * time.Millisecond},
		{ntp.Time32{Seconds: 2, Fraction: 1 << 14}, 2250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := tt.t.Duration(); got != tt.want {
			t.Errorf("%+v.Duration() = %v, want %v", tt.t, got, tt.want)
		}
	}
}

func TestPrecisionDuration(t *testing.T) {
	if got := ntp.PrecisionDuration(0); got != time.Second {
		t.Errorf("PrecisionDuration(0) = %v, want %v", got, time.Second)
	}
	if got := ntp.PrecisionDuration(-1); got != 500*time.Millisecond {
		t.Errorf("PrecisionDuration(-1) = %v, want %v", got, 500*time.Millisecond)
	}
	if got := ntp.PrecisionDuration(-20); got != 953*time.Nanosecond {
		t.Errorf("PrecisionDuration(-20) = %v, want %v", got, 953*time.Nanosecond)
	}
}

func validResponse() ntp.Packet {
	p := ntp.Packet{
		Stratum:      2,
		Precision:    -20,
		ReceiveTime:  ntp.Time64{Seconds: 1, Fraction: 0},
		TransmitTime: ntp.Time64{Seconds: 1, Fraction: 1},
	}
	p.SetVersion(ntp.VersionMax)
	p.SetMode(ntp.ModeServer)
	return p
}

func TestValidateResponseMetadata(t *testing.T) {
	tests := []struct {
		name   string
		modify func(p *ntp.Packet)
		want   error
	}{
		{"Valid", func(p *ntp.Packet) {}, nil},
		{"Version3", func(p *ntp.Packet) { p.SetVersion(3) }, nil},
		{"Unsynchronized", func(p *ntp.Packet) { p.SetLeapIndicator(ntp.LeapIndicatorUnknown) }, ntp.ErrUnsynchronized},
		{"Version2", func(p *ntp.Packet) { p.SetVersion(2) }, ntp.ErrUnexpectedVersion},
		{"ClientMode", func(p *ntp.Packet) { p.SetMode(ntp.ModeClient) }, ntp.ErrUnexpectedMode},
		{"KissOfDeath", func(p *ntp.Packet) { p.Stratum = 0 }, ntp.ErrKissOfDeath},
		{"Stratum16", func(p *ntp.Packet) { p.Stratum = 16 }, ntp.ErrUnexpectedStratum},
		{"CoarsePrecision", func(p *ntp.Packet) { p.Precision = 1 }, ntp.ErrImplausiblePrecision},
		{"FinePrecision", func(p *ntp.Packet) { p.Precision = -33 }, ntp.ErrImplausiblePrecision},
		{"RootDistance", func(p *ntp.Packet) { p.RootDispersion.Seconds = 17 }, ntp.ErrRootDistance},
		{"ZeroTransmit", func(p *ntp.Packet) { p.TransmitTime = ntp.Time64{} }, ntp.ErrInvalidTimestamps},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validResponse()
			tt.modify(&p)
			err := ntp.ValidateResponseMetadata(&p)
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateResponseMetadata() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestValidateResponseTimestamps(t *testing.T) {
	base := time.Date(2023, time.May, 1, 12, 0, 0, 0, time.UTC)
	ms := func(n int) time.Time { return base.Add(time.Duration(n) * time.Millisecond) }

	if err := ntp.ValidateResponseTimestamps(ms(0), ms(5), ms(6), ms(10)); err != nil {
		t.Errorf("unexpected error for valid timestamps: %v", err)
	}
	if err := ntp.ValidateResponseTimestamps(ms(10), ms(5), ms(6), ms(0)); err == nil {
		t.Errorf("expected error for local clock moving backward")
	}
	if err := ntp.ValidateResponseTimestamps(ms(0), ms(6), ms(5), ms(10)); err == nil {
		t.Errorf("expected error for server transmit before receive")
	}
	if err := ntp.ValidateResponseTimestamps(ms(0), ms(5), ms(55), ms(20)); err == nil {
		t.Errorf("expected error for negative round trip delay")
	}
}

func TestValidateRequest(t *testing.T) {
	req := ntp.Packet{}
	req.SetVersion(ntp.VersionMax)
	req.SetMode(ntp.ModeClient)
	if err := ntp.ValidateRequest(&req); err != nil {
		t.Errorf("unexpected error for client request: %v", err)
	}
	req.SetMode(ntp.ModeServer)
	if err := ntp.ValidateRequest(&req); err == nil {
		t.Errorf("expected error for server mode request")
	}
}
