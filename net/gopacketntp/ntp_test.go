package gopacketntp_test

import (
	"bytes"
	"strings"
	"testing"

	"example.com/eng-clock/net/gopacketntp"
	"example.com/eng-clock/net/ntp"
)

func TestSerializeDecodeWithExtensions(t *testing.T) {
	p0 := &gopacketntp.Packet{}
	p0.SetVersion(ntp.VersionMax)
	p0.SetMode(ntp.ModeClient)
	p0.TransmitTime = ntp.Time64{Seconds: 42, Fraction: 7}
	p0.Extensions = []gopacketntp.ExtField{
		{Type: 0x104, Value: bytes.Repeat([]byte{0xab}, 32)},
		{Type: 0x2000, Value: []byte{1, 2, 3}},
	}

	b, err := gopacketntp.Serialize(p0)
	if err != nil {
		t.Fatalf("Serialize failed: %v", err)
	}
	// 48 byte header, 36 byte and 16 byte extension fields
	if len(b) != ntp.PacketLen+36+16 {
		t.Fatalf("serialized length = %d, want %d", len(b), ntp.PacketLen+36+16)
	}

	p1, err := gopacketntp.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p1.Packet != p0.Packet {
		t.Errorf("decoded header %+v, want %+v", p1.Packet, p0.Packet)
	}
	if len(p1.Extensions) != 2 {
		t.Fatalf("decoded %d extensions, want 2", len(p1.Extensions))
	}
	if p1.Extensions[0].Type != 0x104 || !bytes.Equal(p1.Extensions[0].Value, p0.Extensions[0].Value) {
		t.Errorf("unexpected first extension %+v", p1.Extensions[0])
	}
	if p1.Extensions[1].Type != 0x2000 || !bytes.Equal(p1.Extensions[1].Value[:3], []byte{1, 2, 3}) {
		t.Errorf("unexpected second extension %+v", p1.Extensions[1])
	}
}

func TestDecodePlainPacket(t *testing.T) {
	var pkt ntp.Packet
	pkt.SetVersion(ntp.VersionMax)
	pkt.SetMode(ntp.ModeServer)
	pkt.Stratum = 1
	var b []byte
	ntp.EncodePacket(&b, &pkt)

	p, err := gopacketntp.Decode(b)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.Packet != pkt || len(p.Extensions) != 0 {
		t.Errorf("unexpected decoded packet %+v", p)
	}
	if !strings.Contains(gopacketntp.Dump(b), "NTP") {
		t.Errorf("dump does not mention the NTP layer")
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := gopacketntp.Decode(make([]byte, 20)); err == nil {
		t.Errorf("expected error for truncated packet")
	}
	b := make([]byte, ntp.PacketLen+16)
	b[ntp.PacketLen+3] = 200 // length beyond datagram
	if _, err := gopacketntp.Decode(b); err == nil {
		t.Errorf("expected error for oversized extension length")
	}
}
