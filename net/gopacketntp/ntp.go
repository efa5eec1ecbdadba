// Package gopacketntp exposes NTP packets as a gopacket layer so that
// datagrams can be decoded and dumped with the gopacket tooling.
package gopacketntp

import (
	"encoding/binary"
	"errors"

	"github.com/google/gopacket"

	"example.com/eng-clock/net/ntp"
)

const (
	extHdrLen = 4
	minExtLen = 16
)

var LayerTypeNTP = gopacket.RegisterLayerType(
	1123,
	gopacket.LayerTypeMetadata{
		Name:    "NTP",
		Decoder: gopacket.DecodeFunc(decodeNTP),
	},
)

var (
	errUnexpectedPacketSize = errors.New("unexpected packet size")
	errInvalidExtension     = errors.New("invalid extension field")
)

// BaseLayer is a convenience struct which implements the LayerData and
// LayerPayload functions of the Layer interface.
type BaseLayer struct {
	Contents []byte
	Payload  []byte
}

func (b *BaseLayer) LayerContents() []byte { return b.Contents }

func (b *BaseLayer) LayerPayload() []byte { return b.Payload }

// ExtField is an NTPv4 extension field (RFC 7822). Value excludes the
// four byte header and includes any padding present on the wire.
type ExtField struct {
	Type  uint16
	Value []byte
}

type Packet struct {
	BaseLayer
	ntp.Packet
	Extensions []ExtField
}

func (p *Packet) LayerType() gopacket.LayerType {
	return LayerTypeNTP
}

func decodeNTP(data []byte, pb gopacket.PacketBuilder) error {
	p := &Packet{}
	err := p.DecodeFromBytes(data, pb)
	if err != nil {
		return err
	}
	pb.AddLayer(p)
	pb.SetApplicationLayer(p)
	return nil
}

func (p *Packet) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	var buf []byte
	ntp.EncodePacket(&buf, &p.Packet)
	data, err := b.PrependBytes(len(buf))
	if err != nil {
		return err
	}
	copy(data, buf)

	for _, ext := range p.Extensions {
		n := extHdrLen + len(ext.Value)
		if opts.FixLengths && n < minExtLen {
			n = minExtLen
		}
		if opts.FixLengths && n%4 != 0 {
			n += 4 - n%4
		}
		if n < minExtLen || n%4 != 0 || n > 0xffff {
			return errInvalidExtension
		}
		data, err := b.AppendBytes(n)
		if err != nil {
			return err
		}
		binary.BigEndian.PutUint16(data[0:], ext.Type)
		binary.BigEndian.PutUint16(data[2:], uint16(n))
		clear(data[extHdrLen:])
		copy(data[extHdrLen:], ext.Value)
	}
	return nil
}

func (p *Packet) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	if len(data) < ntp.PacketLen {
		df.SetTruncated()
		return errUnexpectedPacketSize
	}
	err := ntp.DecodePacket(&p.Packet, data[:ntp.PacketLen])
	if err != nil {
		return err
	}
	p.BaseLayer = BaseLayer{Contents: data}

	p.Extensions = p.Extensions[:0]
	rest := data[ntp.PacketLen:]
	for len(rest) >= minExtLen {
		typ := binary.BigEndian.Uint16(rest[0:])
		n := int(binary.BigEndian.Uint16(rest[2:]))
		if n < minExtLen || n%4 != 0 || n > len(rest) {
			return errInvalidExtension
		}
		p.Extensions = append(p.Extensions, ExtField{
			Type:  typ,
			Value: rest[extHdrLen:n],
		})
		rest = rest[n:]
	}
	// Trailing bytes shorter than an extension field are a legacy MAC
	p.BaseLayer.Payload = rest
	return nil
}

func (p *Packet) CanDecode() gopacket.LayerClass {
	return LayerTypeNTP
}

func (p *Packet) NextLayerType() gopacket.LayerType {
	return gopacket.LayerTypeZero
}

func (p *Packet) Payload() []byte {
	return p.BaseLayer.Payload
}

// Decode parses b as an NTP datagram.
func Decode(b []byte) (*Packet, error) {
	var p Packet
	err := p.DecodeFromBytes(b, gopacket.NilDecodeFeedback)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Serialize encodes p including its extension fields.
func Serialize(p *Packet) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true}, p)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Dump decodes b with gopacket and returns a human readable layer dump.
func Dump(b []byte) string {
	pkt := gopacket.NewPacket(b, LayerTypeNTP, gopacket.Default)
	return pkt.Dump()
}
