package gopacketntp

import (
	"go.uber.org/zap/zapcore"

	"example.com/eng-clock/net/ntp"
)

type PacketMarshaler struct {
	Pkt *Packet
}

func (m PacketMarshaler) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	err := ntp.PacketMarshaler{Pkt: &m.Pkt.Packet}.MarshalLogObject(enc)
	if err != nil {
		return err
	}
	return enc.AddArray("Extensions", zapcore.ArrayMarshalerFunc(
		func(ae zapcore.ArrayEncoder) error {
			for _, ext := range m.Pkt.Extensions {
				err := ae.AppendObject(zapcore.ObjectMarshalerFunc(
					func(oe zapcore.ObjectEncoder) error {
						oe.AddUint16("Type", ext.Type)
						oe.AddInt("Length", extHdrLen+len(ext.Value))
						return nil
					}))
				if err != nil {
					return err
				}
			}
			return nil
		}))
}
