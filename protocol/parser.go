package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrPacketTooShort        = errors.New("packet too short")
	ErrLengthMismatch        = errors.New("length mismatch")
	ErrInvalidPacketType     = errors.New("invalid packet type identifier")
	ErrUnsupportedProtocolID = errors.New("unsupported protocol id")
	ErrTruncatedBody         = errors.New("packet body is truncated")
	ErrInvalidTopicIDType    = errors.New("invalid topic id type")
	ErrInvalidShortTopic     = errors.New("short topic names must be exactly two characters")
)

// ProtocolIDv12 is the only protocol id a CONNECT may carry.
const ProtocolIDv12 = 0x01

// extendedLengthMarker in the first header byte means the length follows as
// a two byte big endian integer.
const extendedLengthMarker = 0x01

type bodyDecoder func(p *Packet, body []byte) error

var decoders = map[Type]bodyDecoder{
	TypeConnect:    decodeConnect,
	TypeConnack:    decodeConnack,
	TypeRegister:   decodeRegister,
	TypeRegack:     decodeRegack,
	TypePublish:    decodePublish,
	TypeSubscribe:  decodeSubscribe,
	TypeSuback:     decodeSuback,
	TypePingreq:    decodeEmpty,
	TypePingresp:   decodeEmpty,
	TypeDisconnect: decodeEmpty,
}

// Decode parses a single datagram into a Packet.
//
// The length declared in the header must match len(buf) exactly, a datagram
// is never truncated or padded to make it fit.
func Decode(buf []byte) (*Packet, error) {
	if len(buf) < 2 {
		return nil, ErrPacketTooShort
	}

	length := int(buf[0])
	typeID := buf[1]
	body := buf[2:]

	if length == extendedLengthMarker {
		if len(buf) < 4 {
			return nil, ErrPacketTooShort
		}

		length = int(binary.BigEndian.Uint16(buf[1:3]))
		typeID = buf[3]
		body = buf[4:]
	}

	if length != len(buf) {
		return nil, fmt.Errorf("%w: header says %d bytes, received %d",
			ErrLengthMismatch, length, len(buf))
	}

	decode, ok := decoders[Type(typeID)]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrInvalidPacketType, typeID)
	}

	p := &Packet{Type: Type(typeID)}
	if err := decode(p, body); err != nil {
		return nil, fmt.Errorf("Failed to parse %s: %w", p.Type, err)
	}

	return p, nil
}

func decodeConnect(p *Packet, body []byte) (err error) {
	if len(body) < 4 {
		return ErrTruncatedBody
	}

	if p.Flags, err = DecodeFlags(body[0]); err != nil {
		return err
	}

	if body[1] != ProtocolIDv12 {
		return fmt.Errorf("%w: %d", ErrUnsupportedProtocolID, body[1])
	}

	p.KeepAlive = binary.BigEndian.Uint16(body[2:4])
	p.ClientID = string(body[4:])

	return nil
}

func decodeConnack(p *Packet, body []byte) error {
	if len(body) < 1 {
		return ErrTruncatedBody
	}

	p.ReturnCode = ReturnCode(body[0])

	return nil
}

func decodeRegister(p *Packet, body []byte) error {
	if len(body) < 4 {
		return ErrTruncatedBody
	}

	p.TopicID = binary.BigEndian.Uint16(body[0:2])
	p.MsgID = binary.BigEndian.Uint16(body[2:4])
	p.TopicName = string(body[4:])

	return nil
}

func decodeRegack(p *Packet, body []byte) error {
	if len(body) < 5 {
		return ErrTruncatedBody
	}

	p.TopicID = binary.BigEndian.Uint16(body[0:2])
	p.MsgID = binary.BigEndian.Uint16(body[2:4])
	p.ReturnCode = ReturnCode(body[4])

	return nil
}

func decodePublish(p *Packet, body []byte) (err error) {
	if len(body) < 5 {
		return ErrTruncatedBody
	}

	if p.Flags, err = DecodeFlags(body[0]); err != nil {
		return err
	}

	p.TopicID = binary.BigEndian.Uint16(body[1:3])
	p.MsgID = binary.BigEndian.Uint16(body[3:5])
	p.Data = copyBytes(body[5:])

	return nil
}

func decodeSubscribe(p *Packet, body []byte) (err error) {
	if len(body) < 3 {
		return ErrTruncatedBody
	}

	if p.Flags, err = DecodeFlags(body[0]); err != nil {
		return err
	}

	p.MsgID = binary.BigEndian.Uint16(body[1:3])
	p.TopicName = string(body[3:])

	return nil
}

func decodeSuback(p *Packet, body []byte) (err error) {
	if len(body) < 6 {
		return ErrTruncatedBody
	}

	if p.Flags, err = DecodeFlags(body[0]); err != nil {
		return err
	}

	p.TopicID = binary.BigEndian.Uint16(body[1:3])
	p.MsgID = binary.BigEndian.Uint16(body[3:5])
	p.ReturnCode = ReturnCode(body[5])

	return nil
}

func decodeEmpty(p *Packet, body []byte) error {
	return nil
}

// copyBytes detaches the payload from the read buffer, which the datagram
// reader reuses. An empty payload comes back as an empty, non-nil slice.
func copyBytes(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)

	return out
}
