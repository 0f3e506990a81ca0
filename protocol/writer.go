package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	ErrPacketTooLarge   = errors.New("packet too large")
	ErrInvalidClientID  = errors.New("client identifier must be between 1 and 23 bytes")
	ErrUnknownEncodable = errors.New("packet type can not be encoded")
)

const (
	// MaxClientIDLength is the longest client identifier a CONNECT may carry.
	MaxClientIDLength = 23

	// MaxBodyLength is the largest body that still fits the extended header.
	MaxBodyLength = 65531

	// maxCompactBodyLength is the largest body that fits the two byte header.
	maxCompactBodyLength = 253
)

// Encode serialises a packet, choosing the compact two byte header when the
// total length fits in one byte and the extended four byte header otherwise.
func Encode(p *Packet) ([]byte, error) {
	body, err := encodeBody(p)
	if err != nil {
		return nil, fmt.Errorf("Failed to encode %s: %w", p.Type, err)
	}

	if len(body) > MaxBodyLength {
		return nil, fmt.Errorf("Failed to encode %s: %w", p.Type, ErrPacketTooLarge)
	}

	var out []byte

	if len(body) > maxCompactBodyLength {
		out = make([]byte, 4, len(body)+4)
		out[0] = extendedLengthMarker
		binary.BigEndian.PutUint16(out[1:3], uint16(len(body)+4))
		out[3] = byte(p.Type)
	} else {
		out = make([]byte, 2, len(body)+2)
		out[0] = byte(len(body) + 2)
		out[1] = byte(p.Type)
	}

	return append(out, body...), nil
}

func encodeBody(p *Packet) ([]byte, error) {
	switch p.Type {
	case TypeConnect:
		if len(p.ClientID) < 1 || len(p.ClientID) > MaxClientIDLength {
			return nil, ErrInvalidClientID
		}

		b := []byte{EncodeFlags(p.Flags), ProtocolIDv12}
		b = binary.BigEndian.AppendUint16(b, p.KeepAlive)
		return append(b, p.ClientID...), nil

	case TypeConnack:
		return []byte{byte(p.ReturnCode)}, nil

	case TypeRegister:
		b := binary.BigEndian.AppendUint16(nil, p.TopicID)
		b = binary.BigEndian.AppendUint16(b, p.MsgID)
		return append(b, p.TopicName...), nil

	case TypeRegack:
		b := binary.BigEndian.AppendUint16(nil, p.TopicID)
		b = binary.BigEndian.AppendUint16(b, p.MsgID)
		return append(b, byte(p.ReturnCode)), nil

	case TypePublish:
		b := []byte{EncodeFlags(p.Flags)}
		b = binary.BigEndian.AppendUint16(b, p.TopicID)
		b = binary.BigEndian.AppendUint16(b, p.MsgID)
		return append(b, p.Data...), nil

	case TypeSubscribe:
		b := []byte{EncodeFlags(p.Flags)}
		b = binary.BigEndian.AppendUint16(b, p.MsgID)
		return append(b, p.TopicName...), nil

	case TypeSuback:
		b := []byte{EncodeFlags(p.Flags)}
		b = binary.BigEndian.AppendUint16(b, p.TopicID)
		b = binary.BigEndian.AppendUint16(b, p.MsgID)
		return append(b, byte(p.ReturnCode)), nil

	case TypePingreq, TypePingresp, TypeDisconnect:
		return []byte{}, nil

	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownEncodable, p.Type)
	}
}
