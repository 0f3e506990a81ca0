package protocol

import "fmt"

// Type is the one byte message type identifier carried in every packet header.
type Type byte

const (
	TypeConnect    Type = 0x04
	TypeConnack    Type = 0x05
	TypeRegister   Type = 0x0A
	TypeRegack     Type = 0x0B
	TypePublish    Type = 0x0C
	TypeSubscribe  Type = 0x12
	TypeSuback     Type = 0x13
	TypePingreq    Type = 0x16
	TypePingresp   Type = 0x17
	TypeDisconnect Type = 0x18
)

var typeNames = map[Type]string{
	TypeConnect:    "CONNECT",
	TypeConnack:    "CONNACK",
	TypeRegister:   "REGISTER",
	TypeRegack:     "REGACK",
	TypePublish:    "PUBLISH",
	TypeSubscribe:  "SUBSCRIBE",
	TypeSuback:     "SUBACK",
	TypePingreq:    "PINGREQ",
	TypePingresp:   "PINGRESP",
	TypeDisconnect: "DISCONNECT",
}

func (t Type) String() string {
	if name, ok := typeNames[t]; ok {
		return name
	}

	return fmt.Sprintf("UNKNOWN(0x%02x)", byte(t))
}

// TopicIDType says how the topic id field of a packet should be interpreted.
type TopicIDType byte

const (
	// TopicIDNormal ids are allocated by the gateway through REGISTER/REGACK
	TopicIDNormal TopicIDType = 0x00

	// TopicIDPredefined ids are agreed out of band between client and gateway
	TopicIDPredefined TopicIDType = 0x01

	// TopicIDShort ids carry a two character topic name directly
	TopicIDShort TopicIDType = 0x02
)

func (t TopicIDType) String() string {
	switch t {
	case TopicIDNormal:
		return "normal"
	case TopicIDPredefined:
		return "predefined"
	case TopicIDShort:
		return "short"
	default:
		return fmt.Sprintf("reserved(%d)", byte(t))
	}
}

// QoSNone is the decoded value of the wire QoS bits 0b11, which means that no
// QoS was negotiated.
const QoSNone int8 = -1

// Flags is the flags byte shared by CONNECT, PUBLISH, SUBSCRIBE and SUBACK.
type Flags struct {
	Duplicate    bool
	QoS          int8
	Retain       bool
	RequestWill  bool
	CleanSession bool
	TopicIDType  TopicIDType
}

// Packet is a single constrained-protocol message. Type selects which of the
// remaining fields are meaningful, see the body layouts in doc.go.
type Packet struct {
	Type  Type
	Flags Flags

	// CONNECT
	KeepAlive uint16
	ClientID  string

	// CONNACK, REGACK, SUBACK
	ReturnCode ReturnCode

	// REGISTER, REGACK, PUBLISH, SUBACK
	TopicID uint16

	// REGISTER, REGACK, PUBLISH, SUBSCRIBE, SUBACK
	MsgID uint16

	// REGISTER, SUBSCRIBE
	TopicName string

	// PUBLISH
	Data []byte
}

type Marshaler interface {
	Marshal() ([]byte, error)
}

// Marshal encodes the packet into its wire form.
func (p *Packet) Marshal() ([]byte, error) {
	return Encode(p)
}

func (p *Packet) String() string {
	switch p.Type {
	case TypeConnect:
		return fmt.Sprintf("%s client_id=%q keep_alive=%d clean_session=%t",
			p.Type, p.ClientID, p.KeepAlive, p.Flags.CleanSession)
	case TypeConnack:
		return fmt.Sprintf("%s return_code=%s", p.Type, p.ReturnCode)
	case TypeRegister:
		return fmt.Sprintf("%s topic_id=%d msg_id=%d topic_name=%q",
			p.Type, p.TopicID, p.MsgID, p.TopicName)
	case TypeRegack, TypeSuback:
		return fmt.Sprintf("%s topic_id=%d msg_id=%d return_code=%s",
			p.Type, p.TopicID, p.MsgID, p.ReturnCode)
	case TypePublish:
		return fmt.Sprintf("%s topic_id=%d (%s) msg_id=%d qos=%d bytes=%d",
			p.Type, p.TopicID, p.Flags.TopicIDType, p.MsgID, p.Flags.QoS, len(p.Data))
	case TypeSubscribe:
		return fmt.Sprintf("%s msg_id=%d topic_name=%q qos=%d",
			p.Type, p.MsgID, p.TopicName, p.Flags.QoS)
	default:
		return p.Type.String()
	}
}

// NewConnect returns a CONNECT with the protocol defaults: clean session on,
// no will, and a keep alive of 15 seconds.
func NewConnect(clientID string) *Packet {
	return &Packet{
		Type:      TypeConnect,
		Flags:     Flags{CleanSession: true},
		KeepAlive: 15,
		ClientID:  clientID,
	}
}

func NewConnack(rc ReturnCode) *Packet {
	return &Packet{Type: TypeConnack, ReturnCode: rc}
}

func NewRegister(topicID, msgID uint16, topicName string) *Packet {
	return &Packet{Type: TypeRegister, TopicID: topicID, MsgID: msgID, TopicName: topicName}
}

func NewRegack(topicID, msgID uint16, rc ReturnCode) *Packet {
	return &Packet{Type: TypeRegack, TopicID: topicID, MsgID: msgID, ReturnCode: rc}
}

// NewPublish builds a PUBLISH, a nil data is stored as an empty payload.
func NewPublish(flags Flags, topicID, msgID uint16, data []byte) *Packet {
	if data == nil {
		data = []byte{}
	}

	return &Packet{Type: TypePublish, Flags: flags, TopicID: topicID, MsgID: msgID, Data: data}
}

func NewSubscribe(flags Flags, msgID uint16, topicName string) *Packet {
	return &Packet{Type: TypeSubscribe, Flags: flags, MsgID: msgID, TopicName: topicName}
}

func NewSuback(flags Flags, topicID, msgID uint16, rc ReturnCode) *Packet {
	return &Packet{Type: TypeSuback, Flags: flags, TopicID: topicID, MsgID: msgID, ReturnCode: rc}
}

func NewPingreq() *Packet {
	return &Packet{Type: TypePingreq}
}

func NewPingresp() *Packet {
	return &Packet{Type: TypePingresp}
}

func NewDisconnect() *Packet {
	return &Packet{Type: TypeDisconnect}
}

var _ Marshaler = (*Packet)(nil)
