package protocol

// Flags byte layout, bit 7 to 0:
//
//	duplicate | qos(2) | retain | request_will | clean_session | topic_id_type(2)
const (
	flagDuplicate    = 0x80
	flagQoSMask      = 0x60
	flagQoSShift     = 5
	flagRetain       = 0x10
	flagRequestWill  = 0x08
	flagCleanSession = 0x04
	flagTopicIDMask  = 0x03
)

// EncodeFlags packs the flags into a single byte. A QoS of QoSNone is written
// as 0b11.
func EncodeFlags(f Flags) byte {
	var b byte

	if f.Duplicate {
		b |= flagDuplicate
	}

	b |= (byte(f.QoS) & 0x03) << flagQoSShift

	if f.Retain {
		b |= flagRetain
	}
	if f.RequestWill {
		b |= flagRequestWill
	}
	if f.CleanSession {
		b |= flagCleanSession
	}

	b |= byte(f.TopicIDType) & flagTopicIDMask

	return b
}

// DecodeFlags unpacks a flags byte. The reserved topic id type 0b11 is
// rejected.
func DecodeFlags(b byte) (Flags, error) {
	f := Flags{
		Duplicate:    b&flagDuplicate != 0,
		QoS:          int8((b & flagQoSMask) >> flagQoSShift),
		Retain:       b&flagRetain != 0,
		RequestWill:  b&flagRequestWill != 0,
		CleanSession: b&flagCleanSession != 0,
		TopicIDType:  TopicIDType(b & flagTopicIDMask),
	}

	if f.QoS == 3 {
		f.QoS = QoSNone
	}

	if f.TopicIDType > TopicIDShort {
		return Flags{}, ErrInvalidTopicIDType
	}

	return f, nil
}

// ShortTopicID packs a two character topic name into a topic id.
func ShortTopicID(name string) (uint16, error) {
	if len(name) != 2 {
		return 0, ErrInvalidShortTopic
	}

	return uint16(name[0])<<8 | uint16(name[1]), nil
}

// ShortTopicName reverses ShortTopicID.
func ShortTopicName(id uint16) string {
	return string([]byte{byte(id >> 8), byte(id)})
}

// IsShortTopicName reports whether name can travel as a short topic id.
func IsShortTopicName(name string) bool {
	return len(name) == 2
}
