package protocol_test

import (
	"bytes"
	"errors"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/sngate/protocol"
)

var _ = Describe("Parsing", func() {
	Describe("Decode()", func() {
		It("returns an error if the datagram is too short to hold a header", func() {
			_, err := protocol.Decode([]byte{0x02})
			Expect(err).To(MatchError(protocol.ErrPacketTooShort))

			_, err = protocol.Decode([]byte{0x01, 0x00})
			Expect(err).To(MatchError(protocol.ErrPacketTooShort))
		})

		It("returns an error if the length header does not match the datagram", func() {
			_, err := protocol.Decode([]byte("\x02\x1834567"))
			Expect(errors.Is(err, protocol.ErrLengthMismatch)).To(BeTrue())
		})

		It("returns an error if the extended length header does not match the datagram", func() {
			_, err := protocol.Decode([]byte{0x01, 0x01, 0x00, 0x18})
			Expect(errors.Is(err, protocol.ErrLengthMismatch)).To(BeTrue())
		})

		It("never returns a partial packet on error", func() {
			p, err := protocol.Decode([]byte{0x05, 0x0C, 0x00, 0x00, 0x01})
			Expect(err).To(HaveOccurred())
			Expect(p).To(BeNil())
		})

		It("names the offending type identifier", func() {
			_, err := protocol.Decode([]byte{0x02, 0x1F})
			Expect(errors.Is(err, protocol.ErrInvalidPacketType)).To(BeTrue())
			Expect(err.Error()).To(Equal("invalid packet type identifier: 31"))
		})

		It("rejects the reserved but unimplemented types", func() {
			for _, id := range []byte{0x00, 0x01, 0x02, 0x06, 0x0D, 0x14, 0x1A, 0x1D} {
				_, err := protocol.Decode([]byte{0x02, id})
				Expect(errors.Is(err, protocol.ErrInvalidPacketType)).To(BeTrue())
			}
		})

		It("returns an error if the body is shorter than the fixed fields", func() {
			_, err := protocol.Decode([]byte{0x04, 0x0B, 0x00, 0x01})
			Expect(errors.Is(err, protocol.ErrTruncatedBody)).To(BeTrue())
		})

		Describe("CONNECT", func() {
			It("parses a CONNECT with the clean session flag", func() {
				p, err := protocol.Decode([]byte("\x16\x04\x04\x01\x00\x0fmqtts-client-pub"))
				Expect(err).To(Succeed())
				Expect(p.Type).To(Equal(protocol.TypeConnect))
				Expect(p.ClientID).To(Equal("mqtts-client-pub"))
				Expect(p.KeepAlive).To(Equal(uint16(15)))
				Expect(p.Flags.CleanSession).To(BeTrue())
				Expect(p.Flags.RequestWill).To(BeFalse())
			})

			It("returns an error for an unsupported protocol id", func() {
				_, err := protocol.Decode([]byte("\x0a\x04\x04\x02\x00\x0fabcd"))
				Expect(errors.Is(err, protocol.ErrUnsupportedProtocolID)).To(BeTrue())
			})
		})

		Describe("PUBLISH", func() {
			It("parses the flags, topic id and data", func() {
				p, err := protocol.Decode([]byte("\x0b\x0c\xb2\x61\x62\x00\x07data"))
				Expect(err).To(Succeed())
				Expect(p.Flags.Duplicate).To(BeTrue())
				Expect(p.Flags.QoS).To(Equal(int8(1)))
				Expect(p.Flags.Retain).To(BeTrue())
				Expect(p.Flags.TopicIDType).To(Equal(protocol.TopicIDShort))
				Expect(protocol.ShortTopicName(p.TopicID)).To(Equal("ab"))
				Expect(p.MsgID).To(Equal(uint16(7)))
				Expect(p.Data).To(Equal([]byte("data")))
			})

			It("decodes a QoS of 0b11 as -1", func() {
				p, err := protocol.Decode([]byte("\x08\x0c\x60\x00\x01\x00\x00x"))
				Expect(err).To(Succeed())
				Expect(p.Flags.QoS).To(Equal(protocol.QoSNone))
			})

			It("rejects the reserved topic id type", func() {
				_, err := protocol.Decode([]byte("\x08\x0c\x03\x00\x01\x00\x00x"))
				Expect(errors.Is(err, protocol.ErrInvalidTopicIDType)).To(BeTrue())
			})

			It("parses a packet using the extended length header", func() {
				data := bytes.Repeat([]byte("x"), 300)
				buf := append([]byte{0x01, 0x01, 0x35, 0x0c, 0x00, 0x00, 0x01, 0x00, 0x02}, data...)

				p, err := protocol.Decode(buf)
				Expect(err).To(Succeed())
				Expect(p.TopicID).To(Equal(uint16(1)))
				Expect(p.MsgID).To(Equal(uint16(2)))
				Expect(p.Data).To(Equal(data))
			})
		})

		It("parses the empty bodied packets", func() {
			for _, t := range []protocol.Type{protocol.TypePingreq, protocol.TypePingresp, protocol.TypeDisconnect} {
				p, err := protocol.Decode([]byte{0x02, byte(t)})
				Expect(err).To(Succeed())
				Expect(p).To(Equal(&protocol.Packet{Type: t}))
			}
		})
	})

	Describe("Round trips", func() {
		packets := []*protocol.Packet{
			protocol.NewConnect("sensor1"),
			{Type: protocol.TypeConnect, Flags: protocol.Flags{RequestWill: true}, KeepAlive: 0, ClientID: "abcdefghijklmnopqrstuvw"},
			protocol.NewConnack(protocol.Accepted),
			protocol.NewConnack(protocol.ReturnCode(0x05)),
			protocol.NewRegister(0, 1, "temp"),
			protocol.NewRegister(0xFFFE, 0xFFFF, "a/very/long/topic/name"),
			protocol.NewRegack(1, 1, protocol.Accepted),
			protocol.NewRegack(0, 9, protocol.RejectedInvalidTopicID),
			protocol.NewPublish(protocol.Flags{QoS: 1, Retain: true}, 1, 42, []byte("21.5")),
			protocol.NewPublish(protocol.Flags{Duplicate: true, QoS: 2, TopicIDType: protocol.TopicIDPredefined}, 7, 3, []byte{0x00, 0xff}),
			protocol.NewPublish(protocol.Flags{QoS: protocol.QoSNone, TopicIDType: protocol.TopicIDShort}, 0x6162, 0, []byte("x")),
			protocol.NewPublish(protocol.Flags{}, 1, 0, bytes.Repeat([]byte("y"), 1000)),
			protocol.NewPublish(protocol.Flags{}, 1, 0, nil),
			{Type: protocol.TypePublish, TopicID: 2, Data: []byte{}},
			protocol.NewSubscribe(protocol.Flags{QoS: 1}, 5, "sensors/+/temp"),
			protocol.NewSuback(protocol.Flags{QoS: 2}, 3, 5, protocol.Accepted),
			protocol.NewSuback(protocol.Flags{TopicIDType: protocol.TopicIDShort}, 0x6162, 6, protocol.RejectedCongestion),
			protocol.NewPingreq(),
			protocol.NewPingresp(),
			protocol.NewDisconnect(),
		}

		It("decodes every encoded packet back to the same value", func() {
			for _, p := range packets {
				buf, err := protocol.Encode(p)
				Expect(err).To(Succeed())

				decoded, err := protocol.Decode(buf)
				Expect(err).To(Succeed(), p.String())
				Expect(decoded).To(Equal(p), p.String())
			}
		})
	})

	It("decodes an empty payload as empty rather than nil", func() {
		p, err := protocol.Decode([]byte{0x07, 0x0C, 0x00, 0x00, 0x01, 0x00, 0x00})
		Expect(err).To(Succeed())
		Expect(p.Data).NotTo(BeNil())
		Expect(p.Data).To(BeEmpty())
	})

	Describe("Flags", func() {
		It("keeps each bit in its own position", func() {
			Expect(protocol.EncodeFlags(protocol.Flags{Duplicate: true})).To(Equal(byte(0x80)))
			Expect(protocol.EncodeFlags(protocol.Flags{QoS: 2})).To(Equal(byte(0x40)))
			Expect(protocol.EncodeFlags(protocol.Flags{QoS: protocol.QoSNone})).To(Equal(byte(0x60)))
			Expect(protocol.EncodeFlags(protocol.Flags{Retain: true})).To(Equal(byte(0x10)))
			Expect(protocol.EncodeFlags(protocol.Flags{RequestWill: true})).To(Equal(byte(0x08)))
			Expect(protocol.EncodeFlags(protocol.Flags{CleanSession: true})).To(Equal(byte(0x04)))
			Expect(protocol.EncodeFlags(protocol.Flags{TopicIDType: protocol.TopicIDShort})).To(Equal(byte(0x02)))
		})
	})

	Describe("Short topic ids", func() {
		It("packs two characters into the id", func() {
			id, err := protocol.ShortTopicID("ab")
			Expect(err).To(Succeed())
			Expect(id).To(Equal(uint16(0x6162)))
			Expect(protocol.ShortTopicName(id)).To(Equal("ab"))
		})

		It("refuses names that are not two characters long", func() {
			_, err := protocol.ShortTopicID("abc")
			Expect(err).To(MatchError(protocol.ErrInvalidShortTopic))
		})
	})
})
