package transport_test

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/eclipse/paho.mqtt.golang/packets"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/sngate/transport"
)

var _ = Describe("transport", func() {
	Describe("Upstream", func() {
		var (
			ctx    context.Context
			cancel context.CancelFunc
			broker net.Conn
			events chan transport.UpstreamEvent
			up     *transport.Upstream
		)

		BeforeEach(func() {
			ctx, cancel = context.WithCancel(context.Background())
			events = make(chan transport.UpstreamEvent, 8)

			var client net.Conn
			client, broker = net.Pipe()

			up = transport.DialUpstream(ctx, transport.UpstreamOptions{
				Addr:   "broker:1883",
				Key:    "127.0.0.1:5000",
				Events: events,
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return client, nil
				},
				Log: zap.NewNop(),
			})
		})

		AfterEach(func() {
			up.Close()
			broker.Close()
			cancel()
			up.Wait()
		})

		It("starts out connecting", func() {
			Expect(up.State()).To(Equal(transport.StateConnecting))
			Expect(up.Connected()).To(BeFalse())
		})

		It("writes queued packets to the broker", func() {
			connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
			connect.ClientIdentifier = "sensor1"
			connect.Keepalive = 60
			Expect(up.Send(connect)).To(Succeed())

			received, err := packets.ReadPacket(broker)
			Expect(err).To(Succeed())

			c, ok := received.(*packets.ConnectPacket)
			Expect(ok).To(BeTrue())
			Expect(c.ClientIdentifier).To(Equal("sensor1"))
			Expect(c.Keepalive).To(Equal(uint16(60)))
		})

		It("delivers packets from the broker as events", func() {
			connack := packets.NewControlPacket(packets.Connack).(*packets.ConnackPacket)
			go func() {
				defer GinkgoRecover()
				Expect(connack.Write(broker)).To(Succeed())
			}()

			var ev transport.UpstreamEvent
			Eventually(events, 2*time.Second).Should(Receive(&ev))
			Expect(ev.Key).To(Equal("127.0.0.1:5000"))
			Expect(ev.Conn).To(BeIdenticalTo(up))
			Expect(ev.Packet).To(BeAssignableToTypeOf(&packets.ConnackPacket{}))
		})

		It("only moves to connected from connecting", func() {
			Expect(up.SetConnected()).To(BeTrue())
			Expect(up.Connected()).To(BeTrue())
			Expect(up.SetConnected()).To(BeFalse())
		})

		It("reports a broker side close once, with the state it was in", func() {
			Expect(up.SetConnected()).To(BeTrue())
			Expect(broker.Close()).To(Succeed())

			var ev transport.UpstreamEvent
			Eventually(events, 2*time.Second).Should(Receive(&ev))
			Expect(ev.Packet).To(BeNil())
			Expect(ev.Err).To(HaveOccurred())
			Expect(ev.Previous).To(Equal(transport.StateConnected))
			Expect(up.State()).To(Equal(transport.StateDisconnected))

			Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
		})

		It("sends DISCONNECT and closes when asked to disconnect", func() {
			// Wait for the stream to be established before disconnecting
			Expect(up.Send(packets.NewControlPacket(packets.Pingreq))).To(Succeed())
			_, err := packets.ReadPacket(broker)
			Expect(err).To(Succeed())

			up.Disconnect()
			Expect(up.State()).To(Equal(transport.StateDisconnected))

			received, err := packets.ReadPacket(broker)
			Expect(err).To(Succeed())
			Expect(received).To(BeAssignableToTypeOf(&packets.DisconnectPacket{}))

			Expect(up.Send(packets.NewControlPacket(packets.Pingreq))).To(MatchError(transport.ErrUpstreamClosed))
			Consistently(events, 100*time.Millisecond).ShouldNot(Receive())
		})
	})

	Describe("Upstream dial failures", func() {
		It("emits a close event when the broker can not be reached", func() {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			events := make(chan transport.UpstreamEvent, 1)
			refused := errors.New("connection refused")

			up := transport.DialUpstream(ctx, transport.UpstreamOptions{
				Addr:   "broker:1883",
				Key:    "peer",
				Events: events,
				Dial: func(ctx context.Context, network, addr string) (net.Conn, error) {
					return nil, refused
				},
				Log: zap.NewNop(),
			})

			var ev transport.UpstreamEvent
			Eventually(events, 2*time.Second).Should(Receive(&ev))
			Expect(ev.Err).To(MatchError(refused))
			Expect(ev.Previous).To(Equal(transport.StateConnecting))
			Expect(up.State()).To(Equal(transport.StateDisconnected))
		})
	})
})
