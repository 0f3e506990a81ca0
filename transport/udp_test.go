package transport_test

import (
	"context"
	"net"
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/luma/sngate/transport"
)

var _ = Describe("transport", func() {
	Describe("UDP", func() {
		var (
			udp       *transport.UDP
			datagrams chan transport.Datagram
		)

		BeforeEach(func() {
			datagrams = make(chan transport.Datagram, 8)
			udp = makeUDPServer(func(d transport.Datagram) {
				datagrams <- d
			})
		})

		AfterEach(func() {
			Expect(udp.Close()).To(Succeed())
		})

		It("hands every datagram to the handler with the sending peer", func() {
			conn, err := net.Dial("udp", udp.LocalAddr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte{0x02, 0x16})
			Expect(err).To(Succeed())

			var d transport.Datagram
			Eventually(datagrams, 2*time.Second).Should(Receive(&d))
			Expect(d.Data).To(Equal([]byte{0x02, 0x16}))
			Expect(d.Peer.String()).To(Equal(conn.LocalAddr().String()))
		})

		It("can reply to the peer", func() {
			conn, err := net.Dial("udp", udp.LocalAddr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte{0x02, 0x16})
			Expect(err).To(Succeed())

			var d transport.Datagram
			Eventually(datagrams, 2*time.Second).Should(Receive(&d))

			_, err = udp.WriteTo([]byte{0x02, 0x17}, d.Peer)
			Expect(err).To(Succeed())

			Expect(conn.SetReadDeadline(time.Now().Add(2 * time.Second))).To(Succeed())
			reply := make([]byte, 16)
			n, err := conn.Read(reply)
			Expect(err).To(Succeed())
			Expect(reply[:n]).To(Equal([]byte{0x02, 0x17}))
		})

		It("does not reuse the read buffer between datagrams", func() {
			conn, err := net.Dial("udp", udp.LocalAddr().String())
			Expect(err).To(Succeed())
			defer conn.Close()

			_, err = conn.Write([]byte("first"))
			Expect(err).To(Succeed())
			_, err = conn.Write([]byte("other"))
			Expect(err).To(Succeed())

			var first, second transport.Datagram
			Eventually(datagrams, 2*time.Second).Should(Receive(&first))
			Eventually(datagrams, 2*time.Second).Should(Receive(&second))
			Expect(string(first.Data)).To(Equal("first"))
			Expect(string(second.Data)).To(Equal("other"))
		})
	})
})

func makeUDPServer(handler transport.DatagramHandler) *transport.UDP {
	log, err := zap.NewDevelopment()
	Expect(err).To(Succeed())

	udp := transport.NewUDP(transport.Options{
		Host:  "127.0.0.1",
		Port:  0,
		Trace: true,
		Log:   log,
	})

	Expect(udp.Start(context.Background(), handler)).To(Succeed())

	return udp
}
