package gateway

import (
	"time"

	"github.com/benbjohnson/clock"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("keep alive", func() {
	Describe("expired", func() {
		start := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)

		It("tolerates one missed ping", func() {
			Expect(expired(start.Add(15*time.Second), start, 10*time.Second)).To(BeFalse())
			Expect(expired(start.Add(15*time.Second+time.Millisecond), start, 10*time.Second)).To(BeTrue())
		})

		It("never expires without a keep alive", func() {
			Expect(expired(start.Add(24*time.Hour), start, 0)).To(BeFalse())
		})
	})

	Describe("keepAliveTimer", func() {
		It("ticks at half the interval until cancelled", func() {
			mock := clock.NewMock()
			ticks := make(chan keepAliveTick, 4)
			done := make(chan struct{})
			defer close(done)

			timer := startKeepAlive(mock, 10*time.Second, keepAliveTick{key: "peer"}, ticks, done)

			mock.Add(5 * time.Second)

			var tick keepAliveTick
			Eventually(ticks).Should(Receive(&tick))
			Expect(tick.key).To(Equal("peer"))

			timer.Cancel()
			timer.Cancel()

			mock.Add(time.Minute)
			Consistently(ticks, 50*time.Millisecond).ShouldNot(Receive())
		})
	})
})
