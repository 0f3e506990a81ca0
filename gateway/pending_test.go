package gateway_test

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/sngate/gateway"
	"github.com/luma/sngate/protocol"
)

var _ = Describe("PendingRequests", func() {
	var pending *gateway.PendingRequests

	BeforeEach(func() {
		pending = gateway.NewPendingRequests()
	})

	It("pops a request by message id", func() {
		req := protocol.NewSubscribe(protocol.Flags{}, 7, "sensors/+")
		Expect(pending.Add(7, req)).To(BeFalse())
		Expect(pending.Len()).To(Equal(1))

		found, err := pending.Pop(7)
		Expect(err).NotTo(HaveOccurred())
		Expect(found).To(BeIdenticalTo(req))
		Expect(pending.Len()).To(BeZero())
	})

	It("only pops once", func() {
		pending.Add(7, protocol.NewSubscribe(protocol.Flags{}, 7, "sensors/+"))
		pending.Pop(7)

		_, err := pending.Pop(7)
		Expect(err).To(MatchError(gateway.ErrCorrelationMiss))
	})

	It("fails for an id it never saw", func() {
		_, err := pending.Pop(99)
		Expect(err).To(MatchError(gateway.ErrCorrelationMiss))
	})

	It("keys requests by the id it is given", func() {
		req := protocol.NewSubscribe(protocol.Flags{}, 7, "sensors/+")
		pending.Add(300, req)

		_, err := pending.Pop(7)
		Expect(err).To(MatchError(gateway.ErrCorrelationMiss))

		found, err := pending.Pop(300)
		Expect(err).NotTo(HaveOccurred())
		Expect(found.MsgID).To(Equal(uint16(7)))
	})

	It("replaces a request with the same id", func() {
		pending.Add(7, protocol.NewSubscribe(protocol.Flags{}, 7, "a"))
		Expect(pending.Add(7, protocol.NewSubscribe(protocol.Flags{}, 7, "b"))).To(BeTrue())

		found, err := pending.Pop(7)
		Expect(err).NotTo(HaveOccurred())
		Expect(found.TopicName).To(Equal("b"))
	})
})
