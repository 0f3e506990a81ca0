package gateway

import (
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/luma/sngate/protocol"
)

var _ = Describe("topic resolution", func() {
	var (
		registry   *TopicRegistry
		predefined *PredefinedTopics
	)

	BeforeEach(func() {
		var err error

		registry = NewTopicRegistry()
		predefined, err = NewPredefinedTopics(map[uint16]string{42: "config/all"})
		Expect(err).NotTo(HaveOccurred())
	})

	It("stops allocating after the last id", func() {
		registry.next = LastTopicID

		id, allocated, err := registry.GetOrAllocateID("last")
		Expect(err).NotTo(HaveOccurred())
		Expect(allocated).To(BeTrue())
		Expect(id).To(Equal(uint16(0xFFFE)))

		_, _, err = registry.GetOrAllocateID("one/too/many")
		Expect(err).To(MatchError(ErrTopicIDsExhausted))

		id, _, err = registry.GetOrAllocateID("last")
		Expect(err).NotTo(HaveOccurred())
		Expect(id).To(Equal(uint16(0xFFFE)))
	})

	It("prefers predefined ids", func() {
		ref, err := resolveTopic(registry, predefined, "config/all")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal(topicRef{Type: protocol.TopicIDPredefined, ID: 42}))
		Expect(registry.Len()).To(BeZero())
	})

	It("sends two character names as short ids", func() {
		ref, err := resolveTopic(registry, predefined, "ab")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal(topicRef{Type: protocol.TopicIDShort, ID: 0x6162}))
		Expect(registry.Len()).To(BeZero())
	})

	It("allocates normal ids for everything else", func() {
		ref, err := resolveTopic(registry, predefined, "sensors/temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref).To(Equal(topicRef{Type: protocol.TopicIDNormal, ID: 1, New: true}))

		ref, err = resolveTopic(registry, predefined, "sensors/temp")
		Expect(err).NotTo(HaveOccurred())
		Expect(ref.New).To(BeFalse())
	})

	It("maps ids back to names", func() {
		registry.GetOrAllocateID("sensors/temp")

		name, err := topicName(registry, predefined, protocol.TopicIDNormal, 1)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("sensors/temp"))

		name, err = topicName(registry, predefined, protocol.TopicIDPredefined, 42)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("config/all"))

		name, err = topicName(registry, predefined, protocol.TopicIDShort, 0x6162)
		Expect(err).NotTo(HaveOccurred())
		Expect(name).To(Equal("ab"))

		_, err = topicName(registry, predefined, protocol.TopicIDNormal, 9)
		Expect(err).To(MatchError(ErrUnknownTopicID))
	})
})
