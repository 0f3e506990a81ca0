package gateway

import (
	"fmt"
	"math"

	"github.com/luma/sngate/protocol"
)

const (
	// FirstTopicID is the first id handed out, 0 is reserved.
	FirstTopicID uint16 = 1

	// LastTopicID is the last id handed out, 0xFFFF is reserved.
	LastTopicID uint16 = math.MaxUint16 - 1
)

// TopicRegistry maps topic names to the numeric ids a single client knows
// them by. Ids are allocated in increasing order and never reused for the
// lifetime of the registry.
type TopicRegistry struct {
	byName map[string]uint16
	byID   map[uint16]string
	next   uint16
}

func NewTopicRegistry() *TopicRegistry {
	return &TopicRegistry{
		byName: make(map[string]uint16),
		byID:   make(map[uint16]string),
		next:   FirstTopicID,
	}
}

// GetOrAllocateID returns the id already mapped to name, or allocates the
// next one. allocated is true when a new id was handed out.
func (r *TopicRegistry) GetOrAllocateID(name string) (id uint16, allocated bool, err error) {
	if name == "" {
		return 0, false, ErrEmptyTopicName
	}

	if id, ok := r.byName[name]; ok {
		return id, false, nil
	}

	if r.next == 0 || r.next > LastTopicID {
		return 0, false, ErrTopicIDsExhausted
	}

	id = r.next
	r.next++

	r.byName[name] = id
	r.byID[id] = name

	return id, true, nil
}

// Name returns the topic name for a normal topic id.
func (r *TopicRegistry) Name(id uint16) (string, bool) {
	name, ok := r.byID[id]
	return name, ok
}

// ID returns the id for name without allocating.
func (r *TopicRegistry) ID(name string) (uint16, bool) {
	id, ok := r.byName[name]
	return id, ok
}

func (r *TopicRegistry) Len() int {
	return len(r.byID)
}

// Topics returns a copy of the id to name mapping.
func (r *TopicRegistry) Topics() map[uint16]string {
	out := make(map[uint16]string, len(r.byID))
	for id, name := range r.byID {
		out[id] = name
	}

	return out
}

// PredefinedTopics is the gateway wide table of topic ids agreed with clients
// out of band. It is read only once the gateway is running.
type PredefinedTopics struct {
	byID   map[uint16]string
	byName map[string]uint16
}

func NewPredefinedTopics(topics map[uint16]string) (*PredefinedTopics, error) {
	p := &PredefinedTopics{
		byID:   make(map[uint16]string, len(topics)),
		byName: make(map[string]uint16, len(topics)),
	}

	for id, name := range topics {
		if name == "" {
			return nil, fmt.Errorf("predefined topic %d: %w", id, ErrEmptyTopicName)
		}

		if other, ok := p.byName[name]; ok {
			return nil, fmt.Errorf("predefined topic %q has two ids, %d and %d", name, other, id)
		}

		p.byID[id] = name
		p.byName[name] = id
	}

	return p, nil
}

func (p *PredefinedTopics) Name(id uint16) (string, bool) {
	if p == nil {
		return "", false
	}

	name, ok := p.byID[id]
	return name, ok
}

func (p *PredefinedTopics) ID(name string) (uint16, bool) {
	if p == nil {
		return 0, false
	}

	id, ok := p.byName[name]
	return id, ok
}

// topicRef is a topic id along with how the client should interpret it.
type topicRef struct {
	Type protocol.TopicIDType
	ID   uint16

	// New is set when a normal id was allocated by this lookup, the client
	// has not been told about it yet.
	New bool
}

// resolveTopic finds the id a client should use for name. Predefined topics
// win, then two character names travel as short ids without touching the
// registry, everything else goes through the session's registry.
func resolveTopic(registry *TopicRegistry, predefined *PredefinedTopics, name string) (topicRef, error) {
	if id, ok := predefined.ID(name); ok {
		return topicRef{Type: protocol.TopicIDPredefined, ID: id}, nil
	}

	if protocol.IsShortTopicName(name) {
		id, err := protocol.ShortTopicID(name)
		return topicRef{Type: protocol.TopicIDShort, ID: id}, err
	}

	id, allocated, err := registry.GetOrAllocateID(name)
	if err != nil {
		return topicRef{}, err
	}

	return topicRef{Type: protocol.TopicIDNormal, ID: id, New: allocated}, nil
}

// topicName reverses resolveTopic for a packet sent by the client.
func topicName(registry *TopicRegistry, predefined *PredefinedTopics, idType protocol.TopicIDType, id uint16) (string, error) {
	var (
		name string
		ok   bool
	)

	switch idType {
	case protocol.TopicIDShort:
		return protocol.ShortTopicName(id), nil
	case protocol.TopicIDPredefined:
		name, ok = predefined.Name(id)
	case protocol.TopicIDNormal:
		name, ok = registry.Name(id)
	}

	if !ok {
		return "", fmt.Errorf("%w: %d (%s)", ErrUnknownTopicID, id, idType)
	}

	return name, nil
}
