package gateway

import "fmt"

// MessageIDs hands out the ids the gateway uses on the broker connection.
// An id stays taken until Release, so two requests in flight never share one
// whatever ids the client picked.
type MessageIDs struct {
	next     uint16
	inflight map[uint16]struct{}
}

func NewMessageIDs() *MessageIDs {
	return &MessageIDs{next: 1, inflight: make(map[uint16]struct{})}
}

// Acquire returns the next free id, 0 is never used.
func (m *MessageIDs) Acquire() (uint16, error) {
	for i := 0; i < 0xFFFF; i++ {
		id := m.next

		m.next++
		if m.next == 0 {
			m.next = 1
		}

		if _, taken := m.inflight[id]; !taken {
			m.inflight[id] = struct{}{}
			return id, nil
		}
	}

	return 0, fmt.Errorf("%w: %d in flight", ErrMessageIDsExhausted, len(m.inflight))
}

// Release frees id. It returns false if the id was not in flight.
func (m *MessageIDs) Release(id uint16) bool {
	if _, ok := m.inflight[id]; !ok {
		return false
	}

	delete(m.inflight, id)

	return true
}

func (m *MessageIDs) Len() int {
	return len(m.inflight)
}
