package gateway

import (
	"fmt"

	"github.com/luma/sngate/protocol"
)

// PendingRequests remembers the client requests that were forwarded to the
// broker, keyed by the message id used upstream, until the broker
// acknowledges them.
type PendingRequests struct {
	entries map[uint16]*protocol.Packet
}

func NewPendingRequests() *PendingRequests {
	return &PendingRequests{entries: make(map[uint16]*protocol.Packet)}
}

// Add records req under msgID. It returns true if it replaced a request that
// was still waiting for its acknowledgement.
func (t *PendingRequests) Add(msgID uint16, req *protocol.Packet) bool {
	_, replaced := t.entries[msgID]
	t.entries[msgID] = req

	return replaced
}

// Pop removes and returns the request for msgID. A second Pop for the same
// id fails with ErrCorrelationMiss.
func (t *PendingRequests) Pop(msgID uint16) (*protocol.Packet, error) {
	req, ok := t.entries[msgID]
	if !ok {
		return nil, fmt.Errorf("%w: message id %d", ErrCorrelationMiss, msgID)
	}

	delete(t.entries, msgID)

	return req, nil
}

func (t *PendingRequests) Len() int {
	return len(t.entries)
}
