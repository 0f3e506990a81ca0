package gateway

import (
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/luma/sngate/transport"
)

// Session is everything the gateway knows about one client, keyed by the
// address its datagrams come from. Sessions are only touched from the
// dispatcher's loop.
type Session struct {
	ID           uuid.UUID
	Peer         net.Addr
	ClientID     string
	KeepAlive    time.Duration
	CleanSession bool

	Topics      *TopicRegistry
	Pending     *PendingRequests
	UpstreamIDs *MessageIDs

	upstream  *transport.Upstream
	keepAlive *keepAliveTimer

	createdAt time.Time
	lastSeen  time.Time

	msgID uint16

	log *zap.Logger
}

func newSession(peer net.Addr, clientID string, keepAlive time.Duration, now time.Time, log *zap.Logger) *Session {
	id := uuid.New()

	return &Session{
		ID:          id,
		Peer:        peer,
		ClientID:    clientID,
		KeepAlive:   keepAlive,
		Topics:      NewTopicRegistry(),
		Pending:     NewPendingRequests(),
		createdAt:   now,
		lastSeen:    now,
		UpstreamIDs: NewMessageIDs(),
		log: log.With(
			zap.String("session", id.String()),
			zap.String("client_id", clientID),
			zap.String("peer", peer.String())),
	}
}

// State is the state of the session's broker connection.
func (s *Session) State() transport.State {
	if s.upstream == nil {
		return transport.StateDisconnected
	}

	return s.upstream.State()
}

func (s *Session) Connected() bool {
	return s.State() == transport.StateConnected
}

// LastSeen is when the last datagram arrived from the client.
func (s *Session) LastSeen() time.Time {
	return s.lastSeen
}

// nextMsgID returns a message id for REGISTERs the gateway sends the client,
// 0 is never used. Ids on the broker connection come from UpstreamIDs.
func (s *Session) nextMsgID() uint16 {
	s.msgID++
	if s.msgID == 0 {
		s.msgID = 1
	}

	return s.msgID
}

// close stops the keep alive timer and politely disconnects from the broker.
// It is safe to call more than once.
func (s *Session) close() {
	s.stopKeepAlive()

	if s.upstream != nil {
		s.upstream.Disconnect()
	}
}

func (s *Session) stopKeepAlive() {
	if s.keepAlive != nil {
		s.keepAlive.Cancel()
		s.keepAlive = nil
	}
}

// SessionStatus is the JSON view of a session kept in the status store.
type SessionStatus struct {
	ID        string            `json:"id"`
	ClientID  string            `json:"client_id"`
	Peer      string            `json:"peer"`
	State     string            `json:"state"`
	KeepAlive int               `json:"keep_alive"`
	Topics    map[uint16]string `json:"topics"`
	Pending   int               `json:"pending"`
	InFlight  int               `json:"in_flight"`
	CreatedAt time.Time         `json:"created_at"`
}

func (s *Session) Status() SessionStatus {
	return SessionStatus{
		ID:        s.ID.String(),
		ClientID:  s.ClientID,
		Peer:      s.Peer.String(),
		State:     s.State().String(),
		KeepAlive: int(s.KeepAlive / time.Second),
		Topics:    s.Topics.Topics(),
		Pending:   s.Pending.Len(),
		InFlight:  s.UpstreamIDs.Len(),
		CreatedAt: s.createdAt,
	}
}
