package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/luma/sngate/protocol"
	"github.com/luma/sngate/storage"
	"github.com/luma/sngate/transport"
)

const (
	DefaultCleanupInterval = 10 * time.Second
	DefaultConnectTimeout  = 30 * time.Second

	datagramQueueSize = 1024
	eventQueueSize    = 1024
)

// PacketWriter sends datagrams back to clients, a net.PacketConn satisfies it.
type PacketWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

type Options struct {
	// BrokerAddr is the host:port of the upstream broker
	BrokerAddr string

	// Dial opens broker connections, defaults to a net.Dialer
	Dial transport.Dialer

	// Writer sends datagrams to clients
	Writer PacketWriter

	// Clock drives keep alive checks and the cleanup sweep
	Clock clock.Clock

	// CleanupInterval is how often dead sessions are swept from the table
	CleanupInterval time.Duration

	// ConnectTimeout is how long a session may wait for the broker's CONNACK
	// before the sweep gives up on it
	ConnectTimeout time.Duration

	// InboundRate limits datagrams per second across all clients, zero
	// means unlimited
	InboundRate  rate.Limit
	InboundBurst int

	Predefined *PredefinedTopics

	Store   storage.Store
	Metrics *Metrics

	Log *zap.Logger
}

// Dispatcher is the single owner of the session table. Every inbound
// datagram, broker packet and timer tick is handled on the goroutine running
// Run, one at a time, so session state needs no locking.
type Dispatcher struct {
	brokerAddr      string
	dial            transport.Dialer
	writer          PacketWriter
	clock           clock.Clock
	cleanupInterval time.Duration
	connectTimeout  time.Duration
	limiter         *rate.Limiter
	predefined      *PredefinedTopics
	store           storage.Store
	metrics         *Metrics
	log             *zap.Logger

	ctx      context.Context
	sessions map[string]*Session

	datagrams chan transport.Datagram
	upstream  chan transport.UpstreamEvent
	ticks     chan keepAliveTick
	inspect   chan func(map[string]*Session)
	done      chan struct{}
}

func New(options Options) *Dispatcher {
	d := &Dispatcher{
		brokerAddr:      options.BrokerAddr,
		dial:            options.Dial,
		writer:          options.Writer,
		clock:           options.Clock,
		cleanupInterval: options.CleanupInterval,
		connectTimeout:  options.ConnectTimeout,
		predefined:      options.Predefined,
		store:           options.Store,
		metrics:         options.Metrics,
		log:             options.Log,
		sessions:        make(map[string]*Session),
		datagrams:       make(chan transport.Datagram, datagramQueueSize),
		upstream:        make(chan transport.UpstreamEvent, eventQueueSize),
		ticks:           make(chan keepAliveTick, eventQueueSize),
		inspect:         make(chan func(map[string]*Session)),
		done:            make(chan struct{}),
	}

	if d.clock == nil {
		d.clock = clock.New()
	}

	if d.cleanupInterval <= 0 {
		d.cleanupInterval = DefaultCleanupInterval
	}

	if d.connectTimeout <= 0 {
		d.connectTimeout = DefaultConnectTimeout
	}

	if options.InboundRate > 0 {
		burst := options.InboundBurst
		if burst < 1 {
			burst = 1
		}

		d.limiter = rate.NewLimiter(options.InboundRate, burst)
	}

	if d.store == nil {
		d.store = storage.NewInmemoryStore()
	}

	if d.metrics == nil {
		d.metrics = NewMetrics(prometheus.NewRegistry())
	}

	if d.log == nil {
		d.log = zap.NewNop()
	}

	return d
}

// HandleDatagram queues a datagram for the dispatcher loop. It is the
// transport.DatagramHandler for the client facing socket.
func (d *Dispatcher) HandleDatagram(dg transport.Datagram) {
	select {
	case d.datagrams <- dg:
	case <-d.done:
	}
}

// Run processes events until ctx is cancelled, then disconnects every
// session from the broker.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.ctx = ctx

	cleanup := d.clock.Ticker(d.cleanupInterval)
	defer cleanup.Stop()

	d.log.Info("Dispatcher running",
		zap.String("broker", d.brokerAddr),
		zap.Duration("cleanupInterval", d.cleanupInterval))

	for {
		select {
		case <-ctx.Done():
			err := d.shutdown()
			close(d.done)
			return err

		case dg := <-d.datagrams:
			d.handleDatagram(dg)

		case ev := <-d.upstream:
			d.handleUpstream(ev)

		case tick := <-d.ticks:
			d.handleKeepAlive(tick)

		case <-cleanup.C:
			d.cleanup()

		case fn := <-d.inspect:
			fn(d.sessions)
		}
	}
}

// Inspect runs fn on the dispatcher loop with the session table. fn must not
// keep references to the sessions.
func (d *Dispatcher) Inspect(ctx context.Context, fn func(sessions map[string]*Session)) error {
	finished := make(chan struct{})

	wrapped := func(sessions map[string]*Session) {
		defer close(finished)
		fn(sessions)
	}

	select {
	case d.inspect <- wrapped:
	case <-d.done:
		return ErrDispatcherStopped
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) handleDatagram(dg transport.Datagram) {
	if d.limiter != nil && !d.limiter.AllowN(d.clock.Now(), 1) {
		d.metrics.Dropped.WithLabelValues("rate_limited").Inc()
		d.log.Warn("Inbound rate limit exceeded, dropping datagram",
			zap.String("peer", dg.Peer.String()))
		return
	}

	packet, err := protocol.Decode(dg.Data)
	if err != nil {
		d.metrics.DecodeErrors.Inc()
		d.log.Warn("Failed to decode datagram",
			zap.String("peer", dg.Peer.String()),
			zap.Error(err))

		// A CONNECT for another protocol version ends whatever session the
		// peer had
		if s, ok := d.sessions[dg.Peer.String()]; ok && errors.Is(err, protocol.ErrUnsupportedProtocolID) {
			s.log.Warn("Disconnecting misbehaving client",
				zap.Error(fmt.Errorf("%w: %v", ErrProtocolViolation, err)))
			d.disconnect(s, "protocol_violation")
		}

		return
	}

	d.metrics.PacketsIn.WithLabelValues(packet.Type.String()).Inc()
	d.log.Debug("Received packet",
		zap.String("peer", dg.Peer.String()),
		zap.Stringer("packet", packet))

	d.processPacket(dg.Peer, packet)
}

func (d *Dispatcher) processPacket(peer net.Addr, packet *protocol.Packet) {
	if packet.Type == protocol.TypeConnect {
		d.connect(peer, packet)
		return
	}

	s, ok := d.sessions[peer.String()]
	if !ok {
		d.metrics.Dropped.WithLabelValues("no_session").Inc()
		d.log.Warn("Received packet from a client that never connected",
			zap.String("peer", peer.String()),
			zap.Stringer("type", packet.Type))
		return
	}

	s.lastSeen = d.clock.Now()

	if !s.Connected() {
		d.metrics.Dropped.WithLabelValues("not_connected").Inc()
		s.log.Warn("Received packet while not connected",
			zap.Stringer("type", packet.Type),
			zap.Stringer("state", s.State()))
		return
	}

	switch packet.Type {
	case protocol.TypeRegister:
		d.register(s, packet)

	case protocol.TypePublish:
		d.publish(s, packet)

	case protocol.TypeSubscribe:
		d.subscribe(s, packet)

	case protocol.TypePingreq:
		d.sendUpstream(s, packets.NewControlPacket(packets.Pingreq))

	case protocol.TypePingresp:
		d.sendUpstream(s, packets.NewControlPacket(packets.Pingresp))

	case protocol.TypeDisconnect:
		d.disconnect(s, "client")

	case protocol.TypeRegack:
		d.regack(s, packet)

	case protocol.TypeConnack, protocol.TypeSuback:
		// Only the gateway sends these
		err := fmt.Errorf("%w: client sent %s", ErrProtocolViolation, packet.Type)
		s.log.Warn("Disconnecting misbehaving client", zap.Error(err))
		d.disconnect(s, "protocol_violation")

	default:
		d.metrics.Dropped.WithLabelValues("unhandled").Inc()
		s.log.Warn("Unable to handle packet from client", zap.Stringer("type", packet.Type))
	}
}

// connect replaces any session the peer already had and starts a new broker
// connection for it. The CONNECT is queued for the broker straight away.
func (d *Dispatcher) connect(peer net.Addr, packet *protocol.Packet) {
	key := peer.String()

	if old, ok := d.sessions[key]; ok {
		old.log.Warn("Received CONNECT while already connected")
		d.removeSession(key, old, "reconnect")
	}

	if len(packet.ClientID) < 1 || len(packet.ClientID) > protocol.MaxClientIDLength {
		err := fmt.Errorf("%w: client id is %d bytes", ErrProtocolViolation, len(packet.ClientID))
		d.log.Warn("Rejecting CONNECT",
			zap.String("peer", key),
			zap.Error(err))
		d.reply(peer, protocol.NewConnack(protocol.RejectedNotSupported))
		return
	}

	s := newSession(peer, packet.ClientID, time.Duration(packet.KeepAlive)*time.Second, d.clock.Now(), d.log.Named("session"))
	s.CleanSession = packet.Flags.CleanSession

	s.upstream = transport.DialUpstream(d.ctx, transport.UpstreamOptions{
		Addr:   d.brokerAddr,
		Key:    key,
		Dial:   d.dial,
		Events: d.upstream,
		Log:    s.log.Named("upstream"),
	})

	connect := packets.NewControlPacket(packets.Connect).(*packets.ConnectPacket)
	connect.ClientIdentifier = packet.ClientID
	connect.Keepalive = packet.KeepAlive
	connect.CleanSession = packet.Flags.CleanSession

	d.sendUpstream(s, connect)

	d.sessions[key] = s
	d.metrics.Sessions.Set(float64(len(d.sessions)))
	d.saveStatus(s)

	s.log.Info("Client connecting", zap.Duration("keepAlive", s.KeepAlive))
}

func (d *Dispatcher) register(s *Session, packet *protocol.Packet) {
	id, allocated, err := s.Topics.GetOrAllocateID(packet.TopicName)
	if err != nil {
		s.log.Warn("Failed to register topic",
			zap.String("topic", packet.TopicName),
			zap.Error(err))
		d.reply(s.Peer, protocol.NewRegack(0, packet.MsgID, protocol.RejectedInvalidTopicID))
		return
	}

	if allocated {
		s.log.Debug("Registered topic", zap.String("topic", packet.TopicName), zap.Uint16("topicID", id))
		d.saveStatus(s)
	}

	d.reply(s.Peer, protocol.NewRegack(id, packet.MsgID, protocol.Accepted))
}

func (d *Dispatcher) publish(s *Session, packet *protocol.Packet) {
	name, err := topicName(s.Topics, d.predefined, packet.Flags.TopicIDType, packet.TopicID)
	if err != nil {
		d.metrics.Dropped.WithLabelValues("unknown_topic").Inc()
		s.log.Warn("Invalid topic ID", zap.Error(err))
		return
	}

	publish := packets.NewControlPacket(packets.Publish).(*packets.PublishPacket)
	publish.TopicName = name
	publish.Payload = packet.Data
	publish.Qos = upstreamQoS(packet.Flags.QoS)
	publish.Retain = packet.Flags.Retain

	if publish.Qos > 0 {
		id, err := s.UpstreamIDs.Acquire()
		if err != nil {
			d.metrics.Dropped.WithLabelValues("message_ids_exhausted").Inc()
			s.log.Warn("Unable to assign message ID, dropping publish", zap.Error(err))
			return
		}

		publish.Dup = packet.Flags.Duplicate
		publish.MessageID = id
	}

	s.log.Info("Publishing", zap.String("topic", name), zap.Int("bytes", len(packet.Data)))

	d.sendUpstream(s, publish)
}

func (d *Dispatcher) subscribe(s *Session, packet *protocol.Packet) {
	req := *packet

	// A predefined subscribe carries the two byte topic id where the name
	// would be
	if req.Flags.TopicIDType == protocol.TopicIDPredefined && len(req.TopicName) == 2 {
		id := uint16(req.TopicName[0])<<8 | uint16(req.TopicName[1])
		name, ok := d.predefined.Name(id)
		if !ok {
			s.log.Warn("Subscribe to unknown predefined topic", zap.Uint16("topicID", id))
			d.reply(s.Peer, protocol.NewSuback(protocol.Flags{}, 0, packet.MsgID, protocol.RejectedInvalidTopicID))
			return
		}

		req.TopicName = name
	}

	if req.TopicName == "" {
		s.log.Warn("Subscribe without a topic name")
		d.reply(s.Peer, protocol.NewSuback(protocol.Flags{}, 0, packet.MsgID, protocol.RejectedInvalidTopicID))
		return
	}

	id, err := s.UpstreamIDs.Acquire()
	if err != nil {
		s.log.Warn("Unable to assign message ID to subscribe", zap.Error(err))
		d.reply(s.Peer, protocol.NewSuback(protocol.Flags{}, 0, packet.MsgID, protocol.RejectedCongestion))
		return
	}

	s.log.Info("Subscribing", zap.String("topic", req.TopicName), zap.Uint16("msgID", id))

	if s.Pending.Add(id, &req) {
		s.log.Warn("Replaced a subscribe still waiting for its SUBACK", zap.Uint16("msgID", id))
	}

	subscribe := packets.NewControlPacket(packets.Subscribe).(*packets.SubscribePacket)
	subscribe.MessageID = id
	subscribe.Topics = []string{req.TopicName}
	subscribe.Qoss = []byte{upstreamQoS(req.Flags.QoS)}

	d.sendUpstream(s, subscribe)
}

func (d *Dispatcher) regack(s *Session, packet *protocol.Packet) {
	if packet.ReturnCode != protocol.Accepted {
		s.log.Warn("Client rejected topic registration",
			zap.Uint16("topicID", packet.TopicID),
			zap.Stringer("returnCode", packet.ReturnCode))
		return
	}

	s.log.Debug("Client acknowledged topic registration", zap.Uint16("topicID", packet.TopicID))
}

// disconnect tells a connected client goodbye, closes its broker connection
// and removes the session straight away.
func (d *Dispatcher) disconnect(s *Session, reason string) {
	if s.Connected() {
		s.log.Info("Disconnected", zap.String("reason", reason))
		d.reply(s.Peer, protocol.NewDisconnect())
	}

	d.removeSession(s.Peer.String(), s, reason)
}

func (d *Dispatcher) handleKeepAlive(tick keepAliveTick) {
	s, ok := d.sessions[tick.key]
	if !ok || s != tick.session {
		return
	}

	if !expired(d.clock.Now(), s.lastSeen, s.KeepAlive) {
		return
	}

	s.log.Warn("Keep alive expired, disconnecting client",
		zap.Time("lastSeen", s.lastSeen),
		zap.Duration("keepAlive", s.KeepAlive))

	d.disconnect(s, "keep_alive")
}

// cleanup sweeps sessions whose broker connection has gone away, and those
// that never got a CONNACK.
func (d *Dispatcher) cleanup() {
	now := d.clock.Now()

	for key, s := range d.sessions {
		switch s.State() {
		case transport.StateDisconnected:
			s.log.Debug("Destroying connection")
			d.removeSession(key, s, "upstream_closed")

		case transport.StateConnecting:
			if now.Sub(s.createdAt) > d.connectTimeout {
				s.log.Warn("Broker did not acknowledge CONNECT in time",
					zap.Duration("connectTimeout", d.connectTimeout))
				d.reply(s.Peer, protocol.NewConnack(protocol.RejectedCongestion))
				d.removeSession(key, s, "connect_timeout")
			}
		}
	}
}

func (d *Dispatcher) removeSession(key string, s *Session, reason string) {
	s.close()

	if current, ok := d.sessions[key]; ok && current == s {
		delete(d.sessions, key)
	}

	d.metrics.Sessions.Set(float64(len(d.sessions)))
	d.metrics.SessionsClosed.WithLabelValues(reason).Inc()

	if err := d.store.Delete(context.Background(), []byte(s.ID.String())); err != nil {
		s.log.Warn("Failed to remove session status", zap.Error(err))
	}
}

func (d *Dispatcher) shutdown() (err error) {
	d.log.Info("Dispatcher stopping, disconnecting sessions", zap.Int("sessions", len(d.sessions)))

	for key, s := range d.sessions {
		s.close()
		delete(d.sessions, key)

		err = multierr.Append(err, d.store.Delete(context.Background(), []byte(s.ID.String())))
	}

	d.metrics.Sessions.Set(0)

	return err
}

// reply encodes a packet and sends it to the client at peer.
func (d *Dispatcher) reply(peer net.Addr, packet *protocol.Packet) {
	buf, err := protocol.Encode(packet)
	if err != nil {
		d.log.Error("Failed to encode reply",
			zap.String("peer", peer.String()),
			zap.Stringer("packet", packet),
			zap.Error(err))
		return
	}

	if _, err := d.writer.WriteTo(buf, peer); err != nil {
		d.log.Warn("Failed to send datagram",
			zap.String("peer", peer.String()),
			zap.Stringer("type", packet.Type),
			zap.Error(err))
		return
	}

	d.metrics.PacketsOut.WithLabelValues(packet.Type.String()).Inc()
}

func (d *Dispatcher) sendUpstream(s *Session, packet packets.ControlPacket) {
	if err := s.upstream.Send(packet); err != nil {
		s.log.Warn("Failed to forward to broker",
			zap.String("packet", upstreamName(packet)),
			zap.Error(err))
		return
	}

	d.metrics.UpstreamOut.WithLabelValues(upstreamName(packet)).Inc()
}

func (d *Dispatcher) saveStatus(s *Session) {
	if err := d.store.Set(context.Background(), []byte(s.ID.String()), s.Status()); err != nil {
		s.log.Warn("Failed to save session status", zap.Error(err))
	}
}

// upstreamQoS maps the constrained protocol's QoS, where -1 means none was
// negotiated, onto the broker's 0-2.
func upstreamQoS(qos int8) byte {
	if qos < 0 {
		return 0
	}

	if qos > 2 {
		return 2
	}

	return byte(qos)
}
