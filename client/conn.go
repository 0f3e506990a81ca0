package client

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/luma/sngate/protocol"
)

var (
	ErrNotConnected = errors.New("not connected to gateway")
	ErrDisconnected = errors.New("gateway closed the session")
)

const (
	DefaultKeepAlive = 60 * time.Second

	maxDatagramSize = 65535
	messageQueueLen = 255
)

// Message is a PUBLISH pushed to us by the gateway.
type Message struct {
	Topic       string
	TopicID     uint16
	TopicIDType protocol.TopicIDType
	QoS         int8
	Retain      bool
	Payload     []byte
}

type Options struct {
	ClientID string

	// KeepAlive is sent in CONNECT, the client pings at half this interval.
	// Zero disables pinging.
	KeepAlive time.Duration

	Clock clock.Clock
	Log   *zap.Logger
}

type responseKey struct {
	t     protocol.Type
	msgID uint16
}

// Conn is a client session with a gateway over UDP.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc

	conn net.Conn

	clientID  string
	keepAlive time.Duration
	clock     clock.Clock

	messages chan *Message
	done     chan struct{}

	respMu    sync.Mutex
	respChans map[responseKey]chan *protocol.Packet

	topicsMu sync.RWMutex
	topics   map[uint16]string
	ids      map[string]uint16

	idMu  sync.Mutex
	msgID uint16

	loopWaiter sync.WaitGroup
	closeOnce  sync.Once

	log *zap.Logger
}

func New(options Options) *Conn {
	c := &Conn{
		clientID:  options.ClientID,
		keepAlive: options.KeepAlive,
		clock:     options.Clock,
		log:       options.Log,
		messages:  make(chan *Message, messageQueueLen),
		done:      make(chan struct{}),
		respChans: make(map[responseKey]chan *protocol.Packet),
		topics:    make(map[uint16]string),
		ids:       make(map[string]uint16),
	}

	if c.clock == nil {
		c.clock = clock.New()
	}

	if c.log == nil {
		c.log = zap.NewNop()
	}

	return c
}

// Connect opens the socket, sends CONNECT and waits for the gateway's
// CONNACK. A refusal is returned as a *protocol.RejectedError.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	var d net.Dialer

	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return err
	}

	c.conn = conn
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.loopWaiter.Add(1)
	go func() {
		defer c.loopWaiter.Done()
		c.readLoop()
	}()

	connect := protocol.NewConnect(c.clientID)
	connect.KeepAlive = uint16(c.keepAlive / time.Second)

	resp, err := c.request(ctx, responseKey{t: protocol.TypeConnack}, connect)
	if err != nil {
		c.Close()
		return err
	}

	if err := resp.ReturnCode.ErrorOrNil(); err != nil {
		c.Close()
		return err
	}

	if c.keepAlive > 0 {
		c.loopWaiter.Add(1)
		go func() {
			defer c.loopWaiter.Done()
			c.pingLoop()
		}()
	}

	c.log.Info("Connected to gateway", zap.String("addr", addr), zap.String("client_id", c.clientID))

	return nil
}

// Messages delivers publishes from the gateway. It is closed when the
// connection closes.
func (c *Conn) Messages() <-chan *Message {
	return c.messages
}

// Done is closed once the connection has closed, either because we asked or
// because the gateway disconnected us.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Register asks the gateway for the topic id of name.
func (c *Conn) Register(ctx context.Context, name string) (uint16, error) {
	msgID := c.getNextMsgID()

	resp, err := c.request(ctx, responseKey{t: protocol.TypeRegack, msgID: msgID}, protocol.NewRegister(0, msgID, name))
	if err != nil {
		return 0, err
	}

	if err := resp.ReturnCode.ErrorOrNil(); err != nil {
		return 0, err
	}

	c.rememberTopic(resp.TopicID, name)

	return resp.TopicID, nil
}

// Publish sends payload to topic. Two character topics travel as short ids,
// anything else is registered first unless the gateway already gave us an id
// for it.
func (c *Conn) Publish(ctx context.Context, topic string, payload []byte, qos int8, retain bool) error {
	flags := protocol.Flags{QoS: qos, Retain: retain}

	var topicID uint16

	switch {
	case protocol.IsShortTopicName(topic):
		flags.TopicIDType = protocol.TopicIDShort
		topicID, _ = protocol.ShortTopicID(topic)

	default:
		c.topicsMu.RLock()
		id, ok := c.ids[topic]
		c.topicsMu.RUnlock()

		if !ok {
			var err error
			if id, err = c.Register(ctx, topic); err != nil {
				return fmt.Errorf("registering %q: %w", topic, err)
			}
		}

		topicID = id
	}

	var msgID uint16
	if qos > 0 {
		msgID = c.getNextMsgID()
	}

	return c.write(protocol.NewPublish(flags, topicID, msgID, payload))
}

// Subscribe subscribes to a topic filter and returns the topic id the gateway
// assigned along with the granted QoS.
func (c *Conn) Subscribe(ctx context.Context, filter string, qos int8) (uint16, int8, error) {
	msgID := c.getNextMsgID()

	req := protocol.NewSubscribe(protocol.Flags{QoS: qos}, msgID, filter)

	resp, err := c.request(ctx, responseKey{t: protocol.TypeSuback, msgID: msgID}, req)
	if err != nil {
		return 0, 0, err
	}

	if err := resp.ReturnCode.ErrorOrNil(); err != nil {
		return 0, 0, err
	}

	if resp.Flags.TopicIDType == protocol.TopicIDNormal {
		c.rememberTopic(resp.TopicID, filter)
	}

	return resp.TopicID, resp.Flags.QoS, nil
}

func (c *Conn) Ping(ctx context.Context) error {
	_, err := c.request(ctx, responseKey{t: protocol.TypePingresp}, protocol.NewPingreq())
	return err
}

// Disconnect tells the gateway we are leaving, waits for it to agree and
// closes the socket.
func (c *Conn) Disconnect(ctx context.Context) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	_, err := c.request(ctx, responseKey{t: protocol.TypeDisconnect}, protocol.NewDisconnect())
	if errors.Is(err, ErrDisconnected) {
		err = nil
	}

	if closeErr := c.Close(); err == nil {
		err = closeErr
	}

	return err
}

// Close closes the socket without telling the gateway.
func (c *Conn) Close() error {
	var err error

	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}

		if c.conn != nil {
			err = c.conn.Close()
		}
	})

	c.loopWaiter.Wait()

	return err
}

func (c *Conn) request(ctx context.Context, key responseKey, packet *protocol.Packet) (*protocol.Packet, error) {
	respChan := c.createResponseChan(key)
	defer c.destroyResponseChan(key)

	if err := c.write(packet); err != nil {
		return nil, err
	}

	select {
	case resp, ok := <-respChan:
		if !ok {
			return nil, ErrDisconnected
		}

		return resp, nil

	case <-c.done:
		return nil, ErrDisconnected

	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Conn) write(packet *protocol.Packet) error {
	if c.conn == nil {
		return ErrNotConnected
	}

	buf, err := protocol.Encode(packet)
	if err != nil {
		return err
	}

	c.log.Debug("Sending packet", zap.Stringer("packet", packet))

	_, err = c.conn.Write(buf)
	return err
}

func (c *Conn) readLoop() {
	log := c.log.Named("readLoop")

	defer func() {
		close(c.messages)
		close(c.done)
		c.failResponseChans()
	}()

	buf := make([]byte, maxDatagramSize)

	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				log.Warn("Failed to read from gateway", zap.Error(err))
			}

			return
		}

		packet, err := protocol.Decode(buf[:n])
		if err != nil {
			log.Warn("Failed to decode gateway datagram", zap.Error(err))
			continue
		}

		log.Debug("Received packet", zap.Stringer("packet", packet))

		switch packet.Type {
		case protocol.TypePublish:
			c.deliver(packet)

		case protocol.TypeRegister:
			c.rememberTopic(packet.TopicID, packet.TopicName)

			if err := c.write(protocol.NewRegack(packet.TopicID, packet.MsgID, protocol.Accepted)); err != nil {
				log.Warn("Failed to acknowledge REGISTER", zap.Error(err))
			}

		case protocol.TypePingreq:
			if err := c.write(protocol.NewPingresp()); err != nil {
				log.Warn("Failed to answer PINGREQ", zap.Error(err))
			}

		case protocol.TypeDisconnect:
			if c.sendToResponseChan(responseKey{t: protocol.TypeDisconnect}, packet) {
				continue
			}

			log.Info("Gateway disconnected us")
			c.closeOnce.Do(func() {
				c.cancel()
				c.conn.Close()
			})
			return

		case protocol.TypeConnack, protocol.TypePingresp:
			c.sendToResponseChan(responseKey{t: packet.Type}, packet)

		default:
			if !c.sendToResponseChan(responseKey{t: packet.Type, msgID: packet.MsgID}, packet) {
				log.Warn("Unexpected packet from gateway", zap.Stringer("packet", packet))
			}
		}
	}
}

func (c *Conn) deliver(packet *protocol.Packet) {
	msg := &Message{
		TopicID:     packet.TopicID,
		TopicIDType: packet.Flags.TopicIDType,
		QoS:         packet.Flags.QoS,
		Retain:      packet.Flags.Retain,
		Payload:     packet.Data,
	}

	switch packet.Flags.TopicIDType {
	case protocol.TopicIDShort:
		msg.Topic = protocol.ShortTopicName(packet.TopicID)

	case protocol.TopicIDNormal:
		c.topicsMu.RLock()
		msg.Topic = c.topics[packet.TopicID]
		c.topicsMu.RUnlock()
	}

	select {
	case c.messages <- msg:
	case <-c.ctx.Done():
	}
}

func (c *Conn) pingLoop() {
	log := c.log.Named("pingLoop")

	ticker := c.clock.Ticker(c.keepAlive / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(c.ctx, c.keepAlive)
			err := c.Ping(ctx)
			cancel()

			if err != nil {
				log.Warn("Ping failed", zap.Error(err))
			}

		case <-c.done:
			return

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Conn) rememberTopic(id uint16, name string) {
	c.topicsMu.Lock()
	c.topics[id] = name
	c.ids[name] = id
	c.topicsMu.Unlock()
}

func (c *Conn) createResponseChan(key responseKey) <-chan *protocol.Packet {
	respChan := make(chan *protocol.Packet, 1)

	c.respMu.Lock()
	c.respChans[key] = respChan
	c.respMu.Unlock()

	return respChan
}

func (c *Conn) sendToResponseChan(key responseKey, resp *protocol.Packet) bool {
	c.respMu.Lock()
	defer c.respMu.Unlock()

	respChan, ok := c.respChans[key]
	if !ok {
		return false
	}

	respChan <- resp
	delete(c.respChans, key)

	return true
}

func (c *Conn) destroyResponseChan(key responseKey) {
	c.respMu.Lock()
	delete(c.respChans, key)
	c.respMu.Unlock()
}

// failResponseChans wakes every request still waiting once the read loop has
// stopped.
func (c *Conn) failResponseChans() {
	c.respMu.Lock()
	for key, respChan := range c.respChans {
		close(respChan)
		delete(c.respChans, key)
	}
	c.respMu.Unlock()
}

func (c *Conn) getNextMsgID() uint16 {
	c.idMu.Lock()
	defer c.idMu.Unlock()

	// Wrap around, skipping 0
	c.msgID++
	if c.msgID == 0 {
		c.msgID = 1
	}

	return c.msgID
}
