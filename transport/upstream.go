package transport

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"

	"github.com/eclipse/paho.mqtt.golang/packets"
	"go.uber.org/zap"
)

var (
	ErrUpstreamClosed = errors.New("upstream connection is closed")
	ErrUpstreamBusy   = errors.New("upstream write queue is full")
)

const DefaultQueueSize = 127

// State of a broker connection. Disconnected is terminal.
type State int32

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// UpstreamEvent is either a packet read from the broker or, when Packet is
// nil, notice that the connection has closed underneath us.
type UpstreamEvent struct {
	Key    string
	Conn   *Upstream
	Packet packets.ControlPacket

	// Err is why the connection closed
	Err error

	// Previous is the state the connection was in when it closed
	Previous State
}

// Upstream is one stream connection to the broker, dedicated to a single
// client session. Dialing, reading and writing all happen on their own
// goroutines so a slow broker never blocks the caller.
type Upstream struct {
	parent     context.Context
	ctx        context.Context
	cancel     context.CancelFunc
	loopWaiter sync.WaitGroup

	key    string
	addr   string
	dial   Dialer
	events chan<- UpstreamEvent

	state atomic.Int32

	mu   sync.Mutex
	conn net.Conn

	writeQueue chan packets.ControlPacket

	log *zap.Logger
}

// DialUpstream starts connecting to the broker and returns immediately.
// Packets passed to Send before the stream is established are queued and
// written once it is. parentCtx only bounds event delivery, the connection
// lives until Disconnect or Close so a DISCONNECT can still be written while
// the owner shuts down.
func DialUpstream(parentCtx context.Context, options UpstreamOptions) *Upstream {
	ctx, cancel := context.WithCancel(context.Background())

	dial := options.Dial
	if dial == nil {
		var d net.Dialer
		dial = d.DialContext
	}

	queueSize := options.QueueSize
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}

	u := &Upstream{
		parent:     parentCtx,
		ctx:        ctx,
		cancel:     cancel,
		key:        options.Key,
		addr:       options.Addr,
		dial:       dial,
		events:     options.Events,
		writeQueue: make(chan packets.ControlPacket, queueSize),
		log:        options.Log,
	}
	u.state.Store(int32(StateConnecting))

	u.loopWaiter.Add(1)
	go func() {
		defer u.loopWaiter.Done()
		u.start()
	}()

	return u
}

func (u *Upstream) start() {
	conn, err := u.dial(u.ctx, "tcp", u.addr)
	if err != nil {
		u.log.Warn("Failed to connect to broker", zap.String("addr", u.addr), zap.Error(err))
		u.closed(err)
		return
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	// Close may have raced the dial
	if u.State() == StateDisconnected {
		conn.Close()
		return
	}

	u.log.Debug("Connected to broker", zap.String("addr", u.addr))

	u.loopWaiter.Add(2)

	go func() {
		defer u.loopWaiter.Done()
		u.ReadLoop()
	}()

	go func() {
		defer u.loopWaiter.Done()
		u.WriteLoop()
	}()
}

func (u *Upstream) ReadLoop() {
	log := u.log.Named("readLoop")

	for {
		packet, err := packets.ReadPacket(u.conn)
		if err != nil {
			if u.isRunning() {
				log.Info("Broker connection lost", zap.Error(err))
			}

			u.closed(err)
			return
		}

		select {
		case u.events <- UpstreamEvent{Key: u.key, Conn: u, Packet: packet}:
		case <-u.ctx.Done():
			return
		case <-u.parent.Done():
			return
		}
	}
}

func (u *Upstream) WriteLoop() {
	log := u.log.Named("writeLoop")

	for {
		select {
		case <-u.ctx.Done():
			return

		case packet := <-u.writeQueue:
			if err := packet.Write(u.conn); err != nil {
				log.Warn("Failed to write to broker",
					zap.String("packet", packet.String()),
					zap.Error(err))
				u.closed(err)
				return
			}

			if _, ok := packet.(*packets.DisconnectPacket); ok {
				u.shutdown()
				return
			}
		}
	}
}

// Send queues a packet for the broker. It never blocks.
func (u *Upstream) Send(packet packets.ControlPacket) error {
	if u.State() == StateDisconnected {
		return ErrUpstreamClosed
	}

	return u.enqueue(packet)
}

func (u *Upstream) enqueue(packet packets.ControlPacket) error {
	select {
	case u.writeQueue <- packet:
		return nil
	default:
		return ErrUpstreamBusy
	}
}

// SetConnected moves a connecting upstream to connected, it is called once
// the broker has accepted the CONNECT.
func (u *Upstream) SetConnected() bool {
	return u.state.CompareAndSwap(int32(StateConnecting), int32(StateConnected))
}

func (u *Upstream) State() State {
	return State(u.state.Load())
}

func (u *Upstream) Connected() bool {
	return u.State() == StateConnected
}

// Disconnect politely closes the connection: the state flips to
// disconnected straight away, then a DISCONNECT is written to the broker
// and the stream is closed behind it.
func (u *Upstream) Disconnect() {
	if u.markDisconnected() == StateDisconnected {
		return
	}

	u.mu.Lock()
	established := u.conn != nil
	u.mu.Unlock()

	if !established {
		u.shutdown()
		return
	}

	disconnect := packets.NewControlPacket(packets.Disconnect)
	if err := u.enqueue(disconnect); err != nil {
		u.shutdown()
	}
}

// Close immediately closes the connection without saying goodbye.
func (u *Upstream) Close() (err error) {
	u.markDisconnected()

	return u.shutdown()
}

// Wait blocks until the dial, read and write loops have exited.
func (u *Upstream) Wait() {
	u.loopWaiter.Wait()
}

func (u *Upstream) shutdown() error {
	u.cancel()

	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}

	return nil
}

// closed records that the connection went away without us asking and tells
// the owner about it.
func (u *Upstream) closed(err error) {
	previous := u.markDisconnected()
	u.shutdown()

	if previous == StateDisconnected {
		return
	}

	// The owner may already be gone, don't hang around waiting for it
	select {
	case u.events <- UpstreamEvent{Key: u.key, Conn: u, Err: err, Previous: previous}:
	case <-u.parent.Done():
	}
}

func (u *Upstream) markDisconnected() State {
	return State(u.state.Swap(int32(StateDisconnected)))
}

// isRunning returns true if Close has not been called
func (u *Upstream) isRunning() bool {
	select {
	case <-u.ctx.Done():
		return false

	default:
		return true
	}
}
