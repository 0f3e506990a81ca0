package transport

import (
	"context"
	"encoding/hex"
	"errors"
	"net"
	"strconv"
	"sync"

	reuseport "github.com/kavu/go_reuseport"
	"go.uber.org/zap"
)

const (
	// DefaultReadBufferSize fits the largest packet the extended length header
	// can describe.
	DefaultReadBufferSize = 65535
)

// Datagram is a single inbound packet and the peer that sent it.
type Datagram struct {
	Peer net.Addr
	Data []byte
}

type DatagramHandler func(Datagram)

// UDP is the client facing side of the gateway. It owns one datagram socket
// and hands every datagram it reads to a handler.
type UDP struct {
	cancel     context.CancelFunc
	stopWaiter sync.WaitGroup

	addr       string
	reuseport  bool
	bufferSize int

	mu   sync.Mutex
	conn net.PacketConn

	log   *zap.Logger
	trace bool
}

func NewUDP(options Options) *UDP {
	bufferSize := options.ReadBufferSize
	if bufferSize < 1 {
		bufferSize = DefaultReadBufferSize
	}

	return &UDP{
		addr:       net.JoinHostPort(options.Host, strconv.Itoa(options.Port)),
		reuseport:  options.Reuseport,
		bufferSize: bufferSize,
		trace:      options.Trace,
		log:        options.Log,
	}
}

// Start binds the socket and starts the read loop. Start returns once the
// socket is bound.
func (u *UDP) Start(parentCtx context.Context, handler DatagramHandler) error {
	ctx, cancel := context.WithCancel(parentCtx)
	u.cancel = cancel

	var (
		conn net.PacketConn
		err  error
	)

	if u.reuseport {
		conn, err = reuseport.ListenPacket("udp", u.addr)
	} else {
		conn, err = net.ListenPacket("udp", u.addr)
	}

	if err != nil {
		cancel()
		return err
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()

	u.log.Info("Listening for datagrams", zap.String("addr", conn.LocalAddr().String()))

	u.stopWaiter.Add(1)
	go func() {
		defer u.stopWaiter.Done()
		u.readLoop(ctx, conn, handler)
	}()

	go func() {
		<-ctx.Done()

		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			u.log.Warn("UDP socket did not close cleanly", zap.Error(err))
		}
	}()

	return nil
}

func (u *UDP) readLoop(ctx context.Context, conn net.PacketConn, handler DatagramHandler) {
	log := u.log.Named("readLoop")
	defer log.Info("Datagram read loop exited")

	buf := make([]byte, u.bufferSize)

	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				return
			}

			log.Warn("Failed to read datagram", zap.Error(err))
			continue
		}

		if u.trace {
			log.Debug("Datagram in",
				zap.String("peer", peer.String()),
				zap.String("data", hex.EncodeToString(buf[:n])))
		}

		data := make([]byte, n)
		copy(data, buf[:n])

		handler(Datagram{Peer: peer, Data: data})
	}
}

// WriteTo sends a single datagram to addr.
func (u *UDP) WriteTo(b []byte, addr net.Addr) (int, error) {
	u.mu.Lock()
	conn := u.conn
	u.mu.Unlock()

	if conn == nil {
		return 0, net.ErrClosed
	}

	if u.trace {
		u.log.Debug("Datagram out",
			zap.String("peer", addr.String()),
			zap.String("data", hex.EncodeToString(b)))
	}

	return conn.WriteTo(b, addr)
}

// LocalAddr returns the bound address, or nil before Start.
func (u *UDP) LocalAddr() net.Addr {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.conn == nil {
		return nil
	}

	return u.conn.LocalAddr()
}

// Close stops the read loop and closes the socket.
func (u *UDP) Close() error {
	u.log.Info("Stopping UDP listener")

	if u.cancel != nil {
		u.cancel()
	}

	u.stopWaiter.Wait()

	return nil
}
