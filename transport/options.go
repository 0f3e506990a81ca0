package transport

import (
	"go.uber.org/zap"
)

type Options struct {
	// Host to listen on
	Host string

	// Port to listen on
	Port int

	// Reuseport controls setting SO_REUSEPORT
	Reuseport bool

	// Trace will dump datagrams to the log at debug level. This is only useful
	// in local debugging
	Trace bool

	// ReadBufferSize is the largest datagram that will be read, it defaults to
	// the largest packet the extended header can describe.
	ReadBufferSize int

	Log *zap.Logger
}

type UpstreamOptions struct {
	// Addr of the broker, host:port
	Addr string

	// Key identifies the session that owns this connection in UpstreamEvents
	Key string

	// Dial opens the stream to the broker, defaults to a net.Dialer
	Dial Dialer

	// Events receives every packet read from the broker and the close
	// notification.
	Events chan<- UpstreamEvent

	// QueueSize bounds the number of packets waiting to be written
	QueueSize int

	Log *zap.Logger
}
