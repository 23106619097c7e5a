package core

import "context"

// DeliveryMode is how a transport exchanges events with the server.
type DeliveryMode int

const (
	// StreamingMode keeps a persistent WebSocket connection open.
	StreamingMode DeliveryMode = iota
	// PollingMode fetches messages periodically over HTTP.
	PollingMode
)

func (m DeliveryMode) String() string {
	switch m {
	case StreamingMode:
		return "streaming"
	case PollingMode:
		return "polling"
	default:
		return "unknown"
	}
}

// Transport is one established live channel.
//
// Events returns the inbound events; the channel is closed once the transport
// is done. Err returns why the transport stopped, nil if it was closed with Close.
type Transport interface {
	Mode() DeliveryMode
	Send(ctx context.Context, e *Event) error
	Events() <-chan *Event
	Done() <-chan struct{}
	Err() error
	Close() error
}

// Dialer establishes transports of one delivery mode.
type Dialer interface {
	Mode() DeliveryMode
	Dial(ctx context.Context) (Transport, error)
}
