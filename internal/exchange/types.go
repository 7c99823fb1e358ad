package exchange

import (
	"context"
	"time"
)

// ChannelName identifies one of the two exchange sockets
type ChannelName string

const (
	Public  ChannelName = "public"
	Private ChannelName = "private"
)

// Conn is a message oriented socket to the exchange
type Conn interface {
	// Send writes one JSON text frame
	Send(msg []byte) error

	// Ping sends a transport level ping
	Ping() error

	// Messages delivers inbound frames; it is closed when the read loop ends
	Messages() <-chan []byte

	// Close closes the connection gracefully
	Close() error

	// Health returns connection health information
	Health() HealthStatus
}

// Dialer opens connections. Tests replace it with an in-memory fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// HealthStatus represents connection health information
type HealthStatus struct {
	Connected     bool       `json:"connected"`
	LastMessage   time.Time  `json:"last_message"`
	MessageCount  int64      `json:"message_count"`
	ErrorCount    int64      `json:"error_count"`
	ReconnectTime *time.Time `json:"reconnect_time,omitempty"`
}
