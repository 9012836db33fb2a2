package transport

import (
	"context"

	"github.com/Rajchodisetti/swing-trader/internal/market"
)

// Client is a market data feed.
type Client interface {
	// Start connects in the background and returns the tick stream. The
	// channel is closed by Close.
	Start(ctx context.Context) (<-chan market.Tick, error)

	Close() error

	// ConnectionState returns the current connection state for health checks.
	ConnectionState() ConnectionState
}

type ConnectionState int

const (
	StateDisconnected ConnectionState = iota // 0 = down
	StateConnecting                          // 1 = connecting
	StateConnected                           // 2 = up
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}
