// Package tunnel: contracts between the keepalive core and the session transport.
package tunnel

import (
	"context"
	"net"
	"time"
)

// DirectPort is the fixed remote port of exits reached without a bridge.
const DirectPort = "19831"

// SessionStats: live snapshot of one session, recomputed per query.
type SessionStats struct {
	Ping              time.Duration
	DownLoss          float64
	DownRecoveredLoss float64
	DownRedundant     float64
}

// Multiplexer owns one Session: reliable streams + one unreliable datagram channel.
// Safe for concurrent use.
type Multiplexer interface {
	// OpenConn opens a reliable stream; target "" = untagged.
	OpenConn(ctx context.Context, target string) (net.Conn, error)
	// SendUnreliable is best effort; it only errors when the session is dead.
	SendUnreliable(ctx context.Context, b []byte) error
	RecvUnreliable(ctx context.Context) ([]byte, error)
	SessionStats() SessionStats
	Close() error
}

// Session: one established encrypted connection to an exit or bridge.
type Session interface {
	RemoteEndpoint() string
	// Multiplex hands the session over to a Multiplexer; call at most once.
	Multiplex() Multiplexer
	Close() error
}

// Dialer establishes sessions; key is the endpoint's transport public key.
type Dialer interface {
	Dial(ctx context.Context, endpoint string, key []byte) (Session, error)
}
