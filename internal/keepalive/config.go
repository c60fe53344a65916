package keepalive

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
	"dev.c0redev.kalive/internal/vpn"
)

// Cache supplies descriptors and tokens; every call may fail.
type Cache interface {
	Exits(ctx context.Context) ([]proto.ExitDescriptor, error)
	Bridges(ctx context.Context, exitHost string) ([]proto.BridgeDescriptor, error)
	AuthToken(ctx context.Context) (*proto.AuthToken, error)
}

// StatsSink is updated fire-and-forget; nil exit means "none".
type StatsSink interface {
	SetExitDescriptor(exit *proto.ExitDescriptor)
	IncrTotalTx(n uint64)
	IncrTotalRx(n uint64)
}

// Timeouts of one epoch. Fixed in production; tests shrink them.
type Timeouts struct {
	DirectFallback time.Duration // direct -> bridges
	Connect        time.Duration // whole connection path
	Auth           time.Duration
	WatchdogPeriod time.Duration
	WatchdogProbe  time.Duration
	HelloRetry     time.Duration
	RestartDelay   time.Duration
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		DirectFallback: 5 * time.Second,
		Connect:        10 * time.Second,
		Auth:           5 * time.Second,
		WatchdogPeriod: 200 * time.Second,
		WatchdogProbe:  60 * time.Second,
		HelloRetry:     time.Second,
		RestartDelay:   time.Second,
	}
}

// Config for New. Dialer, Cache and Stats are required.
type Config struct {
	ExitHost   string
	UseBridges bool
	VPN        bool

	Dialer tunnel.Dialer
	Cache  Cache
	Stats  StatsSink
	// LocalPort carries VPN packets; nil = process stdio.
	LocalPort vpn.LocalPort

	Timeouts Timeouts // zero = DefaultTimeouts()
	Logger   logrus.FieldLogger
}
