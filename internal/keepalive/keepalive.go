// Package keepalive keeps one authenticated tunnel to an exit alive and serves
// stream and stats requests over it, renegotiating from scratch after any failure.
package keepalive

import (
	"context"
	"errors"
	"net"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/tunnel"
)

const mailboxSize = 64

// Keepalive is the handle to a background supervisor. Safe for concurrent use.
type Keepalive struct {
	cfg Config
	t   Timeouts
	log logrus.FieldLogger

	opens chan connRequest
	stats chan chan tunnel.SessionStats

	cancel context.CancelFunc
	done   chan struct{}
}

// New starts the supervisor and returns immediately.
func New(cfg Config) *Keepalive {
	k := newKeepalive(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	k.cancel = cancel
	go k.supervise(ctx)
	return k
}

func newKeepalive(cfg Config) *Keepalive {
	k := &Keepalive{
		cfg:    cfg,
		t:      cfg.Timeouts,
		log:    cfg.Logger,
		opens:  make(chan connRequest, mailboxSize),
		stats:  make(chan chan tunnel.SessionStats, mailboxSize),
		cancel: func() {},
		done:   make(chan struct{}),
	}
	if k.t == (Timeouts{}) {
		k.t = DefaultTimeouts()
	}
	if k.log == nil {
		k.log = logrus.StandardLogger()
	}
	return k
}

// supervise runs epochs forever with a fixed pause between them, until ctx ends.
func (k *Keepalive) supervise(ctx context.Context) {
	defer close(k.done)
	mb := mailboxes{opens: k.opens, stats: k.stats}
	var epoch uint
	_ = retry.Do(
		func() error {
			epoch++
			err := k.runEpoch(ctx, epoch, mb)
			if ctx.Err() != nil {
				return retry.Unrecoverable(ctx.Err())
			}
			if err == nil {
				err = errors.New("epoch ended")
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(k.t.RestartDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(_ uint, err error) {
			k.log.WithError(err).WithField("epoch", epoch).Warn("keepalive restarting")
		}),
	)
}

// Connect opens a stream to target through the current epoch. Requests survive epoch
// restarts while queued; an open that fails upstream returns ErrStreamOpen.
func (k *Keepalive) Connect(ctx context.Context, target string) (net.Conn, error) {
	req := connRequest{target: target, reply: make(chan net.Conn, 1)}
	select {
	case k.opens <- req:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-k.done:
		return nil, ErrClosed
	}
	select {
	case conn, ok := <-req.reply:
		if !ok {
			return nil, ErrStreamOpen
		}
		return conn, nil
	case <-ctx.Done():
		go func() {
			select {
			case conn, ok := <-req.reply:
				if ok {
					_ = conn.Close()
				}
			case <-k.done:
			}
		}()
		return nil, ctx.Err()
	case <-k.done:
		return nil, ErrClosed
	}
}

// GetStats returns a fresh SessionStats snapshot of the current epoch.
func (k *Keepalive) GetStats(ctx context.Context) (tunnel.SessionStats, error) {
	reply := make(chan tunnel.SessionStats, 1)
	select {
	case k.stats <- reply:
	case <-ctx.Done():
		return tunnel.SessionStats{}, ctx.Err()
	case <-k.done:
		return tunnel.SessionStats{}, ErrClosed
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return tunnel.SessionStats{}, ctx.Err()
	case <-k.done:
		return tunnel.SessionStats{}, ErrClosed
	}
}

// Close stops the supervisor and waits for the current epoch to end.
func (k *Keepalive) Close() error {
	k.cancel()
	<-k.done
	return nil
}
