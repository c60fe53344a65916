package keepalive

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hbollon/go-edlib"
	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
)

// chooseExit returns the exit whose hostname is closest to host (Damerau-Levenshtein).
// Ties go to the earliest entry. exits must be non-empty.
func chooseExit(exits []proto.ExitDescriptor, host string) proto.ExitDescriptor {
	best, bestDist := 0, edlib.DamerauLevenshteinDistance(exits[0].Hostname, host)
	for i := 1; i < len(exits); i++ {
		if d := edlib.DamerauLevenshteinDistance(exits[i].Hostname, host); d < bestDist {
			best, bestDist = i, d
		}
	}
	return exits[best]
}

// race is a first-of combinator over session attempts. The first offered session wins;
// anything offered after the race settled is closed on arrival.
type race struct {
	mu      sync.Mutex
	settled bool
	winner  chan tunnel.Session
	failed  chan error
}

func newRace() *race {
	return &race{winner: make(chan tunnel.Session, 1), failed: make(chan error, 1)}
}

// offer hands over a connected session; false if another path already won.
func (r *race) offer(s tunnel.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		_ = s.Close()
		return false
	}
	r.settled = true
	r.winner <- s
	return true
}

// fail ends the race with err unless a session already won.
func (r *race) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.settled {
		return
	}
	r.settled = true
	r.failed <- err
}

// abandon settles the race with no winner.
func (r *race) abandon() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.settled = true
	select {
	case s := <-r.winner:
		_ = s.Close()
	default:
	}
}

func (r *race) wait(ctx context.Context) (tunnel.Session, error) {
	select {
	case s := <-r.winner:
		return s, nil
	case err := <-r.failed:
		return nil, err
	case <-ctx.Done():
		r.abandon()
		return nil, ctx.Err()
	}
}

// negotiate selects an exit, connects to it and authenticates. The returned
// multiplexer is owned by the caller.
func (k *Keepalive) negotiate(ctx context.Context, log logrus.FieldLogger) (tunnel.Multiplexer, *proto.ExitDescriptor, error) {
	exits, err := k.cfg.Cache.Exits(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("can't get exits: %w", err)
	}
	if len(exits) == 0 {
		return nil, nil, ErrNoExitsFound
	}
	exit := chooseExit(exits, k.cfg.ExitHost)
	log = log.WithField("exit", exit.Hostname)

	sess, err := k.connect(ctx, log, &exit)
	if err != nil {
		return nil, nil, err
	}
	log.WithField("endpoint", sess.RemoteEndpoint()).Debug("session established")
	mux := sess.Multiplex()

	tok, err := k.cfg.Cache.AuthToken(ctx)
	if err != nil {
		_ = mux.Close()
		return nil, nil, fmt.Errorf("can't get auth token: %w", err)
	}
	if err := authenticate(ctx, log, mux, tok, k.t.Auth); err != nil {
		_ = mux.Close()
		return nil, nil, err
	}
	log.WithField("use_bridges", k.cfg.UseBridges).Info("keepalive running")
	return mux, &exit, nil
}

// connect produces a session to exit within the connect timeout: direct first unless
// bridges are forced, bridges after the fallback delay, whichever succeeds first wins.
// Attempts run on ctx, not on the timeout, so a loser finishes on its own and is closed.
func (k *Keepalive) connect(ctx context.Context, log logrus.FieldLogger, exit *proto.ExitDescriptor) (tunnel.Session, error) {
	cctx, cancel := context.WithTimeout(ctx, k.t.Connect)
	defer cancel()
	r := newRace()

	if !k.cfg.UseBridges {
		go k.dialDirect(ctx, log, exit, r)
		fallback := time.NewTimer(k.t.DirectFallback)
		defer fallback.Stop()
		select {
		case s := <-r.winner:
			return s, nil
		case <-fallback.C:
			log.Warn("turning on bridges because we couldn't get a direct connection")
		case <-cctx.Done():
			r.abandon()
			return nil, k.connectErr(ctx)
		}
	}

	go k.raceBridges(ctx, log, exit, r)
	s, err := r.wait(cctx)
	if err != nil && cctx.Err() != nil {
		return nil, k.connectErr(ctx)
	}
	return s, err
}

func (k *Keepalive) connectErr(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fmt.Errorf("%w after %v", ErrConnectTimeout, k.t.Connect)
}

// dialDirect never reports failure: a failed direct path just leaves the bridges to win.
func (k *Keepalive) dialDirect(ctx context.Context, log logrus.FieldLogger, exit *proto.ExitDescriptor, r *race) {
	endpoint := net.JoinHostPort(exit.Hostname, tunnel.DirectPort)
	s, err := k.cfg.Dialer.Dial(ctx, endpoint, exit.Key)
	if err != nil {
		log.WithError(err).Debug("direct connect failed")
		return
	}
	if !r.offer(s) {
		log.Debug("late direct session closed")
	}
}

// raceBridges dials every bridge of exit concurrently and offers each success to r.
func (k *Keepalive) raceBridges(ctx context.Context, log logrus.FieldLogger, exit *proto.ExitDescriptor, r *race) {
	bridges, err := k.cfg.Cache.Bridges(ctx, exit.Hostname)
	if err != nil {
		r.fail(fmt.Errorf("can't get bridges: %w", err))
		return
	}
	log.Debugf("got %d bridges", len(bridges))
	if len(bridges) == 0 {
		r.fail(ErrNoBridgesFound)
		return
	}
	errs := make(chan error, len(bridges))
	for _, b := range bridges {
		go func(b proto.BridgeDescriptor) {
			blog := log.WithField("bridge", b.Endpoint)
			blog.Debug("connecting through bridge")
			s, err := k.cfg.Dialer.Dial(ctx, b.Endpoint, b.Key)
			if err != nil {
				blog.WithError(err).Debug("bridge failed")
				errs <- err
				return
			}
			if r.offer(s) {
				blog.Info("fastest bridge")
			}
			errs <- nil
		}(b)
	}
	var last error
	for range bridges {
		err := <-errs
		if err == nil {
			return
		}
		last = err
	}
	r.fail(fmt.Errorf("%w: %d bridges, last: %v", ErrBridgesExhausted, len(bridges), last))
}

// isTimeout reports whether err is a deadline hit.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
