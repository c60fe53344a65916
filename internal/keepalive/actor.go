package keepalive

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.kalive/internal/tunnel"
	"dev.c0redev.kalive/internal/vpn"
)

type connRequest struct {
	target string
	reply  chan net.Conn // cap 1; closed when the open fails
}

// mailboxes of the actor; owned by the handle, shared by every epoch.
type mailboxes struct {
	opens <-chan connRequest
	stats <-chan chan tunnel.SessionStats
}

// runEpoch negotiates one session and serves requests on it until something fatal
// happens. Returning cancels every child of the epoch.
func (k *Keepalive) runEpoch(ctx context.Context, epoch uint, mb mailboxes) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	log := k.log.WithField("epoch", epoch)

	k.cfg.Stats.SetExitDescriptor(nil)
	mux, exit, err := k.negotiate(ctx, log)
	if err != nil {
		return err
	}
	defer mux.Close()
	k.cfg.Stats.SetExitDescriptor(exit)
	log = log.WithField("exit", exit.Hostname)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return k.serveOpens(gctx, g, log, mux, mb.opens) })
	g.Go(func() error { return serveStats(gctx, mux, mb.stats) })
	g.Go(func() error { return k.watchdog(gctx, log, mux) })
	if k.cfg.VPN {
		g.Go(func() error {
			return vpn.Run(gctx, mux, k.localPort(), k.cfg.Stats, vpn.Options{
				HelloInterval: k.t.HelloRetry,
				Logger:        log,
			})
		})
	}
	return g.Wait()
}

// serveOpens opens one stream per request, each in its own task so replies may complete
// out of order. A failed open ends the epoch; its requester sees the reply closed.
func (k *Keepalive) serveOpens(ctx context.Context, g *errgroup.Group, log logrus.FieldLogger, mux tunnel.Multiplexer, opens <-chan connRequest) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case req, ok := <-opens:
			if !ok {
				return fmt.Errorf("%w: stream requests", ErrRequestsClosed)
			}
			g.Go(func() error { return openStream(ctx, log, mux, req) })
		}
	}
}

func openStream(ctx context.Context, log logrus.FieldLogger, mux tunnel.Multiplexer, req connRequest) error {
	start := time.Now()
	conn, err := mux.OpenConn(ctx, req.target)
	if err != nil {
		close(req.reply)
		return fmt.Errorf("%w: %s in %.2fs: %v", ErrStreamOpen, req.target, time.Since(start).Seconds(), err)
	}
	st := mux.SessionStats()
	log.WithField("target", req.target).Debugf("opened connection in %d ms; loss = %.2f%% => %.2f%%; overhead = %.2f%%",
		time.Since(start).Milliseconds(), st.DownLoss*100, st.DownRecoveredLoss*100, st.DownRedundant*100)
	req.reply <- conn
	return nil
}

func serveStats(ctx context.Context, mux tunnel.Multiplexer, reqs <-chan chan tunnel.SessionStats) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reply, ok := <-reqs:
			if !ok {
				return fmt.Errorf("%w: stats requests", ErrRequestsClosed)
			}
			reply <- mux.SessionStats()
		}
	}
}

// watchdog probes the session periodically. Probe failures are only logged.
func (k *Keepalive) watchdog(ctx context.Context, log logrus.FieldLogger, mux tunnel.Multiplexer) error {
	t := time.NewTicker(k.t.WatchdogPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
		if err := probe(ctx, mux, k.t.WatchdogProbe); err != nil && ctx.Err() == nil {
			log.WithError(err).Warn("watchdog conn didn't work")
		}
	}
}

func probe(ctx context.Context, mux tunnel.Multiplexer, timeout time.Duration) error {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	conn, err := mux.OpenConn(pctx, "")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrWatchdogProbe, err)
	}
	return conn.Close()
}

func (k *Keepalive) localPort() vpn.LocalPort {
	if k.cfg.LocalPort != nil {
		return k.cfg.LocalPort
	}
	return vpn.Stdio()
}
