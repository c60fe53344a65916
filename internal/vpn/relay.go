// Package vpn relays IP packets between a local port and the tunnel's unreliable channel.
package vpn

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"dev.c0redev.kalive/internal/packet"
	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
)

// ErrTransport: the unreliable channel failed (send or receive).
var ErrTransport = errors.New("unreliable channel failure")

// Counters receives byte counts; calls must not block.
type Counters interface {
	IncrTotalTx(n uint64)
	IncrTotalRx(n uint64)
}

// Options tune a relay; zero values take the defaults.
type Options struct {
	HelloInterval time.Duration // default 1s
	StatsEvery    uint64        // log session stats every N received packets, default 1000
	Logger        logrus.FieldLogger
}

func (o *Options) setDefaults() {
	if o.HelloInterval <= 0 {
		o.HelloInterval = time.Second
	}
	if o.StatsEvery == 0 {
		o.StatsEvery = 1000
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
}

// Run negotiates a client address, announces it on port, then pumps packets both ways
// until ctx is done or either direction fails.
func Run(ctx context.Context, mux tunnel.Multiplexer, port LocalPort, counters Counters, opts Options) error {
	opts.setDefaults()
	id, err := newClientID()
	if err != nil {
		return err
	}
	log := opts.Logger.WithField("client_id", id.String())
	log.Info("negotiating VPN")

	ip, err := negotiate(ctx, mux, id, opts.HelloInterval)
	if err != nil {
		return err
	}
	log.WithField("client_ip", ip.String()).Info("negotiated VPN address")
	ctl := &proto.LocalFrame{Verb: proto.VerbControl, Body: []byte(ip.String() + "/10")}
	if err := port.WriteFrame(ctl); err != nil {
		return fmt.Errorf("local port: %w", err)
	}
	if err := port.Flush(); err != nil {
		return fmt.Errorf("local port: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return upstream(gctx, mux, port, counters) })
	g.Go(func() error { return downstream(gctx, mux, port, counters, log, opts.StatsEvery) })
	return g.Wait()
}

// newClientID draws all 128 bits at random. uuid.New would fix the version and variant
// bits, leaving 122.
func newClientID() (uuid.UUID, error) {
	var id uuid.UUID
	if _, err := rand.Read(id[:]); err != nil {
		return uuid.Nil, fmt.Errorf("client id: %w", err)
	}
	return id, nil
}

// negotiate resends ClientHello every interval until a ServerHello arrives.
func negotiate(ctx context.Context, mux tunnel.Multiplexer, id uuid.UUID, interval time.Duration) (netip.Addr, error) {
	hello, err := proto.EncodeMessage(proto.ClientHello(id))
	if err != nil {
		return netip.Addr{}, err
	}
	for {
		if err := mux.SendUnreliable(ctx, hello); err != nil {
			return netip.Addr{}, fmt.Errorf("%w: send hello: %v", ErrTransport, err)
		}
		ip, ok, err := awaitServerHello(ctx, mux, interval)
		if err != nil {
			return netip.Addr{}, err
		}
		if ok {
			return ip, nil
		}
	}
}

// awaitServerHello reads datagrams for up to d, ignoring anything but a ServerHello.
func awaitServerHello(ctx context.Context, mux tunnel.Multiplexer, d time.Duration) (netip.Addr, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	for {
		b, err := mux.RecvUnreliable(rctx)
		if err != nil {
			if ctx.Err() != nil {
				return netip.Addr{}, false, ctx.Err()
			}
			if rctx.Err() != nil {
				return netip.Addr{}, false, nil
			}
			return netip.Addr{}, false, fmt.Errorf("%w: recv hello: %v", ErrTransport, err)
		}
		m, err := proto.DecodeMessage(b)
		if err != nil || m.Kind != proto.KindServerHello {
			continue
		}
		return m.ClientIP, true, nil
	}
}

func upstream(ctx context.Context, mux tunnel.Multiplexer, port LocalPort, counters Counters) error {
	acks := NewAckLimiter()
	for {
		f, err := port.ReadFrame(ctx)
		if err != nil {
			return fmt.Errorf("local port: %w", err)
		}
		if key, ok := packet.AckDecimationKey(f.Body); ok && !acks.Allow(key) {
			continue
		}
		counters.IncrTotalTx(uint64(len(f.Body)))
		msg, err := proto.EncodeMessage(proto.PayloadMessage(f.Body))
		if err != nil {
			return err
		}
		// best effort; only a dead session is reported
		if err := mux.SendUnreliable(ctx, msg); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}
}

func downstream(ctx context.Context, mux tunnel.Multiplexer, port LocalPort, counters Counters, log logrus.FieldLogger, every uint64) error {
	for count := uint64(0); ; count++ {
		if count%every == 0 {
			st := mux.SessionStats()
			log.WithFields(logrus.Fields{
				"packets":   count,
				"ping_ms":   st.Ping.Milliseconds(),
				"loss":      fmt.Sprintf("%.2f%%", st.DownLoss*100),
				"recovered": fmt.Sprintf("%.2f%%", st.DownRecoveredLoss*100),
				"overhead":  fmt.Sprintf("%.2f%%", st.DownRedundant*100),
			}).Debug("VPN stats")
		}
		b, err := mux.RecvUnreliable(ctx)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
		m, err := proto.DecodeMessage(b)
		if err != nil {
			log.WithError(err).Debug("dropping undecodable datagram")
			continue
		}
		if m.Kind != proto.KindPayload {
			continue
		}
		counters.IncrTotalRx(uint64(len(m.Payload)))
		if err := port.WriteFrame(&proto.LocalFrame{Verb: proto.VerbPacket, Body: m.Payload}); err != nil {
			return fmt.Errorf("local port: %w", err)
		}
		if err := port.Flush(); err != nil {
			return fmt.Errorf("local port: %w", err)
		}
	}
}
