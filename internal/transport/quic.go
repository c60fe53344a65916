// Package transport implements tunnel sessions over QUIC: streams for reliable
// connections, datagrams for the unreliable channel.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/crypto"
	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
)

// streamConn wraps quic.Stream as net.Conn.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// Close closes both directions.
func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	return c.Stream.Close()
}

// DefaultQUICClientTLS TLS for QUIC client (InsecureSkipVerify, ALPN h3).
// Endpoints are authenticated by key confirmation, not by certificate.
func DefaultQUICClientTLS() *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: true,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{"h3"},
	}
}

// DefaultQUICConfig: datagrams on, keepalive below the idle timeout.
func DefaultQUICConfig() *quic.Config {
	return &quic.Config{
		EnableDatagrams:      true,
		HandshakeIdleTimeout: 5 * time.Second,
		MaxIdleTimeout:       30 * time.Second,
		KeepAlivePeriod:      10 * time.Second,
	}
}

// Dialer implements tunnel.Dialer over QUIC.
type Dialer struct {
	TLS  *tls.Config  // nil = DefaultQUICClientTLS
	QUIC *quic.Config // nil = DefaultQUICConfig
	Log  logrus.FieldLogger
}

// Dial connects to endpoint and proves the peer holds the private half of key.
func (d *Dialer) Dial(ctx context.Context, endpoint string, key []byte) (tunnel.Session, error) {
	ch, err := crypto.NewChallenge(key)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	tlsConf, quicConf := d.TLS, d.QUIC
	if tlsConf == nil {
		tlsConf = DefaultQUICClientTLS()
	}
	if quicConf == nil {
		quicConf = DefaultQUICConfig()
	}
	conn, err := quic.DialAddr(ctx, endpoint, tlsConf, quicConf)
	if err != nil {
		return nil, err
	}
	if !conn.ConnectionState().SupportsDatagrams.Remote {
		_ = conn.CloseWithError(0, "datagrams required")
		return nil, fmt.Errorf("%s: peer does not support datagrams", endpoint)
	}
	rtt, err := confirmKey(ctx, conn, ch)
	if err != nil {
		_ = conn.CloseWithError(0, "key confirmation failed")
		return nil, fmt.Errorf("%s: %w", endpoint, err)
	}
	if d.Log != nil {
		d.Log.WithFields(logrus.Fields{"endpoint": endpoint, "rtt_ms": rtt.Milliseconds()}).Debug("session confirmed")
	}
	return &Session{conn: conn, endpoint: endpoint, confirmRTT: rtt}, nil
}

// confirmKey sends the challenge on a control stream and checks the peer's proof.
// Returns the round trip it took.
func confirmKey(ctx context.Context, conn *quic.Conn, ch *crypto.Challenge) (time.Duration, error) {
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return 0, err
	}
	defer st.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(dl)
	}
	start := time.Now()
	if err := proto.WriteFrame(st, &proto.Frame{Type: proto.TypePQCiphertext, StreamID: uint32(st.StreamID()), Payload: ch.Ciphertext}); err != nil {
		return 0, err
	}
	f, err := proto.ReadFrame(st)
	if err != nil {
		return 0, err
	}
	rtt := time.Since(start)
	if f.Type != proto.TypeKeyConfirm {
		return 0, fmt.Errorf("%w: unexpected frame 0x%02x", proto.ErrInvalidFrame, f.Type)
	}
	return rtt, ch.Verify(f.Payload, proto.KeyConfirmLabel)
}

// Session: one confirmed QUIC connection.
type Session struct {
	conn       *quic.Conn
	endpoint   string
	confirmRTT time.Duration
}

func (s *Session) RemoteEndpoint() string { return s.endpoint }

func (s *Session) Multiplex() tunnel.Multiplexer { return &Mux{sess: s} }

func (s *Session) Close() error { return s.conn.CloseWithError(0, "") }

// Mux: tunnel.Multiplexer over one Session.
type Mux struct {
	sess *Session
}

// OpenConn opens a stream and writes the Open preamble naming target.
func (m *Mux) OpenConn(ctx context.Context, target string) (net.Conn, error) {
	st, err := m.sess.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	f := &proto.Frame{Type: proto.TypeOpen, StreamID: uint32(st.StreamID()), Payload: []byte(target)}
	if err := proto.WriteFrame(st, f); err != nil {
		st.CancelWrite(0)
		return nil, err
	}
	return &streamConn{Stream: st, conn: m.sess.conn}, nil
}

// SendUnreliable drops datagrams that don't fit; errors only once the connection is gone.
func (m *Mux) SendUnreliable(ctx context.Context, b []byte) error {
	err := m.sess.conn.SendDatagram(b)
	if err == nil {
		return nil
	}
	var tooLarge *quic.DatagramTooLargeError
	if errors.As(err, &tooLarge) {
		return nil
	}
	if m.sess.conn.Context().Err() != nil {
		return err
	}
	return nil
}

func (m *Mux) RecvUnreliable(ctx context.Context) ([]byte, error) {
	return m.sess.conn.ReceiveDatagram(ctx)
}

// SessionStats reads the connection's live RTT and loss counters.
func (m *Mux) SessionStats() tunnel.SessionStats {
	return statsFrom(m.sess.conn.ConnectionStats(), m.sess.confirmRTT)
}

// statsFrom maps QUIC connection stats onto SessionStats. Ping falls back to the key
// confirmation round trip until the connection has an RTT sample. Loss is the fraction
// of sent packets declared lost; QUIC does not report how much of it was recovered or
// how much was redundant, so those read zero.
func statsFrom(cs quic.ConnectionStats, confirmRTT time.Duration) tunnel.SessionStats {
	st := tunnel.SessionStats{Ping: cs.SmoothedRTT}
	if st.Ping <= 0 {
		st.Ping = confirmRTT
	}
	if cs.PacketsSent > 0 {
		st.DownLoss = min(float64(cs.PacketsLost)/float64(cs.PacketsSent), 1)
	}
	return st
}

func (m *Mux) Close() error { return m.sess.Close() }
