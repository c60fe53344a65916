package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"dev.c0redev.kalive/internal/crypto"
	"dev.c0redev.kalive/internal/proto"
)

func serverTLS(t *testing.T) *tls.Config {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "exit"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	cert := tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: []string{"h3"}}
}

type testExit struct {
	addr    string
	enc     []byte
	targets chan string
}

// startExit runs a minimal exit: key confirmation, echo streams, echo datagrams.
func startExit(t *testing.T) *testExit {
	t.Helper()
	key, err := crypto.GenerateExitKey()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen("127.0.0.1:0", serverTLS(t))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() { cancel(); ln.Close() })
	e := &testExit{addr: ln.Addr().String(), enc: key.TransportKey(), targets: make(chan string, 16)}
	go func() {
		for {
			conn, err := ln.Accept(ctx)
			if err != nil {
				return
			}
			go e.serve(ctx, conn, key)
		}
	}()
	return e
}

func (e *testExit) serve(ctx context.Context, conn *quic.Conn, key *crypto.ExitKey) {
	if err := AnswerKeyConfirm(ctx, conn, key); err != nil {
		return
	}

	go func() {
		for {
			b, err := conn.ReceiveDatagram(ctx)
			if err != nil {
				return
			}
			_ = conn.SendDatagram(b)
		}
	}()
	for {
		st, err := conn.AcceptStream(ctx)
		if err != nil {
			return
		}
		go func() {
			defer st.Close()
			f, err := proto.ReadFrame(st)
			if err != nil || f.Type != proto.TypeOpen {
				return
			}
			e.targets <- string(f.Payload)
			_, _ = io.Copy(st, st)
		}()
	}
}

func dialTest(t *testing.T, e *testExit) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	d := &Dialer{}
	s, err := d.Dial(ctx, e.addr, e.enc)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s.(*Session)
}

func TestOpenConnEcho(t *testing.T) {
	e := startExit(t)
	s := dialTest(t, e)
	if s.RemoteEndpoint() != e.addr {
		t.Fatalf("endpoint = %s", s.RemoteEndpoint())
	}
	mux := s.Multiplex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c, err := mux.OpenConn(ctx, "example.com:443")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if got := <-e.targets; got != "example.com:443" {
		t.Fatalf("target = %q", got)
	}
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	if _, err := c.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 4)
	if _, err := io.ReadFull(c, buf); err != nil || string(buf) != "ping" {
		t.Fatalf("echo: %q %v", buf, err)
	}
	if mux.SessionStats().Ping <= 0 {
		t.Fatal("ping not measured")
	}
}

func TestSessionStatsTracksTraffic(t *testing.T) {
	e := startExit(t)
	s := dialTest(t, e)
	mux := s.Multiplex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sentBefore := s.conn.ConnectionStats().PacketsSent
	c, err := mux.OpenConn(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	<-e.targets
	_ = c.SetDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	for i := 0; i < 20; i++ {
		if _, err := c.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		if _, err := io.ReadFull(c, buf); err != nil {
			t.Fatal(err)
		}
	}
	// let trailing ACKs settle so both reads see the same RTT estimate
	time.Sleep(100 * time.Millisecond)

	cs := s.conn.ConnectionStats()
	if cs.PacketsSent <= sentBefore {
		t.Fatalf("packets sent %d -> %d", sentBefore, cs.PacketsSent)
	}
	got := mux.SessionStats()
	if got.Ping != cs.SmoothedRTT {
		t.Fatalf("ping = %v, want live smoothed rtt %v", got.Ping, cs.SmoothedRTT)
	}
	if got.DownLoss < 0 || got.DownLoss > 1 {
		t.Fatalf("loss = %v", got.DownLoss)
	}
}

func TestStatsFrom(t *testing.T) {
	tests := []struct {
		name     string
		cs       quic.ConnectionStats
		confirm  time.Duration
		wantPing time.Duration
		wantLoss float64
	}{
		{"no samples", quic.ConnectionStats{}, 7 * time.Millisecond, 7 * time.Millisecond, 0},
		{"smoothed wins", quic.ConnectionStats{SmoothedRTT: 3 * time.Millisecond, PacketsSent: 100}, 7 * time.Millisecond, 3 * time.Millisecond, 0},
		{"loss fraction", quic.ConnectionStats{SmoothedRTT: time.Millisecond, PacketsSent: 200, PacketsLost: 50}, 0, time.Millisecond, 0.25},
		{"loss capped", quic.ConnectionStats{SmoothedRTT: time.Millisecond, PacketsSent: 2, PacketsLost: 5}, 0, time.Millisecond, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := statsFrom(tt.cs, tt.confirm)
			if got.Ping != tt.wantPing || got.DownLoss != tt.wantLoss {
				t.Fatalf("got %+v, want ping %v loss %v", got, tt.wantPing, tt.wantLoss)
			}
			if got.DownRecoveredLoss != 0 || got.DownRedundant != 0 {
				t.Fatalf("unsupported fields set: %+v", got)
			}
		})
	}
}

func TestDatagramEcho(t *testing.T) {
	e := startExit(t)
	mux := dialTest(t, e).Multiplex()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// datagrams may be lost even on loopback; retry a few times
	for i := 0; i < 20; i++ {
		if err := mux.SendUnreliable(ctx, []byte("dgram")); err != nil {
			t.Fatal(err)
		}
		rctx, rcancel := context.WithTimeout(ctx, 200*time.Millisecond)
		b, err := mux.RecvUnreliable(rctx)
		rcancel()
		if err == nil {
			if string(b) != "dgram" {
				t.Fatalf("datagram = %q", b)
			}
			return
		}
	}
	t.Fatal("no datagram echoed")
}

func TestSendOversizeDatagramDropped(t *testing.T) {
	e := startExit(t)
	mux := dialTest(t, e).Multiplex()
	if err := mux.SendUnreliable(context.Background(), make([]byte, 64*1024)); err != nil {
		t.Fatalf("oversize datagram must be dropped silently, got %v", err)
	}
}

func TestDialWrongKey(t *testing.T) {
	e := startExit(t)
	other, err := crypto.GenerateExitKey()
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := (&Dialer{}).Dial(ctx, e.addr, other.TransportKey()); !errors.Is(err, crypto.ErrKeyMismatch) {
		t.Fatalf("got %v, want ErrKeyMismatch", err)
	}
}

func TestDialBadKey(t *testing.T) {
	if _, err := (&Dialer{}).Dial(context.Background(), "127.0.0.1:1", []byte("short")); !errors.Is(err, crypto.ErrKeySize) {
		t.Fatalf("got %v, want ErrKeySize", err)
	}
}

func TestListenNeedsCertificates(t *testing.T) {
	if _, err := Listen("127.0.0.1:0", &tls.Config{}); err == nil {
		t.Fatal("expected error")
	}
}

func TestAnswerKeyConfirmRejectsOtherFrames(t *testing.T) {
	key, err := crypto.GenerateExitKey()
	if err != nil {
		t.Fatal(err)
	}
	ln, err := Listen("127.0.0.1:0", serverTLS(t))
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	res := make(chan error, 1)
	go func() {
		conn, err := ln.Accept(ctx)
		if err != nil {
			res <- err
			return
		}
		res <- AnswerKeyConfirm(ctx, conn, key)
	}()

	conn, err := quic.DialAddr(ctx, ln.Addr().String(), DefaultQUICClientTLS(), DefaultQUICConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseWithError(0, "")
	st, err := conn.OpenStreamSync(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := proto.WriteFrame(st, &proto.Frame{Type: proto.TypeOpen, Payload: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if err := <-res; !errors.Is(err, proto.ErrInvalidFrame) {
		t.Fatalf("got %v, want ErrInvalidFrame", err)
	}
}
