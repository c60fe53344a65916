package keepalive

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
)

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testTimeouts() Timeouts {
	return Timeouts{
		DirectFallback: 30 * time.Millisecond,
		Connect:        300 * time.Millisecond,
		Auth:           100 * time.Millisecond,
		WatchdogPeriod: time.Hour,
		WatchdogProbe:  50 * time.Millisecond,
		HelloRetry:     10 * time.Millisecond,
		RestartDelay:   10 * time.Millisecond,
	}
}

type fakeStats struct {
	mu   sync.Mutex
	exit *proto.ExitDescriptor
	sets int
	tx   atomic.Uint64
	rx   atomic.Uint64
}

func (s *fakeStats) SetExitDescriptor(e *proto.ExitDescriptor) {
	s.mu.Lock()
	s.exit = e
	s.sets++
	s.mu.Unlock()
}

func (s *fakeStats) current() (*proto.ExitDescriptor, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exit, s.sets
}

func (s *fakeStats) IncrTotalTx(n uint64) { s.tx.Add(n) }
func (s *fakeStats) IncrTotalRx(n uint64) { s.rx.Add(n) }

type fakeCache struct {
	exits       []proto.ExitDescriptor
	bridges     []proto.BridgeDescriptor
	exitsErr    error
	bridgeCalls atomic.Int32
}

func (c *fakeCache) Exits(ctx context.Context) ([]proto.ExitDescriptor, error) {
	return c.exits, c.exitsErr
}

func (c *fakeCache) Bridges(ctx context.Context, exitHost string) ([]proto.BridgeDescriptor, error) {
	c.bridgeCalls.Add(1)
	return c.bridges, nil
}

func (c *fakeCache) AuthToken(ctx context.Context) (*proto.AuthToken, error) {
	return &proto.AuthToken{UnblindedDigest: []byte("d"), UnblindedSignature: []byte("s"), Level: "free"}, nil
}

// dialPlan scripts one endpoint; the zero value connects immediately.
type dialPlan struct {
	delay time.Duration
	err   error
	hang  bool
	gate  chan struct{}
}

type fakeDialer struct {
	mu       sync.Mutex
	plans    map[string]dialPlan
	dialed   []string
	sessions []*fakeSession
	// newMux builds the multiplexer of the n-th established session (0-based); nil = healthy.
	newMux func(n int) *fakeMux
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, key []byte) (tunnel.Session, error) {
	d.mu.Lock()
	d.dialed = append(d.dialed, endpoint)
	plan := d.plans[endpoint]
	d.mu.Unlock()

	if plan.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if plan.gate != nil {
		select {
		case <-plan.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if plan.delay > 0 {
		select {
		case <-time.After(plan.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if plan.err != nil {
		return nil, plan.err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	var mux *fakeMux
	if d.newMux != nil {
		mux = d.newMux(len(d.sessions))
	}
	if mux == nil {
		mux = &fakeMux{}
	}
	s := &fakeSession{endpoint: endpoint, mux: mux}
	d.sessions = append(d.sessions, s)
	return s, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dialed)
}

func (d *fakeDialer) session(i int) *fakeSession {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i >= len(d.sessions) {
		return nil
	}
	return d.sessions[i]
}

func (d *fakeDialer) sessionCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

type fakeSession struct {
	endpoint string
	mux      *fakeMux
	closed   atomic.Bool
}

func (s *fakeSession) RemoteEndpoint() string         { return s.endpoint }
func (s *fakeSession) Multiplex() tunnel.Multiplexer { return s.mux }
func (s *fakeSession) Close() error                  { s.closed.Store(true); return s.mux.Close() }

// fakeMux answers the first stream as an exit's auth handler; later streams are sinks.
type fakeMux struct {
	authHang bool
	authErr  error
	openErr  error
	recvErr  error

	opens   atomic.Int32
	closed  atomic.Bool
	mu      sync.Mutex
	targets []string
}

func (m *fakeMux) OpenConn(ctx context.Context, target string) (net.Conn, error) {
	if m.closed.Load() {
		return nil, errors.New("mux closed")
	}
	if m.opens.Add(1) == 1 {
		if m.authErr != nil {
			return nil, m.authErr
		}
		c1, c2 := net.Pipe()
		go func() {
			defer c2.Close()
			if _, err := proto.DecodeAuthRecord(c2); err != nil {
				return
			}
			if m.authHang {
				_, _ = io.Copy(io.Discard, c2)
				return
			}
			_, _ = c2.Write([]byte{1})
		}()
		return c1, nil
	}
	if m.openErr != nil {
		return nil, m.openErr
	}
	m.mu.Lock()
	m.targets = append(m.targets, target)
	m.mu.Unlock()
	c1, c2 := net.Pipe()
	go func() {
		_, _ = io.Copy(io.Discard, c2)
		c2.Close()
	}()
	return c1, nil
}

func (m *fakeMux) SendUnreliable(ctx context.Context, b []byte) error { return nil }

func (m *fakeMux) RecvUnreliable(ctx context.Context) ([]byte, error) {
	if m.recvErr != nil {
		return nil, m.recvErr
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func (m *fakeMux) SessionStats() tunnel.SessionStats {
	return tunnel.SessionStats{Ping: 42 * time.Millisecond, DownLoss: 0.01}
}

func (m *fakeMux) Close() error { m.closed.Store(true); return nil }

// idlePort is a local port with no traffic.
type idlePort struct{}

func (idlePort) ReadFrame(ctx context.Context) (*proto.LocalFrame, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
func (idlePort) WriteFrame(*proto.LocalFrame) error { return nil }
func (idlePort) Flush() error                       { return nil }

func waitFor(cond func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return cond()
}
