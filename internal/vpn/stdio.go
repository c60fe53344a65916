package vpn

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"

	"dev.c0redev.kalive/internal/proto"
)

// LocalPort is the local packet interface the relay pumps to and from.
// Implementations serialize access per direction.
type LocalPort interface {
	ReadFrame(ctx context.Context) (*proto.LocalFrame, error)
	WriteFrame(f *proto.LocalFrame) error
	Flush() error
}

type readResult struct {
	frame *proto.LocalFrame
	err   error
}

// StreamPort is a LocalPort over a byte stream pair (stdin/stdout).
// A single reader goroutine owns r, so a frame is never split between two epochs.
type StreamPort struct {
	frames chan readResult

	wmu sync.Mutex
	w   *bufio.Writer
}

// NewStreamPort starts the reader goroutine on r; it exits on the first read error.
func NewStreamPort(r io.Reader, w io.Writer) *StreamPort {
	p := &StreamPort{
		frames: make(chan readResult, 64),
		w:      bufio.NewWriterSize(w, 64*1024),
	}
	go p.readLoop(bufio.NewReaderSize(r, 1024*1024))
	return p
}

func (p *StreamPort) readLoop(r io.Reader) {
	for {
		f, err := proto.ReadLocalFrame(r)
		p.frames <- readResult{frame: f, err: err}
		if err != nil {
			close(p.frames)
			return
		}
	}
}

// ReadFrame returns the next local frame. After the source fails every call returns io.EOF.
func (p *StreamPort) ReadFrame(ctx context.Context) (*proto.LocalFrame, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res, ok := <-p.frames:
		if !ok {
			return nil, io.EOF
		}
		return res.frame, res.err
	}
}

// WriteFrame buffers f; call Flush to push it out.
func (p *StreamPort) WriteFrame(f *proto.LocalFrame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return proto.WriteLocalFrame(p.w, f)
}

func (p *StreamPort) Flush() error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return p.w.Flush()
}

var (
	stdioOnce sync.Once
	stdioPort *StreamPort
)

// Stdio returns the process-wide stdin/stdout port. Initialized once, never torn down.
func Stdio() *StreamPort {
	stdioOnce.Do(func() {
		stdioPort = NewStreamPort(os.Stdin, os.Stdout)
	})
	return stdioPort
}
