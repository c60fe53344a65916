package proto

import (
	"encoding/binary"
	"errors"
	"io"
)

// Local frame verbs.
const (
	VerbPacket  uint8 = 0 // IP packet for the local interface
	VerbControl uint8 = 1 // UTF-8 control text, e.g. "10.8.0.2/10"
)

// MaxLocalBody is the largest body a local frame can carry (u16 length).
const MaxLocalBody = 0xffff

// LocalFrame: one message on the local packet interface (stdio or TUN).
type LocalFrame struct {
	Verb uint8
	Body []byte
}

// WriteLocalFrame writes [1: verb][2: len LE][body].
func WriteLocalFrame(w io.Writer, f *LocalFrame) error {
	if len(f.Body) > MaxLocalBody {
		return errors.New("local frame too large")
	}
	var hdr [3]byte
	hdr[0] = f.Verb
	binary.LittleEndian.PutUint16(hdr[1:], uint16(len(f.Body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(f.Body) > 0 {
		if _, err := w.Write(f.Body); err != nil {
			return err
		}
	}
	return nil
}

// ReadLocalFrame reads one frame; body is freshly allocated.
func ReadLocalFrame(r io.Reader) (*LocalFrame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint16(hdr[1:])
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &LocalFrame{Verb: hdr[0], Body: body}, nil
}
