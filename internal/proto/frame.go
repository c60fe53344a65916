package proto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var ErrShortRead = errors.New("short read")
var ErrInvalidFrame = errors.New("invalid frame")

// WriteFrame writes header and payload in one Write so a frame is never split
// between concurrent writers on the same stream.
func WriteFrame(w io.Writer, f *Frame) error {
	if len(f.Payload) > MaxPayloadSize {
		return fmt.Errorf("%w: payload length %d", ErrInvalidFrame, len(f.Payload))
	}
	b := make([]byte, FrameHeaderSize, FrameHeaderSize+len(f.Payload))
	b[0] = byte(f.Type)
	binary.LittleEndian.PutUint32(b[1:5], f.StreamID)
	binary.LittleEndian.PutUint32(b[5:9], uint32(len(f.Payload)))
	_, err := w.Write(append(b, f.Payload...))
	return err
}

// ReadFrame reads one frame. io.EOF means the stream ended cleanly between frames.
func ReadFrame(r io.Reader) (*Frame, error) {
	var h [FrameHeaderSize]byte
	if _, err := io.ReadFull(r, h[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(h[5:9])
	if n > MaxPayloadSize {
		return nil, fmt.Errorf("%w: payload length %d", ErrInvalidFrame, n)
	}
	f := &Frame{Type: FrameType(h[0]), StreamID: binary.LittleEndian.Uint32(h[1:5])}
	if n == 0 {
		return f, nil
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("%w: frame payload: %v", ErrShortRead, err)
	}
	return f, nil
}
