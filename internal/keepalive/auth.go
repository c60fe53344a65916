package keepalive

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"

	"dev.c0redev.kalive/internal/proto"
	"dev.c0redev.kalive/internal/tunnel"
)

// authenticate presents tok on a fresh stream and waits for the one-byte ack.
// The ack value is not interpreted.
func authenticate(ctx context.Context, log logrus.FieldLogger, mux tunnel.Multiplexer, tok *proto.AuthToken, timeout time.Duration) error {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fail := func(err error) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if actx.Err() != nil || isTimeout(err) {
			return fmt.Errorf("%w after %v", ErrAuthTimeout, timeout)
		}
		return fmt.Errorf("%w: %v", ErrAuthFailure, err)
	}

	conn, err := mux.OpenConn(actx, "")
	if err != nil {
		return fail(err)
	}
	defer conn.Close()
	if dl, ok := actx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	// unblock the read if the parent ends first
	stop := context.AfterFunc(actx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	log.Debug("sending auth info")
	if _, err := conn.Write(proto.EncodeAuthRecord(tok)); err != nil {
		return fail(err)
	}
	var ack [1]byte
	if _, err := io.ReadFull(conn, ack[:]); err != nil {
		return fail(err)
	}
	return nil
}
