package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/quic-go/quic-go"

	"dev.c0redev.kalive/internal/crypto"
	"dev.c0redev.kalive/internal/proto"
)

// Listen QUIC listen on addr for exits; tlsConfig with Certificates.
func Listen(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("listen: tls certificates required")
	}
	return quic.ListenAddr(addr, tlsConfig, DefaultQUICConfig())
}

// AnswerKeyConfirm serves the exit side of key confirmation on the first stream the
// client opens. Streams opened afterwards carry the Open preamble.
func AnswerKeyConfirm(ctx context.Context, conn *quic.Conn, key *crypto.ExitKey) error {
	st, err := conn.AcceptStream(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	f, err := proto.ReadFrame(st)
	if err != nil {
		return err
	}
	if f.Type != proto.TypePQCiphertext {
		return fmt.Errorf("%w: unexpected frame 0x%02x", proto.ErrInvalidFrame, f.Type)
	}
	proof, err := key.Prove(f.Payload, proto.KeyConfirmLabel)
	if err != nil {
		return err
	}
	return proto.WriteFrame(st, &proto.Frame{Type: proto.TypeKeyConfirm, StreamID: f.StreamID, Payload: proof})
}
