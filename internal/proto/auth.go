package proto

import (
	"bytes"
	"encoding/binary"
	"io"
)

// maxAuthRecord caps the auth record read back by DecodeAuthRecord.
const maxAuthRecord = 64 * 1024

// EncodeAuthRecord serializes token: [4: total len][digest][signature][level], each field [4: len][bytes].
func EncodeAuthRecord(tok *AuthToken) []byte {
	body := new(bytes.Buffer)
	writeBytes(body, tok.UnblindedDigest)
	writeBytes(body, tok.UnblindedSignature)
	writeBytes(body, []byte(tok.Level))
	out := make([]byte, 4, 4+body.Len())
	binary.LittleEndian.PutUint32(out, uint32(body.Len()))
	return append(out, body.Bytes()...)
}

// DecodeAuthRecord parses one record from r (exit side, tests).
func DecodeAuthRecord(r io.Reader) (*AuthToken, error) {
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(ln[:])
	if n > maxAuthRecord {
		return nil, ErrInvalidFrame
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	br := bytes.NewReader(body)
	digest, err := readBytes(br)
	if err != nil {
		return nil, err
	}
	sig, err := readBytes(br)
	if err != nil {
		return nil, err
	}
	level, err := readBytes(br)
	if err != nil {
		return nil, err
	}
	return &AuthToken{UnblindedDigest: digest, UnblindedSignature: sig, Level: string(level)}, nil
}

func writeBytes(w *bytes.Buffer, b []byte) {
	tmp := make([]byte, 4)
	binary.LittleEndian.PutUint32(tmp, uint32(len(b)))
	w.Write(tmp)
	w.Write(b)
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	var ln [4]byte
	if _, err := io.ReadFull(r, ln[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(ln[:])
	if int64(n) > int64(r.Len()) {
		return nil, ErrInvalidFrame
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}
