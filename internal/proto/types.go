package proto

// FrameType: 1-byte type on wire.
type FrameType uint8

const (
	TypeOpen         FrameType = 0x01 // stream preamble; payload = target addr (empty = untagged)
	TypePQCiphertext FrameType = 0x12 // client sends KEM ciphertext so exit can decapsulate
	TypeKeyConfirm   FrameType = 0x13 // exit proves key possession: Seal(secret, KeyConfirmLabel)
)

// FrameHeaderSize: 1 + 4 + 4 = 9 bytes (type, stream_id, length).
const FrameHeaderSize = 9

// MaxPayloadSize 16MiB.
const MaxPayloadSize = 1024 * 1024 * 16

// KeyConfirmLabel is the plaintext an exit seals under the ML-KEM shared secret.
const KeyConfirmLabel = "kalive key confirm v1"

// Frame: on-wire msg (header + opt payload).
type Frame struct {
	Type     FrameType
	StreamID uint32
	Payload  []byte
}

// ExitDescriptor: one exit relay (hostname + transport key).
type ExitDescriptor struct {
	Hostname string `json:"hostname"`
	Key      []byte `json:"key"`
}

// BridgeDescriptor: one bridge in front of an exit.
type BridgeDescriptor struct {
	Endpoint string `json:"endpoint"`
	Key      []byte `json:"key"`
}

// AuthToken: blind-signed token presented on every new session.
type AuthToken struct {
	UnblindedDigest    []byte `json:"unblinded_digest"`
	UnblindedSignature []byte `json:"unblinded_signature"`
	Level              string `json:"level"`
}
