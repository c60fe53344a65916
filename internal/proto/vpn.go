package proto

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// MessageKind tags the variants carried on the unreliable channel.
type MessageKind uint32

const (
	KindClientHello MessageKind = 0
	KindServerHello MessageKind = 1
	KindPayload     MessageKind = 2
)

// Message: VPN control message (ClientHello | ServerHello | Payload). No seq numbers.
type Message struct {
	Kind     MessageKind
	ClientID [16]byte   // ClientHello
	ClientIP netip.Addr // ServerHello
	Payload  []byte     // Payload
}

// ClientHello builds a hello for id.
func ClientHello(id [16]byte) *Message {
	return &Message{Kind: KindClientHello, ClientID: id}
}

// ServerHello builds the exit's reply assigning ip.
func ServerHello(ip netip.Addr) *Message {
	return &Message{Kind: KindServerHello, ClientIP: ip}
}

// PayloadMessage wraps one raw IP packet.
func PayloadMessage(pkt []byte) *Message {
	return &Message{Kind: KindPayload, Payload: pkt}
}

// EncodeMessage: [4: kind LE][variant body]. ClientHello = 16-byte id, ServerHello = 4-byte IPv4,
// Payload = [8: len LE][bytes].
func EncodeMessage(m *Message) ([]byte, error) {
	switch m.Kind {
	case KindClientHello:
		b := make([]byte, 4+16)
		binary.LittleEndian.PutUint32(b, uint32(m.Kind))
		copy(b[4:], m.ClientID[:])
		return b, nil
	case KindServerHello:
		if !m.ClientIP.Is4() {
			return nil, fmt.Errorf("server hello: not an IPv4 address: %v", m.ClientIP)
		}
		ip := m.ClientIP.As4()
		b := make([]byte, 4+4)
		binary.LittleEndian.PutUint32(b, uint32(m.Kind))
		copy(b[4:], ip[:])
		return b, nil
	case KindPayload:
		b := make([]byte, 4+8+len(m.Payload))
		binary.LittleEndian.PutUint32(b, uint32(m.Kind))
		binary.LittleEndian.PutUint64(b[4:12], uint64(len(m.Payload)))
		copy(b[12:], m.Payload)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown message kind %d", m.Kind)
	}
}

// DecodeMessage parses b; trailing bytes after a ServerHello address (gateway) are ignored.
func DecodeMessage(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, ErrShortRead
	}
	kind := MessageKind(binary.LittleEndian.Uint32(b[:4]))
	body := b[4:]
	switch kind {
	case KindClientHello:
		if len(body) < 16 {
			return nil, ErrShortRead
		}
		m := &Message{Kind: kind}
		copy(m.ClientID[:], body[:16])
		return m, nil
	case KindServerHello:
		if len(body) < 4 {
			return nil, ErrShortRead
		}
		return &Message{Kind: kind, ClientIP: netip.AddrFrom4([4]byte{body[0], body[1], body[2], body[3]})}, nil
	case KindPayload:
		if len(body) < 8 {
			return nil, ErrShortRead
		}
		n := binary.LittleEndian.Uint64(body[:8])
		if n > uint64(len(body)-8) {
			return nil, ErrShortRead
		}
		return &Message{Kind: kind, Payload: body[8 : 8+n]}, nil
	default:
		return nil, ErrInvalidFrame
	}
}
