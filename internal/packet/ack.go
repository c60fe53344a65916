// Package packet inspects raw IP frames read from the local interface.
package packet

import (
	"encoding/binary"

	"golang.org/x/net/ipv4"
)

const (
	protoTCP = 6

	tcpMinHeaderLen = 20
	tcpFlagSYN      = 0x02
	tcpFlagACK      = 0x10
)

// AckDecimationKey reports whether pkt is a pure TCP ACK over IPv4 (ACK set, SYN clear, no payload)
// and returns the flow key src port ^ dst port. Anything else, including parse failures, is not eligible.
func AckDecimationKey(pkt []byte) (uint16, bool) {
	seg, ok := ipv4Payload(pkt)
	if !ok {
		return 0, false
	}
	if len(seg) < tcpMinHeaderLen {
		return 0, false
	}
	dataOff := int(seg[12]>>4) * 4
	if dataOff < tcpMinHeaderLen || dataOff > len(seg) {
		return 0, false
	}
	flags := seg[13]
	if flags&tcpFlagACK == 0 || flags&tcpFlagSYN != 0 || len(seg) > dataOff {
		return 0, false
	}
	src := binary.BigEndian.Uint16(seg[0:2])
	dst := binary.BigEndian.Uint16(seg[2:4])
	return src ^ dst, true
}

// ipv4Payload returns the TCP segment carried by an IPv4 frame, trimmed to the header's total length.
func ipv4Payload(pkt []byte) ([]byte, bool) {
	if len(pkt) < ipv4.HeaderLen || pkt[0]>>4 != 4 {
		return nil, false
	}
	h, err := ipv4.ParseHeader(pkt)
	if err != nil || h.Protocol != protoTCP {
		return nil, false
	}
	// total length straight from the wire; ParseHeader swaps it on some BSDs.
	total := int(binary.BigEndian.Uint16(pkt[2:4]))
	if total < h.Len || total > len(pkt) {
		total = len(pkt)
	}
	if h.Len > total {
		return nil, false
	}
	return pkt[h.Len:total], true
}
