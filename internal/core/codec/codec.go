// Package codec builds and parses the wire payloads the datagram and
// capture transports exchange: ICMPv6 Echo, TCP (including the crafted
// SYN probes the port scanner needs), UDP, and — in dhcpv6.go — the
// DHCPv6 Relay-Forward/Reply envelope and the client messages it
// carries.
//
// Structurally grounded on the teacher's IPv4 packet builder
// (neoAgent/internal/core/lib/network/netraw/packet_builder.go): the
// same header-then-checksum shape, adapted from IPv4's pseudo-header to
// the one RFC 8200 §8.1 defines for IPv6.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"net/netip"
)

// TCP option kinds (RFC 9293 §3.1).
const (
	TCPOptionEOL       = 0
	TCPOptionNOP       = 1
	TCPOptionMSS       = 2
	TCPOptionWScale    = 3
	TCPOptionSACKOK    = 4
	TCPOptionSACK      = 5
	TCPOptionTimestamp = 8
)

// TCP flag bits, matching the low 9 bits of the flags field.
const (
	TCPFlagFIN = 1 << 0
	TCPFlagSYN = 1 << 1
	TCPFlagRST = 1 << 2
	TCPFlagPSH = 1 << 3
	TCPFlagACK = 1 << 4
	TCPFlagURG = 1 << 5
	TCPFlagECE = 1 << 6
	TCPFlagCWR = 1 << 7
)

// TCPOption is one TCP header option. The OS fingerprinter varies the
// combination and ordering of these across its probe set (spec §4.9).
type TCPOption struct {
	Kind uint8
	Data []byte
}

func encodeTCPOptions(opts []TCPOption) []byte {
	var buf bytes.Buffer
	for _, o := range opts {
		buf.WriteByte(o.Kind)
		if o.Kind == TCPOptionNOP || o.Kind == TCPOptionEOL {
			continue
		}
		buf.WriteByte(byte(len(o.Data) + 2))
		buf.Write(o.Data)
	}
	for buf.Len()%4 != 0 {
		buf.WriteByte(TCPOptionNOP)
	}
	return buf.Bytes()
}

// checksum computes the 16-bit one's complement checksum (RFC 1071)
// that ICMPv6 and TCP/UDP pseudo-header checksums both use.
func checksum(data []byte) uint16 {
	var sum uint32
	n := len(data)
	i := 0
	for n > 1 {
		sum += uint32(binary.BigEndian.Uint16(data[i:]))
		i += 2
		n -= 2
	}
	if n > 0 {
		sum += uint32(data[i]) << 8
	}
	for sum>>16 > 0 {
		sum = (sum & 0xffff) + (sum >> 16)
	}
	return ^uint16(sum)
}

// pseudoHeader6 builds the 40-byte IPv6 pseudo-header RFC 8200 §8.1
// requires for upper-layer checksums.
func pseudoHeader6(src, dst netip.Addr, length uint32, nextHeader uint8) []byte {
	ph := make([]byte, 40)
	srcB := src.As16()
	dstB := dst.As16()
	copy(ph[0:16], srcB[:])
	copy(ph[16:32], dstB[:])
	binary.BigEndian.PutUint32(ph[32:36], length)
	ph[39] = nextHeader
	return ph
}

const (
	protoICMPv6 = 58
	protoTCP    = 6
	protoUDP    = 17
)

// IPv6 next-header values exported for the capture-transport scanners
// (osfingerprint, port) that must frame their own IPv6 header before
// handing a payload to the capture transport; distinct from
// transport/datagram.Proto, which identifies a socket rather than a
// header byte.
const (
	NextHeaderTCP    = protoTCP
	NextHeaderUDP    = protoUDP
	NextHeaderICMPv6 = protoICMPv6
)

// WrapIPv6 builds a minimal 40-byte IPv6 header (no extension headers)
// around payload. The capture transport prepends the Ethernet header at
// send time, so this is the full on-wire frame save for that.
func WrapIPv6(src, dst netip.Addr, nextHeader uint8, payload []byte) []byte {
	h := make([]byte, 40+len(payload))
	h[0] = 0x60 // version 6
	binary.BigEndian.PutUint16(h[4:], uint16(len(payload)))
	h[6] = nextHeader
	h[7] = 64 // hop limit
	srcB := src.As16()
	dstB := dst.As16()
	copy(h[8:24], srcB[:])
	copy(h[24:40], dstB[:])
	copy(h[40:], payload)
	return h
}

// BuildICMPv6Echo builds an Echo Request/Reply message (typ is 128 or
// 129) with a checksum computed over the IPv6 pseudo-header.
func BuildICMPv6Echo(src, dst netip.Addr, typ uint8, id, seq uint16, payload []byte) []byte {
	h := make([]byte, 8+len(payload))
	h[0] = typ
	h[1] = 0
	binary.BigEndian.PutUint16(h[4:], id)
	binary.BigEndian.PutUint16(h[6:], seq)
	copy(h[8:], payload)

	sum := checksum(append(pseudoHeader6(src, dst, uint32(len(h)), protoICMPv6), h...))
	binary.BigEndian.PutUint16(h[2:], sum)
	return h
}

// BuildTCP builds a full TCP segment (header plus options, no data)
// with a checksum computed over src/dst. flags is an OR of the TCPFlag*
// constants; urgPtr is written as given whatever the flags (the OS
// fingerprinter's TECN probe sets 0xf7f5 without TCPFlagURG, spec
// §4.9); opts may be nil.
func BuildTCP(src, dst netip.Addr, srcPort, dstPort int, seq, ack uint32, flags uint16, window uint16, urgPtr uint16, opts []TCPOption) ([]byte, error) {
	optData := encodeTCPOptions(opts)
	headerLen := 20 + len(optData)
	if headerLen > 60 {
		return nil, fmt.Errorf("codec: tcp header too large: %d bytes", headerLen)
	}
	dataOffset := headerLen / 4

	h := make([]byte, headerLen)
	binary.BigEndian.PutUint16(h[0:], uint16(srcPort))
	binary.BigEndian.PutUint16(h[2:], uint16(dstPort))
	binary.BigEndian.PutUint32(h[4:], seq)
	binary.BigEndian.PutUint32(h[8:], ack)
	h[12] = byte(dataOffset << 4)
	h[13] = byte(flags)
	binary.BigEndian.PutUint16(h[14:], window)
	binary.BigEndian.PutUint16(h[18:], urgPtr)
	copy(h[20:], optData)

	sum := checksum(append(pseudoHeader6(src, dst, uint32(headerLen), protoTCP), h...))
	binary.BigEndian.PutUint16(h[16:], sum)
	return h, nil
}

// ParsedTCP is the subset of an inbound TCP segment the port scanner and
// OS fingerprinter need; options are left in the raw frame the
// fingerprinter keeps alongside.
type ParsedTCP struct {
	SrcPort, DstPort int
	Seq, Ack         uint32
	Flags            uint16
	Window           uint16
}

// ParseTCP reads the fixed 20-byte TCP header fields out of payload.
func ParseTCP(payload []byte) (ParsedTCP, error) {
	if len(payload) < 20 {
		return ParsedTCP{}, fmt.Errorf("codec: tcp segment too short: %d bytes", len(payload))
	}
	return ParsedTCP{
		SrcPort: int(binary.BigEndian.Uint16(payload[0:])),
		DstPort: int(binary.BigEndian.Uint16(payload[2:])),
		Seq:     binary.BigEndian.Uint32(payload[4:]),
		Ack:     binary.BigEndian.Uint32(payload[8:]),
		Flags:   uint16(payload[12]&0x01)<<8 | uint16(payload[13]),
		Window:  binary.BigEndian.Uint16(payload[14:]),
	}, nil
}

// BuildUDP builds a full UDP datagram with checksum.
func BuildUDP(src, dst netip.Addr, srcPort, dstPort int, payload []byte) []byte {
	length := 8 + len(payload)
	h := make([]byte, length)
	binary.BigEndian.PutUint16(h[0:], uint16(srcPort))
	binary.BigEndian.PutUint16(h[2:], uint16(dstPort))
	binary.BigEndian.PutUint16(h[4:], uint16(length))
	copy(h[8:], payload)

	sum := checksum(append(pseudoHeader6(src, dst, uint32(length), protoUDP), h...))
	if sum == 0 {
		sum = 0xffff
	}
	binary.BigEndian.PutUint16(h[6:], sum)
	return h
}

// ICMPv6 types the scanners care about (RFC 4443, RFC 4861).
const (
	ICMPv6DestUnreach     = 1
	ICMPv6PacketTooBig    = 2
	ICMPv6TimeExceeded    = 3
	ICMPv6ParamProblem    = 4
	ICMPv6EchoRequest     = 128
	ICMPv6EchoReply       = 129
	ICMPv6NeighborSolicit = 135
	ICMPv6NeighborAdvert  = 136
)

// Destination Unreachable codes (RFC 4443 §3.1).
const (
	ICMPv6NoRouteToDest   = 0
	ICMPv6AdminProhibited = 1
	ICMPv6AddrUnreachable = 3
	ICMPv6PortUnreachable = 4
)

// ParsedICMPv6 is the subset of an inbound ICMPv6 message the host
// scanner and traceroute care about: type/code, and — for error
// messages — the header of the packet that triggered it.
type ParsedICMPv6 struct {
	Type, Code uint8
	ID, Seq    uint16 // set for EchoRequest/EchoReply (spec §3/§4.6: identifier/sequence)
	Embedded   []byte // set for TimeExceeded/DestUnreach: the offending packet (RFC 4443 §3.1/§3.3)
}

// ParseICMPv6 reads the ICMPv6 header and, for error messages, the bytes
// following it.
func ParseICMPv6(payload []byte) (ParsedICMPv6, error) {
	if len(payload) < 8 {
		return ParsedICMPv6{}, fmt.Errorf("codec: icmpv6 message too short: %d bytes", len(payload))
	}
	p := ParsedICMPv6{Type: payload[0], Code: payload[1]}
	switch p.Type {
	case ICMPv6DestUnreach, ICMPv6TimeExceeded, ICMPv6PacketTooBig, ICMPv6ParamProblem:
		p.Embedded = payload[8:]
	case ICMPv6EchoRequest, ICMPv6EchoReply:
		p.ID = binary.BigEndian.Uint16(payload[4:6])
		p.Seq = binary.BigEndian.Uint16(payload[6:8])
	}
	return p, nil
}
