package codec

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// DHCPv6 message types (RFC 8415 §7.3). Constants and wire layout
// grounded on other_examples/krisarmstrong-niac-go's
// pkg/protocols/dhcpv6.go, which decodes this wire format; this file
// supplies the encoder that reference file does not carry.
const (
	DHCPv6Solicit            = 1
	DHCPv6Advertise          = 2
	DHCPv6Request            = 3
	DHCPv6Confirm            = 4
	DHCPv6Renew              = 5
	DHCPv6Rebind             = 6
	DHCPv6Reply              = 7
	DHCPv6Release            = 8
	DHCPv6Decline            = 9
	DHCPv6Reconfigure        = 10
	DHCPv6InformationRequest = 11
	DHCPv6RelayForward       = 12
	DHCPv6RelayReply         = 13
)

// DHCPv6 option codes (RFC 8415 §21).
const (
	DHCPv6OptClientID    = 1
	DHCPv6OptServerID    = 2
	DHCPv6OptIANA        = 3
	DHCPv6OptIATA        = 4
	DHCPv6OptIAAddr      = 5
	DHCPv6OptORO         = 6
	DHCPv6OptPreference  = 7
	DHCPv6OptElapsedTime = 8
	DHCPv6OptRelayMsg    = 9
	DHCPv6OptStatusCode  = 13
	DHCPv6OptRapidCommit = 14
	DHCPv6OptInterfaceID = 18
	DHCPv6OptIAPD        = 25
	DHCPv6OptIAPrefix    = 26
)

// DUIDTypeLL identifies a link-layer-address DUID (RFC 8415 §11.4).
const DUIDTypeLL = 3

// Well-known DHCPv6 ports (RFC 8415 §7.2).
const (
	DHCPv6ClientPort = 546
	DHCPv6ServerPort = 547
)

// DHCPv6Option is one TLV option: a 2-byte code, a 2-byte length, data.
type DHCPv6Option struct {
	Code uint16
	Data []byte
}

func encodeDHCPv6Options(opts []DHCPv6Option) []byte {
	var out []byte
	for _, o := range opts {
		h := make([]byte, 4)
		binary.BigEndian.PutUint16(h[0:], o.Code)
		binary.BigEndian.PutUint16(h[2:], uint16(len(o.Data)))
		out = append(out, h...)
		out = append(out, o.Data...)
	}
	return out
}

func decodeDHCPv6Options(data []byte) ([]DHCPv6Option, error) {
	var opts []DHCPv6Option
	for len(data) > 0 {
		if len(data) < 4 {
			return nil, fmt.Errorf("codec: truncated dhcpv6 option header")
		}
		code := binary.BigEndian.Uint16(data[0:])
		length := binary.BigEndian.Uint16(data[2:])
		if len(data) < 4+int(length) {
			return nil, fmt.Errorf("codec: truncated dhcpv6 option %d", code)
		}
		opts = append(opts, DHCPv6Option{Code: code, Data: data[4 : 4+int(length)]})
		data = data[4+int(length):]
	}
	return opts, nil
}

// DUIDLL builds a DUID-LL identifier (RFC 8415 §11.4) from an Ethernet
// MAC address.
func DUIDLL(mac []byte) []byte {
	duid := make([]byte, 4+len(mac))
	binary.BigEndian.PutUint16(duid[0:], DUIDTypeLL)
	binary.BigEndian.PutUint16(duid[2:], 1) // hardware type: Ethernet
	copy(duid[4:], mac)
	return duid
}

// trid3 encodes a DHCPv6 transaction ID (spec §3: the probe index modulo
// 2^24, so a 24-bit trid space cycles rather than overflows).
func trid3(n uint32) [3]byte {
	n &= 0xffffff
	return [3]byte{byte(n >> 16), byte(n >> 8), byte(n)}
}

// BuildInformationRequest builds a client Information-Request message
// (spec §4.11: probing a server for stateless configuration only),
// requesting the option codes in oro, with transaction ID trid.
func BuildInformationRequest(clientDUID []byte, oro []uint16, trid uint32) []byte {
	txn := trid3(trid)
	msg := []byte{DHCPv6InformationRequest, txn[0], txn[1], txn[2]}

	oroData := make([]byte, 2*len(oro))
	for i, code := range oro {
		binary.BigEndian.PutUint16(oroData[2*i:], code)
	}

	opts := encodeDHCPv6Options([]DHCPv6Option{
		{Code: DHCPv6OptClientID, Data: clientDUID},
		{Code: DHCPv6OptElapsedTime, Data: []byte{0, 0}},
		{Code: DHCPv6OptORO, Data: oroData},
	})
	return append(msg, opts...)
}

// BuildSolicit builds a client Solicit message with Rapid Commit and one
// IA option per requested family ('n' = IA_NA, 't' = IA_TA, 'p' = IA_PD),
// addressed with transaction ID trid, per spec §4.11's
// stateful/stateless server distinction.
func BuildSolicit(clientDUID []byte, iaid uint32, families []byte, trid uint32) []byte {
	txn := trid3(trid)
	msg := []byte{DHCPv6Solicit, txn[0], txn[1], txn[2]}

	opts := []DHCPv6Option{
		{Code: DHCPv6OptClientID, Data: clientDUID},
		{Code: DHCPv6OptElapsedTime, Data: []byte{0, 0}},
		{Code: DHCPv6OptRapidCommit, Data: nil},
	}
	for _, fam := range families {
		iaData := make([]byte, 12)
		binary.BigEndian.PutUint32(iaData[0:], iaid)
		code := uint16(DHCPv6OptIANA)
		switch fam {
		case 'p':
			code = DHCPv6OptIAPD
		case 't':
			code = DHCPv6OptIATA
		}
		opts = append(opts, DHCPv6Option{Code: code, Data: iaData})
	}
	return append(msg, encodeDHCPv6Options(opts)...)
}

// WrapRelayForward wraps inner (a client message) in a Relay-Forward
// envelope (RFC 8415 §7.3, Figure 16) — the shape the DHCPv6 scanner
// uses when it must act as its own relay agent to reach a server that
// only answers relay traffic.
func WrapRelayForward(linkAddr, peerAddr netip.Addr, inner []byte) []byte {
	msg := make([]byte, 34)
	msg[0] = DHCPv6RelayForward
	msg[1] = 0 // hop count
	linkB := linkAddr.As16()
	peerB := peerAddr.As16()
	copy(msg[2:18], linkB[:])
	copy(msg[18:34], peerB[:])

	opt := encodeDHCPv6Options([]DHCPv6Option{{Code: DHCPv6OptRelayMsg, Data: inner}})
	return append(msg, opt...)
}

// RelayReply is a decoded Relay-Reply envelope: the relay metadata plus
// the inner server message it carried.
type RelayReply struct {
	LinkAddr, PeerAddr netip.Addr
	Inner              []byte
}

// ParseRelayReply unwraps a Relay-Reply envelope and returns the
// Relay-Message option's payload: the server's actual Advertise/Reply.
func ParseRelayReply(payload []byte) (RelayReply, error) {
	if len(payload) < 34 || payload[0] != DHCPv6RelayReply {
		return RelayReply{}, fmt.Errorf("codec: not a dhcpv6 relay-reply message")
	}
	link, _ := netip.AddrFromSlice(payload[2:18])
	peer, _ := netip.AddrFromSlice(payload[18:34])
	opts, err := decodeDHCPv6Options(payload[34:])
	if err != nil {
		return RelayReply{}, err
	}
	for _, o := range opts {
		if o.Code == DHCPv6OptRelayMsg {
			return RelayReply{LinkAddr: link.Unmap(), PeerAddr: peer.Unmap(), Inner: o.Data}, nil
		}
	}
	return RelayReply{}, fmt.Errorf("codec: relay-reply missing relay-message option")
}

// ParseServerMessage reads a client-facing server message's type,
// transaction ID, and options (an Advertise or Reply, after relay
// unwrapping if any).
func ParseServerMessage(payload []byte) (msgType uint8, trid uint32, opts []DHCPv6Option, err error) {
	if len(payload) < 4 {
		return 0, 0, nil, fmt.Errorf("codec: dhcpv6 message too short")
	}
	trid = uint32(payload[1])<<16 | uint32(payload[2])<<8 | uint32(payload[3])
	opts, err = decodeDHCPv6Options(payload[4:])
	return payload[0], trid, opts, err
}

// FindOption returns the first option in opts with the given code.
func FindOption(opts []DHCPv6Option, code uint16) (DHCPv6Option, bool) {
	for _, o := range opts {
		if o.Code == code {
			return o, true
		}
	}
	return DHCPv6Option{}, false
}

// IAAddrs extracts the assigned addresses out of an IA_NA/IA_TA option's
// nested IAAddr options (RFC 8415 §21.6): 12-byte IA header, then a
// repeated {code=IAAddr, len, 16-byte address, preferred, valid} TLV.
func IAAddrs(iaData []byte) []netip.Addr {
	if len(iaData) < 12 {
		return nil
	}
	nested, err := decodeDHCPv6Options(iaData[12:])
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, o := range nested {
		if o.Code != DHCPv6OptIAAddr || len(o.Data) < 16 {
			continue
		}
		if a, ok := netip.AddrFromSlice(o.Data[:16]); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}

// IAPrefixes extracts the assigned prefixes' base addresses out of an
// IA_PD option's nested IAPrefix options (RFC 8415 §21.22): 12-byte IA
// header, then repeated {code=IAPrefix, len, preferred, valid, plen,
// 16-byte prefix} TLVs.
func IAPrefixes(iaData []byte) []netip.Addr {
	if len(iaData) < 12 {
		return nil
	}
	nested, err := decodeDHCPv6Options(iaData[12:])
	if err != nil {
		return nil
	}
	var out []netip.Addr
	for _, o := range nested {
		if o.Code != DHCPv6OptIAPrefix || len(o.Data) < 25 {
			continue
		}
		if a, ok := netip.AddrFromSlice(o.Data[9:25]); ok {
			out = append(out, a.Unmap())
		}
	}
	return out
}
