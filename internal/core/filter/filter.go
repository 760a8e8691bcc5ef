// Package filter implements the ICMPv6 type filter bitmap of spec §3/§6:
// a 256-bit bitmap, eight little-endian 32-bit words, keyed by ICMPv6
// type, installed on a raw ICMPv6 socket via the kernel's ICMP6_FILTER
// socket option (golang.org/x/net/ipv6.PacketConn.SetICMPFilter wraps the
// setsockopt call; this package owns the bitmap semantics spec.md asks
// for, and converts to/from golang.org/x/net/ipv6.ICMPFilter at the
// transport boundary).
package filter

import "golang.org/x/net/ipv6"

const (
	words    = 8
	wordBits = 32
)

// Filter is the 256-bit ICMPv6 type bitmap; a set bit blocks its type.
// The zero value has no bit set and so passes every type, the same
// state PassAll produces.
type Filter struct {
	bits [words]uint32
}

// PassAll clears the bitmap so every type is accepted.
func (f *Filter) PassAll() {
	for i := range f.bits {
		f.bits[i] = 0
	}
}

// BlockAll sets the bitmap so every type is rejected.
func (f *Filter) BlockAll() {
	for i := range f.bits {
		f.bits[i] = 0xffffffff
	}
}

// Pass clears the bit for typ, allowing it through.
func (f *Filter) Pass(typ uint8) {
	f.bits[typ/wordBits] &^= 1 << (uint(typ) % wordBits)
}

// Block sets the bit for typ, rejecting it.
func (f *Filter) Block(typ uint8) {
	f.bits[typ/wordBits] |= 1 << (uint(typ) % wordBits)
}

// WillPass reports whether typ currently passes the filter.
func (f *Filter) WillPass(typ uint8) bool {
	return f.bits[typ/wordBits]&(1<<(uint(typ)%wordBits)) == 0
}

// ToKernel converts the bitmap into the shape
// golang.org/x/net/ipv6.PacketConn.SetICMPFilter expects.
func (f *Filter) ToKernel() *ipv6.ICMPFilter {
	kf := &ipv6.ICMPFilter{}
	kf.SetAll(true)
	for typ := 0; typ < 256; typ++ {
		if f.WillPass(uint8(typ)) {
			kf.Accept(ipv6.ICMPType(typ))
		}
	}
	return kf
}
