package traceroute

import (
	"net/netip"
	"testing"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/model"
)

func router(t *testing.T, addr string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(addr)
	if err != nil {
		t.Fatalf("parse %q: %v", addr, err)
	}
	return a
}

func TestClassifyICMPNoReply(t *testing.T) {
	h := classifyICMP(3, nil)
	if h.Hop != 3 || h.Arrived {
		t.Fatalf("got %+v, want hop=3 arrived=false", h)
	}
}

func TestClassifyICMPTimeExceeded(t *testing.T) {
	r := router(t, "2001:db8::f")
	payload := append([]byte{codec.ICMPv6TimeExceeded, 0, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...)
	h := classifyICMP(5, []model.Received{{Addr: r, Payload: payload}})
	if h.Arrived || h.Reason != model.ReasonTimeExceeded || h.Addr != r {
		t.Fatalf("got %+v, want time-exceeded at %s", h, r)
	}
}

func TestClassifyICMPEchoReplyArrives(t *testing.T) {
	dst := router(t, "2001:db8::dead")
	payload := []byte{codec.ICMPv6EchoReply, 0, 0, 0, 0, 1, 0, 1}
	h := classifyICMP(9, []model.Received{{Addr: dst, Payload: payload}})
	if !h.Arrived || h.Reason != model.ReasonArrived {
		t.Fatalf("got %+v, want arrived via echo reply", h)
	}
}

func TestClassifyICMPDestPortUnreachableCountsAsArrived(t *testing.T) {
	dst := router(t, "2001:db8::dead")
	payload := append([]byte{codec.ICMPv6DestUnreach, codec.ICMPv6PortUnreachable, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...)
	h := classifyICMP(9, []model.Received{{Addr: dst, Payload: payload}})
	if !h.Arrived || h.Reason != model.ReasonDestPort {
		t.Fatalf("got %+v, want arrived via dest-port-unreachable", h)
	}
}

func TestClassifyICMPAddrUnreachableTerminatesPath(t *testing.T) {
	dst := router(t, "2001:db8::dead")
	payload := append([]byte{codec.ICMPv6DestUnreach, codec.ICMPv6AddrUnreachable, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...)
	h := classifyICMP(9, []model.Received{{Addr: dst, Payload: payload}})
	if h.Arrived {
		t.Fatalf("got %+v, addr-unreachable should not mark arrived", h)
	}
	if h.Reason != model.ReasonDestAddr {
		t.Fatalf("got reason %s, want %s", h.Reason, model.ReasonDestAddr)
	}
}

func TestClassifyUDPDirectReplyArrives(t *testing.T) {
	dst := router(t, "2001:db8::53")
	h := classifyUDP(7, 53, []model.Received{{Addr: dst, Port: 53, Payload: []byte("reply")}})
	if !h.Arrived || h.Reason != model.ReasonArrived || h.Addr != dst {
		t.Fatalf("got %+v, want arrived from the well-known port", h)
	}
}

func TestClassifyUDPTimeExceededFromAuxICMP(t *testing.T) {
	r := router(t, "2001:db8::f")
	payload := append([]byte{codec.ICMPv6TimeExceeded, 0, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...)
	// Port 0 is how the auxiliary ICMPv6 listener's replies always arrive.
	h := classifyUDP(7, 53, []model.Received{{Addr: r, Port: 0, Payload: payload}})
	if h.Arrived || h.Reason != model.ReasonTimeExceeded {
		t.Fatalf("got %+v, want time-exceeded from the auxiliary listener", h)
	}
}

func TestLooksLikeICMPv6ErrorRejectsOrdinaryTCPSegment(t *testing.T) {
	seg, err := codec.BuildTCP(router(t, "2001:db8::dead"), router(t, "2001:db8::1"), 80, 41080, 0, 1, codec.TCPFlagSYN|codec.TCPFlagACK, 65535, 0, nil)
	if err != nil {
		t.Fatalf("build segment: %v", err)
	}
	if looksLikeICMPv6Error(seg) {
		t.Fatalf("an ordinary TCP segment must not be mistaken for an ICMPv6 error")
	}
}

func TestClassifyTCPDirectReplyArrives(t *testing.T) {
	dst := router(t, "2001:db8::dead")
	seg, err := codec.BuildTCP(dst, router(t, "2001:db8::1"), 80, 41080, 0, 1, codec.TCPFlagSYN|codec.TCPFlagACK, 65535, 0, nil)
	if err != nil {
		t.Fatalf("build segment: %v", err)
	}
	h := classifyTCP(4, 41080, []model.Received{{Addr: dst, Payload: seg}})
	if !h.Arrived || h.Reason != model.ReasonArrived {
		t.Fatalf("got %+v, want arrived via direct TCP reply", h)
	}
}

func TestClassifyTCPTimeExceededFromAuxICMP(t *testing.T) {
	r := router(t, "2001:db8::f")
	embedded := make([]byte, 40)
	embedded[0] = 0x60 // embedded IPv6 header version nibble
	payload := append([]byte{codec.ICMPv6TimeExceeded, 0, 0, 0, 0, 0, 0, 0}, embedded...)
	h := classifyTCP(4, 41080, []model.Received{{Addr: r, Payload: payload}})
	if h.Arrived || h.Reason != model.ReasonTimeExceeded {
		t.Fatalf("got %+v, want time-exceeded from the auxiliary listener", h)
	}
}
