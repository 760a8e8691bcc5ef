package codec

import (
	"net/netip"
	"testing"
)

var (
	testSrc = netip.MustParseAddr("2001:db8::1")
	testDst = netip.MustParseAddr("2001:db8::2")
)

func TestBuildParseTCPRoundTrips(t *testing.T) {
	seg, err := BuildTCP(testSrc, testDst, 40001, 443, 12345, 0, TCPFlagSYN, 65535, 0, []TCPOption{
		{Kind: TCPOptionMSS, Data: []byte{0x05, 0xac}},
	})
	if err != nil {
		t.Fatal(err)
	}

	parsed, err := ParseTCP(seg)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.SrcPort != 40001 || parsed.DstPort != 443 {
		t.Fatalf("got ports %d/%d, want 40001/443", parsed.SrcPort, parsed.DstPort)
	}
	if parsed.Seq != 12345 {
		t.Fatalf("got seq %d, want 12345", parsed.Seq)
	}
	if parsed.Flags != TCPFlagSYN {
		t.Fatalf("got flags %#x, want SYN", parsed.Flags)
	}
}

func TestBuildTCPChecksumIsNonZero(t *testing.T) {
	seg, err := BuildTCP(testSrc, testDst, 1, 2, 0, 0, TCPFlagSYN, 0, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if seg[16] == 0 && seg[17] == 0 {
		t.Fatal("expected a non-zero TCP checksum")
	}
}

func TestBuildTCPOptionsPadToFourBytes(t *testing.T) {
	seg, err := BuildTCP(testSrc, testDst, 1, 2, 0, 0, TCPFlagSYN, 0, 0, []TCPOption{
		{Kind: TCPOptionSACKOK},
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(seg)%4 != 0 {
		t.Fatalf("segment length %d not a multiple of 4", len(seg))
	}
}

func TestBuildTCPSetsUrgentPointer(t *testing.T) {
	seg, err := BuildTCP(testSrc, testDst, 1, 2, 0, 0, TCPFlagSYN|TCPFlagURG, 3, 0xf7f5, nil)
	if err != nil {
		t.Fatal(err)
	}
	if got := uint16(seg[18])<<8 | uint16(seg[19]); got != 0xf7f5 {
		t.Fatalf("got urgent pointer %#x, want 0xf7f5", got)
	}
}

func TestBuildUDPSetsLengthAndChecksum(t *testing.T) {
	payload := []byte("probe")
	dgram := BuildUDP(testSrc, testDst, 5000, 53, payload)
	if len(dgram) != 8+len(payload) {
		t.Fatalf("got length %d, want %d", len(dgram), 8+len(payload))
	}
	if dgram[6] == 0 && dgram[7] == 0 {
		t.Fatal("UDP checksum must never be transmitted as zero over IPv6")
	}
}

func TestBuildParseICMPv6Echo(t *testing.T) {
	msg := BuildICMPv6Echo(testSrc, testDst, ICMPv6EchoRequest, 99, 1, []byte("x"))
	parsed, err := ParseICMPv6(msg)
	if err != nil {
		t.Fatal(err)
	}
	if parsed.Type != ICMPv6EchoRequest {
		t.Fatalf("got type %d, want EchoRequest", parsed.Type)
	}
}

func TestParseICMPv6TimeExceededKeepsEmbeddedPacket(t *testing.T) {
	embedded := []byte{0x60, 0, 0, 0, 0, 0, 0, 0}
	msg := append([]byte{ICMPv6TimeExceeded, 0, 0, 0, 0, 0, 0, 0}, embedded...)
	parsed, err := ParseICMPv6(msg)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed.Embedded) != len(embedded) {
		t.Fatalf("got %d embedded bytes, want %d", len(parsed.Embedded), len(embedded))
	}
}

func TestParseTCPRejectsTruncatedSegment(t *testing.T) {
	if _, err := ParseTCP(make([]byte, 10)); err == nil {
		t.Fatal("expected an error for a truncated TCP header")
	}
}
