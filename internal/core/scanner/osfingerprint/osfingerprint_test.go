package osfingerprint

import (
	"net/netip"
	"testing"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/model"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return a
}

func newCycle(t *testing.T) *probeCycle {
	return &probeCycle{
		src: mustAddr(t, "2001:db8::1"), target: mustAddr(t, "2001:db8::2"),
		openPort: 80, closedPort: 81, t1InitialSeq: 1000,
	}
}

func TestProbeOrderHas28Slots(t *testing.T) {
	if len(probeOrder) != t1Rounds*t1PerRound+len(tailProbes) {
		t.Fatalf("got %d probe names, want %d", len(probeOrder), t1Rounds*t1PerRound+len(tailProbes))
	}
	if probeOrder[0] != "S1#1" || probeOrder[17] != "S6#3" {
		t.Fatalf("got first/last T1 names %q/%q, want S1#1/S6#3", probeOrder[0], probeOrder[17])
	}
}

func TestProbeCycleRunsThreeT1Rounds(t *testing.T) {
	c := newCycle(t)
	for round := 0; round < t1Rounds; round++ {
		batch, ok := c.Next(round, nil)
		if !ok {
			t.Fatalf("round %d: expected ok=true", round)
		}
		want := t1PerRound
		if round == 0 {
			want += len(tailProbes)
		}
		if len(batch) != want {
			t.Fatalf("round %d: got %d frames, want %d", round, len(batch), want)
		}
	}
	if _, ok := c.Next(t1Rounds, nil); ok {
		t.Fatalf("round %d: expected ok=false", t1Rounds)
	}
}

func TestT1WindowsDifferPerSNumber(t *testing.T) {
	c := newCycle(t)
	seen := make(map[uint16]bool)
	for slot := 0; slot < t1PerRound; slot++ {
		frame := c.buildT1(slot)
		tcp, err := codec.ParseTCP(frame[40:])
		if err != nil {
			t.Fatal(err)
		}
		if tcp.Window != t1Window[slot] {
			t.Fatalf("slot %d: got window %d, want %d", slot, tcp.Window, t1Window[slot])
		}
		seen[tcp.Window] = true
	}
	if len(seen) != t1PerRound {
		t.Fatalf("got %d distinct windows, want %d (one per S-number)", len(seen), t1PerRound)
	}
}

func TestTECNSetsUrgentPointerAndWindow(t *testing.T) {
	c := newCycle(t)
	c.Next(0, nil)
	frame := c.buildTailProbe(ProbeECN, c.tokens[ProbeECN])
	tcp, err := codec.ParseTCP(frame[40:])
	if err != nil {
		t.Fatal(err)
	}
	if tcp.Window != 3 {
		t.Fatalf("got window %d, want 3", tcp.Window)
	}
	if got := uint16(frame[40+18])<<8 | uint16(frame[40+19]); got != tecnUrgPtr {
		t.Fatalf("got urgent pointer %#x, want %#x", got, tecnUrgPtr)
	}
}

func TestResultsMatchesT1ReplyByAck(t *testing.T) {
	c := newCycle(t)
	c.Next(0, nil)
	c.Next(1, nil)
	c.Next(2, nil)

	// S3 (slot index 2) of round 2 (slot = 1*6+2 = 8): ack = initial_seq + 8 + 1.
	slot := 8
	seg, err := codec.BuildTCP(c.target, c.src, c.openPort, t1Port, 0, c.t1InitialSeq+uint32(slot)+1, codec.TCPFlagSYN|codec.TCPFlagACK, 1000, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	reply := codec.WrapIPv6(c.target, c.src, codec.NextHeaderTCP, seg)

	results := c.results([]model.Received{{Frame: reply}})
	for _, r := range results {
		if r.Name == "S3#2" {
			if r.Packet == nil {
				t.Fatal("S3#2: expected a matched reply frame")
			}
		} else if r.Packet != nil {
			t.Fatalf("%s: expected no reply, got one", r.Name)
		}
	}
}

func TestResultsMatchesU1DestUnreachPortUnreachable(t *testing.T) {
	c := newCycle(t)
	c.Next(0, nil)
	token := c.tokens[ProbeU1]

	embeddedUDP := codec.BuildUDP(c.src, c.target, int(token), c.closedPort, nil)
	embeddedIP := codec.WrapIPv6(c.src, c.target, codec.NextHeaderUDP, embeddedUDP)
	icmp := append([]byte{codec.ICMPv6DestUnreach, codec.ICMPv6PortUnreachable, 0, 0, 0, 0, 0, 0}, embeddedIP...)
	reply := codec.WrapIPv6(c.target, c.src, codec.NextHeaderICMPv6, icmp)

	results := c.results([]model.Received{{Frame: reply}})
	for _, r := range results {
		if r.Name == ProbeU1 && r.Packet == nil {
			t.Fatal("U1: expected the dest-unreach reply to be recorded")
		}
	}
}
