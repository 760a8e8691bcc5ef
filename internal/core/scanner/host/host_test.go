package host

import (
	"net/netip"
	"testing"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/model"
)

func addrs(t *testing.T, ss ...string) []netip.Addr {
	t.Helper()
	out := make([]netip.Addr, len(ss))
	for i, s := range ss {
		a, err := netip.ParseAddr(s)
		if err != nil {
			t.Fatalf("parse %q: %v", s, err)
		}
		out[i] = a
	}
	return out
}

func reply(c *hostCycle, target netip.Addr, seq uint16, id uint16) model.Received {
	return model.Received{
		Addr:    target,
		Payload: codec.BuildICMPv6Echo(target, c.src, codec.ICMPv6EchoReply, id, seq, nil),
	}
}

func TestHostCycleNextOnlyFiresOnce(t *testing.T) {
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: addrs(t, "2001:db8::2", "2001:db8::3")}

	batch, ok := c.Next(0, nil)
	if !ok || len(batch) != 2 {
		t.Fatalf("round 0: got ok=%v len=%d, want ok=true len=2", ok, len(batch))
	}
	if _, ok := c.Next(1, nil); ok {
		t.Fatalf("round 1: expected ok=false")
	}
}

func TestHostCycleNextAssignsSequenceEqualToTargetIndex(t *testing.T) {
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: addrs(t, "2001:db8::2", "2001:db8::3")}
	batch, _ := c.Next(0, nil)
	for i, p := range batch {
		icmp, err := codec.ParseICMPv6(p.Payload)
		if err != nil {
			t.Fatal(err)
		}
		if int(icmp.Seq) != i {
			t.Fatalf("probe %d: got sequence %d, want %d", i, icmp.Seq, i)
		}
	}
}

func TestHostCycleStopRetryWaitsForEveryTarget(t *testing.T) {
	targets := addrs(t, "2001:db8::2", "2001:db8::3")
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: targets, id: 42}

	partial := []model.Received{reply(c, targets[0], 0, 42)}
	if c.StopRetry(partial) {
		t.Fatal("StopRetry returned true with only one of two targets answered")
	}

	full := append(partial, reply(c, targets[1], 1, 42))
	if !c.StopRetry(full) {
		t.Fatal("StopRetry returned false once every target answered")
	}
}

func TestHostResultsMarksUnansweredTargetsNotAlive(t *testing.T) {
	targets := addrs(t, "2001:db8::2", "2001:db8::3")
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: targets, id: 7}

	results := c.results([]model.Received{reply(c, targets[0], 0, 7)})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if !results[0].Alive {
		t.Errorf("%s: want alive", results[0].Target)
	}
	if results[1].Alive {
		t.Errorf("%s: want not alive", results[1].Target)
	}
}

func TestHostResultsRejectsMismatchedSequence(t *testing.T) {
	targets := addrs(t, "2001:db8::2", "2001:db8::3")
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: targets, id: 7}

	// targets[0] replies, but with the sequence number assigned to
	// targets[1] — per spec §4.6 this must not count as either alive.
	results := c.results([]model.Received{reply(c, targets[0], 1, 7)})
	if results[0].Alive || results[1].Alive {
		t.Fatalf("got %+v, want neither target alive on a sequence/address mismatch", results)
	}
}

func TestHostResultsRejectsWrongIdentifier(t *testing.T) {
	targets := addrs(t, "2001:db8::2")
	c := &hostCycle{src: addrs(t, "2001:db8::1")[0], targets: targets, id: 7}

	results := c.results([]model.Received{reply(c, targets[0], 0, 99)})
	if results[0].Alive {
		t.Fatal("want not alive when the echo identifier belongs to a different scanner instance")
	}
}
