package port

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

func newCycle(t *testing.T) *portCycle {
	return &portCycle{
		src:     mustAddr(t, "2001:db8::1"),
		target:  mustAddr(t, "2001:db8::2"),
		ports:   []int{22, 80, 443},
		srcPort: 50000,
	}
}

// reply builds a full IPv6+TCP frame as the capture transport would
// hand it to results(): idx is the tuple index being acknowledged
// (ack = idx+1), and its port must be c.ports[idx].
func reply(t *testing.T, c *portCycle, idx int, flags uint16) model.Received {
	t.Helper()
	seg, err := codec.BuildTCP(c.target, c.src, c.ports[idx], c.srcPort, 0, uint32(idx+1), flags, 65535, 0, nil)
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	return model.Received{Frame: codec.WrapIPv6(c.target, c.src, codec.NextHeaderTCP, seg)}
}

func TestPortClassification(t *testing.T) {
	c := newCycle(t)
	received := []model.Received{
		reply(t, c, 0, codec.TCPFlagSYN|codec.TCPFlagACK),
		reply(t, c, 1, codec.TCPFlagRST|codec.TCPFlagACK),
		// port 443 (idx 2) never answers.
	}

	results := c.results(received)
	want := map[int]model.PortStatus{22: model.PortOpen, 80: model.PortClosed, 443: model.PortFiltered}
	for _, r := range results {
		if r.Status != want[r.Port] {
			t.Errorf("port %d: got %s, want %s", r.Port, r.Status, want[r.Port])
		}
	}
}

func TestPortStopRetryWaitsForEveryPort(t *testing.T) {
	c := newCycle(t)
	partial := []model.Received{reply(t, c, 0, codec.TCPFlagSYN|codec.TCPFlagACK)}
	if c.StopRetry(partial) {
		t.Fatal("StopRetry returned true with 2 of 3 ports unanswered")
	}

	full := []model.Received{
		reply(t, c, 0, codec.TCPFlagSYN|codec.TCPFlagACK),
		reply(t, c, 1, codec.TCPFlagRST),
		reply(t, c, 2, codec.TCPFlagRST),
	}
	if !c.StopRetry(full) {
		t.Fatal("StopRetry returned false once every port answered")
	}
}

func TestPortResponsesIgnoresOtherDestPort(t *testing.T) {
	c := newCycle(t)
	seg, err := codec.BuildTCP(c.target, c.src, 22, 9999, 0, 1, codec.TCPFlagSYN|codec.TCPFlagACK, 65535, 0, nil)
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	frame := codec.WrapIPv6(c.target, c.src, codec.NextHeaderTCP, seg)
	responded := c.responses([]model.Received{{Frame: frame}})
	if len(responded) != 0 {
		t.Fatalf("expected reply to a different srcPort to be ignored, got %v", responded)
	}
}

func TestPortResponsesRejectsAckCrossCheckMismatch(t *testing.T) {
	c := newCycle(t)
	// ack-1 recovers index 0 (port 22), but the segment's own source
	// port claims port 443 — the cross-check must reject this.
	seg, err := codec.BuildTCP(c.target, c.src, 443, c.srcPort, 0, 1, codec.TCPFlagSYN|codec.TCPFlagACK, 65535, 0, nil)
	if err != nil {
		t.Fatalf("build reply: %v", err)
	}
	frame := codec.WrapIPv6(c.target, c.src, codec.NextHeaderTCP, seg)
	responded := c.responses([]model.Received{{Frame: frame}})
	if len(responded) != 0 {
		t.Fatalf("expected a source-port/tuple-index mismatch to be rejected, got %v", responded)
	}
}
