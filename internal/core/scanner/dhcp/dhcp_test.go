package dhcp

import (
	"net/netip"
	"testing"

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

func TestPingCycleSendsInformationRequestAndSolicit(t *testing.T) {
	server := mustAddr(t, "2001:db8::1")
	c := &pingCycle{server: server, probes: [][]byte{{0x0b, 0, 0, 1}, {0x01, 0, 0, 2}}}

	batch, ok := c.Next(0, nil)
	if !ok || len(batch) != 2 {
		t.Fatalf("round 0: got %d probes ok=%v, want 2 probes ok=true", len(batch), ok)
	}
	for _, p := range batch {
		if p.Addr != server || p.Port != 547 {
			t.Fatalf("got %+v, want relay addressed to %s:547", p, server)
		}
	}

	if _, ok := c.Next(1, nil); ok {
		t.Fatal("round 1: expected ok=false")
	}
}

func TestPingCycleStopRetryWaitsForBothAnswers(t *testing.T) {
	c := &pingCycle{}
	if c.StopRetry(nil) {
		t.Fatal("expected StopRetry=false with no results yet")
	}
}

func TestScalePoolDetectsStatic(t *testing.T) {
	a := mustAddr(t, "2001:db8::10")
	scale := ScalePool([]netip.Addr{a, a, a})
	if scale.Kind != model.PoolStatic {
		t.Fatalf("got %v, want static", scale.Kind)
	}
}

func TestScalePoolDetectsLinearPositiveStep(t *testing.T) {
	addrs := []netip.Addr{
		mustAddr(t, "2001:db8::10"),
		mustAddr(t, "2001:db8::12"),
		mustAddr(t, "2001:db8::14"),
	}
	scale := ScalePool(addrs)
	if scale.Kind != model.PoolLinear || scale.D != 2 {
		t.Fatalf("got kind=%v D=%d, want linear D=2", scale.Kind, scale.D)
	}
}

func TestScalePoolPreservesNegativeStepSign(t *testing.T) {
	addrs := []netip.Addr{
		mustAddr(t, "2001:db8::14"),
		mustAddr(t, "2001:db8::12"),
		mustAddr(t, "2001:db8::10"),
	}
	scale := ScalePool(addrs)
	if scale.Kind != model.PoolLinear || scale.D != -2 {
		t.Fatalf("got kind=%v D=%d, want linear D=-2 (sign preserved, not abs'd)", scale.Kind, scale.D)
	}
}

func TestScalePoolDetectsRandom(t *testing.T) {
	addrs := []netip.Addr{
		mustAddr(t, "2001:db8::10"),
		mustAddr(t, "2001:db8::99"),
		mustAddr(t, "2001:db8::21"),
	}
	scale := ScalePool(addrs)
	if scale.Kind != model.PoolRandom {
		t.Fatalf("got %v, want random", scale.Kind)
	}
}

func TestScalePoolSingleAddressIsStatic(t *testing.T) {
	scale := ScalePool([]netip.Addr{mustAddr(t, "2001:db8::10")})
	if scale.Kind != model.PoolStatic {
		t.Fatalf("got %v, want static", scale.Kind)
	}
}

func TestScalePoolToleratesMinorityOutliers(t *testing.T) {
	// Nine +1 steps and one -1 outlier: exactly 90% positive, and the
	// outlier's magnitude is well within 2x the majority average.
	addrs := []netip.Addr{
		mustAddr(t, "2001:db8::10"),
		mustAddr(t, "2001:db8::11"),
		mustAddr(t, "2001:db8::12"),
		mustAddr(t, "2001:db8::13"),
		mustAddr(t, "2001:db8::14"),
		mustAddr(t, "2001:db8::15"),
		mustAddr(t, "2001:db8::16"),
		mustAddr(t, "2001:db8::17"),
		mustAddr(t, "2001:db8::18"),
		mustAddr(t, "2001:db8::19"),
		mustAddr(t, "2001:db8::18"), // one -1 outlier
	}
	scale := ScalePool(addrs)
	if scale.Kind != model.PoolLinear {
		t.Fatalf("got %v, want linear despite one outlier", scale.Kind)
	}
}

func TestAdvertiseHasIAIgnoresClientIDOnlyAdvertise(t *testing.T) {
	// Advertise, trid=0, ClientID option only: no IA present.
	msg := []byte{2, 0, 0, 0, 0, 1, 0, 1, 0xaa}
	if advertiseHasIA(msg) {
		t.Fatal("expected no IA in an advertise carrying only ClientID")
	}
}

func TestNetworkAtZeroesHostPortionBeyondPlen(t *testing.T) {
	a := mustAddr(t, "2001:db8::abcd")
	net64 := networkAt(a, 64)
	if lowBits(net64) != 0 {
		t.Fatalf("got low bits %x, want 0 at plen=64", lowBits(net64))
	}
	net80 := networkAt(a, 80)
	if lowBits(net80)&0xffff != 0 {
		t.Fatalf("got low 16 bits %x, want 0 at plen=80", lowBits(net80)&0xffff)
	}
	if networkAt(a, 128) != a {
		t.Fatal("plen=128 should return the address unchanged")
	}
}

func TestWithinRangeOrdersBoundsEitherWay(t *testing.T) {
	scale := model.PoolScale{A1: mustAddr(t, "2001:db8::20"), A2: mustAddr(t, "2001:db8::10")}
	mid := mustAddr(t, "2001:db8::18")
	if !withinRange(scale, mid) {
		t.Fatal("expected an address between the (reversed) bounds to be in range")
	}
	outside := mustAddr(t, "2001:db8::99")
	if withinRange(scale, outside) {
		t.Fatal("expected an address outside the bounds to not be in range")
	}
}

func TestChildSubnetSplitsLowBitsByIndex(t *testing.T) {
	base := networkAt(mustAddr(t, "2001:db8::"), 64)
	c0 := childSubnet(base, 64, 4, 0)
	c1 := childSubnet(base, 64, 4, 1)
	if lowBits(c0) != 0 {
		t.Fatalf("child 0 got low bits %x, want 0", lowBits(c0))
	}
	if lowBits(c1) == 0 {
		t.Fatal("child 1 should differ from child 0")
	}
}
