package target

import (
	"net/netip"
	"testing"
)

func TestExpandCIDR(t *testing.T) {
	addrs, err := Expand("2001:db8::/125")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 8 {
		t.Fatalf("got %d addresses, want 8", len(addrs))
	}
	if addrs[0] != netip.MustParseAddr("2001:db8::") {
		t.Fatalf("got first=%s, want 2001:db8::", addrs[0])
	}
}

func TestExpandRange(t *testing.T) {
	addrs, err := Expand("2001:db8::1-2001:db8::3")
	if err != nil {
		t.Fatal(err)
	}
	want := []netip.Addr{
		netip.MustParseAddr("2001:db8::1"),
		netip.MustParseAddr("2001:db8::2"),
		netip.MustParseAddr("2001:db8::3"),
	}
	if len(addrs) != len(want) {
		t.Fatalf("got %d addrs, want %d", len(addrs), len(want))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Fatalf("addr %d: got %s, want %s", i, addrs[i], want[i])
		}
	}
}

func TestExpandDedupesAcrossFields(t *testing.T) {
	addrs, err := Expand("2001:db8::1,2001:db8::1,2001:db8::2")
	if err != nil {
		t.Fatal(err)
	}
	if len(addrs) != 2 {
		t.Fatalf("got %d addrs, want 2 after dedup", len(addrs))
	}
}

func TestExpandRejectsOversizedCIDR(t *testing.T) {
	if _, err := Expand("2001:db8::/64"); err == nil {
		t.Fatal("expected an error once expansion exceeds MaxTargets")
	}
}

func TestIncAddrCarries(t *testing.T) {
	a := netip.MustParseAddr("2001:db8::ffff")
	got := incAddr(a)
	want := netip.MustParseAddr("2001:db8::1:0")
	if got != want {
		t.Fatalf("got %s, want %s", got, want)
	}
}

func TestParsePortsRangesAndDedup(t *testing.T) {
	ports, err := ParsePorts("22,80,100-102,100")
	if err != nil {
		t.Fatal(err)
	}
	want := []int{22, 80, 100, 101, 102}
	if len(ports) != len(want) {
		t.Fatalf("got %v, want %v", ports, want)
	}
	for i := range want {
		if ports[i] != want[i] {
			t.Fatalf("got %v, want %v", ports, want)
		}
	}
}

func TestParsePortsRejectsInvertedRange(t *testing.T) {
	if _, err := ParsePorts("100-50"); err == nil {
		t.Fatal("expected an error for a descending range")
	}
}

func TestShuffleIsAPermutation(t *testing.T) {
	var addrs []netip.Addr
	for i := 0; i < 16; i++ {
		addrs = append(addrs, netip.AddrFrom16([16]byte{15: byte(i)}))
	}
	shuffled := Shuffle(addrs, 42)
	if len(shuffled) != len(addrs) {
		t.Fatalf("got %d addrs, want %d", len(shuffled), len(addrs))
	}
	seen := make(map[netip.Addr]bool, len(addrs))
	for _, a := range shuffled {
		seen[a] = true
	}
	for _, a := range addrs {
		if !seen[a] {
			t.Fatalf("shuffle dropped address %s", a)
		}
	}
}
