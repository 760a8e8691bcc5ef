// Package target expands the recon toolkit's target and port
// specifications into concrete addresses and port numbers (spec §4.4).
//
// CIDR handling is grounded on github.com/projectdiscovery/mapcidr
// (carried over from the teacher's go.mod, and already used elsewhere in
// the pack for CIDR/range utilities); the bounding-range walk is
// structurally grounded on the teacher's own CIDR expansion
// (neoAgent/internal/core/scanner/alive/alive.go's parseTarget/inc),
// generalized from 32-bit to 128-bit addresses.
package target

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"

	"github.com/projectdiscovery/blackrock"
	"github.com/projectdiscovery/mapcidr"
)

// MaxTargets caps a single expansion (spec §4.4): a recon run must not
// silently explode into billions of probes because someone passed a
// /32-equivalent IPv6 block.
const MaxTargets = 65536

// Expand parses a comma-separated target list — CIDR blocks, explicit
// address ranges ("first-last"), or hostnames — into a deduplicated
// ordered list of addresses.
func Expand(spec string) ([]netip.Addr, error) {
	var out []netip.Addr
	seen := make(map[netip.Addr]bool)
	add := func(a netip.Addr) error {
		if seen[a] {
			return nil
		}
		if len(out) >= MaxTargets {
			return fmt.Errorf("target: expansion exceeds %d targets", MaxTargets)
		}
		seen[a] = true
		out = append(out, a)
		return nil
	}

	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		var err error
		switch {
		case strings.Contains(field, "/"):
			err = expandCIDR(field, add)
		case strings.Contains(field, "-"):
			err = expandRange(field, add)
		default:
			err = expandHost(field, add)
		}
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

func expandCIDR(cidr string, add func(netip.Addr) error) error {
	firstIP, lastIP, err := mapcidr.AddressRange(cidr)
	if err != nil {
		return fmt.Errorf("target: invalid CIDR %q: %w", cidr, err)
	}
	first, ok1 := netip.AddrFromSlice(firstIP)
	last, ok2 := netip.AddrFromSlice(lastIP)
	if !ok1 || !ok2 {
		return fmt.Errorf("target: mapcidr returned an unparsable range for %q", cidr)
	}
	return walkRange(first.Unmap(), last.Unmap(), add)
}

func expandRange(field string, add func(netip.Addr) error) error {
	parts := strings.SplitN(field, "-", 2)
	if len(parts) != 2 {
		return fmt.Errorf("target: invalid range %q", field)
	}
	first, err := netip.ParseAddr(strings.TrimSpace(parts[0]))
	if err != nil {
		return fmt.Errorf("target: invalid range start %q: %w", parts[0], err)
	}
	last, err := netip.ParseAddr(strings.TrimSpace(parts[1]))
	if err != nil {
		return fmt.Errorf("target: invalid range end %q: %w", parts[1], err)
	}
	return walkRange(first.Unmap(), last.Unmap(), add)
}

func expandHost(host string, add func(netip.Addr) error) error {
	ips, err := net.LookupIP(host)
	if err != nil {
		return fmt.Errorf("target: resolve %q: %w", host, err)
	}
	found := false
	for _, ip := range ips {
		if ip.To4() != nil {
			continue
		}
		a, ok := netip.AddrFromSlice(ip)
		if !ok {
			continue
		}
		found = true
		if err := add(a.Unmap()); err != nil {
			return err
		}
	}
	if !found {
		return fmt.Errorf("target: %q has no AAAA records", host)
	}
	return nil
}

// walkRange steps from first to last inclusive, one address at a time.
func walkRange(first, last netip.Addr, add func(netip.Addr) error) error {
	cur := first
	for {
		if err := add(cur); err != nil {
			return err
		}
		if cur == last {
			return nil
		}
		cur = incAddr(cur)
	}
}

// incAddr adds one to a 128-bit address with carry, the same
// byte-at-a-time idiom the teacher's inc() uses for net.IP.
func incAddr(a netip.Addr) netip.Addr {
	b := a.As16()
	for i := len(b) - 1; i >= 0; i-- {
		b[i]++
		if b[i] != 0 {
			break
		}
	}
	return netip.AddrFrom16(b)
}

// Shuffle returns addrs permuted into a non-sequential scan order using
// a Feistel-network cipher, so a sweep doesn't walk a subnet in the
// predictable increasing order Expand produces. The same library
// (github.com/projectdiscovery/blackrock) is what the wider scanning
// ecosystem this pack draws from (naabu et al.) uses for exactly this:
// O(1)-memory randomized iteration rather than shuffling a slice.
func Shuffle(addrs []netip.Addr, seed int64) []netip.Addr {
	if len(addrs) < 2 {
		return addrs
	}
	br := blackrock.New(int64(len(addrs)), seed)
	out := make([]netip.Addr, len(addrs))
	for i := range addrs {
		out[i] = addrs[br.Shuffle(int64(i))]
	}
	return out
}

// ParsePorts parses a comma-separated port list where each field is
// either "N" or "N-M" (spec §4.4), returning a deduplicated ordered list.
func ParsePorts(spec string) ([]int, error) {
	var out []int
	seen := make(map[int]bool)
	push := func(p int) {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}

	for _, field := range strings.Split(spec, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		if !strings.Contains(field, "-") {
			p, err := strconv.Atoi(field)
			if err != nil {
				return nil, fmt.Errorf("target: invalid port %q: %w", field, err)
			}
			push(p)
			continue
		}
		parts := strings.SplitN(field, "-", 2)
		lo, err := strconv.Atoi(strings.TrimSpace(parts[0]))
		if err != nil {
			return nil, fmt.Errorf("target: invalid port range %q: %w", field, err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(parts[1]))
		if err != nil {
			return nil, fmt.Errorf("target: invalid port range %q: %w", field, err)
		}
		if hi < lo {
			return nil, fmt.Errorf("target: invalid port range %q: end before start", field)
		}
		for p := lo; p <= hi; p++ {
			push(p)
		}
	}
	return out, nil
}
