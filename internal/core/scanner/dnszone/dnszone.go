// Package dnszone implements the recursive PTR-zone DNS crawler of spec
// §4.10: an iterative depth-first walk of an ip6.arpa nibble tree,
// pruning purely on each zone's own PTR query outcome and recording
// only the full-depth names, using github.com/miekg/dns — the pack's
// DNS library, also available to the DHCPv6 scanner for any
// forward-lookup needs.
package dnszone

import (
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Suffix is the zone crawler's root domain (spec §6's SUFFIX constant).
const Suffix = "ip6.arpa."

// autogenSampleSize and autogenThreshold implement spec §4.10's optional
// pre-check: 16 random full-length names are queried, and 4 or more
// NOERROR answers mean the zone synthesizes PTR records for every
// address rather than only the ones actually assigned.
const (
	autogenSampleSize = 16
	autogenThreshold  = 4
	autogenNameLimit  = 64
)

// Result is one discovered PTR mapping, recorded only for names that
// reached the crawl's full configured depth (spec §4.10).
type Result struct {
	Zone string
	PTR  string
}

// Config holds the crawler's tunables. Limit is the nibble depth L (spec
// §4.10's 1..16); Timewait bounds each UDP query; TCP switches the query
// transport; Autogen enables the pre-check.
type Config struct {
	Resolver string
	RootZone string
	Limit    int
	Timewait time.Duration
	TCP      bool
	Autogen  bool
}

// work is one pending node in the crawl's explicit DFS stack.
type work struct {
	zone string
}

// Crawl walks the ip6.arpa nibble tree rooted at cfg.RootZone. At each
// zone it queries only PTR: a non-NOERROR rcode or timeout prunes that
// branch; a NOERROR zone that has reached the configured character
// limit has its PTR answers recorded and is not descended into;
// otherwise it descends into all 16 nibble children. The stack is explicit rather than recursive so a crawl of a
// deep, sparse tree doesn't grow the call stack with mostly-empty
// frames.
func Crawl(cfg Config) ([]Result, error) {
	root := dns.Fqdn(cfg.RootZone)
	if !strings.HasSuffix(root, Suffix) {
		return nil, fmt.Errorf("dnszone: %q is not under %s", cfg.RootZone, Suffix)
	}
	if cfg.Limit <= 0 || cfg.Limit > 16 {
		cfg.Limit = 4
	}
	if cfg.Timewait <= 0 {
		cfg.Timewait = time.Second
	}

	client := newClient(cfg)
	charLimit := 2*cfg.Limit + len(Suffix)

	if cfg.Autogen {
		if detected, err := autogenDetected(client, cfg.Resolver, charLimit); err != nil {
			return nil, err
		} else if detected {
			return nil, fmt.Errorf("dnszone: autogen zone detected")
		}
	}

	stack := []work{{zone: root}}
	visited := make(map[string]bool)
	var results []Result

	for len(stack) > 0 {
		w := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[w.zone] {
			continue
		}
		visited[w.zone] = true

		rcode, ptrs, err := queryPTR(client, cfg.Resolver, w.zone)
		if err != nil || rcode != dns.RcodeSuccess {
			continue // prune: non-NOERROR or timeout
		}

		if len(w.zone) >= charLimit {
			for _, ptr := range ptrs {
				results = append(results, Result{Zone: w.zone, PTR: ptr})
			}
			continue // prune: reached the configured depth
		}

		for nibble := 0; nibble < 16; nibble++ {
			stack = append(stack, work{zone: fmt.Sprintf("%x.%s", nibble, w.zone)})
		}
	}
	return results, nil
}

func newClient(cfg Config) *dns.Client {
	c := &dns.Client{Timeout: cfg.Timewait}
	if cfg.TCP {
		c.Net = "tcp"
	}
	return c
}

// queryPTR issues a non-recursive PTR query and reports the reply's
// rcode alongside any PTR answers it carried.
func queryPTR(c *dns.Client, resolver, zone string) (int, []string, error) {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(zone), dns.TypePTR)
	m.RecursionDesired = false

	resp, _, err := c.Exchange(m, resolver)
	if err != nil {
		return 0, nil, err
	}
	if resp == nil {
		return 0, nil, fmt.Errorf("dnszone: nil response for %s", zone)
	}

	var ptrs []string
	for _, rr := range resp.Answer {
		if ptr, ok := rr.(*dns.PTR); ok {
			ptrs = append(ptrs, ptr.Ptr)
		}
	}
	return resp.Rcode, ptrs, nil
}

// autogenDetected samples autogenSampleSize random full-length names and
// reports whether autogenThreshold or more resolve NOERROR — a sign the
// zone synthesizes a PTR answer for every possible address rather than
// only assigned ones.
func autogenDetected(c *dns.Client, resolver string, charLimit int) (bool, error) {
	hits := 0
	for i := 0; i < autogenSampleSize; i++ {
		name := randomName(charLimit)
		rcode, _, err := queryPTR(c, resolver, name)
		if err != nil {
			continue
		}
		if rcode == dns.RcodeSuccess {
			hits++
		}
	}
	return hits >= autogenThreshold, nil
}

// randomName builds a syntactically valid ip6.arpa name of the given
// character length, truncating the random label portion to
// autogenNameLimit characters before the suffix (spec §4.10).
func randomName(charLimit int) string {
	nibbleCount := (charLimit - len(Suffix)) / 2
	if nibbleCount > autogenNameLimit/2 {
		nibbleCount = autogenNameLimit / 2
	}
	const hex = "0123456789abcdef"
	var b strings.Builder
	for i := 0; i < nibbleCount; i++ {
		b.WriteByte(hex[rand.Intn(len(hex))])
		b.WriteByte('.')
	}
	b.WriteString(Suffix)
	return b.String()
}
