// Package host implements the host-discovery scanner of spec §4.6: ping
// every target with an ICMPv6 Echo Request and report which ones
// answered before retries ran out.
package host

import (
	"context"
	"fmt"
	"net/netip"
	"time"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/engine"
	"ipv6recon/internal/core/filter"
	"ipv6recon/internal/core/model"
	"ipv6recon/internal/core/transport/datagram"
)

// Scan pings every target and reports which ones answered. cfg.Stateful
// is forced true: a target that hasn't replied yet keeps getting
// re-pinged until cfg.Retry is exhausted or every target has answered.
func Scan(ctx context.Context, src netip.Addr, targets []netip.Addr, iface string, cfg engine.Config) ([]model.HostResult, error) {
	f := &filter.Filter{}
	f.BlockAll()
	f.Pass(codec.ICMPv6EchoReply)

	conn, err := datagram.Open(datagram.ProtoICMPv6, iface, f)
	if err != nil {
		return nil, fmt.Errorf("host: open icmpv6 socket: %w", err)
	}
	defer conn.Close()

	cycle := &hostCycle{src: src, targets: targets, id: uint16(time.Now().UnixNano())}
	cfg.Stateful = true

	received, err := engine.Scan[model.Probe](ctx, conn, conn, cycle, cfg)
	if err != nil {
		return nil, fmt.Errorf("host: scan: %w", err)
	}
	return cycle.results(received), nil
}

type hostCycle struct {
	src     netip.Addr
	targets []netip.Addr
	id      uint16
}

// Next assigns each target's Echo Request a sequence number equal to
// its index into targets (spec §4.6, §3), the correlation parse()
// later verifies against source address.
func (c *hostCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	batch := make([]model.Probe, len(c.targets))
	for i, t := range c.targets {
		batch[i] = model.Probe{
			Addr:    t,
			Payload: codec.BuildICMPv6Echo(c.src, t, codec.ICMPv6EchoRequest, c.id, uint16(i), []byte("ipv6recon")),
		}
	}
	return batch, true
}

// StopRetry cuts the retry loop short once every target has verifiably
// answered.
func (c *hostCycle) StopRetry(results []model.Received) bool {
	alive := c.alive(results)
	for i := range c.targets {
		if !alive[i] {
			return false
		}
	}
	return true
}

// alive verifies, per reply, that the ICMPv6 identifier matches this
// scanner instance, the sequence number is a valid target index, and
// the reply's source address equals targets[sequence] (spec §4.6's
// three-part correlation check — the parse-time half of the filtering
// spec requires, since the kernel-installed ICMP6_FILTER can only
// screen on message type, never on identifier or sequence).
func (c *hostCycle) alive(received []model.Received) map[int]bool {
	alive := make(map[int]bool)
	for _, r := range received {
		icmp, err := codec.ParseICMPv6(r.Payload)
		if err != nil || icmp.Type != codec.ICMPv6EchoReply || icmp.ID != c.id {
			continue
		}
		seq := int(icmp.Seq)
		if seq < 0 || seq >= len(c.targets) {
			continue
		}
		if c.targets[seq] != r.Addr {
			continue
		}
		alive[seq] = true
	}
	return alive
}

func (c *hostCycle) results(received []model.Received) []model.HostResult {
	alive := c.alive(received)
	out := make([]model.HostResult, len(c.targets))
	for i, t := range c.targets {
		out[i] = model.HostResult{Target: t, Alive: alive[i]}
	}
	return out
}
