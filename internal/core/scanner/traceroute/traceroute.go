// Package traceroute implements the hop-by-hop path discovery of spec
// §4.8: one probe per hop at an increasing hop limit, in each of the
// four variants spec §4.8 names — ICMP ping, DNS, SYN, DHCP — differing
// only in probe construction and arrival test. Grounded on the classic
// raw-socket sender/receiver traceroute shape in
// _examples/virtuallynathan-fbtracert/main.go, adapted to the probe
// engine's per-hop sub-scan instead of a hand-rolled channel pipeline.
package traceroute

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/engine"
	"ipv6recon/internal/core/filter"
	"ipv6recon/internal/core/model"
	"ipv6recon/internal/core/transport/datagram"
)

// MaxHops bounds how many hops Scan will probe before giving up, unless
// limit supplies a smaller value (spec §6's traceroute default is 16).
const MaxHops = 30

// Variant names the four sub-tracer kinds of spec §4.8.
type Variant string

const (
	VariantICMP Variant = "icmp"
	VariantDNS  Variant = "dns"
	VariantSYN  Variant = "syn"
	VariantDHCP Variant = "dhcp"
)

// Scan runs variant's sub-tracer once per hop, starting at hop limit 1
// and incrementing until a hop is classified as arrived, an
// address-unreachable reply terminates the path, or limit is exceeded.
func Scan(ctx context.Context, variant Variant, src, target netip.Addr, targetPort int, iface string, limit int, cfg engine.Config) ([]model.Hop, error) {
	if limit <= 0 || limit > MaxHops {
		limit = MaxHops
	}
	tr, err := newTracer(variant, src, target, targetPort, iface)
	if err != nil {
		return nil, err
	}
	defer tr.Close()

	cfg.Stateful = true

	var hops []model.Hop
	for hop := 1; hop <= limit; hop++ {
		h, err := tr.probeHop(ctx, hop, cfg)
		if err != nil {
			return nil, fmt.Errorf("traceroute: hop %d: %w", hop, err)
		}
		hops = append(hops, h)
		if h.Arrived || h.Reason == model.ReasonDestAddr {
			break
		}
	}
	return hops, nil
}

// tracer drives one hop's probe/arrival-test pair for a given variant;
// each variant owns its transport(s), probe construction and reply
// classification, per spec §4.8's per-variant table.
type tracer interface {
	probeHop(ctx context.Context, hop int, cfg engine.Config) (model.Hop, error)
	Close()
}

func newTracer(variant Variant, src, target netip.Addr, targetPort int, iface string) (tracer, error) {
	switch variant {
	case VariantICMP:
		return newICMPTracer(src, target, iface)
	case VariantDNS:
		return newDNSTracer(target, targetPort, iface)
	case VariantSYN:
		return newSYNTracer(src, target, targetPort, iface)
	case VariantDHCP:
		return newDHCPTracer(src, target, iface)
	default:
		return nil, fmt.Errorf("traceroute: unknown variant %q", variant)
	}
}

// openICMPAux opens an auxiliary ICMPv6 listener for the time-exceeded
// and destination-unreachable replies a router sends back for a probe
// that isn't itself ICMPv6 (spec §4.8's DNS/SYN/DHCP variants all name
// these two message types in their arrival condition alongside the
// protocol-specific reply).
func openICMPAux(iface string) (*datagram.Conn, error) {
	f := &filter.Filter{}
	f.BlockAll()
	f.Pass(codec.ICMPv6TimeExceeded)
	f.Pass(codec.ICMPv6DestUnreach)
	return datagram.Open(datagram.ProtoICMPv6, iface, f)
}

// multiReceiver fans the receive loops of several transports into one
// engine.Scan call, so a sub-tracer can wait on both its protocol socket
// and the auxiliary ICMPv6 listener in the same retry round.
type multiReceiver struct {
	receivers []engine.Receiver
}

func (m multiReceiver) Receive(ctx context.Context, done <-chan struct{}, out chan<- model.Received) {
	var wg sync.WaitGroup
	for _, r := range m.receivers {
		wg.Add(1)
		go func(r engine.Receiver) {
			defer wg.Done()
			r.Receive(ctx, done, out)
		}(r)
	}
	wg.Wait()
}

// ---- ICMP ping variant ----

type icmpTracer struct {
	src, target netip.Addr
	conn        *datagram.Conn
	id          uint16
}

func newICMPTracer(src, target netip.Addr, iface string) (*icmpTracer, error) {
	f := &filter.Filter{}
	f.BlockAll()
	f.Pass(codec.ICMPv6EchoReply)
	f.Pass(codec.ICMPv6TimeExceeded)
	f.Pass(codec.ICMPv6DestUnreach)

	conn, err := datagram.Open(datagram.ProtoICMPv6, iface, f)
	if err != nil {
		return nil, fmt.Errorf("traceroute: open icmpv6 socket: %w", err)
	}
	return &icmpTracer{src: src, target: target, conn: conn, id: uint16(time.Now().UnixNano())}, nil
}

func (t *icmpTracer) Close() { t.conn.Close() }

func (t *icmpTracer) probeHop(ctx context.Context, hop int, cfg engine.Config) (model.Hop, error) {
	cycle := &icmpHopCycle{src: t.src, target: t.target, id: t.id, seq: uint16(hop), hopLimit: hop}
	received, err := engine.Scan[model.Probe](ctx, t.conn, t.conn, cycle, cfg)
	if err != nil {
		return model.Hop{}, err
	}
	return classifyICMP(hop, received), nil
}

type icmpHopCycle struct {
	src, target netip.Addr
	id, seq     uint16
	hopLimit    int
}

func (c *icmpHopCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	return []model.Probe{{
		Addr:     c.target,
		HopLimit: c.hopLimit,
		Payload:  codec.BuildICMPv6Echo(c.src, c.target, codec.ICMPv6EchoRequest, c.id, c.seq, []byte("ipv6recon")),
	}}, true
}

func (c *icmpHopCycle) StopRetry(results []model.Received) bool { return len(results) > 0 }

func classifyICMP(hop int, received []model.Received) model.Hop {
	if len(received) == 0 {
		return model.Hop{Hop: hop}
	}
	r := received[0]
	icmp, err := codec.ParseICMPv6(r.Payload)
	if err != nil {
		return model.Hop{Hop: hop, Addr: r.Addr}
	}
	switch icmp.Type {
	case codec.ICMPv6EchoReply:
		return model.Hop{Hop: hop, Addr: r.Addr, Arrived: true, Reason: model.ReasonArrived}
	case codec.ICMPv6TimeExceeded:
		return model.Hop{Hop: hop, Addr: r.Addr, Reason: model.ReasonTimeExceeded}
	case codec.ICMPv6DestUnreach:
		return classifyDestUnreach(hop, r.Addr, icmp.Code)
	}
	return model.Hop{Hop: hop, Addr: r.Addr}
}

func classifyDestUnreach(hop int, addr netip.Addr, code uint8) model.Hop {
	switch code {
	case codec.ICMPv6NoRouteToDest:
		return model.Hop{Hop: hop, Addr: addr, Reason: model.ReasonNoRoute}
	case codec.ICMPv6AdminProhibited:
		return model.Hop{Hop: hop, Addr: addr, Reason: model.ReasonDestProhibited}
	case codec.ICMPv6AddrUnreachable:
		return model.Hop{Hop: hop, Addr: addr, Reason: model.ReasonDestAddr}
	case codec.ICMPv6PortUnreachable:
		return model.Hop{Hop: hop, Addr: addr, Arrived: true, Reason: model.ReasonDestPort}
	}
	return model.Hop{Hop: hop, Addr: addr}
}

// ---- DNS variant: UDP/53 DNSQR(AAAA) to target ----

type dnsTracer struct {
	target        netip.Addr
	conn          *datagram.Conn
	icmp          *datagram.Conn
	wellKnownPort int
}

func newDNSTracer(target netip.Addr, targetPort int, iface string) (*dnsTracer, error) {
	conn, err := datagram.Open(datagram.ProtoUDP, iface, nil)
	if err != nil {
		return nil, fmt.Errorf("traceroute: open udp6 socket: %w", err)
	}
	icmpConn, err := openICMPAux(iface)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if targetPort == 0 {
		targetPort = 53
	}
	return &dnsTracer{target: target, conn: conn, icmp: icmpConn, wellKnownPort: targetPort}, nil
}

func (t *dnsTracer) Close() { t.conn.Close(); t.icmp.Close() }

func (t *dnsTracer) probeHop(ctx context.Context, hop int, cfg engine.Config) (model.Hop, error) {
	cycle := &udpHopCycle{target: t.target, port: t.wellKnownPort, hopLimit: hop, payload: dnsQuery()}
	recv := multiReceiver{receivers: []engine.Receiver{t.conn, t.icmp}}
	received, err := engine.Scan[model.Probe](ctx, t.conn, recv, cycle, cfg)
	if err != nil {
		return model.Hop{}, err
	}
	return classifyUDP(hop, t.wellKnownPort, received), nil
}

// dnsQuery builds a minimal DNS query that elicits any reply from the
// resolver — traceroute only needs a datagram the target will answer,
// not a meaningful name.
func dnsQuery() []byte {
	q := make([]byte, 12)
	q[0], q[1] = 0x12, 0x34 // transaction ID
	q[2] = 0x01             // RD
	q[5] = 1                // QDCOUNT=1
	name := []byte{5, 't', 'r', 'a', 'c', 'e', 3, 'a', 'r', 'p', 'a', 0}
	q = append(q, name...)
	q = append(q, 0, 28) // QTYPE=AAAA
	q = append(q, 0, 1)  // QCLASS=IN
	return q
}

// ---- SYN variant: TCP SYN to target_port ----

type synTracer struct {
	src, target netip.Addr
	conn        *datagram.Conn
	icmp        *datagram.Conn
	srcPort     int
	targetPort  int
}

func newSYNTracer(src, target netip.Addr, targetPort int, iface string) (*synTracer, error) {
	conn, err := datagram.Open(datagram.ProtoTCP, iface, nil)
	if err != nil {
		return nil, fmt.Errorf("traceroute: open raw tcp6 socket: %w", err)
	}
	icmpConn, err := openICMPAux(iface)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if targetPort == 0 {
		targetPort = 80
	}
	return &synTracer{src: src, target: target, conn: conn, icmp: icmpConn, srcPort: 41000 + targetPort, targetPort: targetPort}, nil
}

func (t *synTracer) Close() { t.conn.Close(); t.icmp.Close() }

func (t *synTracer) probeHop(ctx context.Context, hop int, cfg engine.Config) (model.Hop, error) {
	seg, err := codec.BuildTCP(t.src, t.target, t.srcPort, t.targetPort, uint32(hop), 0, codec.TCPFlagSYN, 1024, 0, nil)
	if err != nil {
		return model.Hop{}, err
	}
	cycle := &rawHopCycle{target: t.target, hopLimit: hop, payload: seg}
	recv := multiReceiver{receivers: []engine.Receiver{t.conn, t.icmp}}
	received, err := engine.Scan[model.Probe](ctx, t.conn, recv, cycle, cfg)
	if err != nil {
		return model.Hop{}, err
	}
	return classifyTCP(hop, t.srcPort, received), nil
}

// ---- DHCP variant: Relay-Forward to [target]:547 ----

type dhcpTracer struct {
	src, target netip.Addr
	conn        *datagram.Conn
	icmp        *datagram.Conn
}

func newDHCPTracer(src, target netip.Addr, iface string) (*dhcpTracer, error) {
	conn, err := datagram.Open(datagram.ProtoUDP, iface, nil)
	if err != nil {
		return nil, fmt.Errorf("traceroute: open udp6 socket: %w", err)
	}
	icmpConn, err := openICMPAux(iface)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return &dhcpTracer{src: src, target: target, conn: conn, icmp: icmpConn}, nil
}

func (t *dhcpTracer) Close() { t.conn.Close(); t.icmp.Close() }

func (t *dhcpTracer) probeHop(ctx context.Context, hop int, cfg engine.Config) (model.Hop, error) {
	srcB := t.src.As16()
	duid := codec.DUIDLL(srcB[10:16])
	inner := codec.BuildInformationRequest(duid, nil, uint32(hop))
	fwd := codec.WrapRelayForward(t.src, t.target, inner)

	cycle := &udpHopCycle{target: t.target, port: codec.DHCPv6ServerPort, hopLimit: hop, payload: fwd}
	recv := multiReceiver{receivers: []engine.Receiver{t.conn, t.icmp}}
	received, err := engine.Scan[model.Probe](ctx, t.conn, recv, cycle, cfg)
	if err != nil {
		return model.Hop{}, err
	}
	return classifyUDP(hop, codec.DHCPv6ServerPort, received), nil
}

// ---- shared per-hop cycles and classifiers ----

// udpHopCycle sends one UDP datagram to port at hopLimit, retried until
// a reply arrives or retries are exhausted.
type udpHopCycle struct {
	target   netip.Addr
	port     int
	hopLimit int
	payload  []byte
}

func (c *udpHopCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	return []model.Probe{{Addr: c.target, Port: c.port, HopLimit: c.hopLimit, Payload: c.payload}}, true
}

func (c *udpHopCycle) StopRetry(results []model.Received) bool { return len(results) > 0 }

// rawHopCycle sends one already-built raw-transport payload at hopLimit.
type rawHopCycle struct {
	target   netip.Addr
	hopLimit int
	payload  []byte
}

func (c *rawHopCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	return []model.Probe{{Addr: c.target, HopLimit: c.hopLimit, Payload: c.payload}}, true
}

func (c *rawHopCycle) StopRetry(results []model.Received) bool { return len(results) > 0 }

// classifyUDP accepts either an ICMPv6 time-exceeded/dest-unreach
// carrying our probe (arrived via the auxiliary ICMPv6 listener, whose
// replies always report Port 0) or a direct UDP reply from target's
// well-known port (spec §4.8's DNS/DHCP arrival condition).
func classifyUDP(hop int, wellKnownPort int, received []model.Received) model.Hop {
	for _, r := range received {
		if r.Port == 0 {
			icmp, err := codec.ParseICMPv6(r.Payload)
			if err != nil {
				continue
			}
			switch icmp.Type {
			case codec.ICMPv6TimeExceeded:
				return model.Hop{Hop: hop, Addr: r.Addr, Reason: model.ReasonTimeExceeded}
			case codec.ICMPv6DestUnreach:
				return classifyDestUnreach(hop, r.Addr, icmp.Code)
			}
			continue
		}
		if r.Port == wellKnownPort {
			return model.Hop{Hop: hop, Addr: r.Addr, Arrived: true, Reason: model.ReasonArrived}
		}
	}
	if len(received) > 0 {
		return model.Hop{Hop: hop, Addr: received[0].Addr}
	}
	return model.Hop{Hop: hop}
}

// looksLikeICMPv6Error distinguishes an embedded-IPv6-header ICMPv6
// error message from an ordinary TCP segment on the raw TCP socket,
// where both arrive as bare Payload with no socket-level port to tell
// them apart: a time-exceeded/dest-unreach message's 9th byte is always
// the version nibble of the embedded IPv6 header it quotes.
func looksLikeICMPv6Error(payload []byte) bool {
	if len(payload) < 48 {
		return false
	}
	if payload[0] != codec.ICMPv6TimeExceeded && payload[0] != codec.ICMPv6DestUnreach {
		return false
	}
	return payload[8]>>4 == 6
}

// classifyTCP accepts either an ICMPv6 time-exceeded/dest-unreach
// carrying our probe, or a direct TCP reply whose destination port is
// the SYN's crafted source port (spec §4.8's SYN arrival condition).
func classifyTCP(hop int, srcPort int, received []model.Received) model.Hop {
	for _, r := range received {
		if looksLikeICMPv6Error(r.Payload) {
			icmp, err := codec.ParseICMPv6(r.Payload)
			if err != nil {
				continue
			}
			switch icmp.Type {
			case codec.ICMPv6TimeExceeded:
				return model.Hop{Hop: hop, Addr: r.Addr, Reason: model.ReasonTimeExceeded}
			case codec.ICMPv6DestUnreach:
				return classifyDestUnreach(hop, r.Addr, icmp.Code)
			}
			continue
		}
		if tcp, err := codec.ParseTCP(r.Payload); err == nil && tcp.DstPort == srcPort {
			return model.Hop{Hop: hop, Addr: r.Addr, Arrived: true, Reason: model.ReasonArrived}
		}
	}
	if len(received) > 0 {
		return model.Hop{Hop: hop, Addr: received[0].Addr}
	}
	return model.Hop{Hop: hop}
}
