// Package dhcp implements the DHCPv6 subsystem of spec §4.11: a Pinger
// that classifies a server as stateful or stateless, a Scaler that
// samples an address pool's allocation shape, a Locator that binary
// searches for the server's served prefix length, an Enumerator that
// sweeps a supernet's sub-subnets, and a top-level orchestrator that
// wires all four into one DHCPInfo per target.
//
// All client messages are wrapped in a single Relay-Forward envelope so
// the server treats the crafted source as a relay agent (spec §4.11);
// responses are parsed by unwrapping Relay-Reply. A Locate shares one
// UDP socket with its embedded Scaler and Soliciter calls, since they
// run sequentially against the same server and keeping one socket open
// avoids re-handshaking relay state per call.
//
// Wire encoding lives in internal/core/codec (grounded on
// other_examples/krisarmstrong-niac-go's DHCPv6 constants); this package
// owns the probe/response protocol and the pool-scale math.
package dhcp

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"net/netip"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/engine"
	"ipv6recon/internal/core/model"
	"ipv6recon/internal/core/transport/datagram"
)

// Defaults per spec §6's normative constants.
const (
	DefaultScaleCount  = 64
	DefaultLossRate    = 0.5
	DefaultLocateStep  = 4
	DefaultEnumerateCap = 256
)

// Options holds the orchestrator's tunables; zero-value fields are
// replaced with the spec's defaults by Run.
type Options struct {
	ScaleCount     int
	LossRate       float64
	LocateStep     int // bits of address space each Enumerator child subnet adds
	StatelessBeg   int // stateless plen sweep, inclusive
	StatelessEnd   int // stateless plen sweep, exclusive
	StatelessStep  int
	EnumerateLimit int // enumerated subnets beyond this are recorded without per-subnet scale
}

func (o Options) withDefaults() Options {
	if o.ScaleCount <= 0 {
		o.ScaleCount = DefaultScaleCount
	}
	if o.LossRate <= 0 {
		o.LossRate = DefaultLossRate
	}
	if o.LocateStep <= 0 {
		o.LocateStep = DefaultLocateStep
	}
	if o.StatelessBeg <= 0 {
		o.StatelessBeg = 64
	}
	if o.StatelessEnd <= 0 {
		o.StatelessEnd = 128
	}
	if o.StatelessStep <= 0 {
		o.StatelessStep = DefaultLocateStep
	}
	if o.EnumerateLimit <= 0 {
		o.EnumerateLimit = DefaultEnumerateCap
	}
	return o
}

// session is the single UDP socket a Run call's Pinger, Scaler, Locator
// and Enumerator all borrow in sequence (spec §5's shared-resource
// note); these calls never run concurrently, so no lock guards it.
type session struct {
	conn     *datagram.Conn
	server   netip.Addr
	peerAddr netip.Addr
	duid     []byte
}

// Run pings server, then dispatches into the stateful or stateless path
// per spec §4.11's top-level orchestrator, and emits a structured
// DHCPInfo.
func Run(ctx context.Context, server, linkAddr, peerAddr netip.Addr, mac []byte, iface string, cfg engine.Config, opts Options) (*model.DHCPInfo, error) {
	opts = opts.withDefaults()

	conn, err := datagram.Open(datagram.ProtoUDP, iface, nil)
	if err != nil {
		return nil, fmt.Errorf("dhcp: open udp6 socket: %w", err)
	}
	defer conn.Close()

	sess := &session{conn: conn, server: server, peerAddr: peerAddr, duid: codec.DUIDLL(mac)}

	reply, advertise, err := sess.ping(ctx, linkAddr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dhcp: ping: %w", err)
	}
	if reply == nil && advertise == nil {
		return nil, fmt.Errorf("dhcp: no server answered")
	}

	info := &model.DHCPInfo{
		Target:   server,
		LinkAddr: linkAddr,
		Reply:    reply,
		Advertise: advertise,
		Subnets:  map[netip.Addr]*model.SubnetInfo{},
	}

	if advertiseHasIA(advertise) {
		info.Kind = model.DHCPStateful
		if err := sess.runStateful(ctx, linkAddr, opts, cfg, info); err != nil {
			return nil, err
		}
		return info, nil
	}

	info.Kind = model.DHCPStateless
	if err := sess.runStateless(ctx, linkAddr, opts, cfg, info); err != nil {
		return nil, err
	}
	return info, nil
}

func (s *session) runStateful(ctx context.Context, linkAddr netip.Addr, opts Options, cfg engine.Config, info *model.DHCPInfo) error {
	scale0, err := s.scale(ctx, linkAddr, opts.ScaleCount, opts.LossRate, cfg)
	if err != nil {
		return fmt.Errorf("scale: %w", err)
	}

	plen, err := s.locate(ctx, linkAddr, scale0, opts.LocateStep, cfg)
	if err != nil {
		return fmt.Errorf("locate: %w", err)
	}
	info.Plen = plen

	subnets, err := s.enumerate(ctx, linkAddr, plen, opts.LocateStep, cfg)
	if err != nil {
		return fmt.Errorf("enumerate: %w", err)
	}

	scalePerSubnet := len(subnets) <= opts.EnumerateLimit
	for _, sn := range subnets {
		si := &model.SubnetInfo{Populated: sn.populated}
		if scalePerSubnet && sn.populated {
			if scale, err := s.scale(ctx, sn.addr, opts.ScaleCount, opts.LossRate, cfg); err == nil {
				si.Scale = scale
			}
		}
		info.Subnets[sn.addr] = si
	}
	return nil
}

func (s *session) runStateless(ctx context.Context, linkAddr netip.Addr, opts Options, cfg engine.Config, info *model.DHCPInfo) error {
	type candidate struct {
		plen       int
		population int
		subnets    []subnetResult
	}
	var candidates []candidate

	for plen := opts.StatelessBeg; plen < opts.StatelessEnd; plen += opts.StatelessStep {
		subnets, err := s.enumerate(ctx, linkAddr, plen, opts.StatelessStep, cfg)
		if err != nil {
			return fmt.Errorf("enumerate plen=%d: %w", plen, err)
		}
		population := 0
		for _, sn := range subnets {
			if sn.populated {
				population++
			}
		}
		candidates = append(candidates, candidate{plen: plen, population: population, subnets: subnets})
	}

	bound := int(opts.LossRate * float64(opts.StatelessStep*opts.StatelessStep))

	// Priority 1: largest population within [2, bound].
	best := -1
	for i, c := range candidates {
		if c.population < 2 || c.population > bound {
			continue
		}
		if best == -1 || c.population > candidates[best].population {
			best = i
		}
	}
	// Priority 2: a single response, closest plen to 64.
	if best == -1 {
		for i, c := range candidates {
			if c.population != 1 {
				continue
			}
			if best == -1 || abs(c.plen-64) < abs(candidates[best].plen-64) {
				best = i
			}
		}
	}
	// Priority 3: smallest population above the limit.
	if best == -1 {
		for i, c := range candidates {
			if c.population <= bound {
				continue
			}
			if best == -1 || c.population < candidates[best].population {
				best = i
			}
		}
	}
	if best == -1 {
		// Priority 4: no sampled plen drew any response; fall back to 64
		// with no recorded subnets.
		info.Plen = 64
		return nil
	}

	info.Plen = candidates[best].plen
	for _, sn := range candidates[best].subnets {
		info.Subnets[sn.addr] = &model.SubnetInfo{Populated: sn.populated}
	}
	return nil
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// ---- Pinger ----

const (
	pingInfoTrid     = 1
	pingSolicitTrid  = 2
)

// ping sends an Information-Request (trid 1) and a Solicit (trid 2),
// both relayed to the server, and waits for a Reply on trid 1 and an
// Advertise carrying a Server-ID on trid 2 (spec §4.11's Pinger). A
// duplicate reply on either trid is an error; parse errors on
// individual packets are simply skipped (spec §4.12: non-fatal).
func (s *session) ping(ctx context.Context, linkAddr netip.Addr, cfg engine.Config) (reply, advertise []byte, err error) {
	infoReq := codec.BuildInformationRequest(s.duid, nil, pingInfoTrid)
	solicit := codec.BuildSolicit(s.duid, 1, []byte{'n', 't', 'p'}, pingSolicitTrid)

	cycle := &pingCycle{
		server: s.server,
		probes: [][]byte{
			codec.WrapRelayForward(linkAddr, s.peerAddr, infoReq),
			codec.WrapRelayForward(linkAddr, s.peerAddr, solicit),
		},
	}
	cfg.Stateful = true

	received, err := engine.Scan[model.Probe](ctx, s.conn, s.conn, cycle, cfg)
	if err != nil {
		return nil, nil, err
	}

	seenTrid := map[uint32]bool{}
	for _, r := range received {
		relay, err := codec.ParseRelayReply(r.Payload)
		if err != nil {
			continue
		}
		msgType, trid, opts, err := codec.ParseServerMessage(relay.Inner)
		if err != nil {
			continue
		}
		switch {
		case trid == pingInfoTrid && msgType == codec.DHCPv6Reply:
			if seenTrid[trid] {
				return nil, nil, fmt.Errorf("dhcp: duplicate reply on trid %d", trid)
			}
			seenTrid[trid] = true
			reply = relay.Inner
		case trid == pingSolicitTrid && msgType == codec.DHCPv6Advertise:
			if _, ok := codec.FindOption(opts, codec.DHCPv6OptServerID); !ok {
				continue
			}
			if seenTrid[trid] {
				return nil, nil, fmt.Errorf("dhcp: duplicate advertise on trid %d", trid)
			}
			seenTrid[trid] = true
			advertise = relay.Inner
		}
	}
	return reply, advertise, nil
}

type pingCycle struct {
	server netip.Addr
	probes [][]byte
}

func (c *pingCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	batch := make([]model.Probe, len(c.probes))
	for i, p := range c.probes {
		batch[i] = model.Probe{Addr: c.server, Port: codec.DHCPv6ServerPort, Payload: p}
	}
	return batch, true
}

func (c *pingCycle) StopRetry(results []model.Received) bool {
	sawInfo, sawSolicit := false, false
	for _, r := range results {
		relay, err := codec.ParseRelayReply(r.Payload)
		if err != nil {
			continue
		}
		msgType, trid, opts, err := codec.ParseServerMessage(relay.Inner)
		if err != nil {
			continue
		}
		if trid == pingInfoTrid && msgType == codec.DHCPv6Reply {
			sawInfo = true
		}
		if trid == pingSolicitTrid && msgType == codec.DHCPv6Advertise {
			if _, ok := codec.FindOption(opts, codec.DHCPv6OptServerID); ok {
				sawSolicit = true
			}
		}
	}
	return sawInfo && sawSolicit
}

func advertiseHasIA(advertise []byte) bool {
	if advertise == nil {
		return false
	}
	_, _, opts, err := codec.ParseServerMessage(advertise)
	if err != nil {
		return false
	}
	for _, o := range opts {
		switch o.Code {
		case codec.DHCPv6OptIANA, codec.DHCPv6OptIATA, codec.DHCPv6OptIAPD:
			return true
		}
	}
	return false
}

// ---- Scaler ----

// scale sends count Solicits (trid 0..count-1) relayed with linkAddr,
// and classifies each IA family's assigned addresses in trid order
// (spec §4.11's Scaler). A family is left out of the result map when
// fewer than lossRate*count non-null samples were collected for it.
func (s *session) scale(ctx context.Context, linkAddr netip.Addr, count int, lossRate float64, cfg engine.Config) (map[model.IAFamily]*model.PoolScale, error) {
	cycle := &scaleCycle{server: s.server, peerAddr: s.peerAddr, linkAddr: linkAddr, duid: s.duid, count: count}
	cfg.Stateful = true

	received, err := engine.Scan[model.Probe](ctx, s.conn, s.conn, cycle, cfg)
	if err != nil {
		return nil, err
	}

	byTrid := make(map[uint32][]codec.DHCPv6Option)
	for _, r := range received {
		relay, err := codec.ParseRelayReply(r.Payload)
		if err != nil {
			continue
		}
		msgType, trid, opts, err := codec.ParseServerMessage(relay.Inner)
		if err != nil || msgType != codec.DHCPv6Advertise || trid >= uint32(count) {
			continue
		}
		byTrid[trid] = opts
	}

	out := make(map[model.IAFamily]*model.PoolScale)
	for _, fe := range familyExtractors() {
		var addrs []netip.Addr
		for trid := uint32(0); trid < uint32(count); trid++ {
			opts, ok := byTrid[trid]
			if !ok {
				continue
			}
			opt, ok := codec.FindOption(opts, fe.code)
			if !ok {
				continue
			}
			got := fe.extract(opt.Data)
			if len(got) == 0 {
				continue
			}
			addrs = append(addrs, got[0])
		}
		if float64(len(addrs)) < lossRate*float64(count) {
			continue
		}
		scale := classifyScale(addrs)
		out[fe.fam] = &scale
	}
	return out, nil
}

// familyExtractors is written as a slice rather than a map so callers
// can range over (family, option code, extractor) triples directly.
func familyExtractors() []struct {
	fam     model.IAFamily
	code    uint16
	extract func([]byte) []netip.Addr
} {
	return []struct {
		fam     model.IAFamily
		code    uint16
		extract func([]byte) []netip.Addr
	}{
		{model.IANA, codec.DHCPv6OptIANA, codec.IAAddrs},
		{model.IATA, codec.DHCPv6OptIATA, codec.IAAddrs},
		{model.IAPD, codec.DHCPv6OptIAPD, codec.IAPrefixes},
	}
}

type scaleCycle struct {
	server, peerAddr, linkAddr netip.Addr
	duid                       []byte
	count                      int
}

func (c *scaleCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	batch := make([]model.Probe, c.count)
	for trid := 0; trid < c.count; trid++ {
		solicit := codec.BuildSolicit(c.duid, uint32(trid)+1, []byte{'n', 't', 'p'}, uint32(trid))
		fwd := codec.WrapRelayForward(c.linkAddr, c.peerAddr, solicit)
		batch[trid] = model.Probe{Addr: c.server, Port: codec.DHCPv6ServerPort, Payload: fwd}
	}
	return batch, true
}

func (c *scaleCycle) StopRetry(results []model.Received) bool {
	return len(results) >= c.count
}

// classifyScale implements spec §4.11's Scaler classification: all-zero
// differences mean a static pool; mostly-positive (or mostly-negative,
// symmetrically) differences with the minority bounded to within twice
// the majority's average mean a linear pool whose step keeps its
// observed sign; anything else is random, with D the ceiling of the
// range divided by n-1.
func classifyScale(addrs []netip.Addr) model.PoolScale {
	n := len(addrs)
	if n == 0 {
		return model.PoolScale{}
	}
	if n == 1 {
		return model.PoolScale{Kind: model.PoolStatic, A1: addrs[0], A2: addrs[0]}
	}

	diffs := make([]int64, n-1)
	for i := 0; i < n-1; i++ {
		diffs[i] = addrDelta(addrs[i+1], addrs[i])
	}

	allZero := true
	for _, d := range diffs {
		if d != 0 {
			allZero = false
			break
		}
	}
	if allZero {
		return model.PoolScale{Kind: model.PoolStatic, A1: addrs[0], A2: addrs[n-1]}
	}

	var pos, neg []int64
	for _, d := range diffs {
		switch {
		case d > 0:
			pos = append(pos, d)
		case d < 0:
			neg = append(neg, d)
		}
	}

	if float64(len(pos))/float64(len(diffs)) >= 0.9 && boundedMinority(neg, pos) {
		return model.PoolScale{Kind: model.PoolLinear, A1: addrs[0], A2: addrs[n-1], D: round(avg(pos))}
	}
	if float64(len(neg))/float64(len(diffs)) >= 0.9 && boundedMinority(pos, absAll(neg)) {
		return model.PoolScale{Kind: model.PoolLinear, A1: addrs[0], A2: addrs[n-1], D: round(avg(neg))}
	}

	min, max := addrs[0], addrs[0]
	minV, maxV := lowBits(addrs[0]), lowBits(addrs[0])
	for _, a := range addrs[1:] {
		v := lowBits(a)
		if v < minV {
			minV, min = v, a
		}
		if v > maxV {
			maxV, max = v, a
		}
	}
	d := int64(math.Ceil(float64(maxV-minV) / float64(n-1)))
	return model.PoolScale{Kind: model.PoolRandom, A1: min, A2: max, D: d}
}

// boundedMinority reports whether minority's extreme magnitude is under
// twice majority's average — an empty minority always satisfies this.
func boundedMinority(minority, majority []int64) bool {
	if len(minority) == 0 {
		return true
	}
	extreme := minority[0]
	for _, d := range minority[1:] {
		if math.Abs(float64(d)) > math.Abs(float64(extreme)) {
			extreme = d
		}
	}
	return math.Abs(float64(extreme)) < 2*avg(majority)
}

func absAll(xs []int64) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = -x
	}
	return out
}

func avg(xs []int64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum int64
	for _, x := range xs {
		sum += x
	}
	return float64(sum) / float64(len(xs))
}

func round(f float64) int64 { return int64(math.Round(f)) }

// ScalePool is the standalone entry point for classifying an
// already-collected address sequence (e.g. in tests, or a caller that
// obtained addresses some other way than session.scale).
func ScalePool(addrs []netip.Addr) model.PoolScale {
	return classifyScale(addrs)
}

// addrDelta returns a-b as a signed value, valid for addresses that
// differ only in their low 64 bits — true of any single DHCPv6 pool.
// The sign is preserved bit-for-bit (spec §9's pinned Open Question): a
// server that allocates downward through its pool is reported with a
// negative step, never a flipped-positive one.
func addrDelta(a, b netip.Addr) int64 {
	return int64(lowBits(a) - lowBits(b))
}

func lowBits(a netip.Addr) uint64 {
	b := a.As16()
	return binary.BigEndian.Uint64(b[8:])
}

func withLowBits(a netip.Addr, v uint64) netip.Addr {
	b := a.As16()
	binary.BigEndian.PutUint64(b[8:], v)
	return netip.AddrFrom16(b).Unmap()
}

// ---- Locator ----

// locate binary searches prefix lengths in [64,128] — restricting the
// search to an address's low 64 bits, the portion spec §9's Open
// Question on the Locate window permits simplifying to, since every
// DHCPv6 pool this package observes varies only there — for the
// smallest plen at which a Solicit addressed to the supernet
// representative still yields an IA inside scale0's acceptance range
// (spec §4.11's Locator).
func (s *session) locate(ctx context.Context, linkAddr netip.Addr, scale0 map[model.IAFamily]*model.PoolScale, step int, cfg engine.Config) (int, error) {
	if len(scale0) == 0 {
		return 0, fmt.Errorf("dhcp: stateless dhcp detected")
	}

	lo, hi := 64, 128
	for lo < hi {
		mid := (lo + hi) / 2
		valid, err := s.validAtPlen(ctx, linkAddr, mid, scale0, cfg)
		if err != nil {
			return 0, err
		}
		if valid {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo, nil
}

func (s *session) validAtPlen(ctx context.Context, linkAddr netip.Addr, plen int, scale0 map[model.IAFamily]*model.PoolScale, cfg engine.Config) (bool, error) {
	probeAddr := networkAt(linkAddr, plen)
	scale, err := s.scale(ctx, probeAddr, 1, 0, cfg)
	if err != nil {
		return false, err
	}
	for fam, got := range scale {
		want, ok := scale0[fam]
		if !ok || got == nil {
			continue
		}
		if withinRange(*want, got.A1) || withinRange(*want, got.A2) {
			return true, nil
		}
	}
	return false, nil
}

func withinRange(scale model.PoolScale, addr netip.Addr) bool {
	lo, hi := lowBits(scale.A1), lowBits(scale.A2)
	if lo > hi {
		lo, hi = hi, lo
	}
	v := lowBits(addr)
	return v >= lo && v <= hi
}

// networkAt zeroes the address's low-64-bit host portion beyond plen
// (plen measured against the full 128-bit address; values at or below
// 64 zero the whole host portion).
func networkAt(a netip.Addr, plen int) netip.Addr {
	if plen <= 64 {
		return withLowBits(a, 0)
	}
	if plen >= 128 {
		return a
	}
	keep := uint(plen - 64)
	mask := ^uint64(0) << (64 - keep)
	return withLowBits(a, lowBits(a)&mask)
}

// ---- Enumerator ----

type subnetResult struct {
	addr      netip.Addr
	populated bool
}

// enumerate computes the supernet at plen and sends one Solicit per
// 2^diff child sub-subnet (trid = index), recording each as populated
// once a single timewait-delimited batch completes (spec §4.11's
// Enumerator).
func (s *session) enumerate(ctx context.Context, linkAddr netip.Addr, plen, diff int, cfg engine.Config) ([]subnetResult, error) {
	base := networkAt(linkAddr, plen)
	children := 1 << uint(diff)
	if children > 4096 {
		children = 4096 // guard against a pathologically large diff
	}

	addrs := make([]netip.Addr, children)
	for i := 0; i < children; i++ {
		addrs[i] = childSubnet(base, plen, diff, uint64(i))
	}

	cycle := &enumerateCycle{server: s.server, peerAddr: s.peerAddr, duid: s.duid, subnets: addrs}
	cfg.Stateful = true
	cfg.Retry = 1 // a single timewait-delimited batch (spec §4.11)

	received, err := engine.Scan[model.Probe](ctx, s.conn, s.conn, cycle, cfg)
	if err != nil {
		return nil, err
	}

	populated := make(map[uint32]bool)
	for _, r := range received {
		relay, err := codec.ParseRelayReply(r.Payload)
		if err != nil {
			continue
		}
		msgType, trid, _, err := codec.ParseServerMessage(relay.Inner)
		if err != nil || msgType != codec.DHCPv6Advertise || trid >= uint32(children) {
			continue
		}
		populated[trid] = true
	}

	out := make([]subnetResult, children)
	for i, a := range addrs {
		out[i] = subnetResult{addr: a, populated: populated[uint32(i)]}
	}
	return out, nil
}

// childSubnet returns base's i-th child sub-subnet's network address
// when base (already network-aligned at basePlen) is split into
// 2^diff equal children.
func childSubnet(base netip.Addr, basePlen, diff int, i uint64) netip.Addr {
	hostBits := 128 - basePlen
	shift := hostBits - diff
	if shift < 0 {
		shift = 0
	}
	if basePlen < 64 {
		// Restricted to the low-64-bit domain (see locate's doc comment);
		// a supernet broader than /64 has no low-bit offset to carve.
		return base
	}
	return withLowBits(base, lowBits(base)|(i<<uint(shift)))
}

type enumerateCycle struct {
	server, peerAddr netip.Addr
	duid             []byte
	subnets          []netip.Addr
}

func (c *enumerateCycle) Next(round int, _ []model.Received) ([]model.Probe, bool) {
	if round > 0 {
		return nil, false
	}
	batch := make([]model.Probe, len(c.subnets))
	for i, sn := range c.subnets {
		solicit := codec.BuildSolicit(c.duid, uint32(i)+1, []byte{'n', 't', 'p'}, uint32(i))
		fwd := codec.WrapRelayForward(sn, c.peerAddr, solicit)
		batch[i] = model.Probe{Addr: c.server, Port: codec.DHCPv6ServerPort, Payload: fwd}
	}
	return batch, true
}

func (c *enumerateCycle) StopRetry(results []model.Received) bool {
	return len(results) >= len(c.subnets)
}
