// Package capture implements the capture transport of spec §4.3: a
// BPF-filtered live capture handle for scanners that need the raw
// on-wire frame (the OS fingerprinter and the SYN port scanner),
// plus raw link-layer send with next-hop MAC resolution done through a
// minimal IPv6 Neighbor Discovery exchange.
//
// The teacher (sun977-NeoScan) never adds a packet-capture dependency —
// its raw-socket layer stays entirely at L3 (netraw/socket_linux.go).
// This package is the pack's answer to that gap: google/gopacket and
// gopacket/pcap, the same pairing used in other_examples' capture-based
// tools, are the idiomatic Go way to do BPF-filtered capture and raw
// frame send.
package capture

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"github.com/google/gopacket/routing"

	"ipv6recon/internal/core/model"
	"ipv6recon/internal/logger"
)

const (
	snaplen        = 65535
	readTimeout    = 1 * time.Second
	neighborWindow = 1 * time.Second
)

// BuildFilter assembles a BPF filter string from a template containing
// {name} placeholders (spec §4.3), e.g. "icmp6 and src host {target}".
func BuildFilter(tmpl string, params map[string]string) string {
	s := tmpl
	for k, v := range params {
		s = strings.ReplaceAll(s, "{"+k+"}", v)
	}
	return s
}

// Conn is the capture transport of spec §4.3.
type Conn struct {
	iface  *net.Interface
	handle *pcap.Handle
	router routing.Router

	neighMu    sync.Mutex
	neighCache map[netip.Addr]net.HardwareAddr
}

// Open starts a live, promiscuous capture on iface with filter installed.
// In promiscuous mode the handle also sees frames not addressed to the
// local MAC.
func Open(ifaceName, filter string) (*Conn, error) {
	ifi, err := net.InterfaceByName(ifaceName)
	if err != nil {
		return nil, fmt.Errorf("capture: interface %s: %w", ifaceName, err)
	}
	handle, err := pcap.OpenLive(ifaceName, snaplen, true, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("capture: open %s: %w", ifaceName, err)
	}
	if filter != "" {
		if err := handle.SetBPFFilter(filter); err != nil {
			handle.Close()
			return nil, fmt.Errorf("capture: set filter %q: %w", filter, err)
		}
	}
	router, err := routing.New()
	if err != nil {
		handle.Close()
		return nil, fmt.Errorf("capture: read routing table: %w", err)
	}
	return &Conn{
		iface:      ifi,
		handle:     handle,
		router:     router,
		neighCache: make(map[netip.Addr]net.HardwareAddr),
	}, nil
}

// Close releases the capture handle.
func (c *Conn) Close() {
	c.handle.Close()
}

// Send implements engine.Sender[model.CapturePacket]: resolve the
// next-hop MAC and prepend an Ethernet header to the already-framed IPv6
// payload. A probe whose route leaves through a different interface is
// dropped with a warning.
func (c *Conn) Send(ctx context.Context, p model.CapturePacket) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	nextHop := p.Dst
	if ifi, gw, _, err := c.router.Route(net.IP(p.Dst.AsSlice())); err == nil {
		if ifi != nil && ifi.Index != c.iface.Index {
			logger.L().Warnf("capture: route to %s leaves via %s, not %s; probe dropped", p.Dst, ifi.Name, c.iface.Name)
			return nil
		}
		if gwAddr, ok := netip.AddrFromSlice(gw); ok && !gwAddr.IsUnspecified() {
			nextHop = gwAddr.Unmap()
		}
	}
	dstMAC, err := c.resolveNeighbor(ctx, nextHop)
	if err != nil {
		return err
	}

	eth := layers.Ethernet{
		SrcMAC:       c.iface.HardwareAddr,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{}, &eth, gopacket.Payload(p.Frame)); err != nil {
		return fmt.Errorf("capture: serialize ethernet frame: %w", err)
	}
	return c.handle.WritePacketData(buf.Bytes())
}

// Receive implements engine.Receiver: read frames off the capture
// handle, strip the Ethernet layer, and push the remaining IPv6 frame.
func (c *Conn) Receive(ctx context.Context, done <-chan struct{}, out chan<- model.Received) {
	src := gopacket.NewPacketSource(c.handle, c.handle.LinkType())
	packets := src.Packets()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case pkt, ok := <-packets:
			if !ok {
				return
			}
			ip6 := pkt.Layer(layers.LayerTypeIPv6)
			if ip6 == nil {
				continue
			}
			frame := append(append([]byte(nil), ip6.LayerContents()...), ip6.LayerPayload()...)

			select {
			case out <- model.Received{Frame: frame, At: time.Now()}:
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}
}

// resolveNeighbor returns target's link-layer address, performing a
// Neighbor Solicitation/Advertisement exchange on first use and caching
// the result for the life of the Conn.
func (c *Conn) resolveNeighbor(ctx context.Context, target netip.Addr) (net.HardwareAddr, error) {
	c.neighMu.Lock()
	if mac, ok := c.neighCache[target]; ok {
		c.neighMu.Unlock()
		return mac, nil
	}
	c.neighMu.Unlock()

	probe, err := pcap.OpenLive(c.iface.Name, snaplen, false, 100*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("capture: open neighbor-discovery handle: %w", err)
	}
	defer probe.Close()
	if err := probe.SetBPFFilter("icmp6 and ip6[40] == 136"); err != nil { // 136 = Neighbor Advertisement
		return nil, fmt.Errorf("capture: filter neighbor-discovery handle: %w", err)
	}

	if err := c.sendNeighborSolicitation(target); err != nil {
		return nil, err
	}

	src := gopacket.NewPacketSource(probe, probe.LinkType())
	deadline := time.Now().Add(neighborWindow)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case pkt := <-src.Packets():
			mac, addr, ok := parseNeighborAdvertisement(pkt)
			if ok && addr == target {
				c.neighMu.Lock()
				c.neighCache[target] = mac
				c.neighMu.Unlock()
				return mac, nil
			}
		case <-time.After(50 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("capture: neighbor resolution timed out for %s", target)
}

func (c *Conn) sendNeighborSolicitation(target netip.Addr) error {
	targetIP := net.IP(target.AsSlice())
	solicited := solicitedNodeMulticast(targetIP)
	dstMAC := multicastMAC(solicited)

	var srcIP net.IP
	for _, a := range mustAddrs(c.iface) {
		if ipn, ok := a.(*net.IPNet); ok && ipn.IP.To16() != nil && ipn.IP.To4() == nil {
			srcIP = ipn.IP
			break
		}
	}

	eth := layers.Ethernet{SrcMAC: c.iface.HardwareAddr, DstMAC: dstMAC, EthernetType: layers.EthernetTypeIPv6}
	ip6 := layers.IPv6{Version: 6, NextHeader: layers.IPProtocolICMPv6, HopLimit: 255, SrcIP: srcIP, DstIP: solicited}
	icmp := layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0)}
	ns := layers.ICMPv6NeighborSolicitation{
		TargetAddress: targetIP,
		Options: layers.ICMPv6Options{
			{Type: layers.ICMPv6OptSourceAddress, Data: c.iface.HardwareAddr},
		},
	}
	icmp.SetNetworkLayerForChecksum(&ip6)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{ComputeChecksums: true, FixLengths: true}
	if err := gopacket.SerializeLayers(buf, opts, &eth, &ip6, &icmp, &ns); err != nil {
		return fmt.Errorf("capture: serialize neighbor solicitation: %w", err)
	}
	return c.handle.WritePacketData(buf.Bytes())
}

func parseNeighborAdvertisement(pkt gopacket.Packet) (net.HardwareAddr, netip.Addr, bool) {
	naLayer := pkt.Layer(layers.LayerTypeICMPv6NeighborAdvertisement)
	if naLayer == nil {
		return nil, netip.Addr{}, false
	}
	na := naLayer.(*layers.ICMPv6NeighborAdvertisement)
	addr, ok := netip.AddrFromSlice(na.TargetAddress)
	if !ok {
		return nil, netip.Addr{}, false
	}
	ethLayer := pkt.Layer(layers.LayerTypeEthernet)
	if ethLayer == nil {
		return nil, netip.Addr{}, false
	}
	return ethLayer.(*layers.Ethernet).SrcMAC, addr.Unmap(), true
}

func solicitedNodeMulticast(ip net.IP) net.IP {
	ip16 := ip.To16()
	m := net.IP{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 1, 0xff, ip16[13], ip16[14], ip16[15]}
	return m
}

func multicastMAC(ip net.IP) net.HardwareAddr {
	ip16 := ip.To16()
	return net.HardwareAddr{0x33, 0x33, ip16[12], ip16[13], ip16[14], ip16[15]}
}

func mustAddrs(ifi *net.Interface) []net.Addr {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil
	}
	return addrs
}
