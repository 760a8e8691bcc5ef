// Package datagram implements the datagram transport of spec §4.2: a raw
// ICMPv6 socket for echo/traceroute/host probes, a raw IPv6 socket
// carrying hand-built TCP segments for traceroute's SYN variant, and a
// bound UDP socket for traceroute's DNS and DHCP variants and the DHCPv6
// relay client. All three
// share one receive-loop shape: poll with a bounded timeout and push
// whatever the kernel hands back.
//
// Grounded structurally on the teacher's raw-socket transport
// (neoAgent/internal/core/lib/network/netraw/socket_linux.go), upgraded
// from IPv4 AF_INET/IP_HDRINCL to golang.org/x/net/icmp and
// golang.org/x/net/ipv6, which is the idiomatic Go way of driving IPv6
// raw sockets (control messages, ICMP6_FILTER) without hand-rolled
// syscalls.
package datagram

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"
	"golang.org/x/sys/unix"

	"ipv6recon/internal/core/filter"
	"ipv6recon/internal/core/model"
)

// Proto identifies which socket a Conn wraps.
type Proto int

const (
	ProtoICMPv6 Proto = unix.IPPROTO_ICMPV6
	ProtoTCP    Proto = unix.IPPROTO_TCP
	ProtoUDP    Proto = unix.IPPROTO_UDP
)

// PollInterval is the receive loop's poll cadence (spec §4.2).
const PollInterval = 1 * time.Second

// Conn is a bound datagram-transport socket. All three protocols are
// driven through one ipv6.PacketConn so every probe — including UDP,
// which traceroute's DNS and DHCP variants send at an increasing hop
// limit — can set a per-packet hop limit (spec §4.8).
type Conn struct {
	proto Proto
	pc    *ipv6.PacketConn
}

// Open opens a Conn of the given protocol listening on all interfaces,
// installing f as the ICMPv6 type filter when proto is ProtoICMPv6
// (spec §3/§6). A non-empty iface only sets the socket's multicast
// interface; unicast probes leave by whatever interface the routing
// table picks.
func Open(proto Proto, iface string, f *filter.Filter) (*Conn, error) {
	switch proto {
	case ProtoICMPv6:
		c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
		if err != nil {
			return nil, fmt.Errorf("datagram: listen icmpv6: %w", err)
		}
		pc := c.IPv6PacketConn()
		if f != nil {
			if err := pc.SetICMPFilter(f.ToKernel()); err != nil {
				return nil, fmt.Errorf("datagram: set icmp6 filter: %w", err)
			}
		}
		if err := pc.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			return nil, fmt.Errorf("datagram: enable hoplimit cmsg: %w", err)
		}
		bindIface(pc, iface)
		return &Conn{proto: proto, pc: pc}, nil

	case ProtoTCP:
		c, err := net.ListenPacket("ip6:tcp", "::")
		if err != nil {
			return nil, fmt.Errorf("datagram: listen raw tcp6: %w", err)
		}
		pc := ipv6.NewPacketConn(c)
		if err := pc.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			return nil, fmt.Errorf("datagram: enable hoplimit cmsg: %w", err)
		}
		bindIface(pc, iface)
		return &Conn{proto: proto, pc: pc}, nil

	case ProtoUDP:
		c, err := net.ListenUDP("udp6", &net.UDPAddr{})
		if err != nil {
			return nil, fmt.Errorf("datagram: listen udp6: %w", err)
		}
		pc := ipv6.NewPacketConn(c)
		if err := pc.SetControlMessage(ipv6.FlagHopLimit, true); err != nil {
			return nil, fmt.Errorf("datagram: enable hoplimit cmsg: %w", err)
		}
		bindIface(pc, iface)
		return &Conn{proto: proto, pc: pc}, nil

	default:
		return nil, fmt.Errorf("datagram: unsupported protocol %d", proto)
	}
}

func bindIface(pc *ipv6.PacketConn, iface string) {
	if iface == "" {
		return
	}
	if ifi, err := net.InterfaceByName(iface); err == nil {
		_ = pc.SetMulticastInterface(ifi)
	}
}

// Close releases the underlying socket.
func (c *Conn) Close() error {
	return c.pc.Close()
}

// Send implements engine.Sender[model.Probe]. A zero HopLimit leaves the
// socket's default hop limit in place; traceroute sets it per hop.
func (c *Conn) Send(ctx context.Context, p model.Probe) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var dst net.Addr
	if c.proto == ProtoUDP {
		dst = &net.UDPAddr{IP: net.IP(p.Addr.AsSlice()), Port: p.Port}
	} else {
		dst = &net.IPAddr{IP: net.IP(p.Addr.AsSlice()), Zone: p.Addr.Zone()}
	}
	var cm *ipv6.ControlMessage
	if p.HopLimit > 0 {
		cm = &ipv6.ControlMessage{HopLimit: p.HopLimit}
	}
	_, err := c.pc.WriteTo(p.Payload, cm, dst)
	return err
}

// Receive implements engine.Receiver: poll every PollInterval, push each
// read to out, and return once done closes or ctx is canceled.
func (c *Conn) Receive(ctx context.Context, done <-chan struct{}, out chan<- model.Received) {
	buf := make([]byte, 65535)
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		default:
		}

		payload, addr, port, err := c.readOne(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return
		}
		if payload == nil {
			continue
		}

		select {
		case out <- model.Received{Addr: addr, Port: port, Payload: payload, At: time.Now()}:
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *Conn) readOne(buf []byte) ([]byte, netip.Addr, int, error) {
	deadline := time.Now().Add(PollInterval)
	if err := c.pc.SetReadDeadline(deadline); err != nil {
		return nil, netip.Addr{}, 0, err
	}
	n, _, src, err := c.pc.ReadFrom(buf)
	if err != nil {
		return nil, netip.Addr{}, 0, err
	}
	switch a := src.(type) {
	case *net.UDPAddr:
		return clone(buf[:n]), addrFromIP(a.IP), a.Port, nil
	case *net.IPAddr:
		return clone(buf[:n]), addrFromIP(a.IP), 0, nil
	}
	return clone(buf[:n]), netip.Addr{}, 0, nil
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

func addrFromIP(ip net.IP) netip.Addr {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}
	}
	return a.Unmap()
}
