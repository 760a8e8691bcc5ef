// Package port implements the TCP SYN port scanner of spec §4.7. Unlike
// the teacher's port scanner (neoAgent/internal/core/scanner/port/scanner.go),
// which does a plain TCP-connect scan through the kernel's stack, this
// one crafts and sends raw SYN segments over the capture transport
// (codec.BuildTCP + codec.WrapIPv6): a bound raw socket would leave the
// kernel's own TCP stack in the receive path, and it would emit RSTs for
// SYN-ACKs it doesn't recognize as belonging to a tracked connection,
// corrupting the scan — the same reason nmap-style SYN scanners bypass
// the IP stack via L2 capture.
package port

import (
	"context"
	"fmt"
	"math/rand"
	"net/netip"

	"ipv6recon/internal/core/codec"
	"ipv6recon/internal/core/engine"
	"ipv6recon/internal/core/model"
	"ipv6recon/internal/core/transport/capture"
)

// Scan sends a SYN probe to every port in ports and classifies each as
// open, closed, or filtered.
func Scan(ctx context.Context, src, target netip.Addr, ports []int, iface string, cfg engine.Config) ([]model.PortResult, error) {
	srcPort := 1024 + rand.Intn(64511)
	filterExpr := capture.BuildFilter("ip6 and tcp dst port {port}", map[string]string{"port": fmt.Sprintf("%d", srcPort)})

	conn, err := capture.Open(iface, filterExpr)
	if err != nil {
		return nil, fmt.Errorf("port: open capture: %w", err)
	}
	defer conn.Close()

	cycle := &portCycle{src: src, target: target, ports: ports, srcPort: srcPort}
	cfg.Stateful = true

	received, err := engine.Scan[model.CapturePacket](ctx, conn, conn, cycle, cfg)
	if err != nil {
		return nil, fmt.Errorf("port: scan: %w", err)
	}
	return cycle.results(received), nil
}

type portCycle struct {
	src, target netip.Addr
	ports       []int
	srcPort     int
}

// synOptions is the single option spec §4.7 names for the port
// scanner's SYN: MSS 1460, nothing else.
func synOptions() []codec.TCPOption {
	return []codec.TCPOption{{Kind: codec.TCPOptionMSS, Data: []byte{0x05, 0xb4}}} // 1460
}

// Next assigns each port's SYN a sequence number equal to its index
// into ports — the tuple index spec §4.7 requires the reply's ack to
// recover.
func (c *portCycle) Next(round int, _ []model.Received) ([]model.CapturePacket, bool) {
	if round > 0 {
		return nil, false
	}
	batch := make([]model.CapturePacket, 0, len(c.ports))
	for i, p := range c.ports {
		seg, err := codec.BuildTCP(c.src, c.target, c.srcPort, p, uint32(i), 0, codec.TCPFlagSYN, 1024, 0, synOptions())
		if err != nil {
			continue
		}
		batch = append(batch, model.CapturePacket{Dst: c.target, Frame: codec.WrapIPv6(c.src, c.target, codec.NextHeaderTCP, seg)})
	}
	return batch, true
}

func (c *portCycle) StopRetry(results []model.Received) bool {
	responded := c.responses(results)
	for i := range c.ports {
		if _, ok := responded[i]; !ok {
			return false
		}
	}
	return true
}

// responses recovers the tuple index from each captured reply's
// ack-1 (spec §4.7), cross-checked against the source address and the
// port that index names — not by matching on the raw destination port,
// which a bound socket's own stack could otherwise spoof a response for.
func (c *portCycle) responses(received []model.Received) map[int]codec.ParsedTCP {
	out := make(map[int]codec.ParsedTCP)
	targetB := c.target.As16()
	for _, r := range received {
		if len(r.Frame) < 40 || r.Frame[6] != codec.NextHeaderTCP {
			continue
		}
		var srcAddr [16]byte
		copy(srcAddr[:], r.Frame[8:24])
		if srcAddr != targetB {
			continue
		}
		tcp, err := codec.ParseTCP(r.Frame[40:])
		if err != nil || tcp.DstPort != c.srcPort {
			continue
		}
		idx := int(tcp.Ack) - 1
		if idx < 0 || idx >= len(c.ports) || tcp.SrcPort != c.ports[idx] {
			continue
		}
		out[idx] = tcp
	}
	return out
}

func (c *portCycle) results(received []model.Received) []model.PortResult {
	responded := c.responses(received)
	out := make([]model.PortResult, len(c.ports))
	for i, p := range c.ports {
		status := model.PortFiltered
		if tcp, ok := responded[i]; ok {
			switch {
			case tcp.Flags&codec.TCPFlagRST != 0:
				status = model.PortClosed
			case tcp.Flags&codec.TCPFlagSYN != 0 && tcp.Flags&codec.TCPFlagACK != 0:
				status = model.PortOpen
			}
		}
		out[i] = model.PortResult{Target: c.target, Port: p, Status: status}
	}
	return out
}
