// Package model holds the data types shared by the probe engine, the
// transports, the codec and the scanners: probes going out, packets coming
// back, and the per-scanner result shapes described in spec §3/§6.
package model

import (
	"net/netip"
	"time"
)

// Probe is a single datagram-transport probe: an address/port tuple plus
// the wire payload the codec already built. HopLimit of 0 means "use the
// transport's default"; traceroute sets it per hop.
type Probe struct {
	Addr     netip.Addr
	Port     int
	Payload  []byte
	HopLimit int
}

// CapturePacket is a single capture-transport probe: a fully framed
// IPv6 packet ready for link-layer send, plus the destination used to
// resolve the outbound interface.
type CapturePacket struct {
	Dst   netip.Addr
	Frame []byte
}

// Received is a packet handed from a transport's receiver goroutine to a
// scanner's parse step. Datagram transports populate Addr/Port/Payload;
// capture transports populate Frame and leave Addr unset (the scanner's
// parser pulls addresses out of Frame itself).
type Received struct {
	Addr    netip.Addr
	Port    int
	Payload []byte
	Frame   []byte
	At      time.Time
}
