// Package nat implements a stateful IPv4 NAT core: the mapping rule algebra
// that derives paired rewrite rules from a NAT or redirect intent, the
// bidirectional session table that stores them, and the packet translator
// that applies them. The engine in this package drives the core from a
// dataplane; the core itself performs no I/O and no logging.
package nat

import (
	"fmt"
	"net/netip"

	"github.com/edgenat/nat44/packet"
)

// Endpoint is an addressed flow endpoint. Port holds the transport port for
// TCP/UDP and the query identifier for ICMP.
type Endpoint struct {
	Addr netip.Addr
	Port uint16
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s:%d", e.Addr, e.Port)
}

// Channel is one direction of a flow: an ordered (source, destination)
// endpoint pair. ICMP channels carry the query identifier in Src.Port and
// zero in Dst.Port; lookupChannel normalizes every ICMP packet into that
// shape so requests and replies key the same namespace consistently.
type Channel struct {
	Src Endpoint
	Dst Endpoint
}

func (c Channel) String() string {
	return fmt.Sprintf("%s -> %s", c.Src, c.Dst)
}

// reversed returns the channel with source and destination swapped, as a
// reply to this channel's traffic would appear.
func (c Channel) reversed() Channel {
	return Channel{Src: c.Dst, Dst: c.Src}
}

// Mode selects how a session rewrites traffic. The set is closed.
type Mode interface {
	isMode()
}

// NATMode is plain source NAT: internal flows masquerade behind a
// translation endpoint.
type NATMode struct{}

func (NATMode) isMode() {}

// RedirectMode is destination redirection (port forwarding): traffic for a
// publicly advertised endpoint is steered to Backend.
type RedirectMode struct {
	Backend Endpoint
}

func (RedirectMode) isMode() {}

// Expiry windows per protocol, in seconds. ICMP query sessions must survive
// at least 60s per RFC 5508; TCP established flows get a day.
const (
	UDPWindow  int64 = 60
	TCPWindow  int64 = 86400
	ICMPWindow int64 = 120
)

// window returns the expiry window for a protocol.
func window(proto packet.Protocol) int64 {
	switch proto {
	case packet.ProtocolTCP:
		return TCPWindow
	case packet.ProtocolUDP:
		return UDPWindow
	case packet.ProtocolICMP:
		return ICMPWindow
	default:
		return UDPWindow
	}
}
