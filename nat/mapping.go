package nat

import (
	"net/netip"

	"github.com/edgenat/nat44/packet"
)

// Mapping holds the two directional rewrite rules derived from one session
// intent. The internal pair serves request-direction traffic, the external
// pair the mirrored response direction. Both are inserted, and later
// removed, as one transaction.
type Mapping struct {
	InternalLookup Channel
	InternalMapped Channel
	ExternalLookup Channel
	ExternalMapped Channel
}

// mapNAT derives the rewrite rules for plain source NAT. Request-direction
// traffic from left to right has its source rewritten to translatedLeft;
// responses arriving at translatedLeft have their destination restored to
// left. Composing the two on a round-tripped packet yields the original
// endpoints.
func mapNAT(left, right, translatedLeft Endpoint) Mapping {
	return Mapping{
		InternalLookup: Channel{Src: left, Dst: right},
		InternalMapped: Channel{Src: translatedLeft, Dst: right},
		ExternalLookup: Channel{Src: right, Dst: translatedLeft},
		ExternalMapped: Channel{Src: right, Dst: left},
	}
}

// mapRedirect derives the rewrite rules for destination redirection.
// translatedLeft is the publicly advertised endpoint the client (left)
// contacts; right is the real backend and translatedRight the endpoint the
// backend sees the traffic come from. Backend replies are rewritten to
// appear to originate at the advertised endpoint.
func mapRedirect(left, right, translatedLeft, translatedRight Endpoint) Mapping {
	return Mapping{
		InternalLookup: Channel{Src: left, Dst: translatedLeft},
		InternalMapped: Channel{Src: translatedRight, Dst: right},
		ExternalLookup: Channel{Src: right, Dst: translatedRight},
		ExternalMapped: Channel{Src: translatedLeft, Dst: left},
	}
}

// portsMapping builds the session mapping for a port-keyed (TCP or UDP)
// flow, extracting the ports from the transport header and dispatching on
// the session mode.
func portsMapping(mode Mode, t packet.Transport, translated Endpoint, src, dst netip.Addr) (Mapping, error) {
	var srcPort, dstPort uint16
	switch tr := t.(type) {
	case packet.TCP:
		srcPort, dstPort = tr.Header.SrcPort, tr.Header.DstPort
	case packet.UDP:
		srcPort, dstPort = tr.Header.SrcPort, tr.Header.DstPort
	default:
		return Mapping{}, ErrCannotNAT
	}

	left := Endpoint{Addr: src, Port: srcPort}
	switch m := mode.(type) {
	case NATMode:
		right := Endpoint{Addr: dst, Port: dstPort}
		return mapNAT(left, right, translated), nil
	case RedirectMode:
		// The packet's destination is the advertised endpoint.
		advertised := Endpoint{Addr: dst, Port: dstPort}
		return mapRedirect(left, m.Backend, advertised, translated), nil
	default:
		return Mapping{}, ErrCannotNAT
	}
}

// idMapping builds the session mapping for an identifier-keyed ICMP query
// flow. Only NAT mode is supported, and only identifier+sequence subheaders
// qualify; anything else cannot be keyed. The identifier rides in Src.Port
// of every channel, giving each direction a (srcIP, dstIP, id) triple key.
func idMapping(mode Mode, t packet.ICMP, translated Endpoint, src, dst netip.Addr) (Mapping, error) {
	if _, ok := mode.(NATMode); !ok {
		return Mapping{}, ErrCannotNAT
	}
	q, ok := t.Payload.(packet.ICMPQuery)
	if !ok {
		return Mapping{}, ErrCannotNAT
	}

	return Mapping{
		InternalLookup: Channel{
			Src: Endpoint{Addr: src, Port: q.ID},
			Dst: Endpoint{Addr: dst},
		},
		InternalMapped: Channel{
			Src: Endpoint{Addr: translated.Addr, Port: translated.Port},
			Dst: Endpoint{Addr: dst},
		},
		ExternalLookup: Channel{
			Src: Endpoint{Addr: dst, Port: translated.Port},
			Dst: Endpoint{Addr: translated.Addr},
		},
		ExternalMapped: Channel{
			Src: Endpoint{Addr: dst, Port: q.ID},
			Dst: Endpoint{Addr: src},
		},
	}, nil
}
