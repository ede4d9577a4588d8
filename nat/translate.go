package nat

import (
	"github.com/edgenat/nat44/packet"
)

// lookupChannel derives the table lookup channel for a packet. ICMP queries
// normalize their identifier into Src.Port regardless of direction.
func lookupChannel(p packet.Packet) (Channel, bool) {
	switch t := p.Transport.(type) {
	case packet.TCP:
		return Channel{
			Src: Endpoint{Addr: p.IP.Src, Port: t.Header.SrcPort},
			Dst: Endpoint{Addr: p.IP.Dst, Port: t.Header.DstPort},
		}, true
	case packet.UDP:
		return Channel{
			Src: Endpoint{Addr: p.IP.Src, Port: t.Header.SrcPort},
			Dst: Endpoint{Addr: p.IP.Dst, Port: t.Header.DstPort},
		}, true
	case packet.ICMP:
		q, ok := t.Payload.(packet.ICMPQuery)
		if !ok {
			return Channel{}, false
		}
		return Channel{
			Src: Endpoint{Addr: p.IP.Src, Port: q.ID},
			Dst: Endpoint{Addr: p.IP.Dst},
		}, true
	default:
		return Channel{}, false
	}
}

// Translate rewrites a packet against the session table. TCP and UDP key on
// the (src, dst) endpoint pair; ICMP queries on the (srcIP, dstIP, id)
// triple; ICMP errors resolve through the reversed quoted channel. A packet
// with no matching session, or a shape the translator does not recognize,
// fails with ErrUntranslated.
func (t *Table) Translate(p packet.Packet) (packet.Packet, error) {
	switch tr := p.Transport.(type) {
	case packet.TCP, packet.UDP:
		ch, _ := lookupChannel(p)
		_, mapped, ok := t.Lookup(tr.Proto(), ch)
		if !ok {
			return packet.Packet{}, ErrUntranslated
		}
		return rewritePorts(p, mapped)

	case packet.ICMP:
		switch pl := tr.Payload.(type) {
		case packet.ICMPQuery:
			ch, _ := lookupChannel(p)
			_, mapped, ok := t.Lookup(packet.ProtocolICMP, ch)
			if !ok {
				return packet.Packet{}, ErrUntranslated
			}
			return rewriteICMPID(p, mapped)
		case packet.ICMPError:
			return rewriteICMPError(t, p, tr, pl)
		default:
			return packet.Packet{}, ErrUntranslated
		}

	default:
		return packet.Packet{}, ErrUntranslated
	}
}

// Add creates a session for the packet's flow. Both flow addresses must be
// routable (global or organization scope). The session's expiry is now plus
// the protocol's window; the derived mapping is inserted into the
// protocol's namespace as one transaction. Redirect mode is rejected for
// ICMP flows.
func (t *Table) Add(now int64, p packet.Packet, translated Endpoint, mode Mode) error {
	if !routable(p.IP.Src) || !routable(p.IP.Dst) {
		return ErrCannotNAT
	}

	switch tr := p.Transport.(type) {
	case packet.TCP, packet.UDP:
		proto := tr.Proto()
		m, err := portsMapping(mode, tr, translated, p.IP.Src, p.IP.Dst)
		if err != nil {
			return err
		}
		return t.Insert(proto, now+window(proto), m)

	case packet.ICMP:
		m, err := idMapping(mode, tr, translated, p.IP.Src, p.IP.Dst)
		if err != nil {
			return err
		}
		return t.Insert(packet.ProtocolICMP, now+window(packet.ProtocolICMP), m)

	default:
		return ErrCannotNAT
	}
}
