package nat

import (
	"encoding/binary"

	"github.com/edgenat/nat44/packet"
)

// rewriteIP returns a copy of the header readdressed to (src, dst) with the
// TTL decremented. A packet arriving with TTL 0 is not forwarded; no ICMP
// time-exceeded reply is generated for it.
func rewriteIP(h packet.IPv4Header, src, dst Endpoint) (packet.IPv4Header, error) {
	if h.TTL == 0 {
		return packet.IPv4Header{}, ErrTTLExceeded
	}
	return h.WithAddrs(src.Addr, dst.Addr).WithTTL(h.TTL - 1), nil
}

// rewritePorts applies a resolved mapped channel to a TCP or UDP packet:
// the IP header is readdressed and the transport ports replaced. Sequence
// numbers, flags and every other transport field pass through unchanged.
func rewritePorts(p packet.Packet, mapped Channel) (packet.Packet, error) {
	ip, err := rewriteIP(p.IP, mapped.Src, mapped.Dst)
	if err != nil {
		return packet.Packet{}, err
	}
	switch t := p.Transport.(type) {
	case packet.TCP:
		t.Header = t.Header.WithPorts(mapped.Src.Port, mapped.Dst.Port)
		return p.WithIP(ip).WithTransport(t), nil
	case packet.UDP:
		t.Header = t.Header.WithPorts(mapped.Src.Port, mapped.Dst.Port)
		return p.WithIP(ip).WithTransport(t), nil
	default:
		return packet.Packet{}, ErrUntranslated
	}
}

// rewriteICMPID applies a resolved mapped channel to an ICMP query packet,
// replacing the query identifier. Only identifier+sequence subheaders can
// be rewritten.
func rewriteICMPID(p packet.Packet, mapped Channel) (packet.Packet, error) {
	t, ok := p.Transport.(packet.ICMP)
	if !ok {
		return packet.Packet{}, ErrUntranslated
	}
	q, ok := t.Payload.(packet.ICMPQuery)
	if !ok {
		return packet.Packet{}, ErrUntranslated
	}
	ip, err := rewriteIP(p.IP, mapped.Src, mapped.Dst)
	if err != nil {
		return packet.Packet{}, err
	}
	q.ID = mapped.Src.Port
	t.Payload = q
	return p.WithIP(ip).WithTransport(t), nil
}

// rewriteICMPError translates an ICMP error packet against the session
// table. The error travels opposite to the flow it reports on, so the
// quoted packet's channel is reversed before lookup. On a hit the outer
// header is readdressed from the mapped channel while the quoted inner
// header and ports are rewritten swapped relative to it, restoring the
// pre-translation form of the offending packet. The quoted length field and
// all remaining quoted bytes are preserved.
func rewriteICMPError(t *Table, p packet.Packet, icmp packet.ICMP, e packet.ICMPError) (packet.Packet, error) {
	innerProto := e.Quoted.Protocol
	switch innerProto {
	case packet.ProtocolTCP, packet.ProtocolUDP:
	default:
		return packet.Packet{}, ErrUntranslated
	}
	if len(e.QuotedPayload) < 8 {
		return packet.Packet{}, ErrUntranslated
	}
	srcPort := binary.BigEndian.Uint16(e.QuotedPayload[0:2])
	dstPort := binary.BigEndian.Uint16(e.QuotedPayload[2:4])

	// The quoted packet ran in the original flow's direction; this error is
	// the response leg, so look up the swapped channel.
	reversed := Channel{
		Src: Endpoint{Addr: e.Quoted.Dst, Port: dstPort},
		Dst: Endpoint{Addr: e.Quoted.Src, Port: srcPort},
	}
	_, mapped, ok := t.Lookup(innerProto, reversed)
	if !ok {
		return packet.Packet{}, ErrUntranslated
	}

	ip, err := rewriteIP(p.IP, mapped.Src, mapped.Dst)
	if err != nil {
		return packet.Packet{}, err
	}

	quoted := e.Quoted.WithAddrs(mapped.Dst.Addr, mapped.Src.Addr)
	payload := append([]byte(nil), e.QuotedPayload...)
	binary.BigEndian.PutUint16(payload[0:2], mapped.Dst.Port)
	binary.BigEndian.PutUint16(payload[2:4], mapped.Src.Port)

	e.Quoted = quoted
	e.QuotedPayload = payload
	icmp.Payload = e
	return p.WithIP(ip).WithTransport(icmp), nil
}
