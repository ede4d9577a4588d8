package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// Codec errors.
var (
	ErrPacketTooShort   = errors.New("packet too short")
	ErrInvalidIPVersion = errors.New("invalid IP version")
	ErrUnsupportedProto = errors.New("unsupported protocol")
)

// Decode parses a raw IPv4 packet into the structured model.
func Decode(raw []byte) (Packet, error) {
	if len(raw) < 20 {
		return Packet{}, ErrPacketTooShort
	}
	if raw[0]>>4 != 4 {
		return Packet{}, ErrInvalidIPVersion
	}

	pkt := gopacket.NewPacket(raw, layers.LayerTypeIPv4, gopacket.Default)
	ip4, ok := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
	if !ok {
		return Packet{}, ErrPacketTooShort
	}

	src, err := addrFrom(ip4.SrcIP)
	if err != nil {
		return Packet{}, err
	}
	dst, err := addrFrom(ip4.DstIP)
	if err != nil {
		return Packet{}, err
	}

	hdr := IPv4Header{
		TOS:        ip4.TOS,
		ID:         ip4.Id,
		Flags:      uint8(ip4.Flags),
		FragOffset: ip4.FragOffset,
		TTL:        ip4.TTL,
		Protocol:   Protocol(ip4.Protocol),
		Src:        src,
		Dst:        dst,
	}
	if len(ip4.Contents) > 20 {
		hdr.Options = append([]byte(nil), ip4.Contents[20:]...)
	}

	switch Protocol(ip4.Protocol) {
	case ProtocolTCP:
		tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP)
		if !ok {
			return Packet{}, ErrPacketTooShort
		}
		return Packet{IP: hdr, Transport: decodeTCP(tcp)}, nil

	case ProtocolUDP:
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			return Packet{}, ErrPacketTooShort
		}
		return Packet{IP: hdr, Transport: UDP{
			Header:  UDPHeader{SrcPort: uint16(udp.SrcPort), DstPort: uint16(udp.DstPort)},
			Payload: append([]byte(nil), udp.Payload...),
		}}, nil

	case ProtocolICMP:
		icmp, ok := pkt.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			return Packet{}, ErrPacketTooShort
		}
		return Packet{IP: hdr, Transport: decodeICMP(icmp)}, nil

	default:
		return Packet{}, ErrUnsupportedProto
	}
}

func decodeTCP(tcp *layers.TCP) TCP {
	h := TCPHeader{
		SrcPort: uint16(tcp.SrcPort),
		DstPort: uint16(tcp.DstPort),
		Seq:     tcp.Seq,
		Ack:     tcp.Ack,
		Window:  tcp.Window,
		Urgent:  tcp.Urgent,
	}
	if tcp.FIN {
		h.Flags |= TCPFlagFIN
	}
	if tcp.SYN {
		h.Flags |= TCPFlagSYN
	}
	if tcp.RST {
		h.Flags |= TCPFlagRST
	}
	if tcp.PSH {
		h.Flags |= TCPFlagPSH
	}
	if tcp.ACK {
		h.Flags |= TCPFlagACK
	}
	if tcp.URG {
		h.Flags |= TCPFlagURG
	}
	if len(tcp.Contents) > 20 {
		h.Options = append([]byte(nil), tcp.Contents[20:]...)
	}
	return TCP{Header: h, Payload: append([]byte(nil), tcp.Payload...)}
}

func decodeICMP(icmp *layers.ICMPv4) ICMP {
	hdr := ICMPHeader{Type: icmp.TypeCode.Type(), Code: icmp.TypeCode.Code()}

	switch {
	case hdr.IsQuery():
		return ICMP{Header: hdr, Payload: ICMPQuery{
			ID:   icmp.Id,
			Seq:  icmp.Seq,
			Data: append([]byte(nil), icmp.Payload...),
		}}

	case hdr.IsError():
		quoted, payload, qlen, err := decodeQuoted(icmp.Payload)
		if err != nil {
			// Unparseable quote: carry opaquely, translation will refuse it.
			break
		}
		return ICMP{Header: hdr, Payload: ICMPError{
			Unused:        uint32(icmp.Id)<<16 | uint32(icmp.Seq),
			Quoted:        quoted,
			QuotedPayload: payload,
			QuotedLen:     qlen,
		}}
	}

	body := make([]byte, 0, 4+len(icmp.Payload))
	if len(icmp.Contents) >= 8 {
		body = append(body, icmp.Contents[4:8]...)
	} else {
		body = append(body, 0, 0, 0, 0)
	}
	body = append(body, icmp.Payload...)
	return ICMP{Header: hdr, Payload: ICMPOther{Body: body}}
}

// decodeQuoted parses the IPv4 header quoted inside an ICMP error and
// returns it together with the (possibly truncated) raw transport bytes and
// the total length the quoted header declared.
func decodeQuoted(data []byte) (IPv4Header, []byte, uint16, error) {
	if len(data) < 20 {
		return IPv4Header{}, nil, 0, ErrPacketTooShort
	}
	var inner layers.IPv4
	if err := inner.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
		return IPv4Header{}, nil, 0, fmt.Errorf("quoted header: %w", err)
	}
	src, err := addrFrom(inner.SrcIP)
	if err != nil {
		return IPv4Header{}, nil, 0, err
	}
	dst, err := addrFrom(inner.DstIP)
	if err != nil {
		return IPv4Header{}, nil, 0, err
	}
	hdr := IPv4Header{
		TOS:        inner.TOS,
		ID:         inner.Id,
		Flags:      uint8(inner.Flags),
		FragOffset: inner.FragOffset,
		TTL:        inner.TTL,
		Protocol:   Protocol(inner.Protocol),
		Src:        src,
		Dst:        dst,
	}
	hlen := int(inner.IHL) * 4
	if hlen > 20 && len(data) >= hlen {
		hdr.Options = append([]byte(nil), data[20:hlen]...)
	}
	if hlen > len(data) {
		return IPv4Header{}, nil, 0, ErrPacketTooShort
	}
	payload := append([]byte(nil), data[hlen:]...)
	return hdr, payload, inner.Length, nil
}

// Encode serializes the structured packet back to wire bytes, fixing lengths
// and recomputing the IP and transport checksums.
func Encode(p Packet) ([]byte, error) {
	ip := &layers.IPv4{
		Version:    4,
		TOS:        p.IP.TOS,
		Id:         p.IP.ID,
		Flags:      layers.IPv4Flag(p.IP.Flags),
		FragOffset: p.IP.FragOffset,
		TTL:        p.IP.TTL,
		Protocol:   layers.IPProtocol(p.IP.Protocol),
		SrcIP:      net.IP(p.IP.Src.AsSlice()),
		DstIP:      net.IP(p.IP.Dst.AsSlice()),
		Options:    ipv4Options(p.IP.Options),
	}

	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	buf := gopacket.NewSerializeBuffer()

	switch t := p.Transport.(type) {
	case TCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(t.Header.SrcPort),
			DstPort: layers.TCPPort(t.Header.DstPort),
			Seq:     t.Header.Seq,
			Ack:     t.Header.Ack,
			Window:  t.Header.Window,
			Urgent:  t.Header.Urgent,
			FIN:     t.Header.Flags&TCPFlagFIN != 0,
			SYN:     t.Header.Flags&TCPFlagSYN != 0,
			RST:     t.Header.Flags&TCPFlagRST != 0,
			PSH:     t.Header.Flags&TCPFlagPSH != 0,
			ACK:     t.Header.Flags&TCPFlagACK != 0,
			URG:     t.Header.Flags&TCPFlagURG != 0,
			Options: tcpOptions(t.Header.Options),
		}
		if err := tcp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, tcp, gopacket.Payload(t.Payload)); err != nil {
			return nil, err
		}

	case UDP:
		udp := &layers.UDP{
			SrcPort: layers.UDPPort(t.Header.SrcPort),
			DstPort: layers.UDPPort(t.Header.DstPort),
		}
		if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
			return nil, err
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(t.Payload)); err != nil {
			return nil, err
		}

	case ICMP:
		icmp := &layers.ICMPv4{
			TypeCode: layers.CreateICMPv4TypeCode(t.Header.Type, t.Header.Code),
		}
		var body []byte
		switch pl := t.Payload.(type) {
		case ICMPQuery:
			icmp.Id = pl.ID
			icmp.Seq = pl.Seq
			body = pl.Data
		case ICMPError:
			icmp.Id = uint16(pl.Unused >> 16)
			icmp.Seq = uint16(pl.Unused)
			quoted, err := encodeQuoted(pl.Quoted, pl.QuotedPayload, pl.QuotedLen)
			if err != nil {
				return nil, err
			}
			body = quoted
		case ICMPOther:
			if len(pl.Body) >= 4 {
				icmp.Id = binary.BigEndian.Uint16(pl.Body[0:2])
				icmp.Seq = binary.BigEndian.Uint16(pl.Body[2:4])
				body = pl.Body[4:]
			}
		}
		if err := gopacket.SerializeLayers(buf, opts, ip, icmp, gopacket.Payload(body)); err != nil {
			return nil, err
		}

	default:
		return nil, ErrUnsupportedProto
	}

	return buf.Bytes(), nil
}

// encodeQuoted rebuilds the quoted packet inside an ICMP error. The quoted
// total length is written as originally seen, not recomputed, because the
// quoted transport bytes are commonly truncated.
func encodeQuoted(hdr IPv4Header, payload []byte, quotedLen uint16) ([]byte, error) {
	ip := &layers.IPv4{
		Version:    4,
		IHL:        uint8(5 + len(hdr.Options)/4),
		TOS:        hdr.TOS,
		Length:     quotedLen,
		Id:         hdr.ID,
		Flags:      layers.IPv4Flag(hdr.Flags),
		FragOffset: hdr.FragOffset,
		TTL:        hdr.TTL,
		Protocol:   layers.IPProtocol(hdr.Protocol),
		SrcIP:      net.IP(hdr.Src.AsSlice()),
		DstIP:      net.IP(hdr.Dst.AsSlice()),
		Options:    ipv4Options(hdr.Options),
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: false, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// tcpOptions walks raw TCP option bytes back into gopacket's option list.
func tcpOptions(raw []byte) []layers.TCPOption {
	var out []layers.TCPOption
	for i := 0; i < len(raw); {
		kind := layers.TCPOptionKind(raw[i])
		switch kind {
		case layers.TCPOptionKindEndList, layers.TCPOptionKindNop:
			out = append(out, layers.TCPOption{OptionType: kind})
			i++
		default:
			if i+1 >= len(raw) {
				return out
			}
			length := int(raw[i+1])
			if length < 2 || i+length > len(raw) {
				return out
			}
			out = append(out, layers.TCPOption{
				OptionType:   kind,
				OptionLength: raw[i+1],
				OptionData:   append([]byte(nil), raw[i+2:i+length]...),
			})
			i += length
		}
	}
	return out
}

// ipv4Options walks raw IPv4 option bytes back into gopacket's option list.
func ipv4Options(raw []byte) []layers.IPv4Option {
	var out []layers.IPv4Option
	for i := 0; i < len(raw); {
		kind := raw[i]
		if kind == 0 || kind == 1 { // end-of-list, nop
			out = append(out, layers.IPv4Option{OptionType: kind, OptionLength: 1})
			i++
			continue
		}
		if i+1 >= len(raw) {
			return out
		}
		length := int(raw[i+1])
		if length < 2 || i+length > len(raw) {
			return out
		}
		out = append(out, layers.IPv4Option{
			OptionType:   kind,
			OptionLength: raw[i+1],
			OptionData:   append([]byte(nil), raw[i+2:i+length]...),
		})
		i += length
	}
	return out
}

func addrFrom(ip net.IP) (netip.Addr, error) {
	ip4 := ip.To4()
	if ip4 == nil {
		return netip.Addr{}, ErrInvalidIPVersion
	}
	addr, ok := netip.AddrFromSlice(ip4)
	if !ok {
		return netip.Addr{}, ErrInvalidIPVersion
	}
	return addr, nil
}
