// Package packet defines the structured IPv4 packet model used by the NAT
// core and the wire codec that converts it to and from raw bytes.
package packet

import "net/netip"

// Protocol is an IPv4 protocol number.
type Protocol uint8

const (
	ProtocolICMP Protocol = 1
	ProtocolTCP  Protocol = 6
	ProtocolUDP  Protocol = 17
)

func (p Protocol) String() string {
	switch p {
	case ProtocolICMP:
		return "ICMP"
	case ProtocolTCP:
		return "TCP"
	case ProtocolUDP:
		return "UDP"
	default:
		return "UNKNOWN"
	}
}

// ICMP types handled by the translator.
const (
	ICMPTypeEchoReply        uint8 = 0
	ICMPTypeDestUnreachable  uint8 = 3
	ICMPTypeSourceQuench     uint8 = 4
	ICMPTypeRedirect         uint8 = 5
	ICMPTypeEchoRequest      uint8 = 8
	ICMPTypeTimeExceeded     uint8 = 11
	ICMPTypeParameterProblem uint8 = 12
	ICMPTypeTimestampRequest uint8 = 13
	ICMPTypeTimestampReply   uint8 = 14
)

// IPv4Header is a value-type IPv4 header. Updates go through the With*
// constructors so a header held elsewhere is never mutated in place.
type IPv4Header struct {
	TOS        uint8
	ID         uint16
	Flags      uint8
	FragOffset uint16
	TTL        uint8
	Protocol   Protocol
	Src        netip.Addr
	Dst        netip.Addr
	Options    []byte
}

// WithAddrs returns a copy of the header with new source and destination
// addresses.
func (h IPv4Header) WithAddrs(src, dst netip.Addr) IPv4Header {
	h.Src = src
	h.Dst = dst
	return h
}

// WithTTL returns a copy of the header with a new TTL.
func (h IPv4Header) WithTTL(ttl uint8) IPv4Header {
	h.TTL = ttl
	return h
}

// TCPHeader is a value-type TCP header. Sequence numbers, flags and options
// pass through translation untouched.
type TCPHeader struct {
	SrcPort uint16
	DstPort uint16
	Seq     uint32
	Ack     uint32
	Flags   uint8
	Window  uint16
	Urgent  uint16
	Options []byte
}

// TCP flags.
const (
	TCPFlagFIN = 0x01
	TCPFlagSYN = 0x02
	TCPFlagRST = 0x04
	TCPFlagPSH = 0x08
	TCPFlagACK = 0x10
	TCPFlagURG = 0x20
)

// WithPorts returns a copy of the header with new source and destination
// ports.
func (h TCPHeader) WithPorts(src, dst uint16) TCPHeader {
	h.SrcPort = src
	h.DstPort = dst
	return h
}

// UDPHeader is a value-type UDP header.
type UDPHeader struct {
	SrcPort uint16
	DstPort uint16
}

// WithPorts returns a copy of the header with new source and destination
// ports.
func (h UDPHeader) WithPorts(src, dst uint16) UDPHeader {
	h.SrcPort = src
	h.DstPort = dst
	return h
}

// ICMPHeader holds the fixed first four bytes of an ICMP message. The four
// bytes after the checksum belong to the payload variants.
type ICMPHeader struct {
	Type uint8
	Code uint8
}

// IsError reports whether the type quotes the packet that triggered it.
func (h ICMPHeader) IsError() bool {
	switch h.Type {
	case ICMPTypeDestUnreachable, ICMPTypeSourceQuench, ICMPTypeRedirect,
		ICMPTypeTimeExceeded, ICMPTypeParameterProblem:
		return true
	}
	return false
}

// IsQuery reports whether the type carries an identifier+sequence subheader.
func (h ICMPHeader) IsQuery() bool {
	switch h.Type {
	case ICMPTypeEchoRequest, ICMPTypeEchoReply,
		ICMPTypeTimestampRequest, ICMPTypeTimestampReply:
		return true
	}
	return false
}

// Transport is the transport-layer variant of a packet: TCP, UDP or ICMP.
// The set is closed; every consumer switches exhaustively over it.
type Transport interface {
	Proto() Protocol
}

// TCP is a TCP segment.
type TCP struct {
	Header  TCPHeader
	Payload []byte
}

func (TCP) Proto() Protocol { return ProtocolTCP }

// UDP is a UDP datagram.
type UDP struct {
	Header  UDPHeader
	Payload []byte
}

func (UDP) Proto() Protocol { return ProtocolUDP }

// ICMP is an ICMP message. Payload distinguishes queries, errors and
// everything else.
type ICMP struct {
	Header  ICMPHeader
	Payload ICMPPayload
}

func (ICMP) Proto() Protocol { return ProtocolICMP }

// ICMPPayload is the body variant of an ICMP message.
type ICMPPayload interface {
	icmpPayload()
}

// ICMPQuery is an identifier+sequence message body (echo, timestamp).
type ICMPQuery struct {
	ID   uint16
	Seq  uint16
	Data []byte
}

func (ICMPQuery) icmpPayload() {}

// ICMPError is an error message body quoting the packet that triggered it.
// QuotedPayload holds the raw transport bytes of the quoted packet, which
// may be truncated; QuotedLen preserves the total length the quoted IPv4
// header originally declared.
type ICMPError struct {
	Unused        uint32
	Quoted        IPv4Header
	QuotedPayload []byte
	QuotedLen     uint16
}

func (ICMPError) icmpPayload() {}

// ICMPOther is any other ICMP body shape. It is carried opaquely and is
// never translated.
type ICMPOther struct {
	Body []byte
}

func (ICMPOther) icmpPayload() {}

// Packet is a parsed IPv4 packet with exactly one transport variant.
type Packet struct {
	IP        IPv4Header
	Transport Transport
}

// WithIP returns a copy of the packet with a replacement IP header.
func (p Packet) WithIP(h IPv4Header) Packet {
	p.IP = h
	return p
}

// WithTransport returns a copy of the packet with a replacement transport.
func (p Packet) WithTransport(t Transport) Packet {
	p.Transport = t
	return p
}
