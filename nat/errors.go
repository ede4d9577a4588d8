package nat

import "errors"

// Translation and session-creation failures. All are local, recoverable
// conditions returned to the caller; none abort processing.
var (
	// ErrUntranslated means no matching session exists for the packet, or
	// the packet has a shape the translator does not recognize.
	ErrUntranslated = errors.New("nat: no translation for packet")

	// ErrTTLExceeded means the packet's TTL reached zero during rewrite.
	// The packet is not forwarded and no ICMP time-exceeded reply is
	// generated.
	ErrTTLExceeded = errors.New("nat: TTL exceeded")

	// ErrCannotNAT means a session cannot be created: an endpoint address
	// is not routable, or the mode/protocol combination is unsupported.
	ErrCannotNAT = errors.New("nat: cannot create session")

	// ErrOverlap means one of a new session's two keys collides with an
	// existing, different session.
	ErrOverlap = errors.New("nat: session keys overlap existing session")
)
