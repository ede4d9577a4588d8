package nat

import "net/netip"

// Scope classifies an IPv4 address for session admission.
type Scope uint8

const (
	ScopeGlobal Scope = iota
	ScopeOrganization
	ScopeLoopback
	ScopeLinkLocal
	ScopeMulticast
	ScopeUnroutable
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeOrganization:
		return "organization"
	case ScopeLoopback:
		return "loopback"
	case ScopeLinkLocal:
		return "link-local"
	case ScopeMulticast:
		return "multicast"
	default:
		return "unroutable"
	}
}

var broadcast = netip.AddrFrom4([4]byte{255, 255, 255, 255})

// scopeOf classifies an IPv4 address.
func scopeOf(a netip.Addr) Scope {
	switch {
	case !a.IsValid() || !a.Is4() || a.IsUnspecified() || a == broadcast:
		return ScopeUnroutable
	case a.IsLoopback():
		return ScopeLoopback
	case a.IsLinkLocalUnicast():
		return ScopeLinkLocal
	case a.IsMulticast():
		return ScopeMulticast
	case a.IsPrivate():
		return ScopeOrganization
	default:
		return ScopeGlobal
	}
}

// routable reports whether an address may participate in a NAT session.
// Only globally routable and organization-scoped (RFC 1918) addresses
// qualify.
func routable(a netip.Addr) bool {
	switch scopeOf(a) {
	case ScopeGlobal, ScopeOrganization:
		return true
	default:
		return false
	}
}
