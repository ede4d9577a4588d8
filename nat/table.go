package nat

import (
	"sync"

	"github.com/edgenat/nat44/packet"
)

// entry is one directional table slot. partner is the lookup channel of the
// twin entry in the opposite direction, so the pair can always be removed
// together.
type entry struct {
	expiry  int64
	mapped  Channel
	partner Channel
}

// namespace is one protocol's slice of the session table. The mutex covers
// the whole check-then-insert region of Insert so two concurrent inserts
// cannot both pass the absence check.
type namespace struct {
	mu      sync.RWMutex
	entries map[Channel]entry
}

func (ns *namespace) init() {
	ns.entries = make(map[Channel]entry)
}

func (ns *namespace) lookup(ch Channel) (int64, Channel, bool) {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	e, ok := ns.entries[ch]
	if !ok {
		return 0, Channel{}, false
	}
	return e.expiry, e.mapped, true
}

func (ns *namespace) insert(expiry int64, m Mapping) error {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	_, haveInternal := ns.entries[m.InternalLookup]
	_, haveExternal := ns.entries[m.ExternalLookup]
	switch {
	case !haveInternal && !haveExternal:
		ns.entries[m.InternalLookup] = entry{expiry: expiry, mapped: m.InternalMapped, partner: m.ExternalLookup}
		ns.entries[m.ExternalLookup] = entry{expiry: expiry, mapped: m.ExternalMapped, partner: m.InternalLookup}
		return nil
	case haveInternal && haveExternal:
		// Both keys already bound: treated as a benign re-insertion of the
		// same session. The stored values are not compared against the new
		// mapping.
		return nil
	default:
		return ErrOverlap
	}
}

func (ns *namespace) delete(internalLookup, externalLookup Channel) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	delete(ns.entries, internalLookup)
	delete(ns.entries, externalLookup)
}

func (ns *namespace) reset() {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	ns.entries = make(map[Channel]entry)
}

func (ns *namespace) count() int {
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.entries)
}

func (ns *namespace) sweep(now int64) int {
	ns.mu.Lock()
	defer ns.mu.Unlock()

	var stale []Channel
	for ch, e := range ns.entries {
		if e.expiry <= now {
			stale = append(stale, ch)
		}
	}
	removed := 0
	for _, ch := range stale {
		e, ok := ns.entries[ch]
		if !ok {
			continue // already removed as a partner
		}
		delete(ns.entries, ch)
		delete(ns.entries, e.partner)
		removed++
	}
	return removed
}

// Table is the bidirectional session table, partitioned into independent
// TCP, UDP and ICMP namespaces. Every live session occupies exactly two
// entries in one namespace, created and destroyed together.
type Table struct {
	tcp  namespace
	udp  namespace
	icmp namespace
}

// NewTable returns an empty session table.
func NewTable() *Table {
	t := &Table{}
	t.tcp.init()
	t.udp.init()
	t.icmp.init()
	return t
}

func (t *Table) ns(proto packet.Protocol) *namespace {
	switch proto {
	case packet.ProtocolTCP:
		return &t.tcp
	case packet.ProtocolUDP:
		return &t.udp
	case packet.ProtocolICMP:
		return &t.icmp
	default:
		return nil
	}
}

// Lookup finds the mapped channel and expiry for a lookup channel. Expired
// entries still match: staleness is enforced by the sweeper, never at read
// time.
func (t *Table) Lookup(proto packet.Protocol, ch Channel) (expiry int64, mapped Channel, ok bool) {
	ns := t.ns(proto)
	if ns == nil {
		return 0, Channel{}, false
	}
	return ns.lookup(ch)
}

// Insert writes both of a mapping's directional entries with a shared
// expiry. It succeeds only if both lookup keys are free, or both already
// bound (a benign re-insertion); an asymmetric collision fails with
// ErrOverlap and binds nothing.
func (t *Table) Insert(proto packet.Protocol, expiry int64, m Mapping) error {
	ns := t.ns(proto)
	if ns == nil {
		return ErrCannotNAT
	}
	return ns.insert(expiry, m)
}

// Delete removes both of a session's entries. Deleting an absent session is
// a no-op.
func (t *Table) Delete(proto packet.Protocol, internalLookup, externalLookup Channel) {
	ns := t.ns(proto)
	if ns == nil {
		return
	}
	ns.delete(internalLookup, externalLookup)
}

// Reset clears every entry in every protocol namespace.
func (t *Table) Reset() {
	t.tcp.reset()
	t.udp.reset()
	t.icmp.reset()
}

// Count returns the total number of table entries across all protocols.
// Each session accounts for two.
func (t *Table) Count() int {
	return t.tcp.count() + t.udp.count() + t.icmp.count()
}

// SweepExpired removes every session whose expiry is at or before now and
// returns the number of sessions removed. Both entries of an expired
// session go together. This is the reaper hook; Lookup and Insert never
// evict.
func (t *Table) SweepExpired(now int64) int {
	return t.tcp.sweep(now) + t.udp.sweep(now) + t.icmp.sweep(now)
}

// SessionEntry describes one directional table entry for inspection.
type SessionEntry struct {
	Protocol packet.Protocol
	Lookup   Channel
	Mapped   Channel
	Expiry   int64
}

// Entries returns a snapshot of all table entries, for status reporting.
func (t *Table) Entries() []SessionEntry {
	var out []SessionEntry
	for _, proto := range []packet.Protocol{packet.ProtocolTCP, packet.ProtocolUDP, packet.ProtocolICMP} {
		ns := t.ns(proto)
		ns.mu.RLock()
		for ch, e := range ns.entries {
			out = append(out, SessionEntry{Protocol: proto, Lookup: ch, Mapped: e.mapped, Expiry: e.expiry})
		}
		ns.mu.RUnlock()
	}
	return out
}
