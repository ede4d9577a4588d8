package nat

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/edgenat/nat44/packet"
)

func testMapping() Mapping {
	left := Endpoint{Addr: netip.MustParseAddr("10.0.0.5"), Port: 12345}
	right := Endpoint{Addr: netip.MustParseAddr("8.8.8.8"), Port: 443}
	translated := Endpoint{Addr: netip.MustParseAddr("203.0.113.1"), Port: 49152}
	return mapNAT(left, right, translated)
}

func TestTableInsert(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if table.Count() != 2 {
		t.Errorf("Count = %d, want 2", table.Count())
	}
}

func TestTableLookup(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	expiry, mapped, ok := table.Lookup(packet.ProtocolTCP, m.InternalLookup)
	if !ok {
		t.Fatal("Lookup failed for internal key")
	}
	if expiry != 1000 {
		t.Errorf("expiry = %d, want 1000", expiry)
	}
	if mapped != m.InternalMapped {
		t.Errorf("mapped = %v, want %v", mapped, m.InternalMapped)
	}
}

func TestTableLookupReverse(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	_, mapped, ok := table.Lookup(packet.ProtocolTCP, m.ExternalLookup)
	if !ok {
		t.Fatal("Lookup failed for external key")
	}
	if mapped != m.ExternalMapped {
		t.Errorf("mapped = %v, want %v", mapped, m.ExternalMapped)
	}
}

func TestTableLookupMiss(t *testing.T) {
	table := NewTable()

	ch := Channel{
		Src: Endpoint{Addr: netip.MustParseAddr("10.0.0.5"), Port: 1},
		Dst: Endpoint{Addr: netip.MustParseAddr("8.8.8.8"), Port: 2},
	}
	if _, _, ok := table.Lookup(packet.ProtocolTCP, ch); ok {
		t.Error("Lookup should miss on empty table")
	}
}

func TestTableLookupIgnoresExpiry(t *testing.T) {
	table := NewTable()
	m := testMapping()

	// Insert with an expiry far in the past. The entry must still be
	// visible: only the sweeper removes stale sessions.
	if err := table.Insert(packet.ProtocolTCP, 1, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if _, _, ok := table.Lookup(packet.ProtocolTCP, m.InternalLookup); !ok {
		t.Error("Lookup should find expired entries")
	}
}

func TestTableNamespacesIndependent(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Same keys in the UDP namespace must not collide.
	if err := table.Insert(packet.ProtocolUDP, 1000, m); err != nil {
		t.Fatalf("Insert into UDP namespace failed: %v", err)
	}

	if _, _, ok := table.Lookup(packet.ProtocolICMP, m.InternalLookup); ok {
		t.Error("ICMP namespace should not see TCP entries")
	}
}

func TestTableReinsertBenign(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolUDP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	// Both keys already present: the insert reports success without
	// touching the stored entries.
	if err := table.Insert(packet.ProtocolUDP, 2000, m); err != nil {
		t.Fatalf("Re-insert should succeed: %v", err)
	}

	expiry, _, ok := table.Lookup(packet.ProtocolUDP, m.InternalLookup)
	if !ok {
		t.Fatal("Lookup failed after re-insert")
	}
	if expiry != 1000 {
		t.Errorf("expiry = %d, want original 1000 (re-insert must not update)", expiry)
	}
	if table.Count() != 2 {
		t.Errorf("Count = %d, want 2", table.Count())
	}
}

func TestTableOverlap(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// A second session reusing only the internal key collides.
	other := m
	other.ExternalLookup = Channel{
		Src: Endpoint{Addr: netip.MustParseAddr("9.9.9.9"), Port: 53},
		Dst: Endpoint{Addr: netip.MustParseAddr("203.0.113.1"), Port: 50000},
	}
	err := table.Insert(packet.ProtocolTCP, 1000, other)
	if !errors.Is(err, ErrOverlap) {
		t.Fatalf("Insert = %v, want ErrOverlap", err)
	}

	// The failed insert must not have bound the free key.
	if _, _, ok := table.Lookup(packet.ProtocolTCP, other.ExternalLookup); ok {
		t.Error("overlapping insert must not leave a partial binding")
	}
	if table.Count() != 2 {
		t.Errorf("Count = %d, want 2", table.Count())
	}
}

func TestTableDelete(t *testing.T) {
	table := NewTable()
	m := testMapping()

	if err := table.Insert(packet.ProtocolTCP, 1000, m); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	table.Delete(packet.ProtocolTCP, m.InternalLookup, m.ExternalLookup)

	if _, _, ok := table.Lookup(packet.ProtocolTCP, m.InternalLookup); ok {
		t.Error("internal key should be gone after delete")
	}
	if _, _, ok := table.Lookup(packet.ProtocolTCP, m.ExternalLookup); ok {
		t.Error("external key should be gone after delete")
	}

	// Deleting again is a no-op.
	table.Delete(packet.ProtocolTCP, m.InternalLookup, m.ExternalLookup)
	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0", table.Count())
	}
}

func TestTableReset(t *testing.T) {
	table := NewTable()
	m := testMapping()

	table.Insert(packet.ProtocolTCP, 1000, m)
	table.Insert(packet.ProtocolUDP, 1000, m)
	table.Insert(packet.ProtocolICMP, 1000, m)

	table.Reset()

	if table.Count() != 0 {
		t.Errorf("Count = %d, want 0 after Reset", table.Count())
	}
}

func TestTableSweepExpired(t *testing.T) {
	table := NewTable()

	stale := testMapping()
	if err := table.Insert(packet.ProtocolTCP, 100, stale); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	fresh := mapNAT(
		Endpoint{Addr: netip.MustParseAddr("10.0.0.6"), Port: 23456},
		Endpoint{Addr: netip.MustParseAddr("8.8.8.8"), Port: 443},
		Endpoint{Addr: netip.MustParseAddr("203.0.113.1"), Port: 49153},
	)
	if err := table.Insert(packet.ProtocolTCP, 5000, fresh); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	removed := table.SweepExpired(100)
	if removed != 1 {
		t.Errorf("SweepExpired removed %d sessions, want 1", removed)
	}

	// Both entries of the stale session go together.
	if _, _, ok := table.Lookup(packet.ProtocolTCP, stale.InternalLookup); ok {
		t.Error("stale internal key should be swept")
	}
	if _, _, ok := table.Lookup(packet.ProtocolTCP, stale.ExternalLookup); ok {
		t.Error("stale external key should be swept")
	}

	// The fresh session survives intact.
	if _, _, ok := table.Lookup(packet.ProtocolTCP, fresh.InternalLookup); !ok {
		t.Error("fresh session should survive the sweep")
	}
	if table.Count() != 2 {
		t.Errorf("Count = %d, want 2", table.Count())
	}
}

func TestTableEntries(t *testing.T) {
	table := NewTable()
	m := testMapping()
	table.Insert(packet.ProtocolUDP, 1000, m)

	entries := table.Entries()
	if len(entries) != 2 {
		t.Fatalf("Entries returned %d, want 2", len(entries))
	}
	for _, e := range entries {
		if e.Protocol != packet.ProtocolUDP {
			t.Errorf("entry protocol = %v, want UDP", e.Protocol)
		}
		if e.Expiry != 1000 {
			t.Errorf("entry expiry = %d, want 1000", e.Expiry)
		}
	}
}
