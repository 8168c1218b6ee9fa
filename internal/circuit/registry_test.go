package circuit

import (
	"net"
	"testing"

	guuid "github.com/Lzww0608/GUUID"
)

func TestRegistryRebindPreservesIdentityLookup(t *testing.T) {
	r := NewRegistry()
	id, _ := guuid.NewV7()
	p1 := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 9000}
	p2 := &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 9001}

	c := New(id, id, p1, 1, false, DefaultLimits(), nil, nil)
	r.Insert(c)

	if _, ok := r.ByAddr(p1); !ok {
		t.Fatalf("expected lookup by P1 to resolve before rebind")
	}

	r.Rebind(c, p2)

	if _, ok := r.ByAddr(p1); ok {
		t.Errorf("P1 should no longer resolve after rebind")
	}
	got, ok := r.ByAddr(p2)
	if !ok || got != c {
		t.Errorf("P2 should resolve to the rebound circuit")
	}
	byID, ok := r.ByIdentity(id)
	if !ok || byID != c {
		t.Errorf("identity lookup must be unaffected by address rebind")
	}
}

func TestRegistryInsertRemove(t *testing.T) {
	r := NewRegistry()
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7000}
	c := New(id, id, addr, 1, false, DefaultLimits(), nil, nil)

	r.Insert(c)
	if r.Len() != 1 {
		t.Fatalf("Len = %d, want 1", r.Len())
	}

	r.Remove(c)
	if r.Len() != 0 {
		t.Fatalf("Len after remove = %d, want 0", r.Len())
	}
	if _, ok := r.ByIdentity(id); ok {
		t.Errorf("identity lookup should fail after removal")
	}
	if _, ok := r.ByAddr(addr); ok {
		t.Errorf("address lookup should fail after removal")
	}
}

func TestRegistrySnapshotIndependentOfMutation(t *testing.T) {
	r := NewRegistry()
	id1, _ := guuid.NewV7()
	id2, _ := guuid.NewV7()
	addr1 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	addr2 := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 2}

	r.Insert(New(id1, id1, addr1, 1, false, DefaultLimits(), nil, nil))
	r.Insert(New(id2, id2, addr2, 2, false, DefaultLimits(), nil, nil))

	snap := r.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot len = %d, want 2", len(snap))
	}

	r.Remove(snap[0])
	if len(snap) != 2 {
		t.Fatalf("mutating the registry must not resize a prior snapshot")
	}
	if r.Len() != 1 {
		t.Fatalf("Len after removing one of two = %d, want 1", r.Len())
	}
}
