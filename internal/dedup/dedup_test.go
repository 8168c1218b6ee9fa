package dedup

import "testing"

func TestTryInsertDetectsDuplicate(t *testing.T) {
	a := New(4)

	if !a.TryInsert(1) {
		t.Fatalf("first insert of 1 should succeed")
	}
	if a.TryInsert(1) {
		t.Fatalf("second insert of 1 should report duplicate")
	}
	if !a.TryInsert(2) {
		t.Fatalf("insert of 2 should succeed")
	}
}

func TestBoundedEviction(t *testing.T) {
	a := New(3)

	a.TryInsert(1)
	a.TryInsert(2)
	a.TryInsert(3)
	if a.Len() != 3 {
		t.Fatalf("Len = %d, want 3", a.Len())
	}

	// Inserting a 4th entry evicts the oldest (1).
	a.TryInsert(4)
	if a.Len() != 3 {
		t.Fatalf("Len after eviction = %d, want 3", a.Len())
	}
	if a.Contains(1) {
		t.Errorf("expected 1 to have been evicted")
	}
	if !a.TryInsert(1) {
		t.Errorf("1 should be insertable again after eviction")
	}
}
