// Package dedup implements the bounded duplicate-sequence archive
// described in spec.md §3: a FIFO of the last N reliable sequence
// numbers seen per circuit, used to suppress redundant dispatch of
// retransmitted datagrams.
package dedup

import "sync"

// DefaultDepth is the reserved constant from spec.md §6 (duplicate
// archive depth = 200).
const DefaultDepth = 200

// Archive is a bounded ring of recently-seen sequence numbers, grounded
// on the duplicate-tracking half of
// internal/quantum/reliability/recv_buffer.go — narrowed to just the
// try-insert contract spec.md asks for; unlike the teacher's
// ReceiveBuffer this does not also buffer out-of-order payloads for
// reassembly, since the upper layer here does not need in-order
// delivery reconstruction, only duplicate suppression.
type Archive struct {
	mu    sync.Mutex
	depth int
	seen  map[uint32]struct{}
	order []uint32 // FIFO eviction order
	head  int
}

// New creates an archive that remembers up to depth sequence numbers.
func New(depth int) *Archive {
	if depth <= 0 {
		depth = DefaultDepth
	}
	return &Archive{
		depth: depth,
		seen:  make(map[uint32]struct{}, depth),
		order: make([]uint32, 0, depth),
	}
}

// TryInsert reports false if seq was already present (a duplicate,
// dropped without modifying the archive) and true otherwise, evicting
// the oldest entry if the archive is at capacity.
func (a *Archive) TryInsert(seq uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.seen[seq]; exists {
		return false
	}

	if len(a.order) >= a.depth {
		oldest := a.order[a.head]
		delete(a.seen, oldest)
		a.order[a.head] = seq
		a.head = (a.head + 1) % a.depth
	} else {
		a.order = append(a.order, seq)
	}
	a.seen[seq] = struct{}{}
	return true
}

// Contains reports whether seq is currently remembered, without
// mutating the archive.
func (a *Archive) Contains(seq uint32) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.seen[seq]
	return ok
}

// Len reports how many sequence numbers are currently remembered.
func (a *Archive) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}
