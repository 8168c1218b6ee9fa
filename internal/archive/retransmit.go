package archive

import (
	"sync"
	"time"
)

// Entry is an unacknowledged outbound message tracked by the
// retransmission archive. Payload is an opaque handle back to the full
// outbound message (datagram buffer, category, kind) owned by the
// circuit layer; the archive itself only needs sequence, length and
// timing to implement expiry and RTT sampling.
type Entry struct {
	SeqNum      uint32
	Length      int
	LastSend    time.Time
	ResendCount int
	Resent      bool
	Payload     interface{}
}

// Archive tracks unacknowledged outbound messages indexed by sequence
// number, grounded on internal/quantum/reliability/send_buffer.go's
// map-of-sequence bookkeeping, generalized from a sliding-window
// in-order sender to the spec's unordered per-sequence archive with an
// expired(rto) query.
type Archive struct {
	mu      sync.RWMutex
	entries map[uint32]*Entry
	rtt     *RTTEstimator
}

// NewArchive creates an empty archive bound to the given RTT estimator.
func NewArchive(rtt *RTTEstimator) *Archive {
	return &Archive{
		entries: make(map[uint32]*Entry),
		rtt:     rtt,
	}
}

// Insert records a message sent for the first time.
func (a *Archive) Insert(seq uint32, length int, payload interface{}) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries[seq] = &Entry{
		SeqNum:   seq,
		Length:   length,
		LastSend: time.Now(),
		Payload:  payload,
	}
}

// Remove removes seq from the archive on incoming ACK. If the entry was
// never resent, the elapsed time since its last send is fed to the RTT
// estimator as a sample — Karn's rule: a resent packet's ACK cannot be
// attributed to either transmission, so it is never sampled.
func (a *Archive) Remove(seq uint32) (*Entry, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entries[seq]
	if !ok {
		return nil, false
	}
	delete(a.entries, seq)
	if !e.Resent {
		a.rtt.Sample(time.Since(e.LastSend))
	}
	return e, true
}

// RemoveMany removes a batch of sequence numbers (e.g. from a standalone
// ACK's body or a SACK-style appended-ACK trailer).
func (a *Archive) RemoveMany(seqs []uint32) []*Entry {
	out := make([]*Entry, 0, len(seqs))
	for _, s := range seqs {
		if e, ok := a.Remove(s); ok {
			out = append(out, e)
		}
	}
	return out
}

// Expired returns entries whose elapsed time since last send is at
// least the current RTO (spec §4.2).
func (a *Archive) Expired(now time.Time) []*Entry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rto := a.rtt.RTO()
	var out []*Entry
	for _, e := range a.entries {
		if now.Sub(e.LastSend) >= rto {
			out = append(out, e)
		}
	}
	return out
}

// MarkResent flags an entry as resent (for Karn's rule), bumps its
// resend counter, and resets its last-send timestamp.
func (a *Archive) MarkResent(seq uint32, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if e, ok := a.entries[seq]; ok {
		e.Resent = true
		e.ResendCount++
		e.LastSend = now
	}
}

// Len reports the number of unacknowledged entries.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.entries)
}

// UnackedBytes sums the length of every unacknowledged entry, matching
// the invariant "unacked_bytes = Σ length of entries in retransmission
// archive" (spec §3).
func (a *Archive) UnackedBytes() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	total := 0
	for _, e := range a.entries {
		total += e.Length
	}
	return total
}

// RTO returns the archive's current retransmission timeout.
func (a *Archive) RTO() time.Duration {
	return a.rtt.RTO()
}

// Backoff applies exponential backoff to the RTT estimator, per spec
// §4.6's resend-phase step.
func (a *Archive) Backoff() {
	a.rtt.Backoff()
}
