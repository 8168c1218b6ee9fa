package circuit

import "sync"

// pendingAcks is the queue of inbound sequence numbers awaiting
// piggyback onto the next outbound datagram (spec §3, §4.4 step 5). It
// is written to by the inbound pipeline (on every first, non-duplicate
// reliable receipt; duplicates are acknowledged immediately instead)
// and drained by the sender tick when it assembles
// a datagram; both paths run on different goroutines, so access is
// mutex-guarded per the concurrency model in spec §5.
type pendingAcks struct {
	mu   sync.Mutex
	seqs []uint32
}

func newPendingAcks() *pendingAcks {
	return &pendingAcks{}
}

// Push appends seq to the tail of the queue.
func (p *pendingAcks) Push(seq uint32) {
	p.mu.Lock()
	p.seqs = append(p.seqs, seq)
	p.mu.Unlock()
}

// PopAll atomically removes and returns every queued sequence number.
func (p *pendingAcks) PopAll() []uint32 {
	p.mu.Lock()
	out := p.seqs
	p.seqs = nil
	p.mu.Unlock()
	return out
}

// PutBackFront restores unconsumed entries (the remainder the codec
// could not fit into one datagram's trailer) to the front of the
// queue, ahead of anything pushed concurrently since PopAll — so no
// sequence number pushed while the sender was encoding is lost.
func (p *pendingAcks) PutBackFront(remainder []uint32) {
	if len(remainder) == 0 {
		return
	}
	p.mu.Lock()
	p.seqs = append(remainder, p.seqs...)
	p.mu.Unlock()
}

// Len reports how many ACKs are currently queued.
func (p *pendingAcks) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.seqs)
}
