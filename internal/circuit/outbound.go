package circuit

import (
	"time"

	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/wire"
)

// OutboundMessage is an application message accepted by send() but not
// yet acknowledged or dropped (spec §3). The datagram buffer is filled
// lazily at transmission time by the codec; SeqNum is assigned only on
// first send.
type OutboundMessage struct {
	Payload        []byte
	Kind           wire.MessageKind
	Category       bucket.Category
	AllowSplitting bool
	Reliable       bool

	SeqNum      uint32
	ResendCount int
	LastSend    time.Time
	Resent      bool
}

// Len reports the byte length charged against the token bucket.
func (m *OutboundMessage) Len() int {
	return len(m.Payload)
}

// categoryQueue is the single-writer(enqueuer)/single-reader(sender tick)
// FIFO for one traffic category, plus the "next slot" that holds a
// dequeued-but-throttled message across ticks (spec §4.6).
type categoryQueue struct {
	ch       chan *OutboundMessage
	nextSlot *OutboundMessage
}

func newCategoryQueue(depth int) *categoryQueue {
	return &categoryQueue{ch: make(chan *OutboundMessage, depth)}
}

// Enqueue appends a message without blocking; it reports false if the
// queue is full.
func (q *categoryQueue) Enqueue(m *OutboundMessage) bool {
	select {
	case q.ch <- m:
		return true
	default:
		return false
	}
}

// peekNext returns the message the sender should attempt next: the held
// next-slot message if one is occupying it, otherwise the head of the
// channel. It does not remove the channel entry if nextSlot is occupied.
func (q *categoryQueue) peekNext() (*OutboundMessage, bool) {
	if q.nextSlot != nil {
		return q.nextSlot, true
	}
	select {
	case m := <-q.ch:
		q.nextSlot = m
		return m, true
	default:
		return nil, false
	}
}

// clearNextSlot releases the next-slot after a successful send.
func (q *categoryQueue) clearNextSlot() {
	q.nextSlot = nil
}

// Empty reports whether both the next-slot and the channel are drained.
func (q *categoryQueue) Empty() bool {
	return q.nextSlot == nil && len(q.ch) == 0
}

// Len reports the number of items still queued (excluding next-slot).
func (q *categoryQueue) Len() int {
	return len(q.ch)
}
