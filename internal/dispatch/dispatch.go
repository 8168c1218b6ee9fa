// Package dispatch implements the typed inbound handler registry
// described in spec.md §4.5: a mapping from message kind to a list of
// subscribing callbacks, invoked on a scheduler rather than on the I/O
// thread that decoded the datagram.
package dispatch

import (
	"sync"

	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/wire"
)

// Handler processes one decoded inbound message. It must not block the
// caller indefinitely; long-running work should hand off internally.
type Handler func(msg *InboundMessage)

// InboundMessage is what the dispatcher hands to subscribers: the
// decoded datagram plus the identity of the circuit it arrived on,
// already carried through the Inbound Pipeline's dedup/ack-harvest
// steps (spec §4.4).
type InboundMessage struct {
	CircuitIdentity interface{} // guuid.UUID, kept opaque to avoid an import cycle with internal/circuit
	Kind            wire.MessageKind
	SequenceNumber  uint32
	Payload         []byte
}

// Scheduler runs a dispatch job off the calling goroutine. The
// transport package supplies the concrete implementation (a fixed
// worker pool); dispatch only depends on this interface so the two
// packages don't need to import each other.
type Scheduler interface {
	Submit(job func())
}

// subscription is one registered handler, identified by a token so it
// can be unregistered later without disturbing the others.
type subscription struct {
	token   uint64
	handler Handler
}

// Dispatcher is a mapping from message kind to subscriber list, grounded
// on internal/statesync/broadcast.go's subscriber-registry shape (map
// under one RWMutex, zap logging), narrowed from per-document subscriber
// fan-out to per-kind handler fan-out. Handlers are handed off through
// Scheduler.Submit, which may block when the scheduler's queue is full.
type Dispatcher struct {
	mu        sync.RWMutex
	handlers  map[wire.MessageKind][]subscription
	nextToken uint64

	scheduler Scheduler
	logger    *zap.Logger

	// onPanic, if set, is invoked after a recovered handler panic so the
	// caller can count it (e.g. a Prometheus counter) without dispatch
	// importing the metrics package directly.
	onPanic func(kind wire.MessageKind)
}

// New creates a Dispatcher that runs handlers on scheduler.
func New(scheduler Scheduler, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		handlers:  make(map[wire.MessageKind][]subscription),
		scheduler: scheduler,
		logger:    logger,
	}
}

// SetPanicHandler installs the callback invoked whenever a subscribed
// handler panics, in addition to the error-level log Dispatch always
// emits. Must be called before Dispatch runs concurrently with it.
func (d *Dispatcher) SetPanicHandler(fn func(kind wire.MessageKind)) {
	d.onPanic = fn
}

// Token identifies one registration, returned by Register for use with
// Unregister.
type Token struct {
	kind  wire.MessageKind
	value uint64
}

// Register subscribes handler to every inbound message of the given
// kind. Safe to call concurrently with Dispatch.
func (d *Dispatcher) Register(kind wire.MessageKind, handler Handler) Token {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	tok := d.nextToken
	d.handlers[kind] = append(d.handlers[kind], subscription{token: tok, handler: handler})
	return Token{kind: kind, value: tok}
}

// Unregister removes a previously registered handler. Safe to call
// concurrently with Dispatch.
func (d *Dispatcher) Unregister(tok Token) {
	d.mu.Lock()
	defer d.mu.Unlock()
	subs := d.handlers[tok.kind]
	for i, s := range subs {
		if s.token == tok.value {
			d.handlers[tok.kind] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Dispatch schedules every handler subscribed to msg.Kind to run on the
// configured scheduler, each wrapped with panic recovery so one
// misbehaving handler cannot take down the sender tick or the I/O
// pool (spec §7: "handler exceptions are caught at the dispatcher
// boundary, logged, and do not stop the sender tick or the I/O pool").
func (d *Dispatcher) Dispatch(msg *InboundMessage) {
	d.mu.RLock()
	subs := d.handlers[msg.Kind]
	// Copy under the lock: Dispatch must not race a concurrent
	// Register/Unregister mutating the backing slice after release.
	snapshot := make([]subscription, len(subs))
	copy(snapshot, subs)
	d.mu.RUnlock()

	for _, s := range snapshot {
		handler := s.handler
		d.scheduler.Submit(func() {
			defer d.recoverPanic(msg.Kind)
			handler(msg)
		})
	}
}

func (d *Dispatcher) recoverPanic(kind wire.MessageKind) {
	if r := recover(); r != nil {
		d.logger.Error("dispatch handler panicked",
			zap.Any("kind", kind),
			zap.Any("panic", r),
		)
		if d.onPanic != nil {
			d.onPanic(kind)
		}
	}
}

// SubscriberCount reports how many handlers are registered for a kind,
// for diagnostics.
func (d *Dispatcher) SubscriberCount(kind wire.MessageKind) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers[kind])
}
