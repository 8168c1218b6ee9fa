package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/novagrid/relay/internal/wire"
	"github.com/novagrid/relay/internal/workerpool"
)

func TestDispatchInvokesRegisteredHandler(t *testing.T) {
	pool := workerpool.New(2, 8)
	defer pool.Stop()

	d := New(pool, nil)
	var got *InboundMessage
	done := make(chan struct{})
	d.Register(wire.KindPingRequest, func(msg *InboundMessage) {
		got = msg
		close(done)
	})

	d.Dispatch(&InboundMessage{Kind: wire.KindPingRequest, SequenceNumber: 7})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("handler was not invoked")
	}
	if got == nil || got.SequenceNumber != 7 {
		t.Fatalf("handler received wrong message: %+v", got)
	}
}

func TestDispatchFansOutToMultipleSubscribers(t *testing.T) {
	pool := workerpool.New(4, 16)
	defer pool.Stop()

	d := New(pool, nil)
	var count atomic.Int64
	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		d.Register(wire.KindPingComplete, func(msg *InboundMessage) {
			count.Add(1)
			wg.Done()
		})
	}

	d.Dispatch(&InboundMessage{Kind: wire.KindPingComplete})

	waited := make(chan struct{})
	go func() { wg.Wait(); close(waited) }()
	select {
	case <-waited:
	case <-time.After(time.Second):
		t.Fatalf("not all subscribers ran")
	}
	if count.Load() != 3 {
		t.Fatalf("count = %d, want 3", count.Load())
	}
}

func TestUnregisterStopsDelivery(t *testing.T) {
	pool := workerpool.New(2, 8)
	defer pool.Stop()

	d := New(pool, nil)
	var called atomic.Bool
	tok := d.Register(wire.KindPingRequest, func(msg *InboundMessage) {
		called.Store(true)
	})
	d.Unregister(tok)

	d.Dispatch(&InboundMessage{Kind: wire.KindPingRequest})
	time.Sleep(20 * time.Millisecond)

	if called.Load() {
		t.Fatalf("unregistered handler must not be invoked")
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	pool := workerpool.New(2, 8)
	defer pool.Stop()

	d := New(pool, nil)
	d.Register(wire.KindPingRequest, func(msg *InboundMessage) {
		panic("boom")
	})

	ran := make(chan struct{})
	d.Register(wire.KindPingRequest, func(msg *InboundMessage) {
		close(ran)
	})

	d.Dispatch(&InboundMessage{Kind: wire.KindPingRequest})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatalf("sibling handler must still run after a panic in another handler")
	}
}

func TestSubscriberCount(t *testing.T) {
	pool := workerpool.New(1, 1)
	defer pool.Stop()

	d := New(pool, nil)
	if d.SubscriberCount(wire.KindPingRequest) != 0 {
		t.Fatalf("fresh dispatcher should have no subscribers")
	}
	tok := d.Register(wire.KindPingRequest, func(msg *InboundMessage) {})
	if d.SubscriberCount(wire.KindPingRequest) != 1 {
		t.Fatalf("expected 1 subscriber after Register")
	}
	d.Unregister(tok)
	if d.SubscriberCount(wire.KindPingRequest) != 0 {
		t.Fatalf("expected 0 subscribers after Unregister")
	}
}
