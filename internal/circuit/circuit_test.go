package circuit

import (
	"net"
	"testing"
	"time"

	guuid "github.com/Lzww0608/GUUID"

	"github.com/novagrid/relay/internal/bucket"
)

func newTestCircuit(t *testing.T) *Circuit {
	t.Helper()
	id, err := guuid.NewV7()
	if err != nil {
		t.Fatalf("NewV7: %v", err)
	}
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}
	return New(id, id, addr, 1, false, DefaultLimits(), nil, nil)
}

func TestEnqueueAndPeekNext(t *testing.T) {
	c := newTestCircuit(t)
	msg := &OutboundMessage{Payload: []byte("hello"), Category: bucket.CategoryTask}

	if !c.Enqueue(msg) {
		t.Fatalf("enqueue should succeed on a fresh queue")
	}
	if c.CategoryEmpty(bucket.CategoryTask) {
		t.Fatalf("category should not report empty after enqueue")
	}

	got, ok := c.PeekNext(bucket.CategoryTask)
	if !ok || got != msg {
		t.Fatalf("PeekNext did not return the enqueued message")
	}
	// Peeking again before ClearNextSlot must return the same message.
	got2, ok := c.PeekNext(bucket.CategoryTask)
	if !ok || got2 != msg {
		t.Fatalf("PeekNext is not idempotent across calls before ClearNextSlot")
	}

	c.ClearNextSlot(bucket.CategoryTask)
	if !c.CategoryEmpty(bucket.CategoryTask) {
		t.Fatalf("category should be empty after draining its only message")
	}
}

func TestPendingAcksRoundTrip(t *testing.T) {
	c := newTestCircuit(t)
	c.QueuePendingAck(1)
	c.QueuePendingAck(2)
	c.QueuePendingAck(3)

	if c.PendingAckCount() != 3 {
		t.Fatalf("PendingAckCount = %d, want 3", c.PendingAckCount())
	}

	drained := c.DrainPendingAcks()
	if len(drained) != 3 {
		t.Fatalf("DrainPendingAcks returned %d, want 3", len(drained))
	}
	if c.PendingAckCount() != 0 {
		t.Fatalf("PendingAckCount after drain = %d, want 0", c.PendingAckCount())
	}

	// Simulate the codec only fitting the first entry.
	c.QueuePendingAck(4) // pushed "concurrently" after the drain
	c.RestorePendingAcks(drained[1:])

	remaining := c.DrainPendingAcks()
	want := []uint32{2, 3, 4}
	if len(remaining) != len(want) {
		t.Fatalf("remaining = %v, want %v", remaining, want)
	}
	for i, v := range want {
		if remaining[i] != v {
			t.Fatalf("remaining = %v, want %v", remaining, want)
		}
	}
}

func TestTouchAndSinceLastPacket(t *testing.T) {
	c := newTestCircuit(t)
	time.Sleep(2 * time.Millisecond)
	if d := c.SinceLastPacket(time.Now()); d <= 0 {
		t.Fatalf("SinceLastPacket = %v, want > 0", d)
	}
	c.Touch()
	if d := c.SinceLastPacket(time.Now()); d > 50*time.Millisecond {
		t.Fatalf("SinceLastPacket after Touch = %v, want near 0", d)
	}
}

func TestInterestSet(t *testing.T) {
	c := newTestCircuit(t)
	if c.HasInterest("region-1") {
		t.Fatalf("fresh circuit should have no interest")
	}
	c.AddInterest("region-1")
	if !c.HasInterest("region-1") {
		t.Fatalf("expected region-1 to be of interest")
	}
	c.RemoveInterest("region-1")
	if c.HasInterest("region-1") {
		t.Fatalf("expected region-1 to no longer be of interest")
	}
}
