package transport

import (
	"context"
	"net"
	"testing"
	"time"

	guuid "github.com/Lzww0608/GUUID"
	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/dispatch"
	"github.com/novagrid/relay/internal/metrics"
	"github.com/novagrid/relay/internal/relayconfig"
	"github.com/novagrid/relay/internal/wire"
)

// newTestTransport starts a Transport bound to an ephemeral loopback
// port, with tracing disabled and metrics registered under a distinct
// subsystem per test name (promauto panics on duplicate registration
// within one process).
func newTestTransport(t *testing.T) *Transport {
	t.Helper()
	cfg := relayconfig.DefaultConfig()
	cfg.Server.WorkerPoolSize = 2
	cfg.Server.WorkerQueueDepth = 64

	m := metrics.New("transporttest", sanitize(t.Name()))

	tr, err := New(cfg, zap.NewNop(), m, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := tr.Start(ctx, "127.0.0.1", 0, SocketConfig{}); err != nil {
		cancel()
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		tr.Stop()
	})
	return tr
}

func sanitize(name string) string {
	out := make([]byte, len(name))
	for i := 0; i < len(name); i++ {
		c := name[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') {
			out[i] = c
		} else {
			out[i] = '_'
		}
	}
	return string(out)
}

// newLoopbackClient opens a raw UDP socket standing in for a remote
// peer, so the test can hand-build wire datagrams the way a real
// client would.
func newLoopbackClient(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

func TestUseCircuitCodeRebindsAndAcksImmediately(t *testing.T) {
	tr := newTestTransport(t)
	client := newLoopbackClient(t)

	identity, err := guuid.NewV7()
	if err != nil {
		t.Fatalf("NewV7: %v", err)
	}

	// The circuit must already be admitted (e.g. by whatever upper-layer
	// handshake ran before the client starts sending UDP traffic) before
	// a use-circuit-code message can rebind it.
	placeholder := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 1}
	c, _, err := tr.EnableCircuit(identity, placeholder, nil, nil, false)
	if err != nil || c == nil {
		t.Fatalf("EnableCircuit: %v, c=%v", err, c)
	}

	payload := EncodeUseCircuitCode(identity, c.CircuitCode)
	dg := &wire.Datagram{Payload: payload}
	dg.SetKind(wire.KindUseCircuitCode)
	encoded, err := wire.Encode(dg, nil)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}

	if _, err := client.WriteToUDP(encoded, tr.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP: %v", err)
	}

	buf := make([]byte, wire.MaxBuffer)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected an immediate ack in reply to use-circuit-code: %v", err)
	}
	reply, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode reply: %v", err)
	}
	if reply.Kind() != wire.KindStandaloneACK {
		t.Fatalf("reply kind = %v, want standalone ack", reply.Kind())
	}

	waitFor(t, 2*time.Second, func() bool {
		stats, ok := tr.CircuitStats(identity)
		return ok && stats.RemoteAddr == client.LocalAddr().String()
	})
}

func TestReliableSendIsAckedAndArchiveDrains(t *testing.T) {
	tr := newTestTransport(t)
	client := newLoopbackClient(t)

	identity, _ := guuid.NewV7()
	c, _, err := tr.EnableCircuit(identity, clientAddr(t, client), nil, nil, false)
	if err != nil || c == nil {
		t.Fatalf("EnableCircuit: %v, c=%v", err, c)
	}

	if err := tr.Send(c, []byte("hello peer"), wire.KindUnknown, bucket.CategoryTask, true, true); err != nil {
		t.Fatalf("Send: %v", err)
	}

	buf := make([]byte, wire.MaxBuffer)
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := client.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("expected the reliable datagram to arrive: %v", err)
	}
	dg, err := wire.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !dg.Flags.Has(wire.FlagReliable) {
		t.Fatalf("expected the reliable flag to be set")
	}
	if string(dg.Payload) != "hello peer" {
		t.Fatalf("payload = %q, want %q", dg.Payload, "hello peer")
	}

	ackBody, _ := wire.EncodeStandaloneACK([]uint32{dg.SequenceNumber})
	ackDg := &wire.Datagram{Payload: ackBody}
	ackDg.SetKind(wire.KindStandaloneACK)
	ackEncoded, err := wire.Encode(ackDg, nil)
	if err != nil {
		t.Fatalf("wire.Encode ack: %v", err)
	}
	if _, err := client.WriteToUDP(ackEncoded, tr.LocalAddr()); err != nil {
		t.Fatalf("WriteToUDP ack: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool {
		stats, ok := tr.CircuitStats(identity)
		return ok && stats.UnackedEntries == 0
	})
}

func TestDuplicateReliableDatagramGetsAckedNotDispatchedTwice(t *testing.T) {
	tr := newTestTransport(t)
	client := newLoopbackClient(t)

	identity, _ := guuid.NewV7()
	c, _, err := tr.EnableCircuit(identity, clientAddr(t, client), nil, nil, false)
	if err != nil || c == nil {
		t.Fatalf("EnableCircuit: %v, c=%v", err, c)
	}

	dispatchCount := 0
	done := make(chan struct{}, 8)
	tr.RegisterHandler(wire.MessageKind(42), func(msg *dispatch.InboundMessage) {
		dispatchCount++
		done <- struct{}{}
	})

	dg := &wire.Datagram{
		Flags:          wire.FlagReliable,
		SequenceNumber: 7,
		Payload:        []byte("dup"),
	}
	dg.SetKind(wire.MessageKind(42))
	encoded, err := wire.Encode(dg, nil)
	if err != nil {
		t.Fatalf("wire.Encode: %v", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := client.WriteToUDP(encoded, tr.LocalAddr()); err != nil {
			t.Fatalf("WriteToUDP: %v", err)
		}
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the first copy to be dispatched")
	}

	// Drain both standalone acks the server sends back (one per reliable
	// receipt, duplicate or not) so the duplicate path is exercised.
	buf := make([]byte, wire.MaxBuffer)
	acksSeen := 0
	client.SetReadDeadline(time.Now().Add(1 * time.Second))
	for acksSeen < 2 {
		n, _, err := client.ReadFromUDP(buf)
		if err != nil {
			break
		}
		reply, err := wire.Decode(buf[:n])
		if err == nil && reply.Kind() == wire.KindStandaloneACK {
			acksSeen++
		}
	}
	if acksSeen < 1 {
		t.Fatalf("expected at least one standalone ack, saw %d", acksSeen)
	}

	time.Sleep(200 * time.Millisecond)
	if dispatchCount != 1 {
		t.Fatalf("dispatchCount = %d, want exactly 1 (duplicate must not be re-dispatched)", dispatchCount)
	}
}

func clientAddr(t *testing.T, conn *net.UDPConn) *net.UDPAddr {
	t.Helper()
	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		t.Fatalf("client LocalAddr is not a *net.UDPAddr")
	}
	return addr
}
