package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	guuid "github.com/Lzww0608/GUUID"
	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/circuit"
	"github.com/novagrid/relay/internal/dispatch"
	"github.com/novagrid/relay/internal/metrics"
	"github.com/novagrid/relay/internal/relayconfig"
	"github.com/novagrid/relay/internal/tracing"
	"github.com/novagrid/relay/internal/wire"
	"github.com/novagrid/relay/internal/workerpool"
)

// Phase timers (spec §4.6 step 1).
const (
	resendPhaseInterval = 100 * time.Millisecond
	ackPhaseInterval    = 500 * time.Millisecond
	pingPhaseInterval   = 5000 * time.Millisecond

	queueEmptyMinInterval = 30 * time.Millisecond

	// longIdleSleep is how long the sender tick blocks on the inbound
	// mailbox when no circuit is registered (spec §4.6 step 4: "a
	// long-sleep interval if no circuits exist").
	longIdleSleep = 2 * time.Second

	mailboxDepth = 4096
)

// Transport wires a UDP Socket, the circuit registry/admission Manager,
// the Dispatcher and a shared worker pool into the running relay: the
// Inbound Pipeline (spec §4.4) and the sender-tick Transport Loop
// (spec §4.6), grounded on internal/quantum/connection.go's
// sendLoop/recvLoop/reliabilityLoop orchestration, generalized from one
// goroutine set per peer connection to one set multiplexing every
// circuit over a single socket.
type Transport struct {
	socket     *Socket
	manager    *circuit.Manager
	dispatcher *dispatch.Dispatcher
	ioPool     *workerpool.Pool
	metrics    *metrics.Metrics
	tracer     *tracing.Tracer
	logger     *zap.Logger

	tickResolution time.Duration
	idleTimeout    time.Duration

	mailbox chan *dispatch.InboundMessage

	// onQueueEmpty is invoked asynchronously, off the sender thread,
	// whenever a circuit's category queue drains (spec §4.6 step 3).
	onQueueEmpty func(c *circuit.Circuit, cat bucket.Category)

	// tick-phase accumulators, touched only by the sender-tick goroutine.
	resendTimer time.Duration
	ackTimer    time.Duration
	pingTimer   time.Duration

	closeSignal chan struct{}
	wg          sync.WaitGroup
}

// New builds a Transport from configuration. It does not yet open the
// socket or start any goroutines; call Start for that.
func New(cfg *relayconfig.Config, logger *zap.Logger, m *metrics.Metrics, tracer *tracing.Tracer) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		disabled, err := tracing.New(tracing.Config{Enable: false}, logger)
		if err != nil {
			return nil, fmt.Errorf("transport: build default tracer: %w", err)
		}
		tracer = disabled
	}

	limits := limitsFromConfig(cfg)

	ioPool := workerpool.New(cfg.Server.WorkerPoolSize, cfg.Server.WorkerQueueDepth)
	d := dispatch.New(ioPool, logger)
	d.SetPanicHandler(func(wire.MessageKind) { m.DispatchPanics.Inc() })

	t := &Transport{
		dispatcher:     d,
		ioPool:         ioPool,
		metrics:        m,
		tracer:         tracer,
		logger:         logger,
		tickResolution: cfg.Reliability.TickResolution,
		idleTimeout:    cfg.Reliability.IdleTimeout,
		mailbox:        make(chan *dispatch.InboundMessage, mailboxDepth),
		closeSignal:    make(chan struct{}),
	}
	t.manager = circuit.NewManager(limits, cfg.Bandwidth.SceneTotalRate, cfg.Bandwidth.SceneTotalLimit, logger, t.onTeardown)

	return t, nil
}

func limitsFromConfig(cfg *relayconfig.Config) circuit.Limits {
	var l circuit.Limits
	l.QueueDepth = cfg.Bandwidth.OutboundQueueDepth
	l.ParentDripRate = cfg.Bandwidth.ClientTotalRate
	l.ParentMaxBurst = cfg.Bandwidth.ClientTotalLimit
	l.CategoryDripRate = cfg.Bandwidth.CategoryRate
	l.CategoryMaxBurst = cfg.Bandwidth.CategoryLimit
	l.DefaultRTO = cfg.Reliability.DefaultRTO
	l.MaxRTO = cfg.Reliability.MaxRTO
	l.TickResolution = cfg.Reliability.TickResolution
	l.DedupDepth = cfg.Reliability.DuplicateArchiveDepth
	return l
}

// Start opens the UDP socket and launches the read loop, the sender
// tick and the idle sweep. ctx governs their lifetime alongside Stop.
func (t *Transport) Start(ctx context.Context, bindAddress string, port int, sockCfg SocketConfig) error {
	addr := fmt.Sprintf("%s:%d", bindAddress, port)
	sock, err := Listen(addr, sockCfg)
	if err != nil {
		return fmt.Errorf("transport: start: %w", err)
	}
	t.socket = sock

	t.manager.StartIdleSweep()

	t.wg.Add(2)
	go t.readLoop(ctx)
	go t.senderLoop(ctx)

	t.logger.Info("transport started", zap.String("bind", addr))
	return nil
}

// Stop halts every goroutine and closes the socket. Safe to call once.
func (t *Transport) Stop() {
	close(t.closeSignal)
	if t.socket != nil {
		t.socket.Close()
	}
	t.wg.Wait()
	t.manager.Stop()
	t.ioPool.Stop()
	t.logger.Info("transport stopped")
}

// onTeardown is invoked by the admission Manager whenever a circuit is
// torn down (timeout, explicit disconnect, or admission eviction).
func (t *Transport) onTeardown(c *circuit.Circuit, reason string) {
	t.metrics.RecordTeardown(reason)
}

// SetQueueEmptyHandler installs the callback invoked whenever a
// circuit's category queue drains (spec §4.6 step 3). Must be called
// before Start; it is read without synchronization by the sender tick.
func (t *Transport) SetQueueEmptyHandler(fn func(c *circuit.Circuit, cat bucket.Category)) {
	t.onQueueEmpty = fn
}

// RegisterHandler subscribes handler to every inbound message of kind.
func (t *Transport) RegisterHandler(kind wire.MessageKind, handler dispatch.Handler) dispatch.Token {
	return t.dispatcher.Register(kind, handler)
}

// UnregisterHandler removes a previously registered handler.
func (t *Transport) UnregisterHandler(tok dispatch.Token) {
	t.dispatcher.Unregister(tok)
}

// EnableCircuit implements the upper-layer enable_circuit(session,
// position, facing, is_child) → seed_handle API (spec §6), delegating
// to the admission Manager's state machine (spec §4.8).
func (t *Transport) EnableCircuit(identity guuid.UUID, remoteAddr *net.UDPAddr, position, facing interface{}, isChild bool) (*circuit.Circuit, interface{}, error) {
	c, seed, err := t.manager.EnableCircuit(identity, remoteAddr, position, facing, isChild)
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		t.metrics.RecordAdmission("refused")
		return nil, nil, nil
	}
	t.metrics.RecordAdmission("admitted")
	t.metrics.CircuitsActive.Set(float64(t.manager.Registry.Len()))
	return c, seed, nil
}

// Disconnect tears a circuit down explicitly.
func (t *Transport) Disconnect(identity guuid.UUID) {
	t.manager.Disconnect(identity)
	t.metrics.CircuitsActive.Set(float64(t.manager.Registry.Len()))
}

// Send implements the upper-layer send(circuit, message, category,
// allow_splitting) API (spec §6), fragmenting oversized payloads into
// MTU-sized pieces unless the message kind is exempt (spec §4.3) or the
// caller disallows splitting.
func (t *Transport) Send(c *circuit.Circuit, payload []byte, kind wire.MessageKind, category bucket.Category, reliable, allowSplitting bool) error {
	if !c.Connected() {
		return fmt.Errorf("transport: circuit %s is not connected", c.Identity)
	}

	// transmit always tags the datagram with its kind via SetKind, which
	// occupies the first 4 bytes of the extra header (wire.HeaderFixedSize
	// only accounts for the fixed flag/seq/extra-len bytes), so a
	// fragment boundary must leave room for it too or the encoded
	// datagram overflows wire.MTU.
	maxPayload := wire.MTU - wire.HeaderFixedSize - 4
	if len(payload) <= maxPayload || !allowSplitting || wire.NeverSplit(kind) {
		return t.enqueueOne(c, payload, kind, category, reliable)
	}

	for offset := 0; offset < len(payload); offset += maxPayload {
		end := offset + maxPayload
		if end > len(payload) {
			end = len(payload)
		}
		if err := t.enqueueOne(c, payload[offset:end], kind, category, reliable); err != nil {
			return err
		}
	}
	return nil
}

func (t *Transport) enqueueOne(c *circuit.Circuit, payload []byte, kind wire.MessageKind, category bucket.Category, reliable bool) error {
	msg := &circuit.OutboundMessage{
		Payload:  append([]byte(nil), payload...),
		Kind:     kind,
		Category: category,
		Reliable: reliable,
	}
	if !c.Enqueue(msg) {
		t.metrics.QueueDropped.WithLabelValues(category.String()).Inc()
		return fmt.Errorf("transport: category %s queue full for circuit %s", category, c.Identity)
	}
	return nil
}

// Broadcast implements broadcast(message, category, include_paused,
// allow_splitting) (spec §6): every circuit that is currently connected
// receives the message. includePaused lets disconnected-but-still-
// registered ("paused") circuits past Broadcast's own filter, but Send
// then refuses them as not connected, so they do not receive it.
func (t *Transport) Broadcast(payload []byte, kind wire.MessageKind, category bucket.Category, includePaused, allowSplitting bool) {
	for _, c := range t.manager.Registry.Snapshot() {
		if !includePaused && !c.Connected() {
			continue
		}
		if err := t.Send(c, payload, kind, category, true, allowSplitting); err != nil {
			t.logger.Debug("broadcast send skipped",
				zap.String("identity", c.Identity.String()),
				zap.Error(err),
			)
		}
	}
}

// Statistics returns a snapshot of every registered circuit, for
// diagnostics and metrics scraping outside the Prometheus registry.
func (t *Transport) Statistics() []circuit.Stats {
	return t.manager.Registry.Statistics()
}

// LocalAddr returns the bound UDP address, valid after Start returns.
func (t *Transport) LocalAddr() *net.UDPAddr {
	return t.socket.LocalAddr()
}

// CircuitStats implements circuit_stats(seed_handle) -> CircuitStats
// (SPEC_FULL.md §6 supplemental): a read-only snapshot of one
// circuit's counters, looked up by its stable identity.
func (t *Transport) CircuitStats(identity guuid.UUID) (circuit.Stats, bool) {
	c, ok := t.manager.Registry.ByIdentity(identity)
	if !ok {
		return circuit.Stats{}, false
	}
	return c.Statistics(time.Now()), true
}

// RegistryStats implements registry_stats() -> RegistryStats
// (SPEC_FULL.md §6 supplemental): circuit count plus a root/child
// breakdown.
type RegistryStats struct {
	Total int
	Root  int
	Child int
}

func (t *Transport) RegistryStats() RegistryStats {
	var s RegistryStats
	for _, c := range t.manager.Registry.Snapshot() {
		s.Total++
		if c.IsChild {
			s.Child++
		} else {
			s.Root++
		}
	}
	return s
}
