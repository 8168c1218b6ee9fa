// Package circuit implements per-peer circuit state: the sequence
// counters, retransmission and duplicate archives, outbound category
// queues and token buckets, and the admission state machine described
// in spec.md §3 and §4.8.
package circuit

import (
	"encoding/binary"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	guuid "github.com/Lzww0608/GUUID"

	"github.com/novagrid/relay/internal/archive"
	"github.com/novagrid/relay/internal/bucket"
	"github.com/novagrid/relay/internal/dedup"
)

// Limits bundles the tunables a Circuit is built with. The transport
// loop owns one Limits value (itself populated from relayconfig) and
// passes it to every circuit it creates, mirroring the per-connection
// Config in the teacher's quantum.Connection.
type Limits struct {
	QueueDepth int

	ParentDripRate float64
	ParentMaxBurst int

	CategoryDripRate [bucket.NumCategories]float64
	CategoryMaxBurst [bucket.NumCategories]int

	DefaultRTO     time.Duration
	MaxRTO         time.Duration
	TickResolution time.Duration

	DedupDepth int
}

// DefaultLimits returns conservative defaults sized for a single
// low-bandwidth client, evenly splitting a modest total rate across the
// seven categories subject to bucket.MinDripRate.
func DefaultLimits() Limits {
	var l Limits
	l.QueueDepth = 256
	l.ParentDripRate = 28_000
	l.ParentMaxBurst = 56_000
	perCategory := l.ParentDripRate / float64(bucket.NumCategories)
	if perCategory < bucket.MinDripRate {
		perCategory = bucket.MinDripRate
	}
	for i := range l.CategoryDripRate {
		l.CategoryDripRate[i] = perCategory
		l.CategoryMaxBurst[i] = int(perCategory * 2)
	}
	l.DefaultRTO = archive.DefaultRTO
	l.MaxRTO = archive.MaxRTO
	l.TickResolution = archive.TickResolution
	l.DedupDepth = dedup.DefaultDepth
	return l
}

// Circuit is the full mutable state the transport keeps for one remote
// peer (spec §3's "Circuit" type). A root circuit has IsChild == false;
// a child circuit (a second avatar/viewer sharing a session, spec
// §4.8) has IsChild == true and its own CircuitCode/RemoteAddr but
// shares nothing else with its root beyond the admission bookkeeping.
type Circuit struct {
	Identity    guuid.UUID
	SessionID   guuid.UUID
	CircuitCode uint32
	IsChild     bool

	// Seed is an opaque upper-layer handle (e.g. a scene/session record)
	// the transport never interprets; it rides along for the dispatcher
	// and admission callers to retrieve by circuit.
	Seed interface{}

	addrMu     sync.RWMutex
	remoteAddr *net.UDPAddr

	connected atomic.Bool

	seq     atomic.Uint32
	pingSeq atomic.Uint32

	lastRecvNano atomic.Int64

	Archive *archive.Archive
	Dedup   *dedup.Archive

	pendingAcks *pendingAcks

	queues       [bucket.NumCategories]*categoryQueue
	buckets      [bucket.NumCategories]*bucket.Bucket
	parentBucket *bucket.Bucket

	rtt *archive.RTTEstimator

	interestMu sync.RWMutex
	interest   map[string]struct{}

	// tick-local sender bookkeeping (touched only by the sender tick
	// goroutine, never concurrently, so unguarded). NextEmptyFire also
	// doubles as the single-flight guard: firing sets it 30ms into the
	// future, which blocks both a same-tick re-fire and a next-tick
	// re-fire before the notification has had time to matter.
	NextEmptyFire [bucket.NumCategories]time.Time
}

// New creates a circuit bound to remoteAddr with the given identity,
// session, circuit code and limits. sceneBucket is the scene-wide
// parent bucket shared by every circuit the transport admits (spec
// §4.1's three-level hierarchy: scene-total > per-client-total >
// per-category); nil omits the scene level entirely, useful for tests
// that only care about per-client fairness.
func New(identity, sessionID guuid.UUID, remoteAddr *net.UDPAddr, circuitCode uint32, isChild bool, limits Limits, sceneBucket *bucket.Bucket, seed interface{}) *Circuit {
	rtt := archive.NewRTTEstimator(limits.DefaultRTO, limits.MaxRTO, limits.TickResolution)

	c := &Circuit{
		Identity:     identity,
		SessionID:    sessionID,
		CircuitCode:  circuitCode,
		IsChild:      isChild,
		Seed:         seed,
		remoteAddr:   remoteAddr,
		Archive:      archive.NewArchive(rtt),
		Dedup:        dedup.New(limits.DedupDepth),
		pendingAcks:  newPendingAcks(),
		rtt:          rtt,
		interest:     make(map[string]struct{}),
		parentBucket: bucket.New(limits.ParentDripRate, limits.ParentMaxBurst, sceneBucket),
	}
	for i := 0; i < bucket.NumCategories; i++ {
		c.queues[i] = newCategoryQueue(limits.QueueDepth)
		c.buckets[i] = bucket.New(limits.CategoryDripRate[i], limits.CategoryMaxBurst[i], c.parentBucket)
	}
	c.Touch()
	return c
}

// RemoteAddr returns the current remote UDP address. It is re-bindable
// by the registry on a use-circuit-code rebind (spec §4.8).
func (c *Circuit) RemoteAddr() *net.UDPAddr {
	c.addrMu.RLock()
	defer c.addrMu.RUnlock()
	return c.remoteAddr
}

func (c *Circuit) setRemoteAddr(addr *net.UDPAddr) {
	c.addrMu.Lock()
	c.remoteAddr = addr
	c.addrMu.Unlock()
}

// Connected reports whether the circuit is live: the admission Manager
// sets it as soon as the circuit is admitted (before the peer sends any
// packet) and clears it on teardown.
func (c *Circuit) Connected() bool { return c.connected.Load() }

// SetConnected flips the connected flag.
func (c *Circuit) SetConnected(v bool) { c.connected.Store(v) }

// NextSeq assigns the next outbound sequence number, starting at 1.
func (c *Circuit) NextSeq() uint32 { return c.seq.Add(1) }

// NextPingSeq assigns the next ping-request sequence number.
func (c *Circuit) NextPingSeq() uint32 { return c.pingSeq.Add(1) }

// Touch records that a packet was just received on this circuit.
func (c *Circuit) Touch() {
	c.lastRecvNano.Store(time.Now().UnixNano())
}

// SinceLastPacket reports elapsed time since the last received packet,
// used by the sender tick's dead-client timeout (spec §4.6).
func (c *Circuit) SinceLastPacket(now time.Time) time.Duration {
	last := c.lastRecvNano.Load()
	return now.Sub(time.Unix(0, last))
}

// RTT exposes the circuit's RTT estimator for diagnostics.
func (c *Circuit) RTT() *archive.RTTEstimator { return c.rtt }

// QueuePendingAck records an inbound sequence number to piggyback on
// the next outbound datagram.
func (c *Circuit) QueuePendingAck(seq uint32) { c.pendingAcks.Push(seq) }

// DrainPendingAcks removes and returns every queued ACK sequence
// number for the sender tick to attempt to fit into one trailer.
func (c *Circuit) DrainPendingAcks() []uint32 { return c.pendingAcks.PopAll() }

// RestorePendingAcks re-queues ACKs the codec could not fit, ahead of
// anything queued concurrently since the drain.
func (c *Circuit) RestorePendingAcks(remainder []uint32) { c.pendingAcks.PutBackFront(remainder) }

// PendingAckCount reports how many ACKs are queued for piggyback.
func (c *Circuit) PendingAckCount() int { return c.pendingAcks.Len() }

// Enqueue appends an outbound message to its category's queue. It
// reports false if that category's queue is at capacity.
func (c *Circuit) Enqueue(msg *OutboundMessage) bool {
	return c.queues[msg.Category].Enqueue(msg)
}

// PeekNext returns the next message the sender tick should attempt for
// the given category (the held next-slot, or the queue head), without
// removing it.
func (c *Circuit) PeekNext(cat bucket.Category) (*OutboundMessage, bool) {
	return c.queues[cat].peekNext()
}

// ClearNextSlot releases the given category's next-slot after a
// successful send.
func (c *Circuit) ClearNextSlot(cat bucket.Category) {
	c.queues[cat].clearNextSlot()
}

// CategoryEmpty reports whether a category's queue and next-slot are
// both drained.
func (c *Circuit) CategoryEmpty(cat bucket.Category) bool {
	return c.queues[cat].Empty()
}

// CategoryBucket returns the token bucket governing a category.
func (c *Circuit) CategoryBucket(cat bucket.Category) *bucket.Bucket {
	return c.buckets[cat]
}

// ParentBucket returns the circuit-wide bucket every category bucket is
// chained to.
func (c *Circuit) ParentBucket() *bucket.Bucket { return c.parentBucket }

// AddInterest records an upper-layer interest tag (e.g. a region or
// object the peer has subscribed to); used by the dispatcher to decide
// whether a broadcast message should be queued for this circuit.
func (c *Circuit) AddInterest(tag string) {
	c.interestMu.Lock()
	c.interest[tag] = struct{}{}
	c.interestMu.Unlock()
}

// RemoveInterest drops an interest tag.
func (c *Circuit) RemoveInterest(tag string) {
	c.interestMu.Lock()
	delete(c.interest, tag)
	c.interestMu.Unlock()
}

// HasInterest reports whether tag is currently of interest.
func (c *Circuit) HasInterest(tag string) bool {
	c.interestMu.RLock()
	defer c.interestMu.RUnlock()
	_, ok := c.interest[tag]
	return ok
}

// TryFireQueueEmpty reports whether the sender tick should dispatch a
// queue-empty notification for cat now, honoring the minimum
// inter-notification interval and acting as a single-flight guard
// against redundant notifications (spec §4.6 step 3). Called only from
// the sender tick goroutine.
func (c *Circuit) TryFireQueueEmpty(cat bucket.Category, now time.Time, minInterval time.Duration) bool {
	if now.Before(c.NextEmptyFire[cat]) {
		return false
	}
	c.NextEmptyFire[cat] = now.Add(minInterval)
	return true
}

// SetThrottles updates every category bucket's drip rate (spec §6:
// "set_throttles(bytes_per_second × 7)"), floored at bucket.MinDripRate
// so no category can be starved permanently.
func (c *Circuit) SetThrottles(ratesBytesPerSec [bucket.NumCategories]float64) {
	for i, r := range ratesBytesPerSec {
		if r < bucket.MinDripRate {
			r = bucket.MinDripRate
		}
		c.buckets[i].SetRate(r)
	}
}

// GetThrottles reports every category's current drip rate as seven
// little-endian float32 values packed into 28 bytes (spec §6:
// "get_throttles() → bytes[28]").
func (c *Circuit) GetThrottles() [bucket.NumCategories * 4]byte {
	var out [bucket.NumCategories * 4]byte
	for i := 0; i < bucket.NumCategories; i++ {
		bits := math.Float32bits(float32(c.buckets[i].Rate()))
		binary.LittleEndian.PutUint32(out[i*4:], bits)
	}
	return out
}

// Stats is a point-in-time snapshot for metrics and diagnostics,
// grounded on the corpus's Statistics() accessor pattern
// (internal/quantum/reliability/send_buffer.go, recv_buffer.go).
type Stats struct {
	Identity       guuid.UUID
	CircuitCode    uint32
	IsChild        bool
	Connected      bool
	RemoteAddr     string
	UnackedEntries int
	UnackedBytes   int
	PendingAcks    int
	RTO            time.Duration
	SRTT           time.Duration
	SinceLastPkt   time.Duration
}

// Statistics returns a snapshot of the circuit's current state.
func (c *Circuit) Statistics(now time.Time) Stats {
	return Stats{
		Identity:       c.Identity,
		CircuitCode:    c.CircuitCode,
		IsChild:        c.IsChild,
		Connected:      c.Connected(),
		RemoteAddr:     c.RemoteAddr().String(),
		UnackedEntries: c.Archive.Len(),
		UnackedBytes:   c.Archive.UnackedBytes(),
		PendingAcks:    c.PendingAckCount(),
		RTO:            c.rtt.RTO(),
		SRTT:           c.rtt.SRTT(),
		SinceLastPkt:   c.SinceLastPacket(now),
	}
}
