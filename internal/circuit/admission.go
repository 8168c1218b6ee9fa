package circuit

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	guuid "github.com/Lzww0608/GUUID"
	"go.uber.org/zap"

	"github.com/novagrid/relay/internal/bucket"
)

// DefaultIdleTimeout is the agent-inactivity timeout after which a
// circuit is torn down (spec §5, §8 scenario 2: "after inactivity≥60s
// the circuit is torn down").
const DefaultIdleTimeout = 60 * time.Second

// DefaultSweepInterval is how often the idle sweep checks every
// registered circuit for inactivity.
const DefaultSweepInterval = 5 * time.Second

// SeedFactory mints the opaque upper-layer handle returned by
// EnableCircuit. If unset, Manager uses the circuit's identity as the
// seed handle.
type SeedFactory func(identity guuid.UUID, position, facing interface{}) interface{}

// TeardownFunc is invoked once whenever a circuit is torn down — by
// idle timeout, explicit disconnect, or admission eviction (spec §5
// "Cancellation"). It runs while the Manager's admission lock is held.
type TeardownFunc func(c *Circuit, reason string)

// Manager owns the circuit registry and implements the admission state
// machine in spec.md §4.8 (enable_circuit) plus the idle-timeout
// sweep, grounded on internal/session/manager.go's Manager-over-Store
// shape (cleanup-loop goroutine, NewV7 identity generation, zap
// logging) adapted from session CRUD to circuit admission.
type Manager struct {
	admitMu sync.Mutex // serializes the admission decision tree itself

	Registry    *Registry
	limits      Limits
	sceneBucket *bucket.Bucket
	logger      *zap.Logger

	idleTimeout   time.Duration
	sweepInterval time.Duration
	seedFactory   SeedFactory
	onTeardown    TeardownFunc

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewManager creates a Manager with the given limits applied to every
// circuit it admits. sceneDripRate/sceneMaxBurst configure the
// scene-wide bucket every circuit's per-client bucket is chained to
// (spec §4.1); pass 0 for both to omit the scene level.
func NewManager(limits Limits, sceneDripRate float64, sceneMaxBurst int, logger *zap.Logger, onTeardown TeardownFunc) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	var sceneBucket *bucket.Bucket
	if sceneDripRate > 0 {
		sceneBucket = bucket.New(sceneDripRate, sceneMaxBurst, nil)
	}
	return &Manager{
		Registry:      NewRegistry(),
		limits:        limits,
		sceneBucket:   sceneBucket,
		logger:        logger,
		idleTimeout:   DefaultIdleTimeout,
		sweepInterval: DefaultSweepInterval,
		onTeardown:    onTeardown,
		stop:          make(chan struct{}),
	}
}

// SetSeedFactory overrides how seed handles are minted.
func (m *Manager) SetSeedFactory(f SeedFactory) { m.seedFactory = f }

// EnableCircuit implements spec.md §4.8's admission state machine.
// identity is the stable session identity the circuit is keyed by;
// position/facing is the peer's initial pose, opaque to the transport.
func (m *Manager) EnableCircuit(identity guuid.UUID, remoteAddr *net.UDPAddr, position, facing interface{}, isChild bool) (*Circuit, interface{}, error) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()

	existing, ok := m.Registry.ByIdentity(identity)

	switch {
	case !ok:
		c := m.admit(identity, remoteAddr, isChild)
		m.logger.Info("circuit admitted", zap.String("identity", identity.String()), zap.Bool("is_child", isChild))
		return c, m.seed(c, position, facing), nil

	case !existing.IsChild && !isChild:
		// existing root, incoming root: evict and re-admit fresh.
		m.teardownLocked(existing, "admission conflict: root vs root")
		c := m.admit(identity, remoteAddr, isChild)
		m.logger.Info("circuit re-admitted (root evicted root)", zap.String("identity", identity.String()))
		return c, m.seed(c, position, facing), nil

	case !existing.IsChild && isChild:
		// existing root, incoming child: refuse silently.
		m.logger.Debug("child admission refused: root already present", zap.String("identity", identity.String()))
		return nil, nil, nil

	case existing.IsChild && !isChild:
		// existing child, incoming root: upgrade in place.
		existing.IsChild = false
		existing.SetConnected(true)
		existing.Touch()
		m.Registry.Rebind(existing, remoteAddr)
		m.logger.Info("circuit upgraded child->root", zap.String("identity", identity.String()))
		return existing, m.seed(existing, position, facing), nil

	default:
		// existing child, incoming child: re-enable with updated pose.
		existing.SetConnected(true)
		existing.Touch()
		m.Registry.Rebind(existing, remoteAddr)
		m.logger.Debug("child circuit re-enabled", zap.String("identity", identity.String()))
		return existing, m.seed(existing, position, facing), nil
	}
}

func (m *Manager) admit(identity guuid.UUID, remoteAddr *net.UDPAddr, isChild bool) *Circuit {
	sessionID, err := guuid.NewV7()
	if err != nil {
		sessionID = identity
	}
	c := New(identity, sessionID, remoteAddr, newCircuitCode(), isChild, m.limits, m.sceneBucket, nil)
	c.SetConnected(true)
	m.Registry.Insert(c)
	return c
}

// newCircuitCode mints a random, unpredictable circuit code: the
// use-circuit-code handshake treats it as a shared secret the client
// must echo back to rebind an address, so a sequential or zero value
// would let anyone who learns a peer's identity hijack its circuit.
func newCircuitCode() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(b[:])
}

func (m *Manager) seed(c *Circuit, position, facing interface{}) interface{} {
	var handle interface{}
	if m.seedFactory != nil {
		handle = m.seedFactory(c.Identity, position, facing)
	} else {
		handle = c.Identity
	}
	c.Seed = handle
	return handle
}

// Disconnect tears down a circuit explicitly (e.g. a client-initiated
// logout), per spec §5 "Cancellation: ... by explicit disconnect".
func (m *Manager) Disconnect(identity guuid.UUID) {
	m.admitMu.Lock()
	defer m.admitMu.Unlock()
	if c, ok := m.Registry.ByIdentity(identity); ok {
		m.teardownLocked(c, "explicit disconnect")
	}
}

// teardownLocked flips is_connected false, drops the circuit from the
// registry and notifies the upper layer. Callers must hold admitMu.
func (m *Manager) teardownLocked(c *Circuit, reason string) {
	c.SetConnected(false)
	m.Registry.Remove(c)
	if m.onTeardown != nil {
		m.onTeardown(c, reason)
	}
	m.logger.Info("circuit torn down", zap.String("identity", c.Identity.String()), zap.String("reason", reason))
}

// StartIdleSweep launches the background goroutine that tears down
// circuits which have not received a packet within idleTimeout,
// grounded on internal/session/manager.go's cleanupLoop.
func (m *Manager) StartIdleSweep() {
	m.wg.Add(1)
	go m.sweepLoop()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepOnce()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweepOnce() {
	now := time.Now()
	for _, c := range m.Registry.Snapshot() {
		if c.SinceLastPacket(now) >= m.idleTimeout {
			m.admitMu.Lock()
			// re-check under the lock in case admission already
			// touched this circuit concurrently.
			if c.SinceLastPacket(time.Now()) >= m.idleTimeout {
				m.teardownLocked(c, "circuit timeout")
			}
			m.admitMu.Unlock()
		}
	}
}

// Stop halts the idle sweep goroutine and waits for it to exit.
func (m *Manager) Stop() {
	close(m.stop)
	m.wg.Wait()
}
