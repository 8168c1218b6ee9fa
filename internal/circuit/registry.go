package circuit

import (
	"net"
	"sync"
	"time"

	guuid "github.com/Lzww0608/GUUID"
)

// Registry is the transport's multi-indexed circuit table: identity ->
// Circuit and remote address -> Circuit (spec §3, §5). It is grounded
// on internal/session/store_memory.go's multi-index MemoryStore,
// narrowed from three indexes (session/connection/user) to the two
// spec.md actually needs, under one RWMutex so every index update is a
// single critical section.
//
// Resolves the Open Question on rebind atomicity (spec §9): a
// use-circuit-code rebind only ever swaps the addrIdx entry; the
// identity index is never touched, so a concurrent identity lookup is
// unaffected, and a concurrent address lookup observes either the old
// or the new mapping, never a torn state.
type Registry struct {
	mu        sync.RWMutex
	byIdentity map[guuid.UUID]*Circuit
	byAddr     map[string]*Circuit
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byIdentity: make(map[guuid.UUID]*Circuit),
		byAddr:     make(map[string]*Circuit),
	}
}

// Insert adds a newly admitted circuit to both indexes.
func (r *Registry) Insert(c *Circuit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byIdentity[c.Identity] = c
	r.byAddr[addrKey(c.RemoteAddr())] = c
}

// Remove drops a circuit from both indexes.
func (r *Registry) Remove(c *Circuit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byIdentity, c.Identity)
	// Only remove the address entry if it still points at this circuit
	// — a rebind may have already handed the address to another one.
	if cur, ok := r.byAddr[addrKey(c.RemoteAddr())]; ok && cur == c {
		delete(r.byAddr, addrKey(c.RemoteAddr()))
	}
}

// ByIdentity looks up a circuit by its stable identity.
func (r *Registry) ByIdentity(id guuid.UUID) (*Circuit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byIdentity[id]
	return c, ok
}

// ByAddr looks up a circuit by the remote UDP address packets are
// currently arriving from.
func (r *Registry) ByAddr(addr *net.UDPAddr) (*Circuit, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byAddr[addrKey(addr)]
	return c, ok
}

// Rebind moves the address index entry for c to newAddr atomically —
// used when a use-circuit-code message arrives from a new source
// address for an already-admitted circuit (spec §4.8).
func (r *Registry) Rebind(c *Circuit, newAddr *net.UDPAddr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	old := c.RemoteAddr()
	if cur, ok := r.byAddr[addrKey(old)]; ok && cur == c {
		delete(r.byAddr, addrKey(old))
	}
	c.setRemoteAddr(newAddr)
	r.byAddr[addrKey(newAddr)] = c
}

// Len reports how many circuits are currently registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byIdentity)
}

// Snapshot returns every registered circuit, for the sender tick to
// iterate without holding the registry lock while it works.
func (r *Registry) Snapshot() []*Circuit {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Circuit, 0, len(r.byIdentity))
	for _, c := range r.byIdentity {
		out = append(out, c)
	}
	return out
}

// Statistics returns a snapshot of every circuit's state, for metrics
// and diagnostics (spec's supplemental read-only registry API).
func (r *Registry) Statistics() []Stats {
	now := time.Now()
	circuits := r.Snapshot()
	out := make([]Stats, 0, len(circuits))
	for _, c := range circuits {
		out = append(out, c.Statistics(now))
	}
	return out
}

func addrKey(addr *net.UDPAddr) string {
	if addr == nil {
		return ""
	}
	return addr.String()
}
