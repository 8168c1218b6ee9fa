package circuit

import (
	"net"
	"testing"

	guuid "github.com/Lzww0608/GUUID"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(DefaultLimits(), 0, 0, nil, nil)
}

func TestEnableCircuitNew(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	c, seed, err := m.EnableCircuit(id, addr, "pos", "facing", false)
	if err != nil {
		t.Fatalf("EnableCircuit: %v", err)
	}
	if c == nil || seed == nil {
		t.Fatalf("expected a circuit and seed handle for a new identity")
	}
	if m.Registry.Len() != 1 {
		t.Fatalf("Registry.Len() = %d, want 1", m.Registry.Len())
	}
}

func TestEnableCircuitRootEvictsRoot(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	first, _, _ := m.EnableCircuit(id, addr, nil, nil, false)
	second, _, err := m.EnableCircuit(id, addr, nil, nil, false)
	if err != nil {
		t.Fatalf("EnableCircuit: %v", err)
	}
	if second == first {
		t.Fatalf("second root admission must evict and create a fresh circuit")
	}
	if m.Registry.Len() != 1 {
		t.Fatalf("exactly one circuit must remain registered, got %d", m.Registry.Len())
	}
	got, ok := m.Registry.ByIdentity(id)
	if !ok || got != second {
		t.Fatalf("registry must resolve identity to the most recent circuit")
	}
}

func TestEnableCircuitChildRefusedAgainstRoot(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	m.EnableCircuit(id, addr, nil, nil, false)
	c, seed, err := m.EnableCircuit(id, addr, nil, nil, true)
	if err != nil {
		t.Fatalf("EnableCircuit: %v", err)
	}
	if c != nil || seed != nil {
		t.Fatalf("child admission against an existing root must be refused silently")
	}
	if m.Registry.Len() != 1 {
		t.Fatalf("the existing root must be untouched")
	}
}

func TestEnableCircuitChildUpgradesToRoot(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	childCircuit, _, _ := m.EnableCircuit(id, addr, nil, nil, true)
	if childCircuit == nil {
		t.Fatalf("initial child admission should succeed against an empty registry")
	}

	upgraded, _, err := m.EnableCircuit(id, addr, nil, nil, false)
	if err != nil {
		t.Fatalf("EnableCircuit: %v", err)
	}
	if upgraded != childCircuit {
		t.Fatalf("root admission over an existing child must upgrade the same circuit in place")
	}
	if upgraded.IsChild {
		t.Fatalf("upgraded circuit must have IsChild cleared")
	}
}

func TestEnableCircuitChildReenabled(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	first, _, _ := m.EnableCircuit(id, addr, nil, nil, true)
	second, _, err := m.EnableCircuit(id, addr, "new-pose", nil, true)
	if err != nil {
		t.Fatalf("EnableCircuit: %v", err)
	}
	if second != first {
		t.Fatalf("child-vs-child admission must re-enable the same circuit, not replace it")
	}
	if !second.IsChild {
		t.Fatalf("re-enabled circuit must remain a child")
	}
}

func TestDisconnectRemovesCircuit(t *testing.T) {
	m := newTestManager(t)
	id, _ := guuid.NewV7()
	addr := &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000}

	m.EnableCircuit(id, addr, nil, nil, false)
	m.Disconnect(id)

	if m.Registry.Len() != 0 {
		t.Fatalf("Disconnect must remove the circuit from the registry")
	}
	if c, _ := m.Registry.ByIdentity(id); c != nil {
		t.Fatalf("identity lookup must fail after disconnect")
	}
}
