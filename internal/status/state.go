package status

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the sync lifecycle state of a replica.
type State string

const (
	Idle     State = "IDLE"
	Syncing  State = "SYNCING"
	Offline  State = "OFFLINE"
	Degraded State = "DEGRADED"
	Stopped  State = "STOPPED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Idle:     {Syncing, Offline, Degraded, Stopped},
	Syncing:  {Idle, Offline, Degraded, Stopped},
	Offline:  {Idle, Stopped},
	Degraded: {Syncing, Idle, Offline, Stopped},
	Stopped:  {Idle},
}

// Machine tracks and enforces sync lifecycle transitions.
type Machine struct {
	emitMu  sync.Mutex
	mu      sync.RWMutex
	current State
	bus     *bus.Bus
}

// NewMachine creates a new state machine starting in Idle state.
func NewMachine(b *bus.Bus) *Machine {
	return &Machine{
		current: Idle,
		bus:     b,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
// Moving to the current state is a no-op.
func (m *Machine) Transition(to State) error {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	m.mu.Lock()
	from := m.current
	if from == to {
		m.mu.Unlock()
		return nil
	}
	if !slices.Contains(validTransitions[from], to) {
		m.mu.Unlock()
		return fmt.Errorf("invalid transition from %s to %s", from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.bus != nil {
		m.bus.Publish(bus.Event{
			Kind:      bus.SyncStatus,
			Timestamp: time.Now(),
			Payload: StatusChange{
				From: from,
				To:   to,
			},
		})
	}
	return nil
}

// StatusChange is the payload for status change events.
type StatusChange struct {
	From State `json:"from"`
	To   State `json:"to"`
}
