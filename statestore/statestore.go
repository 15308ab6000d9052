package statestore

import (
	"sync"

	"github.com/google/uuid"

	"github.com/cepro/fleetsim/telemetry"
)

// Store keeps the latest known state for every simulated device.
//
// The simulation engine is the only writer, everything else (the summariser,
// the registry) reads copies. Single-device reads are O(1) and can never
// observe a half-written state because values are copied whole on both sides
// of the lock.
type Store struct {
	mu     sync.RWMutex
	states map[uuid.UUID]telemetry.DeviceState
}

// New returns an empty store.
func New() *Store {
	return &Store{states: make(map[uuid.UUID]telemetry.DeviceState)}
}

// Put replaces the state held for the device.
func (s *Store) Put(state telemetry.DeviceState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.DeviceID] = state.Clone()
}

// Get returns a copy of the latest state of the device.
func (s *Store) Get(id uuid.UUID) (telemetry.DeviceState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.states[id]
	if !ok {
		return telemetry.DeviceState{}, false
	}
	return state.Clone(), true
}

// Snapshot returns a copy of every device state currently held.
func (s *Store) Snapshot() map[uuid.UUID]telemetry.DeviceState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := make(map[uuid.UUID]telemetry.DeviceState, len(s.states))
	for id, state := range s.states {
		snap[id] = state.Clone()
	}
	return snap
}

// Remove drops the state held for the device.
func (s *Store) Remove(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, id)
}

// Len returns the number of devices currently holding a state.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.states)
}
