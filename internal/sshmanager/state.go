package sshmanager

import (
	"sync"
	"time"

	"github.com/gluk-w/termctl/internal/database"
)

// EndpointState mirrors the status the manager writes back to the host
// registry for an endpoint.
type EndpointState string

const (
	StateDisconnected EndpointState = database.EndpointDisconnected
	StateConnecting   EndpointState = database.EndpointConnecting
	StateConnected    EndpointState = database.EndpointConnected
	StateError        EndpointState = database.EndpointError
)

func (s EndpointState) String() string {
	return string(s)
}

// IsValid returns true if the state is one of the defined constants.
func (s EndpointState) IsValid() bool {
	switch s {
	case StateDisconnected, StateConnecting, StateConnected, StateError:
		return true
	default:
		return false
	}
}

// StateTransition records a state change for debugging.
type StateTransition struct {
	From      EndpointState `json:"from"`
	To        EndpointState `json:"to"`
	Reason    string        `json:"reason,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// StateCallback is called when an endpoint's state changes.
type StateCallback func(endpointID uint, from, to EndpointState)

// maxTransitionsPerEndpoint limits the number of stored transitions per endpoint.
const maxTransitionsPerEndpoint = 50

// StateTracker keeps the last known state of every endpoint the manager has
// touched, with a bounded transition history and change callbacks.
type StateTracker struct {
	mu          sync.RWMutex
	states      map[uint]EndpointState
	transitions map[uint][]StateTransition
	callbacks   []StateCallback
	nowFn       func() time.Time
}

func NewStateTracker() *StateTracker {
	return &StateTracker{
		states:      make(map[uint]EndpointState),
		transitions: make(map[uint][]StateTransition),
		nowFn:       time.Now,
	}
}

// State returns the current state for the endpoint, or StateDisconnected if
// none has been set.
func (t *StateTracker) State(endpointID uint) EndpointState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	state, ok := t.states[endpointID]
	if !ok {
		return StateDisconnected
	}
	return state
}

// SetState updates the endpoint's state. If it actually changed, the
// transition is recorded and callbacks fire. Returns the previous state.
func (t *StateTracker) SetState(endpointID uint, newState EndpointState, reason string) EndpointState {
	t.mu.Lock()
	oldState, ok := t.states[endpointID]
	if !ok {
		oldState = StateDisconnected
	}
	if oldState == newState {
		t.mu.Unlock()
		return oldState
	}
	t.states[endpointID] = newState

	transitions := append(t.transitions[endpointID], StateTransition{
		From:      oldState,
		To:        newState,
		Reason:    reason,
		Timestamp: t.nowFn(),
	})
	if len(transitions) > maxTransitionsPerEndpoint {
		transitions = transitions[len(transitions)-maxTransitionsPerEndpoint:]
	}
	t.transitions[endpointID] = transitions

	cbs := make([]StateCallback, len(t.callbacks))
	copy(cbs, t.callbacks)
	t.mu.Unlock()

	// Fire callbacks outside the lock to avoid deadlocks
	for _, cb := range cbs {
		cb(endpointID, oldState, newState)
	}
	return oldState
}

// Transitions returns a copy of the endpoint's transition history, oldest first.
func (t *StateTracker) Transitions(endpointID uint) []StateTransition {
	t.mu.RLock()
	defer t.mu.RUnlock()
	transitions := t.transitions[endpointID]
	result := make([]StateTransition, len(transitions))
	copy(result, transitions)
	return result
}

// States returns a copy of all current endpoint states.
func (t *StateTracker) States() map[uint]EndpointState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	result := make(map[uint]EndpointState, len(t.states))
	for k, v := range t.states {
		result[k] = v
	}
	return result
}

// OnStateChange registers a callback that fires when any endpoint's state changes.
func (t *StateTracker) OnStateChange(cb StateCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, cb)
}
