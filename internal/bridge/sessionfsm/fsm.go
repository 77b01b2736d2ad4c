// Package sessionfsm tracks the lifecycle of the one realtime session a
// running agent owns.
package sessionfsm

import (
	"fmt"
	"sync"
	"time"
)

// State is a normalized session lifecycle state.
type State string

const (
	StateIdle          State = "idle"
	StateTokenFetching State = "token_fetching"
	StateConnecting    State = "connecting"
	StateActive        State = "active"
	StateDegraded      State = "degraded"
	StateClosed        State = "closed"
)

// transitions lists the legal forward edges. Closed is reachable from every
// state and handled separately so Stop always succeeds.
var transitions = map[State][]State{
	StateIdle:          {StateTokenFetching},
	StateTokenFetching: {StateConnecting},
	StateConnecting:    {StateActive, StateDegraded},
	StateActive:        {StateDegraded},
	StateDegraded:      {StateConnecting, StateActive, StateTokenFetching},
}

// Config controls deterministic lifecycle behavior.
type Config struct {
	Now func() time.Time
}

// FSM tracks session lifecycle transitions. It is safe for concurrent use.
type FSM struct {
	mu        sync.Mutex
	state     State
	enteredAt time.Time
	now       func() time.Time
}

// New returns an FSM in the Idle state.
func New(cfg Config) *FSM {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &FSM{
		state:     StateIdle,
		enteredAt: cfg.Now(),
		now:       cfg.Now,
	}
}

// Transition moves to the target state, rejecting illegal edges.
func (f *FSM) Transition(to State) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateClosed {
		return f.state, fmt.Errorf("session is terminal in state %s", f.state)
	}
	if to == StateClosed {
		f.set(to)
		return f.state, nil
	}
	for _, allowed := range transitions[f.state] {
		if allowed == to {
			f.set(to)
			return f.state, nil
		}
	}
	return f.state, fmt.Errorf("illegal session transition %s -> %s", f.state, to)
}

// State returns the current lifecycle state.
func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Is reports whether the FSM currently sits in any of the given states.
func (f *FSM) Is(states ...State) bool {
	current := f.State()
	for _, s := range states {
		if current == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the lifecycle reached Closed.
func (f *FSM) IsTerminal() bool {
	return f.State() == StateClosed
}

// EnteredAt returns when the current state was entered.
func (f *FSM) EnteredAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enteredAt
}

func (f *FSM) set(to State) {
	f.state = to
	f.enteredAt = f.now()
}
