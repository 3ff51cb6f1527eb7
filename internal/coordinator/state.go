package coordinator

import (
	"sync"

	serrors "github.com/limnetic/sonde/internal/errors"
)

// State is the coordinator's load state.
type State int

const (
	// StateIdle means no dataset is committed and nothing is in flight.
	StateIdle State = iota
	// StateFetching means a request is in flight.
	StateFetching
	// StateCommitted means a dataset is committed and current.
	StateCommitted
	// StateFailed means the last request failed; the previously
	// committed dataset, if any, remains visible.
	StateFailed
)

// String returns a human-readable representation of the State.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateCommitted:
		return "committed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// machine is the explicit finite state machine driving load state:
// start, setData, setError, and reset are the only transitions.
type machine struct {
	mu    sync.Mutex
	state State
}

func newMachine() *machine {
	return &machine{state: StateIdle}
}

// State returns the current state.
func (m *machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// start moves to Fetching. A new request may supersede one already in
// flight, so Fetching -> Fetching is a legal transition.
func (m *machine) start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case StateIdle, StateFetching, StateCommitted, StateFailed:
		m.state = StateFetching
		return nil
	default:
		return serrors.Wrapf(serrors.ErrInvalidTransition, "start from %s", m.state)
	}
}

// setData moves to Committed. Only a fetch in flight can commit.
func (m *machine) setData() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateFetching {
		return serrors.Wrapf(serrors.ErrInvalidTransition, "setData from %s", m.state)
	}
	m.state = StateCommitted
	return nil
}

// setError moves to Failed.
func (m *machine) setError() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != StateFetching {
		return serrors.Wrapf(serrors.ErrInvalidTransition, "setError from %s", m.state)
	}
	m.state = StateFailed
	return nil
}

// reset returns to Idle from any state.
func (m *machine) reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = StateIdle
}
