package engine

import (
	"errors"
	"fmt"
	"sync"
)

// Lifecycle states. An engine is Constructed by its Constructor, becomes
// Ready when InitModel succeeds, and is Closed by Close. Training and
// evaluation are modes within Ready, not separate states.
const (
	StateConstructed State = "constructed"
	StateReady       State = "ready"
	StateClosed      State = "closed"
)

// Modes within the Ready state.
const (
	ModeNeutral Mode = "neutral"
	ModeTrain   Mode = "train"
	ModeEval    Mode = "eval"
)

// State is an engine lifecycle state.
type State string

// Mode is the active compute mode of a Ready engine.
type Mode string

// Lifecycle and mode errors.
var (
	// ErrInvalidTransition is returned for a lifecycle move the state
	// machine does not allow, such as a second InitModel.
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	// ErrNotInitialized is returned when an operation needs a Ready
	// engine but InitModel has not run.
	ErrNotInitialized = errors.New("engine not initialized")
	// ErrWrongMode is returned when an operation is issued outside the
	// mode scope it requires.
	ErrWrongMode = errors.New("wrong engine mode")
	// ErrClosed is returned for any operation after Close.
	ErrClosed = errors.New("engine closed")
)

// validTransitions maps each state to the set of states it may move to.
var validTransitions = map[State]map[State]bool{
	StateConstructed: {
		StateReady:  true,
		StateClosed: true,
	},
	StateReady: {
		StateClosed: true,
	},
}

// ValidTransition reports whether moving from one lifecycle state to another
// is allowed.
func ValidTransition(from, to State) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Lifecycle tracks an engine's state and mode and enforces the contract's
// transition rules. Backends embed one and route every operation through its
// guards; it is safe for concurrent use, though the contract itself forbids
// overlapping mutating calls.
type Lifecycle struct {
	mu    sync.Mutex
	state State
	mode  Mode
}

// NewLifecycle returns a tracker in the Constructed state, neutral mode.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{state: StateConstructed, mode: ModeNeutral}
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Mode returns the current mode.
func (l *Lifecycle) Mode() Mode {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.mode
}

// Transition moves to state to, failing with ErrInvalidTransition when the
// state machine does not allow it.
func (l *Lifecycle) Transition(to State) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !ValidTransition(l.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, l.state, to)
	}
	l.state = to
	return nil
}

// RequireReady fails unless the engine is Ready: ErrNotInitialized before
// InitModel, ErrClosed after Close.
func (l *Lifecycle) RequireReady() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateReady:
		return nil
	case StateClosed:
		return ErrClosed
	default:
		return ErrNotInitialized
	}
}

// EnterMode opens a mode scope. The engine must be Ready and in neutral
// mode; entering a scope inside another is rejected with ErrWrongMode.
func (l *Lifecycle) EnterMode(m Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateClosed:
		return ErrClosed
	case StateConstructed:
		return ErrNotInitialized
	}
	if l.mode != ModeNeutral {
		return fmt.Errorf("%w: cannot enter %s inside %s", ErrWrongMode, m, l.mode)
	}
	l.mode = m
	return nil
}

// ExitMode closes the scope opened for m, returning to neutral. It is safe
// to call on any path out of the scope, including panic unwinding.
func (l *Lifecycle) ExitMode(m Mode) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.mode == m {
		l.mode = ModeNeutral
	}
}

// RequireMode fails with ErrWrongMode unless m is the active mode.
func (l *Lifecycle) RequireMode(m Mode) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch l.state {
	case StateClosed:
		return ErrClosed
	case StateConstructed:
		return ErrNotInitialized
	}
	if l.mode != m {
		return fmt.Errorf("%w: in %s, need %s", ErrWrongMode, l.mode, m)
	}
	return nil
}
