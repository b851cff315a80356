package pipeline

import (
	"errors"
	"fmt"
	"sync"
)

type State string

const (
	StateInit        State = "INIT"
	StateRecon       State = "RECON"
	StateCorrelation State = "CORRELATION"
	StateAnalysis    State = "ANALYSIS"
	StateAdvisory    State = "ADVISORY"
	StateCompleted   State = "COMPLETED"
	StateError       State = "ERROR"
)

type Event string

const (
	EventSuccess Event = "success"
	EventError   Event = "error"
)

var (
	ErrTerminalState     = errors.New("state machine is in a terminal state")
	ErrInvalidTransition = errors.New("invalid state transition")
)

var transitions = map[State]map[Event]State{
	StateInit:        {EventSuccess: StateRecon, EventError: StateError},
	StateRecon:       {EventSuccess: StateCorrelation, EventError: StateError},
	StateCorrelation: {EventSuccess: StateAnalysis, EventError: StateError},
	StateAnalysis:    {EventSuccess: StateAdvisory, EventError: StateError},
	StateAdvisory:    {EventSuccess: StateCompleted, EventError: StateError},
}

// Stages lists the states that run an engine, in order.
var Stages = []State{StateRecon, StateCorrelation, StateAnalysis, StateAdvisory}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError
}

// Transition is one recorded state change.
type Transition struct {
	From  State
	To    State
	Event Event
}

// FSM is the run state machine. It is safe for concurrent use.
type FSM struct {
	mu      sync.Mutex
	state   State
	history []Transition
}

func NewFSM() *FSM {
	return &FSM{state: StateInit}
}

func (f *FSM) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *FSM) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Transition, len(f.history))
	copy(out, f.history)
	return out
}

// Fire applies ev and returns the new state.
func (f *FSM) Fire(ev Event) (State, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state.Terminal() {
		return f.state, fmt.Errorf("%w: %s on %s", ErrTerminalState, ev, f.state)
	}
	next, ok := transitions[f.state][ev]
	if !ok {
		return f.state, fmt.Errorf("%w: %s on %s", ErrInvalidTransition, ev, f.state)
	}
	f.history = append(f.history, Transition{From: f.state, To: next, Event: ev})
	f.state = next
	return next, nil
}
