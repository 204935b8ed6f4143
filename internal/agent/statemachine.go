package agent

import (
	"fmt"
	"sync"
)

// RunState is a state in the agentic loop's run lifecycle.
type RunState string

const (
	StateIdle      RunState = "idle"
	StateRunning   RunState = "running"
	StateTool      RunState = "tool"
	StatePaused    RunState = "paused"
	StateCompleted RunState = "completed"
	StateError     RunState = "error"
)

// RunEvent drives a RunState transition.
type RunEvent string

const (
	EventStart     RunEvent = "START"
	EventToolStart RunEvent = "TOOL_START"
	EventToolEnd   RunEvent = "TOOL_END"
	EventPause     RunEvent = "PAUSE"
	EventResume    RunEvent = "RESUME"
	EventComplete  RunEvent = "COMPLETE"
	EventError     RunEvent = "ERROR"
	EventRestore   RunEvent = "RESTORE"
)

// transitions enumerates the legal (state, event) -> state moves. The loop
// drives START/COMPLETE/ERROR, the tool pipeline drives TOOL_START/TOOL_END,
// and external callers drive PAUSE/RESUME/RESTORE.
var transitions = map[RunState]map[RunEvent]RunState{
	StateIdle: {
		EventStart: StateRunning,
	},
	StateRunning: {
		EventToolStart: StateTool,
		EventPause:     StatePaused,
		EventComplete:  StateCompleted,
		EventError:     StateError,
		EventRestore:   StateRunning,
	},
	StateTool: {
		EventToolEnd: StateRunning,
		EventError:   StateError,
	},
	StatePaused: {
		EventResume:  StateRunning,
		EventRestore: StateRunning,
	},
	StateCompleted: {
		EventRestore: StateRunning,
	},
	StateError: {
		EventRestore: StateRunning,
	},
}

// ErrInvalidTransition indicates an event was fired from a state that does
// not accept it.
type ErrInvalidTransition struct {
	From  RunState
	Event RunEvent
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("invalid transition: event %s from state %s", e.Event, e.From)
}

// StateMachine tracks the current RunState of an agentic loop run and
// validates transitions against the legal event table.
type StateMachine struct {
	mu        sync.Mutex
	state     RunState
	listeners []func(from, to RunState, event RunEvent)
}

// NewStateMachine returns a StateMachine starting in StateIdle.
func NewStateMachine() *StateMachine {
	return &StateMachine{state: StateIdle}
}

// State returns the current state.
func (m *StateMachine) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnTransition registers a callback invoked after every successful transition.
func (m *StateMachine) OnTransition(fn func(from, to RunState, event RunEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Fire attempts the transition for event from the current state. It returns
// ErrInvalidTransition if the event is not legal from the current state.
func (m *StateMachine) Fire(event RunEvent) error {
	m.mu.Lock()
	from := m.state
	next, ok := transitions[from][event]
	if !ok {
		m.mu.Unlock()
		return &ErrInvalidTransition{From: from, Event: event}
	}
	m.state = next
	listeners := append([]func(from, to RunState, event RunEvent){}, m.listeners...)
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(from, next, event)
	}
	return nil
}

// ForceState overwrites the current state without validating a transition,
// used by Checkpoint.Restore to snap back to a prior run's state.
func (m *StateMachine) ForceState(state RunState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = state
}
