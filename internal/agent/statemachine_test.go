package agent

import (
	"errors"
	"testing"
)

func TestStateMachine_InitialState(t *testing.T) {
	m := NewStateMachine()
	if m.State() != StateIdle {
		t.Fatalf("initial state = %s, want %s", m.State(), StateIdle)
	}
}

func TestStateMachine_HappyPath(t *testing.T) {
	m := NewStateMachine()
	steps := []RunEvent{EventStart, EventToolStart, EventToolEnd, EventComplete}
	want := []RunState{StateRunning, StateTool, StateRunning, StateCompleted}

	for i, ev := range steps {
		if err := m.Fire(ev); err != nil {
			t.Fatalf("Fire(%s) error = %v", ev, err)
		}
		if m.State() != want[i] {
			t.Errorf("after %s: state = %s, want %s", ev, m.State(), want[i])
		}
	}
}

func TestStateMachine_PauseResume(t *testing.T) {
	m := NewStateMachine()
	_ = m.Fire(EventStart)
	if err := m.Fire(EventPause); err != nil {
		t.Fatalf("Fire(PAUSE) error = %v", err)
	}
	if m.State() != StatePaused {
		t.Fatalf("state = %s, want %s", m.State(), StatePaused)
	}
	if err := m.Fire(EventResume); err != nil {
		t.Fatalf("Fire(RESUME) error = %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("state = %s, want %s", m.State(), StateRunning)
	}
}

func TestStateMachine_InvalidTransition(t *testing.T) {
	m := NewStateMachine()
	err := m.Fire(EventComplete)
	if err == nil {
		t.Fatal("expected error firing COMPLETE from idle")
	}
	var invalidErr *ErrInvalidTransition
	if !errors.As(err, &invalidErr) {
		t.Fatalf("expected ErrInvalidTransition, got %T", err)
	}
}

func TestStateMachine_ErrorThenRestore(t *testing.T) {
	m := NewStateMachine()
	_ = m.Fire(EventStart)
	if err := m.Fire(EventError); err != nil {
		t.Fatalf("Fire(ERROR) error = %v", err)
	}
	if m.State() != StateError {
		t.Fatalf("state = %s, want %s", m.State(), StateError)
	}
	if err := m.Fire(EventRestore); err != nil {
		t.Fatalf("Fire(RESTORE) error = %v", err)
	}
	if m.State() != StateRunning {
		t.Fatalf("state = %s, want %s", m.State(), StateRunning)
	}
}

func TestStateMachine_OnTransitionCallback(t *testing.T) {
	m := NewStateMachine()
	var seen []RunEvent
	m.OnTransition(func(from, to RunState, event RunEvent) {
		seen = append(seen, event)
	})
	_ = m.Fire(EventStart)
	_ = m.Fire(EventPause)

	if len(seen) != 2 {
		t.Fatalf("expected 2 transitions observed, got %d", len(seen))
	}
}

func TestStateMachine_ForceState(t *testing.T) {
	m := NewStateMachine()
	m.ForceState(StateTool)
	if m.State() != StateTool {
		t.Fatalf("state = %s, want %s", m.State(), StateTool)
	}
}
