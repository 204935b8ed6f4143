package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CheckpointRecord captures everything needed to restore a run to a prior
// point: the conversation transcript, the plan in effect, the task the run
// was working on, a metrics snapshot, and the iteration counter.
type CheckpointRecord struct {
	ID          string
	SessionID   string
	CreatedAt   time.Time
	Iteration   int
	RunState    RunState
	History     []CompletionMessage
	CurrentPlan string
	TaskID      string
	Metrics     CheckpointMetrics
}

// CheckpointMetrics is the metrics snapshot carried by a CheckpointRecord.
type CheckpointMetrics struct {
	TotalToolCalls    int
	TotalInputTokens  int
	TotalOutputTokens int
}

// CheckpointStore persists and retrieves CheckpointRecords for a session.
type CheckpointStore interface {
	Save(ctx context.Context, cp *CheckpointRecord) error
	Get(ctx context.Context, id string) (*CheckpointRecord, error)
	ListForSession(ctx context.Context, sessionID string) ([]*CheckpointRecord, error)
	Delete(ctx context.Context, id string) error
}

// MemoryCheckpointStore is an in-process CheckpointStore, the default used
// when no durable store is configured.
type MemoryCheckpointStore struct {
	mu    sync.RWMutex
	byID  map[string]*CheckpointRecord
	bySes map[string][]string
}

// NewMemoryCheckpointStore returns an empty MemoryCheckpointStore.
func NewMemoryCheckpointStore() *MemoryCheckpointStore {
	return &MemoryCheckpointStore{
		byID:  make(map[string]*CheckpointRecord),
		bySes: make(map[string][]string),
	}
}

func (s *MemoryCheckpointStore) Save(_ context.Context, cp *CheckpointRecord) error {
	if cp == nil {
		return fmt.Errorf("checkpoint is nil")
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[cp.ID] = cp
	s.bySes[cp.SessionID] = append(s.bySes[cp.SessionID], cp.ID)
	return nil
}

func (s *MemoryCheckpointStore) Get(_ context.Context, id string) (*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	return cp, nil
}

func (s *MemoryCheckpointStore) ListForSession(_ context.Context, sessionID string) ([]*CheckpointRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.bySes[sessionID]
	out := make([]*CheckpointRecord, 0, len(ids))
	for _, id := range ids {
		if cp, ok := s.byID[id]; ok {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *MemoryCheckpointStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp, ok := s.byID[id]
	if !ok {
		return nil
	}
	delete(s.byID, id)
	ids := s.bySes[cp.SessionID]
	for i, existing := range ids {
		if existing == id {
			s.bySes[cp.SessionID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	return nil
}

// Capture builds a CheckpointRecord from the loop's current state and machine.
func Capture(sessionID string, state *LoopState, machine *StateMachine, taskID, plan string) *CheckpointRecord {
	history := make([]CompletionMessage, len(state.Messages))
	copy(history, state.Messages)

	rs := StateIdle
	if machine != nil {
		rs = machine.State()
	}

	return &CheckpointRecord{
		ID:          uuid.NewString(),
		SessionID:   sessionID,
		CreatedAt:   time.Now(),
		Iteration:   state.Iteration,
		RunState:    rs,
		History:     history,
		CurrentPlan: plan,
		TaskID:      taskID,
		Metrics: CheckpointMetrics{
			TotalToolCalls:    state.TotalToolCalls,
			TotalInputTokens:  state.TotalInputTokens,
			TotalOutputTokens: state.TotalOutputTokens,
		},
	}
}

// Restore resets state and machine to the checkpoint's recorded point,
// discarding any speculative work (pending tools, partial accumulated text,
// and messages appended since) done after the checkpoint was taken.
func Restore(cp *CheckpointRecord, state *LoopState, machine *StateMachine) {
	if cp == nil || state == nil {
		return
	}
	state.Messages = make([]CompletionMessage, len(cp.History))
	copy(state.Messages, cp.History)
	state.Iteration = cp.Iteration
	state.TotalToolCalls = cp.Metrics.TotalToolCalls
	state.TotalInputTokens = cp.Metrics.TotalInputTokens
	state.TotalOutputTokens = cp.Metrics.TotalOutputTokens
	state.PendingTools = nil
	state.ToolResults = nil
	state.AccumulatedText = ""
	state.Phase = PhaseInit

	if machine != nil {
		machine.ForceState(cp.RunState)
		_ = machine.Fire(EventRestore)
	}
}
