package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// ErrVersionConflict is returned when an Update's expected version no
// longer matches the stored row.
type ErrVersionConflict struct {
	TaskID          string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ErrVersionConflict) Error() string {
	return fmt.Sprintf("task %s: version conflict, expected %d, actual %d", e.TaskID, e.ExpectedVersion, e.ActualVersion)
}

// TaskState is a versioned record of an in-progress task's working data.
type TaskState struct {
	ID        string
	SessionID string
	Version   int
	IsCurrent bool
	Data      json.RawMessage
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskSnapshot is a point-in-time copy of a TaskState, retained so
// rollback can restore a prior version without losing history.
type TaskSnapshot struct {
	ID        string
	TaskID    string
	Version   int
	Data      json.RawMessage
	CreatedAt time.Time
}

const maxTaskSnapshots = 10

// TaskStateStore persists TaskState rows with optimistic concurrency and a
// FIFO-capped snapshot history, backed by the shared SQLite database.
type TaskStateStore struct {
	db *sql.DB
}

// NewTaskStateStore opens a TaskStateStore against db, creating its tables
// if they do not already exist. db may be shared with other stores.
func NewTaskStateStore(db *sql.DB) (*TaskStateStore, error) {
	s := &TaskStateStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *TaskStateStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS task_states (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			is_current INTEGER NOT NULL DEFAULT 1,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_states_session ON task_states(session_id, is_current)`,
		`CREATE TABLE IF NOT EXISTS task_snapshots (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			version INTEGER NOT NULL,
			data TEXT NOT NULL,
			created_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_snapshots_task ON task_snapshots(task_id, created_at)`,
		`CREATE TABLE IF NOT EXISTS task_processed_actions (
			action_id TEXT NOT NULL,
			task_id TEXT NOT NULL,
			processed_at DATETIME NOT NULL,
			result_version INTEGER NOT NULL,
			PRIMARY KEY (action_id, task_id)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("task state schema: %w", err)
		}
	}
	return nil
}

// Create inserts a new current TaskState at version 1.
func (s *TaskStateStore) Create(ctx context.Context, sessionID string, data json.RawMessage) (*TaskState, error) {
	now := time.Now().UTC()
	ts := &TaskState{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Version:   1,
		IsCurrent: true,
		Data:      data,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_states (id, session_id, version, is_current, data, created_at, updated_at) VALUES (?, ?, ?, 1, ?, ?, ?)`,
		ts.ID, ts.SessionID, ts.Version, string(ts.Data), ts.CreatedAt, ts.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("create task state: %w", err)
	}
	return ts, nil
}

// Get fetches a TaskState by id.
func (s *TaskStateStore) Get(ctx context.Context, id string) (*TaskState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, version, is_current, data, created_at, updated_at FROM task_states WHERE id = ?`, id)
	return scanTaskState(row)
}

// GetCurrent returns the current TaskState, preferring one scoped to
// sessionID when more than one exists.
func (s *TaskStateStore) GetCurrent(ctx context.Context, sessionID string) (*TaskState, error) {
	if sessionID != "" {
		row := s.db.QueryRowContext(ctx,
			`SELECT id, session_id, version, is_current, data, created_at, updated_at FROM task_states
			 WHERE is_current = 1 AND session_id = ? ORDER BY updated_at DESC LIMIT 1`, sessionID)
		if ts, err := scanTaskState(row); err == nil {
			return ts, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
	}
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, version, is_current, data, created_at, updated_at FROM task_states
		 WHERE is_current = 1 ORDER BY updated_at DESC LIMIT 1`)
	return scanTaskState(row)
}

// Update applies an optimistic-concurrency patch to the task named by id.
// If actionID has already been processed for this task, Update is a no-op
// idempotent replay that returns the current state unchanged.
func (s *TaskStateStore) Update(ctx context.Context, id string, expectedVersion int, patch json.RawMessage, actionID string) (*TaskState, error) {
	current, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if actionID != "" {
		var resultVersion int
		err := s.db.QueryRowContext(ctx,
			`SELECT result_version FROM task_processed_actions WHERE action_id = ? AND task_id = ?`, actionID, id).Scan(&resultVersion)
		if err == nil {
			return current, nil
		} else if !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("check processed action: %w", err)
		}
	}

	if err := s.snapshot(ctx, current); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	newVersion := current.Version + 1
	res, err := s.db.ExecContext(ctx,
		`UPDATE task_states SET data = ?, version = ?, updated_at = ? WHERE id = ? AND version = ?`,
		string(patch), newVersion, now, id, expectedVersion)
	if err != nil {
		return nil, fmt.Errorf("update task state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		actual, gerr := s.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return nil, &ErrVersionConflict{TaskID: id, ExpectedVersion: expectedVersion, ActualVersion: actual.Version}
	}

	if actionID != "" {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO task_processed_actions (action_id, task_id, processed_at, result_version) VALUES (?, ?, ?, ?)`,
			actionID, id, now, newVersion); err != nil {
			return nil, fmt.Errorf("record processed action: %w", err)
		}
	}

	return s.Get(ctx, id)
}

// snapshot records the current version before a mutation and trims the
// snapshot history to maxTaskSnapshots (FIFO).
func (s *TaskStateStore) snapshot(ctx context.Context, ts *TaskState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO task_snapshots (id, task_id, version, data, created_at) VALUES (?, ?, ?, ?, ?)`,
		uuid.NewString(), ts.ID, ts.Version, string(ts.Data), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`DELETE FROM task_snapshots WHERE task_id = ? AND id NOT IN (
			SELECT id FROM task_snapshots WHERE task_id = ? ORDER BY created_at DESC LIMIT ?
		)`, ts.ID, ts.ID, maxTaskSnapshots)
	if err != nil {
		return fmt.Errorf("trim snapshots: %w", err)
	}
	return nil
}

// Snapshots lists the retained snapshots for a task, newest first.
func (s *TaskStateStore) Snapshots(ctx context.Context, taskID string) ([]*TaskSnapshot, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, version, data, created_at FROM task_snapshots WHERE task_id = ? ORDER BY created_at DESC`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*TaskSnapshot
	for rows.Next() {
		var snap TaskSnapshot
		var data string
		if err := rows.Scan(&snap.ID, &snap.TaskID, &snap.Version, &data, &snap.CreatedAt); err != nil {
			return nil, err
		}
		snap.Data = json.RawMessage(data)
		out = append(out, &snap)
	}
	return out, rows.Err()
}

// Rollback restores a prior snapshot's data as a new version; the version
// counter only ever increases.
func (s *TaskStateStore) Rollback(ctx context.Context, taskID string, version int) (*TaskState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT data FROM task_snapshots WHERE task_id = ? AND version = ? ORDER BY created_at DESC LIMIT 1`, taskID, version)
	var data string
	if err := row.Scan(&data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("no snapshot for task %s at version %d", taskID, version)
		}
		return nil, err
	}

	current, err := s.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return s.Update(ctx, taskID, current.Version, json.RawMessage(data), "")
}

func scanTaskState(row *sql.Row) (*TaskState, error) {
	var ts TaskState
	var isCurrent int
	var data string
	if err := row.Scan(&ts.ID, &ts.SessionID, &ts.Version, &isCurrent, &data, &ts.CreatedAt, &ts.UpdatedAt); err != nil {
		return nil, err
	}
	ts.IsCurrent = isCurrent != 0
	ts.Data = json.RawMessage(data)
	return &ts, nil
}
