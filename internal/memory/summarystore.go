package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// SummaryStore persists the latest Summary per session so the compaction
// manager and retriever can fetch it without re-running the summarizer.
type SummaryStore struct {
	db *sql.DB
}

// NewSummaryStore opens a SummaryStore against db, creating its table if it
// does not already exist. db may be shared with other stores.
func NewSummaryStore(db *sql.DB) (*SummaryStore, error) {
	s := &SummaryStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SummaryStore) init() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS summaries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		short TEXT NOT NULL,
		bullets TEXT NOT NULL,
		todos TEXT NOT NULL,
		created_at DATETIME NOT NULL
	)`)
	if err != nil {
		return fmt.Errorf("summary store schema: %w", err)
	}
	_, err = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_summaries_session_ts ON summaries(session_id, created_at)`)
	if err != nil {
		return fmt.Errorf("summary store schema: %w", err)
	}
	return nil
}

// Save persists summary, replacing nothing — summaries accumulate and the
// latest by created_at is the one the retriever uses.
func (s *SummaryStore) Save(ctx context.Context, summary *Summary) error {
	bullets, err := json.Marshal(summary.Bullets)
	if err != nil {
		return err
	}
	todos, err := json.Marshal(summary.Todos)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO summaries (id, session_id, short, bullets, todos, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		summary.ID, summary.SessionID, summary.Short, string(bullets), string(todos), summary.CreatedAt)
	if err != nil {
		return fmt.Errorf("save summary: %w", err)
	}
	return nil
}

// Latest returns the most recent Summary for a session, or nil if none
// exists.
func (s *SummaryStore) Latest(ctx context.Context, sessionID string) (*Summary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, short, bullets, todos, created_at FROM summaries
		 WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)

	var summary Summary
	var bullets, todos string
	if err := row.Scan(&summary.ID, &summary.SessionID, &summary.Short, &bullets, &todos, &summary.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("load summary: %w", err)
	}
	if err := json.Unmarshal([]byte(bullets), &summary.Bullets); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(todos), &summary.Todos); err != nil {
		return nil, err
	}
	return &summary, nil
}
