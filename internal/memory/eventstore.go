package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Event is an immutable, append-only record of something that happened
// during a session: a message, a tool call, a state transition.
type Event struct {
	ID        string
	SessionID string
	ParentID  string
	Type      string
	Data      json.RawMessage
	Timestamp time.Time
}

// EventQuery filters an EventStore.Query call.
type EventQuery struct {
	SessionID string
	Since     time.Time
	Until     time.Time
	Types     []string
	Limit     int
}

// EventStore persists an append-only log of events, indexed for lookup by
// session, time range, type, and parent chain.
type EventStore struct {
	db *sql.DB
}

// NewEventStore opens an EventStore against db, creating its table if it
// does not already exist. db may be shared with other stores.
func NewEventStore(db *sql.DB) (*EventStore, error) {
	s := &EventStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *EventStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL,
			data TEXT NOT NULL,
			timestamp DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_events_type ON events(type)`,
		`CREATE INDEX IF NOT EXISTS idx_events_parent ON events(parent_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("event store schema: %w", err)
		}
	}
	return nil
}

// Append writes a new event. Events are never updated or deleted once
// written; ID and Timestamp are assigned if the caller left them zero.
func (s *EventStore) Append(ctx context.Context, ev *Event) (*Event, error) {
	out := *ev
	if out.ID == "" {
		out.ID = uuid.NewString()
	}
	if out.Timestamp.IsZero() {
		out.Timestamp = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (id, session_id, parent_id, type, data, timestamp) VALUES (?, ?, ?, ?, ?, ?)`,
		out.ID, out.SessionID, out.ParentID, out.Type, string(out.Data), out.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("append event: %w", err)
	}
	return &out, nil
}

// Query returns events matching q, newest first.
func (s *EventStore) Query(ctx context.Context, q EventQuery) ([]*Event, error) {
	var where []string
	var args []any

	if q.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, q.SessionID)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, q.Since)
	}
	if !q.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, q.Until)
	}
	if len(q.Types) > 0 {
		placeholders := make([]string, len(q.Types))
		for i, t := range q.Types {
			placeholders[i] = "?"
			args = append(args, t)
		}
		where = append(where, fmt.Sprintf("type IN (%s)", strings.Join(placeholders, ", ")))
	}

	query := "SELECT id, session_id, parent_id, type, data, timestamp FROM events"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY timestamp DESC"

	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ParentID, &ev.Type, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

// Children returns the events whose ParentID is parentID, oldest first.
func (s *EventStore) Children(ctx context.Context, parentID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, parent_id, type, data, timestamp FROM events WHERE parent_id = ? ORDER BY timestamp ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("query event children: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var data string
		if err := rows.Scan(&ev.ID, &ev.SessionID, &ev.ParentID, &ev.Type, &data, &ev.Timestamp); err != nil {
			return nil, err
		}
		ev.Data = json.RawMessage(data)
		out = append(out, &ev)
	}
	return out, rows.Err()
}
