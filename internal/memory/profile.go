package memory

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ProfileItem is a durable fact about the user or session: a preference,
// a constraint, a piece of background the agent should keep in mind across
// turns without it living in the rolling conversation history.
type ProfileItem struct {
	ID         string
	SessionID  string
	Key        string
	Value      string
	Explicit   bool
	Confidence float64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProfileStore persists ProfileItem rows keyed by session and key, with the
// latest write for a given (sessionId, key) pair winning.
type ProfileStore struct {
	db *sql.DB
}

// NewProfileStore opens a ProfileStore against db, creating its table if it
// does not already exist. db may be shared with other stores.
func NewProfileStore(db *sql.DB) (*ProfileStore, error) {
	s := &ProfileStore{db: db}
	if err := s.init(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *ProfileStore) init() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS profile_items (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			explicit INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 1.0,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL,
			UNIQUE(session_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_profile_items_session ON profile_items(session_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("profile store schema: %w", err)
		}
	}
	return nil
}

// Upsert writes or replaces the item for (sessionID, key).
func (s *ProfileStore) Upsert(ctx context.Context, item *ProfileItem) (*ProfileItem, error) {
	now := time.Now().UTC()
	id := item.ID
	if id == "" {
		id = uuid.NewString()
	}
	confidence := item.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO profile_items (id, session_id, key, value, explicit, confidence, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(session_id, key) DO UPDATE SET
			value = excluded.value,
			explicit = excluded.explicit,
			confidence = excluded.confidence,
			updated_at = excluded.updated_at`,
		id, item.SessionID, item.Key, item.Value, boolToInt(item.Explicit), confidence, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert profile item: %w", err)
	}

	return s.Get(ctx, item.SessionID, item.Key)
}

// Get fetches a single item by (sessionID, key).
func (s *ProfileStore) Get(ctx context.Context, sessionID, key string) (*ProfileItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, key, value, explicit, confidence, created_at, updated_at
		 FROM profile_items WHERE session_id = ? AND key = ?`, sessionID, key)
	return scanProfileItem(row)
}

// List returns all items for a session, sorted explicit-first then by
// descending confidence, matching retrieval priority order.
func (s *ProfileStore) List(ctx context.Context, sessionID string) ([]*ProfileItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, key, value, explicit, confidence, created_at, updated_at
		 FROM profile_items WHERE session_id = ?
		 ORDER BY explicit DESC, confidence DESC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list profile items: %w", err)
	}
	defer rows.Close()

	var out []*ProfileItem
	for rows.Next() {
		item, err := scanProfileItemRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

// Delete removes the item for (sessionID, key).
func (s *ProfileStore) Delete(ctx context.Context, sessionID, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM profile_items WHERE session_id = ? AND key = ?`, sessionID, key)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func scanProfileItem(row *sql.Row) (*ProfileItem, error) {
	var item ProfileItem
	var explicit int
	if err := row.Scan(&item.ID, &item.SessionID, &item.Key, &item.Value, &explicit, &item.Confidence, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Explicit = explicit != 0
	return &item, nil
}

func scanProfileItemRows(rows *sql.Rows) (*ProfileItem, error) {
	var item ProfileItem
	var explicit int
	if err := rows.Scan(&item.ID, &item.SessionID, &item.Key, &item.Value, &explicit, &item.Confidence, &item.CreatedAt, &item.UpdatedAt); err != nil {
		return nil, err
	}
	item.Explicit = explicit != 0
	return &item, nil
}
