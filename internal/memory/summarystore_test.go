package memory

import (
	"context"
	"database/sql"
	"strings"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func newTestSummaryStore(t *testing.T) *SummaryStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		if strings.Contains(err.Error(), "unknown driver") {
			t.Skip("SQLite driver not available (driver name mismatch)")
		}
		t.Fatalf("sql.Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewSummaryStore(db)
	if err != nil {
		t.Fatalf("NewSummaryStore error: %v", err)
	}
	return s
}

func TestSummaryStore_SaveAndLatest(t *testing.T) {
	s := newTestSummaryStore(t)
	ctx := context.Background()

	older := &Summary{ID: "1", SessionID: "s1", Short: "older", CreatedAt: time.Now().UTC().Add(-time.Hour)}
	newer := &Summary{ID: "2", SessionID: "s1", Short: "newer", Bullets: []string{"b1"}, Todos: []Todo{{Text: "t1"}}, CreatedAt: time.Now().UTC()}

	if err := s.Save(ctx, older); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	if err := s.Save(ctx, newer); err != nil {
		t.Fatalf("Save error: %v", err)
	}

	got, err := s.Latest(ctx, "s1")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if got.Short != "newer" || len(got.Bullets) != 1 || len(got.Todos) != 1 {
		t.Errorf("Latest = %+v, want newer summary with 1 bullet and 1 todo", got)
	}
}

func TestSummaryStore_LatestNoRows(t *testing.T) {
	s := newTestSummaryStore(t)
	got, err := s.Latest(context.Background(), "missing")
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if got != nil {
		t.Errorf("Latest = %+v, want nil", got)
	}
}
