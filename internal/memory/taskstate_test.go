package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"testing"

	_ "modernc.org/sqlite"
)

func newTestTaskStateStore(t *testing.T) *TaskStateStore {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		if strings.Contains(err.Error(), "unknown driver") {
			t.Skip("SQLite driver not available (driver name mismatch)")
		}
		t.Fatalf("sql.Open error: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	s, err := NewTaskStateStore(db)
	if err != nil {
		t.Fatalf("NewTaskStateStore error: %v", err)
	}
	return s
}

func TestTaskStateStore_CreateAndGet(t *testing.T) {
	s := newTestTaskStateStore(t)
	ctx := context.Background()

	ts, err := s.Create(ctx, "session-1", json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}
	if ts.Version != 1 || !ts.IsCurrent {
		t.Fatalf("unexpected created state: %+v", ts)
	}

	got, err := s.Get(ctx, ts.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if string(got.Data) != `{"step":1}` {
		t.Errorf("Data = %s, want %s", got.Data, `{"step":1}`)
	}
}

func TestTaskStateStore_UpdateVersionConflict(t *testing.T) {
	s := newTestTaskStateStore(t)
	ctx := context.Background()

	ts, err := s.Create(ctx, "session-1", json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	if _, err := s.Update(ctx, ts.ID, 1, json.RawMessage(`{"step":2}`), ""); err != nil {
		t.Fatalf("first Update error: %v", err)
	}

	_, err = s.Update(ctx, ts.ID, 1, json.RawMessage(`{"step":3}`), "")
	if err == nil {
		t.Fatal("expected version conflict on stale Update")
	}
	var conflict *ErrVersionConflict
	if !errorsAsConflict(err, &conflict) {
		t.Fatalf("expected ErrVersionConflict, got %T: %v", err, err)
	}
	if conflict.ExpectedVersion != 1 || conflict.ActualVersion != 2 {
		t.Errorf("conflict = %+v, want expected=1 actual=2", conflict)
	}
}

func TestTaskStateStore_UpdateIdempotentReplay(t *testing.T) {
	s := newTestTaskStateStore(t)
	ctx := context.Background()

	ts, err := s.Create(ctx, "session-1", json.RawMessage(`{"step":1}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	first, err := s.Update(ctx, ts.ID, 1, json.RawMessage(`{"step":2}`), "action-1")
	if err != nil {
		t.Fatalf("first Update error: %v", err)
	}

	replay, err := s.Update(ctx, ts.ID, 1, json.RawMessage(`{"step":99}`), "action-1")
	if err != nil {
		t.Fatalf("replay Update error: %v", err)
	}
	if replay.Version != first.Version || string(replay.Data) != string(first.Data) {
		t.Errorf("replay = %+v, want unchanged from first Update %+v", replay, first)
	}
}

func TestTaskStateStore_SnapshotCapAndRollback(t *testing.T) {
	s := newTestTaskStateStore(t)
	ctx := context.Background()

	ts, err := s.Create(ctx, "session-1", json.RawMessage(`{"step":0}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	version := ts.Version
	for i := 1; i <= 15; i++ {
		data := json.RawMessage(`{"step":` + string(rune('0'+i%10)) + `}`)
		updated, err := s.Update(ctx, ts.ID, version, data, "")
		if err != nil {
			t.Fatalf("Update %d error: %v", i, err)
		}
		version = updated.Version
	}

	snaps, err := s.Snapshots(ctx, ts.ID)
	if err != nil {
		t.Fatalf("Snapshots error: %v", err)
	}
	if len(snaps) != maxTaskSnapshots {
		t.Fatalf("len(snaps) = %d, want %d", len(snaps), maxTaskSnapshots)
	}

	rolledBackTo := snaps[len(snaps)-1].Version
	restored, err := s.Rollback(ctx, ts.ID, rolledBackTo)
	if err != nil {
		t.Fatalf("Rollback error: %v", err)
	}
	if restored.Version <= version {
		t.Errorf("Rollback version = %d, want greater than %d (version only increases)", restored.Version, version)
	}
}

func TestTaskStateStore_GetCurrent(t *testing.T) {
	s := newTestTaskStateStore(t)
	ctx := context.Background()

	if _, err := s.Create(ctx, "session-a", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	second, err := s.Create(ctx, "session-b", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Create error: %v", err)
	}

	got, err := s.GetCurrent(ctx, "session-b")
	if err != nil {
		t.Fatalf("GetCurrent error: %v", err)
	}
	if got.ID != second.ID {
		t.Errorf("GetCurrent ID = %s, want %s", got.ID, second.ID)
	}
}

func errorsAsConflict(err error, target **ErrVersionConflict) bool {
	conflict, ok := err.(*ErrVersionConflict)
	if !ok {
		return false
	}
	*target = conflict
	return true
}
