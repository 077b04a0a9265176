package history

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/kingrea/storyloom/internal/jobs"
)

func sampleSnapshots() []jobs.Snapshot {
	base := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	mk := func(id, role string, status jobs.Status, offset time.Duration) jobs.Snapshot {
		created := base.Add(offset)
		started := created.Add(time.Second)
		finished := started.Add(2 * time.Second)
		snap := jobs.Snapshot{
			ID:          id,
			Role:        role,
			RoleName:    role + " name",
			CommandText: "outline plot-points",
			Status:      status,
			CreatedAt:   created,
			StartedAt:   &started,
			FinishedAt:  &finished,
			Output:      "ok",
		}
		if status == jobs.StatusFailed {
			snap.Error = "chapter number required"
			snap.ErrorKind = jobs.ErrorKindCommand
		}
		return snap
	}
	return []jobs.Snapshot{
		mk("a1", "editor", jobs.StatusSucceeded, 0),
		mk("b2", "marketing", jobs.StatusFailed, time.Minute),
		mk("c3", "editor", jobs.StatusFailed, 2*time.Minute),
	}
}

func exerciseStore(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	for _, snap := range sampleSnapshots() {
		if err := store.Record(ctx, snap); err != nil {
			t.Fatalf("record %s: %v", snap.ID, err)
		}
	}
	all, err := store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[0].ID != "c3" || all[2].ID != "a1" {
		t.Fatalf("expected newest first, got %+v", all)
	}
	if all[0].StartedAt == nil || !all[0].FinishedAt.Equal(all[0].StartedAt.Add(2*time.Second)) {
		t.Fatalf("timestamps must round-trip: %+v", all[0])
	}
	if all[0].ErrorKind != jobs.ErrorKindCommand {
		t.Fatalf("error kind must round-trip, got %q", all[0].ErrorKind)
	}

	editor, err := store.List(ctx, Filter{Role: "EDITOR"})
	if err != nil {
		t.Fatalf("list editor: %v", err)
	}
	if len(editor) != 2 {
		t.Fatalf("expected 2 editor jobs, got %d", len(editor))
	}
	failed, err := store.List(ctx, Filter{Status: jobs.StatusFailed, Limit: 1})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "c3" {
		t.Fatalf("unexpected failed jobs %+v", failed)
	}

	replaced := sampleSnapshots()[0]
	replaced.LogPath = "/tmp/a1.md"
	if err := store.Record(ctx, replaced); err != nil {
		t.Fatalf("re-record: %v", err)
	}
	all, err = store.List(ctx, Filter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 || all[2].LogPath != "/tmp/a1.md" {
		t.Fatalf("recording a job twice must replace it, got %+v", all)
	}
}

func TestMemoryStore(t *testing.T) {
	exerciseStore(t, NewMemoryStore())
}

func TestSQLiteStore(t *testing.T) {
	db, err := sql.Open("sqlite", "file:history_store_test?mode=memory&cache=shared")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()
	store, err := NewSQLiteStore(db)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	exerciseStore(t, store)
}

func TestOpenCreatesDatabaseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "jobs.db")
	store, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	snap := sampleSnapshots()[1]
	if err := store.Record(context.Background(), snap); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	reopened, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	got, err := reopened.List(context.Background(), Filter{Role: "marketing"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 || got[0].Error != snap.Error {
		t.Fatalf("history must survive reopen, got %+v", got)
	}
}
