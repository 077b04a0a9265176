package logbook

import (
	"path/filepath"
	"testing"
	"time"
)

func TestRecentReturnsLastEntriesInOrder(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "logs", "session.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 7; i++ {
		book.Info("entry-%d", i)
	}
	entries, total := book.Recent(3)
	if total != 7 {
		t.Fatalf("total = %d, want 7", total)
	}
	if len(entries) != 3 {
		t.Fatalf("len(entries) = %d, want 3", len(entries))
	}
	for idx, want := range []string{"entry-4", "entry-5", "entry-6"} {
		if entries[idx].Message != want || entries[idx].Level != LevelInfo {
			t.Fatalf("entry %d = %+v, want %s", idx, entries[idx], want)
		}
	}
	if all, _ := book.Recent(50); len(all) != 7 || all[0].Message != "entry-0" {
		t.Fatalf("expected every entry oldest first, got %v", all)
	}
	if none, total := book.Recent(0); none != nil || total != 7 {
		t.Fatalf("Recent(0) should only count, got %v %d", none, total)
	}
}

func TestAppendFoldsMultilineMessages(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "session.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	book.SetClock(func() time.Time { return stamp })
	book.Error("failed job:\n  %s", "boom")
	entries, total := book.Recent(10)
	if total != 1 {
		t.Fatalf("expected one entry, got %d", total)
	}
	got := entries[0]
	if got.String() != "2026-03-01T12:00:00Z ERROR failed job: boom" {
		t.Fatalf("unexpected entry %q", got.String())
	}
	if !got.Time.Equal(stamp) || got.Level != LevelError {
		t.Fatalf("entry did not parse back: %+v", got)
	}
}

func TestParseEntryKeepsUnknownLines(t *testing.T) {
	line := "not a journal line"
	if got := parseEntry(line); got.Message != line || !got.Time.IsZero() {
		t.Fatalf("unexpected parse %+v", got)
	}
	warn := Entry{Time: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), Level: LevelWarn, Message: "dropped job"}
	if got := parseEntry(warn.String()); !got.Time.Equal(warn.Time) || got.Level != warn.Level || got.Message != warn.Message {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, warn)
	}
}

func TestNilLogbookIsSafe(t *testing.T) {
	var book *Logbook
	book.Info("ignored")
	if entries, total := book.Recent(3); entries != nil || total != 0 {
		t.Fatalf("nil logbook must be empty")
	}
	if book.Path() != "" {
		t.Fatalf("nil logbook has no path")
	}
}
