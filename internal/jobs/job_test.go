package jobs

import (
	"testing"
	"time"

	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/roles"
)

func TestFinishCommitsOutcomeWithLogPath(t *testing.T) {
	created := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	role := roles.Define("editor", "Editor", "!outline")
	job := newJob("job-1", role, modulecmd.Command{Name: "outline", Args: []string{"a"}}, created)
	if !job.start(created.Add(time.Second)) {
		t.Fatalf("pending job must start")
	}

	final := job.outcome(StatusSucceeded, created, "text", "", "")
	if job.Status() != StatusRunning || job.Snapshot().FinishedAt != nil {
		t.Fatalf("outcome must not change the job: %+v", job.Snapshot())
	}
	if !final.FinishedAt.Equal(*final.StartedAt) {
		t.Fatalf("finish time before start must clamp to start, got %v", final.FinishedAt)
	}

	final.LogPath = "/logs/editor/x.md"
	job.finish(final)
	got := job.Snapshot()
	if got.Status != StatusSucceeded || got.LogPath != final.LogPath || got.Output != "text" {
		t.Fatalf("finish did not commit the outcome: %+v", got)
	}

	late := job.outcome(StatusFailed, created.Add(time.Hour), "", "boom", ErrorKindUnexpected)
	job.finish(late)
	if got := job.Snapshot(); got.Status != StatusSucceeded || got.Error != "" {
		t.Fatalf("terminal status must not change: %+v", got)
	}
}
