package jobs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// DefaultLogLimit is the number of role logs returned when no limit is given.
const DefaultLogLimit = 5

// logStampLayout keeps fixed-width nanoseconds so jobs finishing within the
// same second still sort by finish time.
const logStampLayout = "20060102-150405.000000000"

// logBase names both artifacts of a job: the UTC finish time followed by the
// job id, so lexical order is chronological. Ids are time-ordered, which
// breaks ties in submission order.
func logBase(snap Snapshot) string {
	finished := snap.CreatedAt
	if snap.FinishedAt != nil {
		finished = *snap.FinishedAt
	}
	return finished.UTC().Format(logStampLayout) + "-" + snap.ID
}

// writeRecords persists a terminal job into dir. The markdown record is only
// written when there is output or an error; its path is returned (empty when
// skipped). The JSON record is always written and carries the final log path.
func writeRecords(dir string, snap Snapshot) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("jobs: ensure log dir: %w", err)
	}
	base := filepath.Join(dir, logBase(snap))
	mdPath := ""
	if snap.Output != "" || snap.Error != "" {
		mdPath = base + ".md"
		if err := os.WriteFile(mdPath, []byte(renderMarkdown(snap)), 0o644); err != nil {
			return "", fmt.Errorf("jobs: write markdown log: %w", err)
		}
	}
	snap.LogPath = mdPath
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return mdPath, fmt.Errorf("jobs: encode job record: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(base+".json", data, 0o644); err != nil {
		return mdPath, fmt.Errorf("jobs: write job record: %w", err)
	}
	return mdPath, nil
}

func renderMarkdown(snap Snapshot) string {
	started := snap.CreatedAt
	if snap.StartedAt != nil {
		started = *snap.StartedAt
	}
	finished := ""
	if snap.FinishedAt != nil {
		finished = snap.FinishedAt.UTC().Format(time.RFC3339)
	}
	output := snap.Output
	if output == "" {
		output = "_No output recorded._"
	}
	lines := []string{
		"# Sub-Agent Run · " + snap.RoleName,
		"- Role: " + snap.Role,
		"- Command: " + snap.CommandText,
		"- Status: " + string(snap.Status),
		"- Started: " + started.UTC().Format(time.RFC3339),
		"- Finished: " + finished,
		"",
		"## Output",
		output,
	}
	if snap.Error != "" {
		lines = append(lines, "", "## Error", snap.Error)
	}
	return strings.Join(lines, "\n") + "\n"
}

// combineOutput merges captured stdout and stderr into the job output.
func combineOutput(stdout, stderr string) string {
	if strings.TrimSpace(stderr) != "" {
		stdout = stdout + "\n\n[stderr]\n" + stderr
	}
	return strings.TrimSpace(stdout)
}

// recentLogs lists the newest markdown logs in dir, newest first.
func recentLogs(dir string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("jobs: read role logs: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".md" {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Sort(sort.Reverse(sort.StringSlice(names)))
	if len(names) > limit {
		names = names[:limit]
	}
	paths := make([]string, len(names))
	for i, name := range names {
		paths[i] = filepath.Join(dir, name)
	}
	return paths, nil
}
