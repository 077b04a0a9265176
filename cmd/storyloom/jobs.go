package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/kingrea/storyloom/internal/config"
	"github.com/kingrea/storyloom/internal/frontend"
	"github.com/kingrea/storyloom/internal/history"
	"github.com/kingrea/storyloom/internal/jobs"
)

func runJobs(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("jobs", stderr)
	role := fs.String("role", "", "only jobs run by this role")
	status := fs.String("status", "", "only jobs in this status (pending, running, succeeded, failed)")
	limit := fs.IntP("limit", "n", 20, "maximum number of jobs, newest first (0 for all)")
	asJSON := fs.Bool("json", false, "print records as a JSON array")
	if done, err := parseFlags(fs, args); done {
		return err
	}
	if fs.NArg() > 0 {
		return usageErrorf("unexpected argument: %s", fs.Arg(0))
	}
	if *limit < 0 {
		return usageErrorf("--limit must not be negative")
	}
	want := jobs.Status(strings.ToLower(strings.TrimSpace(*status)))
	if want != "" && !slices.Contains(jobs.Statuses(), want) {
		return usageErrorf("unknown status %q", *status)
	}
	cfg, err := loadConfig(*projectFlag)
	if err != nil {
		return err
	}
	if !cfg.Project.History.Enabled {
		return fmt.Errorf("job history is disabled; set history.enabled in %s", cfg.ProjectConfigPath())
	}
	store, err := history.Open(cfg.HistoryPath())
	if err != nil {
		return err
	}
	defer store.Close()

	snaps, err := store.List(context.Background(), history.Filter{Role: *role, Status: want, Limit: *limit})
	if err != nil {
		return fmt.Errorf("query history: %w", err)
	}
	if *asJSON {
		if snaps == nil {
			snaps = []jobs.Snapshot{}
		}
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snaps)
	}
	if len(snaps) == 0 {
		fmt.Fprintln(stdout, "No jobs recorded.")
		return nil
	}
	for _, snap := range snaps {
		fmt.Fprintf(stdout, "%s  %s\n", snap.CreatedAt.Local().Format("2006-01-02 15:04:05"), frontend.FormatJob(snap))
	}
	return nil
}

// loadConfig prepares the state dir and reads config.yaml without starting
// a job manager.
func loadConfig(projectFlag string) (*config.Config, error) {
	projectDir, err := resolveProject(projectFlag)
	if err != nil {
		return nil, err
	}
	if err := config.InitProjectDir(projectDir); err != nil {
		return nil, fmt.Errorf("init %s: %w", config.ProjectDirName, err)
	}
	return config.NewConfig(projectDir)
}
