package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kingrea/storyloom/internal/frontend"
	"github.com/kingrea/storyloom/internal/jobs"
)

func runSubmit(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("submit", stderr)
	role := fs.String("role", "", "run under this role instead of routing by whitelist")
	asJSON := fs.Bool("json", false, "print the finished job record as JSON")
	// Module arguments may look like flags.
	fs.SetInterspersed(false)
	if done, err := parseFlags(fs, args); done {
		return err
	}
	if fs.NArg() == 0 {
		return usageErrorf("usage: storyloom submit [--role <slug>] !<module> <command> [args]")
	}
	projectDir, err := resolveProject(*projectFlag)
	if err != nil {
		return err
	}
	rt, err := openRuntime(projectDir)
	if err != nil {
		return err
	}
	defer closeRuntime(rt, stderr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	token := fs.Arg(0)
	if !strings.HasPrefix(token, rt.manager.Sigil()) {
		return usageErrorf("command must start with %q, got %q", rt.manager.Sigil(), token)
	}
	job, err := rt.manager.Submit(ctx, token, fs.Args()[1:], *role)
	if err != nil {
		return err
	}
	if !*asJSON {
		fmt.Fprintf(stdout, "Queued job %s for %s (%s): %s\n",
			frontend.ShortID(job.ID()), job.Role().Name, job.Role().Slug, job.CommandText())
	}
	snap, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", frontend.ShortID(job.ID()), err)
	}
	if *asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(snap); err != nil {
			return err
		}
		if snap.Status == jobs.StatusFailed {
			return errSilent
		}
		return nil
	}
	return printJobResult(stdout, snap)
}

// printJobResult prints the status line and output; a failed job becomes a
// non-zero exit.
func printJobResult(stdout io.Writer, snap jobs.Snapshot) error {
	fmt.Fprintln(stdout, frontend.FormatJob(snap))
	if out := strings.TrimRight(snap.Output, "\n"); out != "" {
		fmt.Fprintln(stdout, out)
	}
	if snap.LogPath != "" {
		fmt.Fprintf(stdout, "log: %s\n", snap.LogPath)
	}
	if snap.Status == jobs.StatusFailed {
		return errSilent
	}
	return nil
}
