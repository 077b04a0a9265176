// cmd/storyloom/main.go
//
// This is the entry point for the storyloom CLI.
// Running `storyloom` with no subcommand opens the chat TUI for the current
// directory; the other subcommands script the same job manager.

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

const usage = `storyloom: background sub-agents for book projects

Usage:
  storyloom [chat] [flags]            open the chat session (default)
  storyloom roles list|seed|validate  inspect or write role definitions
  storyloom submit [flags] !<module> <command> [args]
                                      queue one job and wait for it
  storyloom jobs [flags]              query the job history
  storyloom serve [flags]             run the HTTP bridge until interrupted
  storyloom version                   print the version

Run 'storyloom <command> --help' for the flags of a command.
`

// exitError carries a process exit status without an extra message.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func (e *exitError) ExitCode() int { return e.code }

func usageErrorf(format string, args ...any) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

// errSilent reports failure after the command already printed why.
var errSilent = &exitError{code: 1}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		code := 1
		var coder *exitError
		if errors.As(err, &coder) {
			code = coder.ExitCode()
		}
		if !errors.Is(err, errSilent) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(code)
	}
}

func run(args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 || (strings.HasPrefix(args[0], "-") && args[0] != "-h" && args[0] != "--help" && args[0] != "--version") {
		return runChat(args, stdout, stderr)
	}
	switch args[0] {
	case "chat":
		return runChat(args[1:], stdout, stderr)
	case "roles":
		return runRoles(args[1:], stdout, stderr)
	case "submit":
		return runSubmit(args[1:], stdout, stderr)
	case "jobs":
		return runJobs(args[1:], stdout, stderr)
	case "serve":
		return runServe(args[1:], stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "storyloom %s\n", version)
		return nil
	case "help", "-h", "--help":
		fmt.Fprint(stdout, usage)
		return nil
	default:
		fmt.Fprint(stderr, usage)
		return usageErrorf("unknown command %q", args[0])
	}
}

// newFlagSet builds a subcommand flag set with the shared --project flag.
func newFlagSet(name string, stderr io.Writer) (*pflag.FlagSet, *string) {
	fs := pflag.NewFlagSet("storyloom "+name, pflag.ContinueOnError)
	fs.SetOutput(stderr)
	project := fs.String("project", "", "book project directory (default: current directory)")
	return fs, project
}

// parseFlags reports done when --help was requested.
func parseFlags(fs *pflag.FlagSet, args []string) (bool, error) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return true, nil
		}
		return true, &exitError{code: 2, err: err}
	}
	return false, nil
}

func resolveProject(flag string) (string, error) {
	dir := strings.TrimSpace(flag)
	if dir == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("getting working directory: %w", err)
		}
		return cwd, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project %s: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project %s is not a directory", abs)
	}
	return abs, nil
}
