package modulecmd

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// ExecHandler runs an external generator binary:
//
//	<Command> [Args...] <module> <command> [invocation args...]
type ExecHandler struct {
	Command string
	Args    []string
	Timeout time.Duration
	Env     []string
}

// Handle runs the generator with the sink attached to stdout and stderr.
// A non-zero exit or a timeout is a CommandError; failing to start the
// binary is returned as-is.
func (h ExecHandler) Handle(ctx context.Context, inv Invocation, sink Sink) error {
	if strings.TrimSpace(h.Command) == "" {
		return fmt.Errorf("modulecmd: generator command is not configured")
	}
	if h.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Timeout)
		defer cancel()
	}
	argv := append([]string(nil), h.Args...)
	argv = append(argv, inv.Module, inv.CLIName())
	argv = append(argv, inv.Args...)
	cmd := exec.CommandContext(ctx, h.Command, argv...)
	cmd.Stdout = sink.stdout()
	cmd.Stderr = sink.stderr()
	if len(h.Env) > 0 {
		cmd.Env = append(cmd.Environ(), h.Env...)
	}
	err := cmd.Run()
	if err == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return Errorf("%s.%s timed out after %s", inv.Module, inv.Command, h.Timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Errorf("%s.%s exited with status %d", inv.Module, inv.Command, exitErr.ExitCode())
	}
	return fmt.Errorf("modulecmd: run %s: %w", h.Command, err)
}

// EchoHandler describes the invocation instead of running a generator. It is
// used when no generator binary is configured.
type EchoHandler struct{}

// Handle writes one line naming the invocation.
func (EchoHandler) Handle(_ context.Context, inv Invocation, sink Sink) error {
	quoted := make([]string, 0, len(inv.Args)+2)
	quoted = append(quoted, inv.Module, inv.CLIName())
	for _, arg := range inv.Args {
		quoted = append(quoted, quoteArg(arg))
	}
	_, err := fmt.Fprintf(sink.stdout(), "dry run: %s\n", strings.Join(quoted, " "))
	return err
}

func quoteArg(arg string) string {
	if arg == "" || strings.ContainsAny(arg, " \t\n'\"\\") {
		return strconv.Quote(arg)
	}
	return arg
}
