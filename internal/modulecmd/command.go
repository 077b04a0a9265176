// Package modulecmd is the boundary to the document generators. A background
// job hands a Command and an output Sink to a Runner; the Runner either
// returns nil, a *CommandError the user can act on, or any other error.
package modulecmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/google/shlex"
)

// Command is a normalized module invocation without the background sigil,
// e.g. Name "outline" with Args ["general-outline", "Refine prologue"].
type Command struct {
	Name string
	Args []string
}

// String joins the name and arguments with single spaces. It is the
// command_text recorded on jobs and in logs.
func (c Command) String() string {
	parts := make([]string, 0, len(c.Args)+1)
	if c.Name != "" {
		parts = append(parts, c.Name)
	}
	parts = append(parts, c.Args...)
	return strings.Join(parts, " ")
}

// Parse splits a raw command line using shell quoting rules.
func Parse(line string) (Command, error) {
	parts, err := shlex.Split(line)
	if err != nil {
		return Command{}, &CommandError{Message: fmt.Sprintf("could not parse command: %v", err)}
	}
	if len(parts) == 0 {
		return Command{}, &CommandError{Message: "empty command"}
	}
	return Command{Name: parts[0], Args: parts[1:]}, nil
}

// Sink receives a command's output. Each job owns its own Sink.
type Sink struct {
	Stdout io.Writer
	Stderr io.Writer
}

// DiscardSink drops all output.
func DiscardSink() Sink {
	return Sink{Stdout: io.Discard, Stderr: io.Discard}
}

func (s Sink) stdout() io.Writer {
	if s.Stdout == nil {
		return io.Discard
	}
	return s.Stdout
}

func (s Sink) stderr() io.Writer {
	if s.Stderr == nil {
		return io.Discard
	}
	return s.Stderr
}

// CommandError is a user-facing rejection of a command. Only the message is
// surfaced.
type CommandError struct {
	Message string
}

func (e *CommandError) Error() string {
	return e.Message
}

// Errorf builds a CommandError.
func Errorf(format string, args ...any) error {
	return &CommandError{Message: fmt.Sprintf(format, args...)}
}

// IsCommandError reports whether err is (or wraps) a CommandError.
func IsCommandError(err error) bool {
	var cmdErr *CommandError
	return errors.As(err, &cmdErr)
}

// Runner executes a module command against a project directory, writing all
// output to sink.
type Runner interface {
	Run(ctx context.Context, cmd Command, sink Sink, projectDir string) error
}

// RunnerFunc adapts a function into a Runner.
type RunnerFunc func(ctx context.Context, cmd Command, sink Sink, projectDir string) error

// Run executes f.
func (f RunnerFunc) Run(ctx context.Context, cmd Command, sink Sink, projectDir string) error {
	if f == nil {
		return nil
	}
	return f(ctx, cmd, sink, projectDir)
}
