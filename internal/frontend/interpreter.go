// Package frontend interprets chat input lines. Lines starting with ':' are
// session commands, lines starting with the sigil run a module command in the
// foreground, and ":sub-agent" lines drive the background job manager.
package frontend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/kingrea/storyloom/internal/jobs"
	"github.com/kingrea/storyloom/internal/logbook"
	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/roles"
)

const helpText = `Session commands
  :help                                   show this message
  :quit, :exit                            leave the session
  :sub-agent !list                        list roles and the commands they accept
  :sub-agent !status                      list this session's jobs, newest first
  :sub-agent !logs <role> [n]             show the latest job logs for a role
  :sub-agent !reload                      re-read role definitions
  :sub-agent !seed [--force]              write the default roles
  :sub-agent [<role>] !<module> <command> [args]
                                          queue a background job
  !<module> <command> [args]              run a module command now`

// Manager is the part of *jobs.Manager the interpreter drives.
type Manager interface {
	Submit(ctx context.Context, token string, args []string, roleSlug string) (*jobs.Job, error)
	ListJobs() []jobs.Snapshot
	ListRoles() []roles.Role
	GetRole(slug string) (roles.Role, bool)
	RoleLogs(slug string, limit int) ([]string, error)
	ReloadRoles() error
	Stats() jobs.Stats
	Sigil() string
	ProjectDir() string
}

// Reply is the outcome of one input line.
type Reply struct {
	Text string
	// Job is set when a background job was queued.
	Job *jobs.Job
	// Err is set when the line failed; Text already describes it.
	Err  error
	Quit bool
}

// Interpreter executes input lines against a Manager.
type Interpreter struct {
	manager    Manager
	foreground modulecmd.Runner
	language   string
	logLimit   int
	journal    *logbook.Logbook
}

// Option customizes an Interpreter.
type Option func(*Interpreter)

// WithForeground sets the runner used for "!<module>" lines.
func WithForeground(runner modulecmd.Runner) Option {
	return func(i *Interpreter) {
		i.foreground = runner
	}
}

// WithLanguage selects the catalog written by "!seed".
func WithLanguage(lang string) Option {
	return func(i *Interpreter) {
		if l := strings.TrimSpace(lang); l != "" {
			i.language = l
		}
	}
}

// WithLogLimit sets the default count for "!logs".
func WithLogLimit(n int) Option {
	return func(i *Interpreter) {
		if n > 0 {
			i.logLimit = n
		}
	}
}

// WithJournal records foreground commands in the session journal.
func WithJournal(book *logbook.Logbook) Option {
	return func(i *Interpreter) {
		i.journal = book
	}
}

// New returns an interpreter bound to manager.
func New(manager Manager, opts ...Option) *Interpreter {
	i := &Interpreter{
		manager:  manager,
		language: roles.DefaultLanguage,
		logLimit: jobs.DefaultLogLimit,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(i)
		}
	}
	return i
}

// Help returns the command overview.
func Help() string {
	return helpText
}

// Execute runs one input line.
func (i *Interpreter) Execute(ctx context.Context, line string) Reply {
	line = strings.TrimSpace(line)
	switch {
	case line == "":
		return Reply{}
	case strings.HasPrefix(line, ":"):
		return i.sessionCommand(ctx, strings.TrimPrefix(line, ":"))
	case strings.HasPrefix(line, i.manager.Sigil()):
		return i.runForeground(ctx, strings.TrimPrefix(line, i.manager.Sigil()))
	default:
		return failure(fmt.Errorf("unrecognized input %q; commands start with ':' or %q, try :help", line, i.manager.Sigil()))
	}
}

func (i *Interpreter) sessionCommand(ctx context.Context, raw string) Reply {
	parts, err := shlex.Split(raw)
	if err != nil {
		return failure(fmt.Errorf("command parse error: %w", err))
	}
	if len(parts) == 0 {
		return failure(errors.New("empty command"))
	}
	switch strings.ToLower(parts[0]) {
	case "help":
		return Reply{Text: helpText}
	case "quit", "exit":
		return Reply{Text: "Exiting chat...", Quit: true}
	case "sub-agent", "subagent":
		return i.subAgent(ctx, parts[1:])
	default:
		return failure(fmt.Errorf("unknown command :%s, try :help", parts[0]))
	}
}

func (i *Interpreter) subAgent(ctx context.Context, args []string) Reply {
	sigil := i.manager.Sigil()
	if len(args) == 0 {
		return failure(fmt.Errorf("usage: :sub-agent [<role>] %s<module> <command> [args]", sigil))
	}
	if strings.HasPrefix(args[0], sigil) {
		switch strings.ToLower(strings.TrimPrefix(args[0], sigil)) {
		case "list":
			return Reply{Text: i.listRoles()}
		case "status":
			return Reply{Text: i.status()}
		case "logs":
			return i.roleLogs(args[1:])
		case "reload":
			return i.reload()
		case "seed":
			return i.seed(args[1:])
		}
		return i.submit(ctx, args[0], args[1:], "")
	}
	role := args[0]
	if len(args) < 2 || !strings.HasPrefix(args[1], sigil) {
		return failure(fmt.Errorf("usage: :sub-agent %s %s<module> <command> [args]", role, sigil))
	}
	return i.submit(ctx, args[1], args[2:], role)
}

func (i *Interpreter) submit(ctx context.Context, token string, args []string, role string) Reply {
	job, err := i.manager.Submit(ctx, token, args, role)
	if err != nil {
		return failure(fmt.Errorf("could not queue %s: %w", token, err))
	}
	r := job.Role()
	return Reply{
		Text: fmt.Sprintf("Queued job %s for %s (%s): %s", ShortID(job.ID()), r.Name, r.Slug, job.CommandText()),
		Job:  job,
	}
}

func (i *Interpreter) listRoles() string {
	list := i.manager.ListRoles()
	if len(list) == 0 {
		return "No roles loaded. Use :sub-agent !seed to write the defaults."
	}
	var b strings.Builder
	b.WriteString("Roles")
	for _, role := range list {
		fmt.Fprintf(&b, "\n  %-14s %s", role.Slug, role.Name)
		if len(role.CommandWhitelist) > 0 {
			commands := make([]string, len(role.CommandWhitelist))
			for idx, token := range role.CommandWhitelist {
				commands[idx] = i.manager.Sigil() + roles.CommandKey(token)
			}
			fmt.Fprintf(&b, " · %s", strings.Join(commands, ", "))
		}
		if role.Description != "" {
			fmt.Fprintf(&b, "\n  %-14s %s", "", role.Description)
		}
	}
	return b.String()
}

func (i *Interpreter) status() string {
	snaps := i.manager.ListJobs()
	if len(snaps) == 0 {
		return "No sub-agent jobs in this session."
	}
	lines := make([]string, 0, len(snaps)+1)
	lines = append(lines, Footer(i.manager.Stats()))
	for _, snap := range snaps {
		lines = append(lines, "  "+FormatJob(snap))
	}
	return strings.Join(lines, "\n")
}

func (i *Interpreter) roleLogs(args []string) Reply {
	if len(args) == 0 {
		return failure(errors.New("usage: :sub-agent !logs <role> [n]"))
	}
	role, ok := i.manager.GetRole(args[0])
	if !ok {
		return failure(fmt.Errorf("%w %q", jobs.ErrUnknownRole, args[0]))
	}
	limit := i.logLimit
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return failure(fmt.Errorf("log count must be a positive integer, got %q", args[1]))
		}
		limit = n
	}
	paths, err := i.manager.RoleLogs(role.Slug, limit)
	if err != nil {
		return failure(err)
	}
	if len(paths) == 0 {
		return Reply{Text: fmt.Sprintf("No logs for %s yet.", role.Slug)}
	}
	return Reply{Text: fmt.Sprintf("Latest logs for %s\n  %s", role.Slug, strings.Join(paths, "\n  "))}
}

func (i *Interpreter) reload() Reply {
	if err := i.manager.ReloadRoles(); err != nil {
		return failure(fmt.Errorf("reload failed, previous roles kept: %w", err))
	}
	return Reply{Text: fmt.Sprintf("Reloaded %d roles.", len(i.manager.ListRoles()))}
}

func (i *Interpreter) seed(args []string) Reply {
	force := false
	for _, arg := range args {
		if arg != "--force" {
			return failure(fmt.Errorf("usage: :sub-agent !seed [--force]"))
		}
		force = true
	}
	written, err := roles.SeedDefaultRoles(i.manager.ProjectDir(), i.language, force)
	if err != nil {
		return failure(err)
	}
	if len(written) == 0 {
		return Reply{Text: "Default roles already present; use !seed --force to overwrite."}
	}
	if err := i.manager.ReloadRoles(); err != nil {
		return failure(fmt.Errorf("seeded %d role files but reload failed: %w", len(written), err))
	}
	return Reply{Text: fmt.Sprintf("Seeded %d role files.", len(written))}
}

func (i *Interpreter) runForeground(ctx context.Context, raw string) Reply {
	if i.foreground == nil {
		return failure(errors.New("foreground module commands are not available in this session"))
	}
	cmd, err := modulecmd.Parse(raw)
	if err != nil {
		return failure(err)
	}
	i.journal.Info("foreground %s", cmd.String())
	var out bytes.Buffer
	runErr := i.foreground.Run(ctx, cmd, modulecmd.Sink{Stdout: &out, Stderr: &out}, i.manager.ProjectDir())
	text := strings.TrimRight(out.String(), "\n")
	if runErr == nil {
		return Reply{Text: text}
	}
	i.journal.Error("foreground %s: %v", cmd.String(), runErr)
	if !modulecmd.IsCommandError(runErr) {
		runErr = fmt.Errorf("unexpected error: %w", runErr)
	}
	reply := failure(runErr)
	if text != "" {
		reply.Text = text + "\n" + reply.Text
	}
	return reply
}

func failure(err error) Reply {
	return Reply{Text: "error: " + err.Error(), Err: err}
}
