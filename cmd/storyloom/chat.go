package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kingrea/storyloom/internal/eventbridge"
	"github.com/kingrea/storyloom/internal/frontend"
	"github.com/kingrea/storyloom/internal/tui"
)

// shutdownGrace bounds how long running jobs may keep going after exit.
const shutdownGrace = 30 * time.Second

func runChat(args []string, stdout, stderr io.Writer) error {
	fs, projectFlag := newFlagSet("chat", stderr)
	prompt := fs.StringP("prompt", "p", "", "run one input line, wait for any queued job, and exit")
	if done, err := parseFlags(fs, args); done {
		return err
	}
	if fs.NArg() > 0 {
		return usageErrorf("unexpected argument: %s", fs.Arg(0))
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

	interp := frontend.New(rt.manager,
		frontend.WithForeground(rt.runner),
		frontend.WithLanguage(rt.cfg.Language()),
		frontend.WithLogLimit(rt.cfg.Project.SubAgents.LogLimit),
		frontend.WithJournal(rt.journal),
	)
	if *prompt != "" {
		return runPrompt(ctx, interp, *prompt, stdout)
	}

	bridge, err := startBridge(ctx, rt, eventbridge.SettingsFromConfig(rt.cfg))
	if err != nil && !errors.Is(err, eventbridge.ErrServerDisabled) {
		return err
	}
	defer stopBridge(bridge)

	sub := rt.router.Subscribe(eventbridge.AllRoles)
	defer sub.Close()
	app := tui.NewApp(interp, rt.manager,
		tui.WithEvents(sub.Events),
		tui.WithJournal(rt.journal),
		tui.WithTitle("storyloom · "+filepath.Base(rt.cfg.ProjectDir)),
	)
	p := tea.NewProgram(app, tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("running TUI: %w", err)
	}
	return nil
}

// runPrompt executes one line. A queued job is awaited so its output can be
// printed before the process exits.
func runPrompt(ctx context.Context, interp *frontend.Interpreter, line string, stdout io.Writer) error {
	reply := interp.Execute(ctx, line)
	if reply.Text != "" {
		fmt.Fprintln(stdout, reply.Text)
	}
	if reply.Err != nil {
		return errSilent
	}
	if reply.Job == nil {
		return nil
	}
	snap, err := reply.Job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job %s: %w", frontend.ShortID(reply.Job.ID()), err)
	}
	return printJobResult(stdout, snap)
}

func closeRuntime(rt *runtime, stderr io.Writer) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := rt.close(ctx); err != nil {
		fmt.Fprintf(stderr, "Error during shutdown: %v\n", err)
	}
}
