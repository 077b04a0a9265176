// internal/tui/app.go
//
// This is the chat TUI for storyloom. It uses bubbletea, which follows The
// Elm Architecture:
//
// 1. Model: the transcript, the input line, and the log viewer
// 2. Update: input lines go to the interpreter, job events come from the router
// 3. View: renders the transcript with a job footer
//
// The flow is: User Input -> Message -> Update -> New Model -> View -> Screen

package tui

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kingrea/storyloom/internal/frontend"
	"github.com/kingrea/storyloom/internal/jobs"
	"github.com/kingrea/storyloom/internal/logbook"
)

const viewCommand = ":view"

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#FF6B6B"))
	youStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
	eventStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#A0AEC0"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	frameStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("#444444")).Padding(0, 1)
)

// JobSource is what the TUI reads from the job manager directly.
type JobSource interface {
	Stats() jobs.Stats
	GetJob(id string) (jobs.Snapshot, bool)
	ListJobs() []jobs.Snapshot
}

type replyMsg struct {
	line  string
	reply frontend.Reply
}

type jobEventMsg struct {
	event jobs.Event
}

type eventsClosedMsg struct{}

type logLoadedMsg struct {
	title string
	body  string
	err   error
}

// AppOption customizes App construction.
type AppOption func(*App)

// WithEvents streams job events into the transcript.
func WithEvents(events <-chan jobs.Event) AppOption {
	return func(a *App) {
		a.events = events
	}
}

// WithJournal records session lines in the project journal.
func WithJournal(book *logbook.Logbook) AppOption {
	return func(a *App) {
		a.journal = book
	}
}

// WithTitle overrides the header text.
func WithTitle(title string) AppOption {
	return func(a *App) {
		if strings.TrimSpace(title) != "" {
			a.title = title
		}
	}
}

// App is the main application model. In bubbletea, this holds ALL your state.
type App struct {
	interp  *frontend.Interpreter
	jobs    JobSource
	events  <-chan jobs.Event
	journal *logbook.Logbook
	title   string

	input      textinput.Model
	transcript viewport.Model
	spinner    spinner.Model
	lines      []string
	busy       bool
	quitting   bool

	// Log viewer
	viewing  bool
	logTitle string
	logView  viewport.Model

	width  int
	height int
}

// NewApp builds the chat model.
func NewApp(interp *frontend.Interpreter, source JobSource, opts ...AppOption) *App {
	input := textinput.New()
	input.Placeholder = "!outline general-outline \"...\"  or  :help"
	input.Prompt = "You: "
	input.CharLimit = 2048
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	app := &App{
		interp:     interp,
		jobs:       source,
		title:      "storyloom",
		input:      input,
		transcript: viewport.New(80, 20),
		logView:    viewport.New(80, 20),
		spinner:    spin,
		width:      80,
		height:     24,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(app)
		}
	}
	app.appendLine(eventStyle.Render("Type :help for commands, :quit to leave."))
	return app
}

// Init is called once when the program starts.
func (a *App) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, a.waitForEvent())
}

func (a *App) waitForEvent() tea.Cmd {
	if a.events == nil {
		return nil
	}
	events := a.events
	return func() tea.Msg {
		evt, ok := <-events
		if !ok {
			return eventsClosedMsg{}
		}
		return jobEventMsg{event: evt}
	}
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.resize()
		return a, nil

	case replyMsg:
		a.busy = false
		a.handleReply(msg)
		if msg.reply.Quit {
			a.quitting = true
			return a, tea.Quit
		}
		return a, nil

	case jobEventMsg:
		line := frontend.FormatEvent(msg.event)
		if msg.event.Type == jobs.EventFailed {
			a.appendLine(errorStyle.Render(line))
		} else {
			a.appendLine(eventStyle.Render(line))
		}
		return a, a.waitForEvent()

	case eventsClosedMsg:
		a.events = nil
		return a, nil

	case logLoadedMsg:
		a.busy = false
		if msg.err != nil {
			a.appendLine(errorStyle.Render("error: " + msg.err.Error()))
			return a, nil
		}
		a.viewing = true
		a.logTitle = msg.title
		a.logView.SetContent(RenderMarkdown(msg.body, a.logView.Width))
		a.logView.GotoTop()
		return a, nil

	case spinner.TickMsg:
		if !a.busy {
			return a, nil
		}
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			a.quitting = true
			return a, tea.Quit
		case "esc":
			if a.viewing {
				a.viewing = false
				return a, nil
			}
		case "enter":
			if a.viewing || a.busy {
				return a, nil
			}
			return a, a.submit()
		}
		if a.viewing {
			var cmd tea.Cmd
			a.logView, cmd = a.logView.Update(msg)
			return a, cmd
		}
		switch msg.String() {
		case "pgup", "pgdown", "ctrl+u", "ctrl+d":
			var cmd tea.Cmd
			a.transcript, cmd = a.transcript.Update(msg)
			return a, cmd
		}
	}

	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	return a, cmd
}

func (a *App) submit() tea.Cmd {
	line := strings.TrimSpace(a.input.Value())
	a.input.Reset()
	if line == "" {
		return nil
	}
	a.appendLine(youStyle.Render("You: ") + line)
	a.busy = true
	if fields := strings.Fields(line); strings.EqualFold(fields[0], viewCommand) {
		return tea.Batch(a.spinner.Tick, a.loadLog(fields[1:]))
	}
	interp := a.interp
	return tea.Batch(a.spinner.Tick, func() tea.Msg {
		return replyMsg{line: line, reply: interp.Execute(context.Background(), line)}
	})
}

func (a *App) handleReply(msg replyMsg) {
	text := msg.reply.Text
	if msg.reply.Err != nil {
		a.journal.Warn("%s -> %v", msg.line, msg.reply.Err)
		a.appendLine(errorStyle.Render(text))
		return
	}
	if strings.HasPrefix(msg.line, ":help") {
		text += fmt.Sprintf("\n  %-40s%s", viewCommand+" [job-id]", "open a job log (esc closes)")
	}
	if text != "" {
		a.appendLine(text)
	}
}

// loadLog resolves a job by id prefix, or the newest job with a log, and
// reads its markdown record.
func (a *App) loadLog(args []string) tea.Cmd {
	source := a.jobs
	return func() tea.Msg {
		snap, err := findLoggedJob(source, args)
		if err != nil {
			return logLoadedMsg{err: err}
		}
		data, err := os.ReadFile(snap.LogPath)
		if err != nil {
			return logLoadedMsg{err: fmt.Errorf("read %s: %w", snap.LogPath, err)}
		}
		return logLoadedMsg{title: filepath.Base(snap.LogPath), body: string(data)}
	}
}

func findLoggedJob(source JobSource, args []string) (jobs.Snapshot, error) {
	if source == nil {
		return jobs.Snapshot{}, fmt.Errorf("no job manager attached")
	}
	prefix := ""
	if len(args) > 0 {
		prefix = strings.ToLower(args[0])
	}
	for _, snap := range source.ListJobs() {
		if prefix != "" && !strings.HasPrefix(snap.ID, prefix) {
			continue
		}
		if snap.LogPath == "" {
			if prefix != "" {
				return jobs.Snapshot{}, fmt.Errorf("job %s has no log yet (status %s)", frontend.ShortID(snap.ID), snap.Status)
			}
			continue
		}
		return snap, nil
	}
	if prefix != "" {
		return jobs.Snapshot{}, fmt.Errorf("no job matches %q", prefix)
	}
	return jobs.Snapshot{}, fmt.Errorf("no job logs in this session yet")
}

func (a *App) appendLine(line string) {
	a.lines = append(a.lines, line)
	a.transcript.SetContent(strings.Join(a.lines, "\n"))
	a.transcript.GotoBottom()
}

func (a *App) resize() {
	inner := max(20, a.width-4)
	// header, input, footer and the frame border
	body := max(3, a.height-7)
	a.transcript.Width = inner
	a.transcript.Height = body
	a.logView.Width = inner
	a.logView.Height = body
	a.input.Width = inner - len(a.input.Prompt)
	a.transcript.SetContent(strings.Join(a.lines, "\n"))
	a.transcript.GotoBottom()
}

// Transcript returns the plain lines shown so far.
func (a *App) Transcript() []string {
	return append([]string(nil), a.lines...)
}

// View renders the current state as a string.
func (a *App) View() string {
	if a.quitting {
		return ""
	}
	header := titleStyle.Render(a.title)
	var body string
	if a.viewing {
		header += eventStyle.Render("  ·  " + a.logTitle + "  (esc to close)")
		body = a.logView.View()
	} else {
		body = a.transcript.View()
	}
	prompt := a.input.View()
	if a.busy {
		prompt = a.spinner.View() + " working..."
	}
	footer := ""
	if a.jobs != nil {
		footer = frontend.Footer(a.jobs.Stats())
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		frameStyle.Width(max(20, a.width-2)).Render(body),
		prompt,
		footerStyle.Render(footer),
	)
}
