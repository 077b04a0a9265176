package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kingrea/storyloom/internal/logbook"
	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/roles"
)

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) Publish(e Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) typesFor(jobID string) []EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []EventType
	for _, e := range l.events {
		if e.Job.ID == jobID {
			out = append(out, e.Type)
		}
	}
	return out
}

type recorderFunc func(context.Context, Snapshot) error

func (f recorderFunc) Record(ctx context.Context, snap Snapshot) error { return f(ctx, snap) }

func newManager(t *testing.T, runner modulecmd.Runner, opts ...Option) *Manager {
	t.Helper()
	m, err := New(t.TempDir(), runner, opts...)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})
	return m
}

func waitJob(t *testing.T, job *Job) Snapshot {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	snap, err := job.Wait(ctx)
	if err != nil {
		t.Fatalf("wait for job %s: %v", job.ID(), err)
	}
	return snap
}

func echoRunner(text string) modulecmd.Runner {
	return modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, sink modulecmd.Sink, _ string) error {
		_, err := fmt.Fprint(sink.Stdout, text)
		return err
	})
}

func TestNewSeedsDefaultRoles(t *testing.T) {
	m := newManager(t, echoRunner(""), WithLanguage("es"))
	if got := len(m.ListRoles()); got != 4 {
		t.Fatalf("expected 4 seeded roles, got %d", got)
	}
	role, ok := m.GetRole("EDITOR")
	if !ok {
		t.Fatalf("expected case-insensitive role lookup")
	}
	if role.Language != "es" {
		t.Fatalf("expected spanish catalog, got %q", role.Language)
	}
}

func TestEndToEndOutlineJob(t *testing.T) {
	dispatcher := modulecmd.NewDefaultDispatcher(modulecmd.EchoHandler{})
	m := newManager(t, dispatcher)
	job, err := m.Submit(context.Background(), "!outline", []string{"general-outline", "Refine prologue"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if job.Role().Slug != "editor" {
		t.Fatalf("expected editor, got %s", job.Role().Slug)
	}
	snap := waitJob(t, job)
	if snap.Status != StatusSucceeded {
		t.Fatalf("expected success, got %s (%s)", snap.Status, snap.Error)
	}
	if _, err := os.Stat(snap.LogPath); err != nil {
		t.Fatalf("log path must exist: %v", err)
	}
	data, err := os.ReadFile(strings.TrimSuffix(snap.LogPath, ".md") + ".json")
	if err != nil {
		t.Fatalf("read json record: %v", err)
	}
	var record map[string]any
	if err := json.Unmarshal(data, &record); err != nil {
		t.Fatalf("decode json record: %v", err)
	}
	if record["command_text"] != "outline general-outline Refine prologue" {
		t.Fatalf("unexpected command_text %v", record["command_text"])
	}
	if record["log_path"] != snap.LogPath {
		t.Fatalf("json record must carry the markdown path, got %v", record["log_path"])
	}
	md, err := os.ReadFile(snap.LogPath)
	if err != nil {
		t.Fatalf("read markdown: %v", err)
	}
	for _, want := range []string{"# Sub-Agent Run · Line Editor", "- Role: editor", "- Status: succeeded", "Running outline.general_outline..."} {
		if !strings.Contains(string(md), want) {
			t.Fatalf("markdown missing %q:\n%s", want, md)
		}
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	events := &eventLog{}
	m := newManager(t, echoRunner("done"), WithPublisher(events))
	var submitted []*Job
	for i := 0; i < 5; i++ {
		job, err := m.Submit(context.Background(), "!chapters", []string{"chapter", fmt.Sprint(i)}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		submitted = append(submitted, job)
	}
	for _, job := range submitted {
		waitJob(t, job)
		got := events.typesFor(job.ID())
		want := []EventType{EventQueued, EventRunning, EventSucceeded}
		if len(got) != len(want) {
			t.Fatalf("job %s events = %v, want %v", job.ID(), got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("job %s events = %v, want %v", job.ID(), got, want)
			}
		}
	}
}

func TestTerminalFieldsAndLogPath(t *testing.T) {
	runner := modulecmd.RunnerFunc(func(_ context.Context, cmd modulecmd.Command, sink modulecmd.Sink, _ string) error {
		switch cmd.Args[0] {
		case "quiet":
			return nil
		case "loud":
			fmt.Fprint(sink.Stdout, "  drafted\n")
			fmt.Fprint(sink.Stderr, "slow api\n")
			return nil
		case "reject":
			return modulecmd.Errorf("chapter number required")
		default:
			panic("boom")
		}
	})
	m := newManager(t, runner)
	cases := []struct {
		arg       string
		status    Status
		output    string
		errMsg    string
		errorKind string
		hasLog    bool
	}{
		{"quiet", StatusSucceeded, "", "", "", false},
		{"loud", StatusSucceeded, "drafted\n\n\n[stderr]\nslow api", "", "", true},
		{"reject", StatusFailed, "", "chapter number required", ErrorKindCommand, true},
		{"explode", StatusFailed, "", "unexpected error: panic: boom", ErrorKindUnexpected, true},
	}
	for _, tc := range cases {
		t.Run(tc.arg, func(t *testing.T) {
			job, err := m.Submit(context.Background(), "!chapters", []string{tc.arg}, "editor")
			if err != nil {
				t.Fatalf("submit: %v", err)
			}
			snap := waitJob(t, job)
			if snap.Status != tc.status {
				t.Fatalf("status = %s, want %s", snap.Status, tc.status)
			}
			if snap.StartedAt == nil || snap.FinishedAt == nil {
				t.Fatalf("terminal job must have start and finish times: %+v", snap)
			}
			if snap.FinishedAt.Before(*snap.StartedAt) {
				t.Fatalf("finished before started: %+v", snap)
			}
			if snap.Output != tc.output {
				t.Fatalf("output = %q, want %q", snap.Output, tc.output)
			}
			if snap.Error != tc.errMsg || snap.ErrorKind != tc.errorKind {
				t.Fatalf("error = %q/%q, want %q/%q", snap.Error, snap.ErrorKind, tc.errMsg, tc.errorKind)
			}
			if (snap.LogPath != "") != tc.hasLog {
				t.Fatalf("log path %q, want present=%v", snap.LogPath, tc.hasLog)
			}
			jsonPath := filepath.Join(roles.LogsDir(m.ProjectDir()), "editor", logBase(snap)+".json")
			if _, err := os.Stat(jsonPath); err != nil {
				t.Fatalf("json record must always be written: %v", err)
			}
		})
	}
}

func TestListJobsOrderedByCreation(t *testing.T) {
	var calls atomic.Int32
	runner := modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		n := calls.Add(1)
		time.Sleep(time.Duration(6-n) * 5 * time.Millisecond)
		return nil
	})
	m := newManager(t, runner, WithWorkers(5))
	var submitted []*Job
	for i := 0; i < 5; i++ {
		job, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		submitted = append(submitted, job)
	}
	for _, job := range submitted {
		waitJob(t, job)
	}
	list := m.ListJobs()
	if len(list) != 5 {
		t.Fatalf("expected 5 jobs, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if !list[i-1].CreatedAt.After(list[i].CreatedAt) {
			t.Fatalf("jobs not strictly newest first at %d: %v / %v", i, list[i-1].CreatedAt, list[i].CreatedAt)
		}
	}
	if list[0].ID != submitted[4].ID() || list[4].ID != submitted[0].ID() {
		t.Fatalf("expected reverse submission order")
	}
}

func TestCreatedAtStrictlyIncreasesWithFixedClock(t *testing.T) {
	fixed := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	m := newManager(t, echoRunner(""), WithClock(func() time.Time { return fixed }))
	a, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	b, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !b.Snapshot().CreatedAt.After(a.Snapshot().CreatedAt) {
		t.Fatalf("created_at must strictly increase")
	}
	waitJob(t, a)
	waitJob(t, b)
}

func TestSubmitRoutingErrors(t *testing.T) {
	m := newManager(t, echoRunner(""))
	cases := []struct {
		name  string
		token string
		role  string
		want  error
	}{
		{"missing sigil", "outline", "", ErrInvalidToken},
		{"bare sigil", "!", "", ErrInvalidToken},
		{"unwhitelisted", "!summon", "", ErrUnroutable},
		{"unknown role", "!outline", "ghost", ErrUnknownRole},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job, err := m.Submit(context.Background(), tc.token, []string{"x"}, tc.role)
			if !errors.Is(err, tc.want) {
				t.Fatalf("expected %v, got %v", tc.want, err)
			}
			if job != nil {
				t.Fatalf("no job may be returned on routing errors")
			}
		})
	}
	if got := len(m.ListJobs()); got != 0 {
		t.Fatalf("routing errors must not create jobs, registry has %d", got)
	}
	job, err := m.Submit(context.Background(), "!outline", []string{"general-outline", "x"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !job.Role().Allows("!outline") {
		t.Fatalf("routed role must whitelist !outline: %+v", job.Role())
	}
	waitJob(t, job)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	var active, peak atomic.Int32
	release := make(chan struct{})
	runner := modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		n := active.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return nil
	})
	m := newManager(t, runner, WithWorkers(2))
	var submitted []*Job
	for i := 0; i < 6; i++ {
		job, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		submitted = append(submitted, job)
	}
	deadline := time.Now().Add(2 * time.Second)
	for m.Stats().Running < 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	stats := m.Stats()
	if stats.Running != 2 || stats.Pending != 4 {
		t.Fatalf("expected 2 running and 4 pending, got %+v", stats)
	}
	if m.QueueDepth() != 4 {
		t.Fatalf("expected queue depth 4, got %d", m.QueueDepth())
	}
	close(release)
	for _, job := range submitted {
		waitJob(t, job)
	}
	if peak.Load() > 2 {
		t.Fatalf("pool exceeded 2 workers: peak %d", peak.Load())
	}
	if got := m.Stats(); got.Succeeded != 6 || got.Total() != 6 {
		t.Fatalf("unexpected final stats %+v", got)
	}
}

func TestConcurrentJobsKeepOutputSeparate(t *testing.T) {
	var overlap sync.WaitGroup
	overlap.Add(2)
	runner := modulecmd.RunnerFunc(func(_ context.Context, cmd modulecmd.Command, sink modulecmd.Sink, _ string) error {
		marker := cmd.Args[len(cmd.Args)-1]
		overlap.Done()
		overlap.Wait()
		for i := 0; i < 50; i++ {
			fmt.Fprintf(sink.Stdout, "%s;", marker)
			fmt.Fprintf(sink.Stderr, "%s-err;", marker)
		}
		return nil
	})
	m := newManager(t, runner, WithWorkers(2))
	alpha, err := m.Submit(context.Background(), "!outline", []string{"general-outline", "alpha"}, "")
	if err != nil {
		t.Fatalf("submit alpha: %v", err)
	}
	beta, err := m.Submit(context.Background(), "!outline", []string{"general-outline", "beta"}, "")
	if err != nil {
		t.Fatalf("submit beta: %v", err)
	}
	for _, tc := range []struct {
		job       *Job
		mine, not string
	}{
		{alpha, "alpha", "beta"},
		{beta, "beta", "alpha"},
	} {
		snap := waitJob(t, tc.job)
		if strings.Contains(snap.Output, tc.not) {
			t.Fatalf("%s output contains %s text: %q", tc.mine, tc.not, snap.Output)
		}
		if got := strings.Count(snap.Output, tc.mine+";"); got != 50 {
			t.Fatalf("%s output has %d stdout chunks, want 50", tc.mine, got)
		}
		if got := strings.Count(snap.Output, tc.mine+"-err;"); got != 50 || !strings.Contains(snap.Output, "[stderr]") {
			t.Fatalf("%s output lost its stderr section: %q", tc.mine, snap.Output)
		}
	}
}

func TestShutdownDropsQueuedJobs(t *testing.T) {
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	runner := modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	})
	events := &eventLog{}
	m := newManager(t, runner, WithWorkers(1), WithPublisher(events))
	first, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started
	second, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- m.Shutdown(context.Background()) }()

	select {
	case <-second.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("queued job was not dropped")
	}
	if _, err := second.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed for dropped job, got %v", err)
	}
	if second.Status() != StatusPending {
		t.Fatalf("dropped job must stay pending, got %s", second.Status())
	}
	if _, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, ""); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed after shutdown, got %v", err)
	}

	close(release)
	if err := <-shutdownErr; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if snap := waitJob(t, first); snap.Status != StatusSucceeded {
		t.Fatalf("running job must finish, got %s", snap.Status)
	}
	if got := events.typesFor(second.ID()); len(got) != 1 || got[0] != EventQueued {
		t.Fatalf("dropped job emits only queued, got %v", got)
	}
}

func TestRoleLogsNewestFirst(t *testing.T) {
	clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		clock = clock.Add(time.Second)
		return clock
	}
	m := newManager(t, echoRunner("ok"), WithClock(now), WithWorkers(1))
	var last Snapshot
	for i := 0; i < 7; i++ {
		job, err := m.Submit(context.Background(), "!publish", []string{"pdf"}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		last = waitJob(t, job)
	}
	logs, err := m.RoleLogs("Marketing", 0)
	if err != nil {
		t.Fatalf("role logs: %v", err)
	}
	if len(logs) != DefaultLogLimit {
		t.Fatalf("expected %d logs, got %d", DefaultLogLimit, len(logs))
	}
	if logs[0] != last.LogPath {
		t.Fatalf("expected newest log first, got %s want %s", logs[0], last.LogPath)
	}
	all, err := m.RoleLogs("marketing", 20)
	if err != nil {
		t.Fatalf("role logs: %v", err)
	}
	if len(all) != 7 {
		t.Fatalf("expected 7 logs, got %d", len(all))
	}
	none, err := m.RoleLogs("continuity", 3)
	if err != nil || len(none) != 0 {
		t.Fatalf("role without runs should have no logs: %v %v", none, err)
	}
	if _, err := m.RoleLogs("../etc", 3); err == nil {
		t.Fatalf("expected path-like slug to be rejected")
	}
}

func TestRoleLogsOrderWithinOneSecond(t *testing.T) {
	for _, tick := range []time.Duration{time.Millisecond, 0} {
		t.Run(tick.String(), func(t *testing.T) {
			clock := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
			var mu sync.Mutex
			now := func() time.Time {
				mu.Lock()
				defer mu.Unlock()
				clock = clock.Add(tick)
				return clock
			}
			m := newManager(t, echoRunner("ok"), WithClock(now), WithWorkers(1))
			var paths []string
			for i := 0; i < 6; i++ {
				job, err := m.Submit(context.Background(), "!outline", []string{"general-outline", "a"}, "editor")
				if err != nil {
					t.Fatalf("submit: %v", err)
				}
				paths = append(paths, waitJob(t, job).LogPath)
			}
			logs, err := m.RoleLogs("editor", len(paths))
			if err != nil {
				t.Fatalf("role logs: %v", err)
			}
			if len(logs) != len(paths) {
				t.Fatalf("expected %d logs, got %d", len(paths), len(logs))
			}
			for i, path := range logs {
				if want := paths[len(paths)-1-i]; path != want {
					t.Fatalf("logs[%d] = %s, want %s", i, path, want)
				}
			}
		})
	}
}

func TestCustomSigilRoutesDefaultRoles(t *testing.T) {
	m := newManager(t, echoRunner("ok"), WithSigil("/"))
	job, err := m.Submit(context.Background(), "/outline", []string{"general-outline", "a"}, "")
	if err != nil {
		t.Fatalf("submit with custom sigil: %v", err)
	}
	if job.Role().Slug != "editor" {
		t.Fatalf("expected editor, got %s", job.Role().Slug)
	}
	if snap := waitJob(t, job); snap.CommandText != "outline general-outline a" {
		t.Fatalf("unexpected command text %q", snap.CommandText)
	}
	if _, err := m.Submit(context.Background(), "!outline", nil, ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("default sigil must be rejected once replaced, got %v", err)
	}
	if _, err := m.Submit(context.Background(), "/summon", nil, ""); !errors.Is(err, ErrUnroutable) {
		t.Fatalf("expected ErrUnroutable, got %v", err)
	}
}

func TestShutdownDuringSubmitDropsQueuedJob(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	runner := modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		started <- struct{}{}
		<-release
		return nil
	})
	var (
		m            *Manager
		armed        atomic.Bool
		shutdownDone = make(chan error, 1)
	)
	events := &eventLog{}
	hook := PublisherFunc(func(e Event) {
		if e.Type != EventQueued || !armed.CompareAndSwap(true, false) {
			return
		}
		go func() { shutdownDone <- m.Shutdown(context.Background()) }()
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			m.mu.RLock()
			closed := m.closed
			m.mu.RUnlock()
			if closed {
				return
			}
			time.Sleep(time.Millisecond)
		}
	})
	m = newManager(t, runner, WithWorkers(1), WithPublisher(events), WithPublisher(hook))
	first, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	<-started

	armed.Store(true)
	second, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "")
	if err != nil {
		t.Fatalf("a submission accepted before shutdown must be queued, got %v", err)
	}
	if _, err := second.Wait(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected the queued job to be dropped, got %v", err)
	}
	if _, ok := m.GetJob(second.ID()); !ok {
		t.Fatalf("dropped job must stay in the registry")
	}
	if got := events.typesFor(second.ID()); len(got) != 1 || got[0] != EventQueued {
		t.Fatalf("dropped job emits only queued, got %v", got)
	}

	close(release)
	if err := <-shutdownDone; err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if snap := waitJob(t, first); snap.Status != StatusSucceeded {
		t.Fatalf("running job must finish, got %s", snap.Status)
	}
}

func TestTerminalSnapshotsCarryLogPath(t *testing.T) {
	m := newManager(t, echoRunner("chapter text"), WithWorkers(3))
	stop := make(chan struct{})
	violations := make(chan Snapshot, 1)
	var polling sync.WaitGroup
	polling.Add(1)
	go func() {
		defer polling.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			for _, snap := range m.ListJobs() {
				if snap.Terminal() && snap.LogPath == "" {
					select {
					case violations <- snap:
					default:
					}
				}
			}
		}
	}()
	var submitted []*Job
	for i := 0; i < 12; i++ {
		job, err := m.Submit(context.Background(), "!chapters", []string{"chapter", strconv.Itoa(i)}, "")
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		submitted = append(submitted, job)
	}
	for _, job := range submitted {
		waitJob(t, job)
	}
	close(stop)
	polling.Wait()
	select {
	case snap := <-violations:
		t.Fatalf("job %s was %s without a log path", snap.ID, snap.Status)
	default:
	}
}

func TestReloadRolesKeepsQueuedRole(t *testing.T) {
	release := make(chan struct{})
	runner := modulecmd.RunnerFunc(func(_ context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		<-release
		return nil
	})
	m := newManager(t, runner, WithWorkers(1))
	job, err := m.Submit(context.Background(), "!outline", []string{"plot-points"}, "editor")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	custom := "slug: editor\nname: House Editor\ncommand_whitelist: ['!chapters']\n"
	if err := os.WriteFile(filepath.Join(roles.Dir(m.ProjectDir()), "editor.yaml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("rewrite editor: %v", err)
	}
	if err := m.ReloadRoles(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	role, _ := m.GetRole("editor")
	if role.Name != "House Editor" {
		t.Fatalf("expected reloaded role, got %q", role.Name)
	}
	close(release)
	if snap := waitJob(t, job); snap.RoleName != "Line Editor" {
		t.Fatalf("queued job must keep its original role, got %q", snap.RoleName)
	}

	if err := os.WriteFile(filepath.Join(roles.Dir(m.ProjectDir()), "broken.yaml"), []byte("slug: [\n"), 0o644); err != nil {
		t.Fatalf("write broken role: %v", err)
	}
	if err := m.ReloadRoles(); err == nil {
		t.Fatalf("expected reload error for broken definition")
	}
	if _, ok := m.GetRole("editor"); !ok {
		t.Fatalf("previous roles must stay loaded after a failed reload")
	}
}

func TestRecorderMetricsAndJournal(t *testing.T) {
	var recorded []Snapshot
	var mu sync.Mutex
	recorder := recorderFunc(func(_ context.Context, snap Snapshot) error {
		mu.Lock()
		defer mu.Unlock()
		recorded = append(recorded, snap)
		return nil
	})
	metrics := &countingMetrics{}
	book, err := logbook.New(filepath.Join(t.TempDir(), "session.log"))
	if err != nil {
		t.Fatalf("logbook: %v", err)
	}
	m := newManager(t, echoRunner("ok"), WithRecorder(recorder), WithMetrics(metrics), WithLogbook(book))
	job, err := m.Submit(context.Background(), "!iterate", []string{"check-names"}, "")
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	snap := waitJob(t, job)
	mu.Lock()
	if len(recorded) != 1 || recorded[0].LogPath != snap.LogPath {
		t.Fatalf("recorder must receive the final snapshot, got %+v", recorded)
	}
	mu.Unlock()
	if metrics.submitted.Load() != 1 || metrics.finished.Load() != 1 {
		t.Fatalf("unexpected metric counts %d/%d", metrics.submitted.Load(), metrics.finished.Load())
	}
	entries, total := book.Recent(10)
	if total != 3 {
		t.Fatalf("expected queued, running, succeeded entries, got %v", entries)
	}
	if last := entries[2]; last.Level != logbook.LevelInfo || !strings.HasPrefix(last.Message, "succeeded "+job.ID()) {
		t.Fatalf("unexpected last journal entry %+v", last)
	}
}

type countingMetrics struct {
	submitted atomic.Int32
	finished  atomic.Int32
}

func (c *countingMetrics) JobSubmitted(context.Context, string) { c.submitted.Add(1) }

func (c *countingMetrics) JobFinished(context.Context, string, string, string, time.Duration) {
	c.finished.Add(1)
}

func TestWaitBlocksUntilAllJobsFinish(t *testing.T) {
	release := make(chan struct{})
	runner := modulecmd.RunnerFunc(func(ctx context.Context, _ modulecmd.Command, _ modulecmd.Sink, _ string) error {
		select {
		case <-release:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	m := newManager(t, runner, WithWorkers(1))
	for i := 0; i < 3; i++ {
		if _, err := m.Submit(context.Background(), "!outline", nil, ""); err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}
	short, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := m.Wait(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while jobs are blocked, got %v", err)
	}
	close(release)
	ctx, cancelAll := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelAll()
	if err := m.Wait(ctx); err != nil {
		t.Fatalf("wait: %v", err)
	}
	if stats := m.Stats(); stats.Succeeded != 3 {
		t.Fatalf("expected 3 succeeded jobs, got %+v", stats)
	}
}
