package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kingrea/storyloom/internal/logbook"
	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/roles"
)

// DefaultSigil prefixes background command tokens.
const DefaultSigil = "!"

// Manager owns job submission, execution, and log persistence for one
// project. The registry lock is only held for short bookkeeping; commands run
// outside it.
type Manager struct {
	projectDir string
	runner     modulecmd.Runner
	clock      func() time.Time
	workers    int
	sigil      string
	language   string
	publishers []Publisher
	recorder   Recorder
	metrics    Metrics
	logger     *slog.Logger
	journal    *logbook.Logbook
	tracer     trace.Tracer

	mu          sync.RWMutex
	catalog     *roles.Catalog
	jobs        map[string]*Job
	lastCreated time.Time
	closed      bool
	// submitting counts Submit calls between registering a job and handing
	// it to the pool; Shutdown waits for them before closing the pool.
	submitting sync.WaitGroup

	pool *pool
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock injects a deterministic clock (primarily for tests).
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithWorkers sets the number of jobs that may run at once.
func WithWorkers(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.workers = n
		}
	}
}

// WithSigil overrides the background command prefix.
func WithSigil(sigil string) Option {
	return func(m *Manager) {
		if s := strings.TrimSpace(sigil); s != "" {
			m.sigil = s
		}
	}
}

// WithLanguage selects the default role catalog seeded into empty projects.
func WithLanguage(lang string) Option {
	return func(m *Manager) {
		if l := strings.TrimSpace(lang); l != "" {
			m.language = l
		}
	}
}

// WithPublisher adds an event subscriber. It may be given more than once.
func WithPublisher(p Publisher) Option {
	return func(m *Manager) {
		if p != nil {
			m.publishers = append(m.publishers, p)
		}
	}
}

// WithRecorder stores every terminal snapshot.
func WithRecorder(r Recorder) Option {
	return func(m *Manager) {
		m.recorder = r
	}
}

// WithMetrics records submission and completion counters.
func WithMetrics(metrics Metrics) Option {
	return func(m *Manager) {
		m.metrics = metrics
	}
}

// WithLogger overrides the discard logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithLogbook appends a one-line journal entry for every transition.
func WithLogbook(book *logbook.Logbook) Option {
	return func(m *Manager) {
		m.journal = book
	}
}

// New loads the project's roles, seeding the default catalog when none
// exist, and starts the worker pool.
func New(projectDir string, runner modulecmd.Runner, opts ...Option) (*Manager, error) {
	if strings.TrimSpace(projectDir) == "" {
		return nil, fmt.Errorf("jobs: project directory is required")
	}
	if runner == nil {
		return nil, fmt.Errorf("jobs: module runner is required")
	}
	m := &Manager{
		projectDir: projectDir,
		runner:     runner,
		clock:      time.Now,
		workers:    DefaultWorkers,
		sigil:      DefaultSigil,
		language:   roles.DefaultLanguage,
		logger:     slog.New(slog.DiscardHandler),
		tracer:     otel.Tracer("storyloom/jobs"),
		jobs:       map[string]*Job{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	set, err := m.ensureRoles()
	if err != nil {
		return nil, err
	}
	m.catalog = roles.NewCatalog(set)
	m.pool = newPool(m.workers, m.run)
	m.logger.Debug("job manager ready", "roles", m.catalog.Len(), "workers", m.workers)
	return m, nil
}

func (m *Manager) ensureRoles() (map[string]roles.Role, error) {
	set, err := roles.LoadRoles(m.projectDir)
	if err != nil {
		return nil, err
	}
	if len(set) > 0 {
		return set, nil
	}
	written, err := roles.SeedDefaultRoles(m.projectDir, m.language, false)
	if err != nil {
		return nil, err
	}
	m.logger.Info("seeded default roles", "language", m.language, "files", len(written))
	return roles.LoadRoles(m.projectDir)
}

// ProjectDir returns the project the manager serves.
func (m *Manager) ProjectDir() string {
	return m.projectDir
}

// Sigil returns the background command prefix.
func (m *Manager) Sigil() string {
	return m.sigil
}

// Workers returns the pool size.
func (m *Manager) Workers() int {
	return m.workers
}

// Submit routes a command to a role and queues it. roleSlug may be empty, in
// which case the lowest slug whitelisting token is chosen. Routing failures
// are returned before any job exists; execution failures only show up on the
// job itself.
func (m *Manager) Submit(ctx context.Context, token string, args []string, roleSlug string) (*Job, error) {
	token = strings.TrimSpace(token)
	name := strings.TrimPrefix(token, m.sigil)
	if !strings.HasPrefix(token, m.sigil) || strings.TrimSpace(name) == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	cmd := modulecmd.Command{Name: name, Args: append([]string(nil), args...)}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	role, err := m.selectRole(token, roleSlug)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	created := m.clock()
	if !created.After(m.lastCreated) {
		created = m.lastCreated.Add(time.Nanosecond)
	}
	m.lastCreated = created
	job := newJob(newJobID(), role, cmd, created)
	m.jobs[job.id] = job
	m.submitting.Add(1)
	m.mu.Unlock()
	defer m.submitting.Done()

	if m.metrics != nil {
		m.metrics.JobSubmitted(ctx, role.Slug)
	}
	m.logger.Info("job queued", "job_id", job.id, "role", role.Slug, "command", job.text)
	m.journal.Info("queued %s %s: %s", job.id, role.Slug, job.text)
	m.publish(EventQueued, job.Snapshot())

	if err := m.pool.enqueue(job); err != nil {
		m.mu.Lock()
		delete(m.jobs, job.id)
		m.mu.Unlock()
		job.cancel()
		return nil, err
	}
	return job, nil
}

// selectRole must be called with m.mu held.
func (m *Manager) selectRole(token, roleSlug string) (roles.Role, error) {
	if strings.TrimSpace(roleSlug) != "" {
		role, ok := m.catalog.Get(roleSlug)
		if !ok {
			return roles.Role{}, fmt.Errorf("%w %q", ErrUnknownRole, strings.TrimSpace(roleSlug))
		}
		return role, nil
	}
	role, ok := m.catalog.Route(token)
	if !ok {
		return roles.Role{}, ErrUnroutable
	}
	return role, nil
}

// Job returns a job handle by id.
func (m *Manager) Job(id string) (*Job, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	job, ok := m.jobs[strings.TrimSpace(id)]
	return job, ok
}

// GetJob returns a snapshot of one job.
func (m *Manager) GetJob(id string) (Snapshot, bool) {
	job, ok := m.Job(id)
	if !ok {
		return Snapshot{}, false
	}
	return job.Snapshot(), true
}

// ListJobs returns every job of the session, newest first.
func (m *Manager) ListJobs() []Snapshot {
	m.mu.RLock()
	out := make([]Snapshot, 0, len(m.jobs))
	for _, job := range m.jobs {
		out = append(out, job.Snapshot())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stats counts the session's jobs per status.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var stats Stats
	for _, job := range m.jobs {
		stats.add(job.Status())
	}
	return stats
}

// QueueDepth returns the number of jobs waiting for a worker.
func (m *Manager) QueueDepth() int {
	return m.pool.pending()
}

// ListRoles returns the loaded roles sorted by display name.
func (m *Manager) ListRoles() []roles.Role {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog.List()
}

// GetRole looks a role up by slug, ignoring case.
func (m *Manager) GetRole(slug string) (roles.Role, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog.Get(slug)
}

// Catalog returns the current role catalog.
func (m *Manager) Catalog() *roles.Catalog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.catalog
}

// ReloadRoles re-reads role definitions. Jobs already queued keep the role
// they were routed to. On error the previous roles stay loaded.
func (m *Manager) ReloadRoles() error {
	set, err := roles.LoadRoles(m.projectDir)
	if err != nil {
		m.logger.Warn("reload roles failed", "error", err)
		return err
	}
	catalog := roles.NewCatalog(set)
	m.mu.Lock()
	m.catalog = catalog
	m.mu.Unlock()
	m.logger.Info("roles reloaded", "roles", catalog.Len())
	return nil
}

// RoleLogs returns up to limit markdown log paths for the role, newest
// first. A limit <= 0 uses DefaultLogLimit.
func (m *Manager) RoleLogs(slug string, limit int) ([]string, error) {
	slug = strings.ToLower(strings.TrimSpace(slug))
	if slug == "" || strings.ContainsAny(slug, `/\`) || slug == "." || slug == ".." {
		return nil, fmt.Errorf("%w %q", ErrUnknownRole, slug)
	}
	return recentLogs(m.logDir(slug), limit)
}

func (m *Manager) logDir(slug string) string {
	return filepath.Join(roles.LogsDir(m.projectDir), slug)
}

// Wait blocks until every job submitted so far is terminal or was dropped.
func (m *Manager) Wait(ctx context.Context) error {
	m.mu.RLock()
	pending := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		pending = append(pending, job)
	}
	m.mu.RUnlock()
	for _, job := range pending {
		select {
		case <-job.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Shutdown stops accepting submissions and drops queued jobs; they stay
// pending and their Done channel closes. Submissions already past the closed
// check are queued first, so they are dropped like any other queued job. Running jobs are not interrupted.
// Shutdown waits for them until ctx ends.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	already := m.closed
	m.closed = true
	m.mu.Unlock()
	if !already {
		m.submitting.Wait()
		dropped := m.pool.close()
		for _, job := range dropped {
			job.cancel()
			m.logger.Info("job dropped at shutdown", "job_id", job.id, "role", job.role.Slug)
			m.journal.Warn("dropped %s %s: %s", job.id, job.role.Slug, job.text)
		}
	}
	done := make(chan struct{})
	go func() {
		m.pool.wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) run(job *Job) {
	if !job.start(m.clock()) {
		return
	}
	defer job.close()
	snap := job.Snapshot()
	m.logger.Info("job running", "job_id", job.id, "role", job.role.Slug)
	m.journal.Info("running %s %s", job.id, job.role.Slug)
	m.publish(EventRunning, snap)

	ctx, span := m.tracer.Start(context.Background(), "subagent.job",
		trace.WithAttributes(
			attribute.String("job.id", job.id),
			attribute.String("job.role", job.role.Slug),
			attribute.String("job.command", job.text),
		))
	defer span.End()

	stdout, stderr := &lockedBuffer{}, &lockedBuffer{}
	err := m.invoke(ctx, job, modulecmd.Sink{Stdout: stdout, Stderr: stderr})

	status, errMsg, errorKind := StatusSucceeded, "", ""
	var cmdErr *modulecmd.CommandError
	switch {
	case err == nil:
	case errors.As(err, &cmdErr):
		status, errMsg, errorKind = StatusFailed, cmdErr.Message, ErrorKindCommand
		m.logger.WarnContext(ctx, "job rejected by module", "job_id", job.id, "error", errMsg)
	default:
		status, errMsg, errorKind = StatusFailed, "unexpected error: "+err.Error(), ErrorKindUnexpected
		m.logger.ErrorContext(ctx, "job failed unexpectedly", "job_id", job.id, "error", err)
	}
	snap = job.outcome(status, m.clock(), combineOutput(stdout.String(), stderr.String()), errMsg, errorKind)

	path, perr := writeRecords(m.logDir(job.role.Slug), snap)
	if perr != nil {
		m.logger.ErrorContext(ctx, "persist job failed", "job_id", job.id, "error", perr)
	}
	snap.LogPath = path
	job.finish(snap)
	snap = job.Snapshot()

	if m.recorder != nil {
		if err := m.recorder.Record(ctx, snap); err != nil {
			m.logger.WarnContext(ctx, "record job history failed", "job_id", job.id, "error", err)
		}
	}
	if m.metrics != nil {
		m.metrics.JobFinished(ctx, snap.Role, string(snap.Status), snap.ErrorKind, snap.Elapsed())
	}
	if status == StatusFailed {
		span.SetStatus(codes.Error, errMsg)
		m.journal.Error("failed %s %s: %s", job.id, job.role.Slug, errMsg)
	} else {
		span.SetStatus(codes.Ok, "")
		m.journal.Info("succeeded %s %s", job.id, job.role.Slug)
	}
	m.logger.InfoContext(ctx, "job finished", "job_id", job.id, "status", snap.Status, "log_path", snap.LogPath, "elapsed", snap.Elapsed())
	m.publish(EventType(snap.Status), snap)
}

// invoke runs the module command, turning a panic into an unexpected error.
func (m *Manager) invoke(ctx context.Context, job *Job, sink modulecmd.Sink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return m.runner.Run(ctx, job.command, sink, m.projectDir)
}

func (m *Manager) publish(kind EventType, snap Snapshot) {
	if len(m.publishers) == 0 {
		return
	}
	evt := Event{Type: kind, Job: snap, Time: m.clock().UTC()}
	for _, p := range m.publishers {
		p.Publish(evt)
	}
}

// newJobID returns 32 hex characters from a version 7 UUID, so ids created
// later sort after earlier ones.
func newJobID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return strings.ReplaceAll(id.String(), "-", "")
}

// lockedBuffer is a bytes.Buffer safe for writers on several goroutines.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
