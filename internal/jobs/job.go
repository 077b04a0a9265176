// Package jobs runs sub-agent commands in the background. A Manager routes
// each submission to a role, queues it on a bounded worker pool, captures the
// command's output through its own sink, and persists the outcome under the
// role's log directory.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/kingrea/storyloom/internal/modulecmd"
	"github.com/kingrea/storyloom/internal/roles"
)

// Status enumerates the job lifecycle: pending -> running -> succeeded|failed.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusRunning, StatusSucceeded, StatusFailed}
}

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// Error kinds recorded on failed jobs.
const (
	ErrorKindCommand    = "command"
	ErrorKindUnexpected = "unexpected"
)

// Snapshot is an immutable copy of a job's fields. Its JSON form is the
// machine-readable log record.
type Snapshot struct {
	ID          string     `json:"job_id"`
	Role        string     `json:"role"`
	RoleName    string     `json:"role_name"`
	CommandText string     `json:"command_text"`
	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at"`
	Output      string     `json:"output"`
	Error       string     `json:"error"`
	ErrorKind   string     `json:"error_kind,omitempty"`
	LogPath     string     `json:"log_path"`
}

// Terminal reports whether the snapshot was taken after the job finished.
func (s Snapshot) Terminal() bool {
	return s.Status.Terminal()
}

// Elapsed returns the run time of a finished job, or zero.
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt == nil || s.FinishedAt == nil {
		return 0
	}
	return s.FinishedAt.Sub(*s.StartedAt)
}

// Job is one unit of background work. The manager owns it; callers read it
// through Snapshot and Done.
type Job struct {
	id      string
	role    roles.Role
	command modulecmd.Command
	text    string

	mu         sync.RWMutex
	status     Status
	createdAt  time.Time
	startedAt  time.Time
	finishedAt time.Time
	output     string
	errMsg     string
	errorKind  string
	logPath    string
	cancelled  bool

	done     chan struct{}
	doneOnce sync.Once
}

func newJob(id string, role roles.Role, cmd modulecmd.Command, createdAt time.Time) *Job {
	return &Job{
		id:        id,
		role:      role,
		command:   cmd,
		text:      cmd.String(),
		status:    StatusPending,
		createdAt: createdAt,
		done:      make(chan struct{}),
	}
}

// ID returns the job identifier.
func (j *Job) ID() string {
	return j.id
}

// Role returns the role the job was routed to at submission time.
func (j *Job) Role() roles.Role {
	return j.role
}

// CommandText returns the normalized command without the sigil.
func (j *Job) CommandText() string {
	return j.text
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Snapshot copies the job's current fields.
func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()
	snap := Snapshot{
		ID:          j.id,
		Role:        j.role.Slug,
		RoleName:    j.role.Name,
		CommandText: j.text,
		Status:      j.status,
		CreatedAt:   j.createdAt,
		Output:      j.output,
		Error:       j.errMsg,
		ErrorKind:   j.errorKind,
		LogPath:     j.logPath,
	}
	if !j.startedAt.IsZero() {
		started := j.startedAt
		snap.StartedAt = &started
	}
	if !j.finishedAt.IsZero() {
		finished := j.finishedAt
		snap.FinishedAt = &finished
	}
	return snap
}

// Done is closed once the job reaches a terminal status or is dropped from
// the queue by Shutdown.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

// Cancelled reports whether Shutdown dropped the job before it started.
func (j *Job) Cancelled() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.cancelled
}

// Wait blocks until Done is closed or ctx ends. A job dropped by Shutdown
// returns its pending snapshot with ErrClosed.
func (j *Job) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-j.done:
		if j.Cancelled() {
			return j.Snapshot(), ErrClosed
		}
		return j.Snapshot(), nil
	case <-ctx.Done():
		return j.Snapshot(), ctx.Err()
	}
}

// start moves pending -> running. It returns false when the job already left
// pending.
func (j *Job) start(now time.Time) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status != StatusPending || j.cancelled {
		return false
	}
	if now.Before(j.createdAt) {
		now = j.createdAt
	}
	j.status = StatusRunning
	j.startedAt = now
	return true
}

// outcome returns the snapshot the job will have once finished, without
// changing the job. The finish time never precedes the start time.
func (j *Job) outcome(status Status, now time.Time, output, errMsg, errorKind string) Snapshot {
	snap := j.Snapshot()
	if snap.StartedAt != nil && now.Before(*snap.StartedAt) {
		now = *snap.StartedAt
	}
	snap.Status = status
	snap.FinishedAt = &now
	snap.Output = output
	snap.Error = errMsg
	snap.ErrorKind = errorKind
	return snap
}

// finish commits a terminal snapshot built by outcome, log path included, so
// readers never see a terminal status without it. Status only moves forward.
func (j *Job) finish(final Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !final.Status.Terminal() || final.FinishedAt == nil || final.Status.rank() <= j.status.rank() {
		return
	}
	j.status = final.Status
	j.finishedAt = *final.FinishedAt
	j.output = final.Output
	j.errMsg = final.Error
	j.errorKind = final.ErrorKind
	j.logPath = final.LogPath
}

func (j *Job) cancel() {
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.close()
}

func (j *Job) close() {
	j.doneOnce.Do(func() { close(j.done) })
}
