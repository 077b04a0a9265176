package jobs

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInvalidToken rejects command tokens without the background sigil.
	ErrInvalidToken = errors.New("command token must start with the background sigil")
	// ErrUnroutable means no role whitelists the command and none was named.
	ErrUnroutable = errors.New("no role found for the requested command; use :sub-agent !list to inspect available roles")
	// ErrUnknownRole means the named role is not loaded.
	ErrUnknownRole = errors.New("unknown role")
	// ErrClosed is returned once the manager has been shut down.
	ErrClosed = errors.New("job manager is shut down")
)

// EventType mirrors the job status the event announces.
type EventType string

const (
	EventQueued    EventType = "queued"
	EventRunning   EventType = "running"
	EventSucceeded EventType = "succeeded"
	EventFailed    EventType = "failed"
)

// Terminal reports whether the event closes a job's lifecycle.
func (t EventType) Terminal() bool {
	return t == EventSucceeded || t == EventFailed
}

// Event announces a job transition.
type Event struct {
	Type EventType `json:"type"`
	Job  Snapshot  `json:"job"`
	Time time.Time `json:"time"`
}

// Publisher receives job events. Publish must not block for long; it is
// called from submitters and worker goroutines.
type Publisher interface {
	Publish(Event)
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(Event)

// Publish executes f(e).
func (f PublisherFunc) Publish(e Event) {
	if f != nil {
		f(e)
	}
}

// Recorder stores terminal snapshots, e.g. in the history database.
type Recorder interface {
	Record(ctx context.Context, snap Snapshot) error
}

// Metrics counts submissions and terminal jobs. *telemetry.JobMetrics
// satisfies it.
type Metrics interface {
	JobSubmitted(ctx context.Context, role string)
	JobFinished(ctx context.Context, role, status, errorKind string, elapsed time.Duration)
}

// Stats counts jobs per status.
type Stats struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// Total returns the number of jobs counted.
func (s Stats) Total() int {
	return s.Pending + s.Running + s.Succeeded + s.Failed
}

// Active returns pending plus running.
func (s Stats) Active() int {
	return s.Pending + s.Running
}

// Counts returns the stats keyed by status; every status is present.
func (s Stats) Counts() map[Status]int {
	return map[Status]int{
		StatusPending:   s.Pending,
		StatusRunning:   s.Running,
		StatusSucceeded: s.Succeeded,
		StatusFailed:    s.Failed,
	}
}

func (s *Stats) add(status Status) {
	switch status {
	case StatusPending:
		s.Pending++
	case StatusRunning:
		s.Running++
	case StatusSucceeded:
		s.Succeeded++
	case StatusFailed:
		s.Failed++
	}
}
