package eventbridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kingrea/storyloom/internal/jobs"
)

const (
	// ProtocolVersion identifies the bridge contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventPrefix namespaces job events written for editor integrations.
	EventPrefix = "sub_agent."
	// AllRoles subscribes to events for every role.
	AllRoles = "*"
)

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Envelope is one line of the JSONL event file.
type Envelope struct {
	Event     string        `json:"event"`
	Payload   jobs.Snapshot `json:"payload"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewEnvelope wraps a job event for the event file.
func NewEnvelope(evt jobs.Event) Envelope {
	stamp := evt.Time
	if stamp.IsZero() {
		stamp = time.Now()
	}
	return Envelope{
		Event:     EventPrefix + string(evt.Type),
		Payload:   evt.Job,
		Timestamp: stamp.UTC(),
	}
}

// FileEmitter appends job events to a JSONL file so editor extensions can
// mirror job status. It implements jobs.Publisher.
type FileEmitter struct {
	path   string
	logger Logger
	mu     sync.Mutex
}

// NewFileEmitter prepares the parent directory of path.
func NewFileEmitter(path string, logger Logger) (*FileEmitter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("eventbridge: ensure event dir: %w", err)
	}
	if logger == nil {
		logger = nopLogger{}
	}
	return &FileEmitter{path: path, logger: logger}, nil
}

// Path returns the JSONL file.
func (f *FileEmitter) Path() string {
	if f == nil {
		return ""
	}
	return f.path
}

// Publish appends one line. Write failures are logged, never returned.
func (f *FileEmitter) Publish(evt jobs.Event) {
	if f == nil {
		return
	}
	if err := f.Emit(NewEnvelope(evt)); err != nil {
		f.logger.Printf("eventbridge: append %s: %v", f.path, err)
	}
}

// Emit appends an envelope.
func (f *FileEmitter) Emit(env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	f.mu.Lock()
	defer f.mu.Unlock()
	file, err := os.OpenFile(f.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(data)
	return err
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type statsResponse struct {
	jobs.Stats
	Total      int `json:"total"`
	QueueDepth int `json:"queue_depth"`
	Workers    int `json:"workers"`
}

type logsResponse struct {
	Role string   `json:"role"`
	Logs []string `json:"logs"`
}

type errorResponse struct {
	Error string `json:"error"`
}
