package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"

	"github.com/kingrea/storyloom/internal/history"
	"github.com/kingrea/storyloom/internal/jobs"
	"github.com/kingrea/storyloom/internal/roles"
)

// ServerStatus reports runtime lifecycle states for the HTTP server.
type ServerStatus string

const (
	StatusStarting ServerStatus = "starting"
	StatusReady    ServerStatus = "ready"
	StatusDraining ServerStatus = "draining"
)

// ErrServerDisabled is returned by Start when the bridge is turned off.
var ErrServerDisabled = errors.New("eventbridge: server disabled")

// JobService is the part of *jobs.Manager the bridge exposes.
type JobService interface {
	Submit(ctx context.Context, token string, args []string, roleSlug string) (*jobs.Job, error)
	ListJobs() []jobs.Snapshot
	GetJob(id string) (jobs.Snapshot, bool)
	ListRoles() []roles.Role
	GetRole(slug string) (roles.Role, bool)
	RoleLogs(slug string, limit int) ([]string, error)
	Stats() jobs.Stats
	QueueDepth() int
	Workers() int
}

// SubmitRequest is the POST /jobs body.
type SubmitRequest struct {
	Command string   `json:"command" validate:"required,max=64"`
	Args    []string `json:"args" validate:"max=64"`
	Role    string   `json:"role" validate:"omitempty,max=64"`
}

// Server wraps the HTTP listener and handlers backing the bridge.
type Server struct {
	settings Settings
	service  JobService
	history  history.Store
	logger   Logger
	clock    func() time.Time
	validate *validator.Validate

	mu        sync.RWMutex
	server    *http.Server
	listener  net.Listener
	status    ServerStatus
	startTime time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithHistory exposes GET /history backed by store.
func WithHistory(store history.Store) Option {
	return func(s *Server) {
		s.history = store
	}
}

// NewServer prepares a bridge server. Unset limits in settings take their
// defaults.
func NewServer(settings Settings, service JobService, opts ...Option) *Server {
	s := &Server{
		settings: settings.withDefaults(),
		service:  service,
		logger:   nopLogger{},
		clock:    func() time.Time { return time.Now().UTC() },
		validate: validator.New(validator.WithRequiredStructEnabled()),
		status:   StatusStarting,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler builds the chi router. It is exported for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/", s.handleListJobs)
		r.Post("/", s.handleSubmit)
		r.Get("/{id}", s.handleGetJob)
	})
	r.Route("/roles", func(r chi.Router) {
		r.Get("/", s.handleListRoles)
		r.Get("/{slug}", s.handleGetRole)
		r.Get("/{slug}/logs", s.handleRoleLogs)
	})
	if s.history != nil {
		r.Get("/history", s.handleHistory)
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Start binds the TCP listener and begins serving HTTP traffic.
func (s *Server) Start(ctx context.Context) error {
	if s == nil {
		return fmt.Errorf("eventbridge: server is nil")
	}
	if !s.settings.Enabled {
		return ErrServerDisabled
	}
	if s.service == nil {
		return fmt.Errorf("eventbridge: job service is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: server already started")
	}
	addr := s.settings.Address()
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", addr, err)
	}
	s.listener = listener
	s.startTime = s.clock()
	server := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  s.settings.ReadTimeout,
		WriteTimeout: s.settings.WriteTimeout,
		IdleTimeout:  s.settings.IdleTimeout,
	}
	if ctx != nil {
		server.BaseContext = func(net.Listener) context.Context { return ctx }
	}
	s.server = server
	s.status = StatusReady
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve error: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on %s", listener.Addr().String())
	return nil
}

// Shutdown stops accepting new connections and waits for in-flight requests to exit.
func (s *Server) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil || s.server == nil {
		return nil
	}
	s.status = StatusDraining
	deadline := ctx
	if deadline == nil {
		var cancel context.CancelFunc
		deadline, cancel = context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
	}
	if err := s.server.Shutdown(deadline); err != nil {
		return err
	}
	s.listener = nil
	s.server = nil
	return nil
}

// Addr returns the bound TCP address once the server has started.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// BaseURL returns the HTTP base URL (scheme + host:port) for the running server.
func (s *Server) BaseURL() string {
	addr := s.Addr()
	if addr == "" {
		return s.settings.URL()
	}
	return "http://" + addr
}

// Status reports the server's lifecycle state.
func (s *Server) Status() ServerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

func (s *Server) uptimeSeconds() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.startTime.IsZero() {
		return 0
	}
	return int64(s.clock().Sub(s.startTime).Seconds())
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        string(s.Status()),
		Version:       ProtocolVersion,
		UptimeSeconds: s.uptimeSeconds(),
	})
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	stats := s.service.Stats()
	writeJSON(w, http.StatusOK, statsResponse{
		Stats:      stats,
		Total:      stats.Total(),
		QueueDepth: s.service.QueueDepth(),
		Workers:    s.service.Workers(),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	role := strings.ToLower(strings.TrimSpace(r.URL.Query().Get("role")))
	status := jobs.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status"))))
	all := s.service.ListJobs()
	out := make([]jobs.Snapshot, 0, len(all))
	for _, snap := range all {
		if role != "" && snap.Role != role {
			continue
		}
		if status != "" && snap.Status != status {
			continue
		}
		out = append(out, snap)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	snap, ok := s.service.GetJob(chi.URLParam(r, "id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	body := http.MaxBytesReader(w, r.Body, s.settings.MaxBodyBytes)
	defer body.Close()
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	job, err := s.service.Submit(r.Context(), req.Command, req.Args, req.Role)
	switch {
	case err == nil:
	case errors.Is(err, jobs.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case errors.Is(err, jobs.ErrInvalidToken), errors.Is(err, jobs.ErrUnroutable), errors.Is(err, jobs.ErrUnknownRole):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	default:
		s.logger.Printf("eventbridge: submit failed: %v", err)
		writeError(w, http.StatusInternalServerError, "submit failed")
		return
	}
	w.Header().Set("Location", "/jobs/"+job.ID())
	writeJSON(w, http.StatusAccepted, job.Snapshot())
}

func (s *Server) handleListRoles(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.ListRoles())
}

func (s *Server) handleGetRole(w http.ResponseWriter, r *http.Request) {
	role, ok := s.service.GetRole(chi.URLParam(r, "slug"))
	if !ok {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (s *Server) handleRoleLogs(w http.ResponseWriter, r *http.Request) {
	role, ok := s.service.GetRole(chi.URLParam(r, "slug"))
	if !ok {
		writeError(w, http.StatusNotFound, "role not found")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	logs, err := s.service.RoleLogs(role.Slug, limit)
	if err != nil {
		s.logger.Printf("eventbridge: role logs %s: %v", role.Slug, err)
		writeError(w, http.StatusInternalServerError, "could not list logs")
		return
	}
	if logs == nil {
		logs = []string{}
	}
	writeJSON(w, http.StatusOK, logsResponse{Role: role.Slug, Logs: logs})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := history.Filter{
		Role:   r.URL.Query().Get("role"),
		Status: jobs.Status(r.URL.Query().Get("status")),
		Limit:  limit,
	}
	snaps, err := s.history.List(r.Context(), filter)
	if err != nil {
		s.logger.Printf("eventbridge: history: %v", err)
		writeError(w, http.StatusInternalServerError, "could not read history")
		return
	}
	if snaps == nil {
		snaps = []jobs.Snapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func queryLimit(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("limit"))
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, fmt.Errorf("limit must be a non-negative integer")
	}
	return limit, nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fmt.Sprintf("%s: failed %s validation", strings.ToLower(fe.Field()), fe.Tag())
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
