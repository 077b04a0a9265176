// Package history keeps finished sub-agent jobs across sessions so they can
// be listed after the chat that ran them has closed.
package history

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/kingrea/storyloom/internal/jobs"
)

// Store persists terminal job snapshots. Both implementations satisfy
// jobs.Recorder.
type Store interface {
	Record(ctx context.Context, snap jobs.Snapshot) error
	List(ctx context.Context, filter Filter) ([]jobs.Snapshot, error)
}

// Filter limits history queries. Empty fields match everything.
type Filter struct {
	Role   string
	Status jobs.Status
	Limit  int
}

func (f Filter) normalized() Filter {
	f.Role = strings.ToLower(strings.TrimSpace(f.Role))
	f.Status = jobs.Status(strings.ToLower(strings.TrimSpace(string(f.Status))))
	return f
}

func (f Filter) matches(snap jobs.Snapshot) bool {
	if f.Role != "" && snap.Role != f.Role {
		return false
	}
	if f.Status != "" && snap.Status != f.Status {
		return false
	}
	return true
}

// MemoryStore keeps history in memory.
type MemoryStore struct {
	mu    sync.Mutex
	snaps map[string]jobs.Snapshot
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{snaps: map[string]jobs.Snapshot{}}
}

// Record stores or replaces the snapshot for its job id.
func (s *MemoryStore) Record(_ context.Context, snap jobs.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[snap.ID] = snap
	return nil
}

// List returns matching snapshots, newest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]jobs.Snapshot, error) {
	filter = filter.normalized()
	s.mu.Lock()
	out := make([]jobs.Snapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		if filter.matches(snap) {
			out = append(out, snap)
		}
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}
