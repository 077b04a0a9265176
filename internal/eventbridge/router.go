package eventbridge

import (
	"strings"
	"sync"

	"github.com/kingrea/storyloom/internal/jobs"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers job events to per-role subscribers with buffering,
// deduplication, and bounded channel semantics. It implements
// jobs.Publisher.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[string]map[*subscriber]struct{}
	backlog      map[string][]jobs.Event
	seen         *seenSet
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       Logger
}

// Subscription represents an active subscription.
type Subscription struct {
	Events <-chan jobs.Event
	cancel func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter returns a router with no subscribers.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[string]map[*subscriber]struct{}{},
		backlog:      map[string][]jobs.Event{},
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.seen = newSeenSet(r.dedupeWindow)
	return r
}

// RouterWithLogger injects a logger for drop/diagnostic messages.
func RouterWithLogger(logger Logger) RouterOption {
	return func(r *Router) {
		r.logger = logger
	}
}

// RouterWithSubscriberCapacity overrides the buffered channel size per subscriber.
func RouterWithSubscriberCapacity(cap int) RouterOption {
	return func(r *Router) {
		if cap > 0 {
			r.channelSize = cap
		}
	}
}

// RouterWithBacklogLimit overrides the backlog size for pre-subscription buffering.
func RouterWithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// RouterWithDedupeWindow controls how many recent (job, type) pairs are retained.
func RouterWithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for events of one role, or of every role with AllRoles.
// Events buffered before the first subscriber are delivered immediately.
func (r *Router) Subscribe(role string) Subscription {
	key := normalizeKey(role)
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []jobs.Event
	r.mu.Lock()
	if r.subscribers[key] == nil {
		r.subscribers[key] = map[*subscriber]struct{}{}
	}
	r.subscribers[key][sub] = struct{}{}
	if existing := r.backlog[key]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, key)
	}
	r.mu.Unlock()
	for _, event := range backlog {
		sub.deliver(event)
	}
	return Subscription{
		Events: sub.channel(),
		cancel: func() {
			r.removeSubscriber(key, sub)
		},
	}
}

// Publish satisfies jobs.Publisher.
func (r *Router) Publish(event jobs.Event) {
	r.Route(event)
}

// Route delivers the event to the role's subscribers and to AllRoles
// subscribers, buffering it for whichever side has none.
func (r *Router) Route(event jobs.Event) {
	if event.Job.ID == "" {
		return
	}
	if r.isDuplicate(event.Job.ID + "/" + string(event.Type)) {
		return
	}
	for _, key := range []string{normalizeKey(event.Job.Role), AllRoles} {
		if key == "" {
			continue
		}
		r.mu.RLock()
		subs := r.snapshotSubscribers(key)
		r.mu.RUnlock()
		if len(subs) == 0 {
			r.bufferEvent(key, event)
			continue
		}
		for _, sub := range subs {
			sub.deliver(event)
		}
	}
}

func (r *Router) snapshotSubscribers(key string) []*subscriber {
	live := r.subscribers[key]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(key string, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[key]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, key)
		}
	}
	sub.close()
}

func (r *Router) bufferEvent(key string, event jobs.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[key]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		if r.logger != nil {
			r.logger.Printf("eventbridge: backlog drop for %s (limit %d)", key, r.backlogLimit)
		}
	}
	queue = append(queue, event)
	r.backlog[key] = queue
}

func (r *Router) isDuplicate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.seen.add(id)
}

func normalizeKey(role string) string {
	return strings.TrimSpace(strings.ToLower(role))
}

// seenSet remembers the last len(ring) keys.
type seenSet struct {
	keys map[string]struct{}
	ring []string
	next int
}

func newSeenSet(size int) *seenSet {
	return &seenSet{keys: make(map[string]struct{}, size), ring: make([]string, size)}
}

// add reports whether key was new.
func (s *seenSet) add(key string) bool {
	if _, ok := s.keys[key]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.keys, old)
	}
	s.ring[s.next] = key
	s.next = (s.next + 1) % len(s.ring)
	s.keys[key] = struct{}{}
	return true
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan jobs.Event
	closed bool
	logger Logger
}

func newSubscriber(capacity int, logger Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan jobs.Event, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan jobs.Event {
	return s.ch
}

// priority orders event types for overflow: terminal events are kept over
// queued, queued over running.
func priority(t jobs.EventType) int {
	switch {
	case t.Terminal():
		return 2
	case t == jobs.EventQueued:
		return 1
	default:
		return 0
	}
}

// deliver never blocks. On a full channel the oldest buffered event and the
// incoming one compete; the lower priority one is dropped, the older on ties.
func (s *subscriber) deliver(event jobs.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- event:
		return
	default:
	}
	var oldest jobs.Event
	select {
	case oldest = <-s.ch:
	default:
		s.ch <- event
		return
	}
	keep, drop := event, oldest
	if priority(oldest.Type) > priority(event.Type) {
		keep, drop = oldest, event
	}
	s.ch <- keep
	if s.logger != nil {
		s.logger.Printf("eventbridge: subscriber full, dropped %s for job %s", drop.Type, drop.Job.ID)
	}
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
