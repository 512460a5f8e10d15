// Package feed routes execution changes to per-tenant subscribers so that
// independent clients can invalidate their caches without polling.
package feed

import (
	"log/slog"
	"sync"
)

const (
	defaultSubscriberCapacity = 100
	defaultBacklogLimit       = 50
	defaultDedupeWindow       = 1024
)

// RouterOption customizes Router construction.
type RouterOption func(*Router)

// Router delivers changes to subscribers of the owning customer with
// buffering, deduplication and bounded channel semantics.
type Router struct {
	mu           sync.RWMutex
	subscribers  map[int64]map[*subscriber]struct{}
	backlog      map[int64][]Change
	recentIDs    map[string]struct{}
	recentOrder  []string
	channelSize  int
	backlogLimit int
	dedupeWindow int
	logger       *slog.Logger
}

// Subscription represents an active tenant subscription.
type Subscription struct {
	Changes <-chan Change
	cancel  func()
}

// Close terminates the subscription.
func (s Subscription) Close() {
	if s.cancel != nil {
		s.cancel()
	}
}

// NewRouter constructs a router with sane defaults.
func NewRouter(opts ...RouterOption) *Router {
	r := &Router{
		subscribers:  map[int64]map[*subscriber]struct{}{},
		backlog:      map[int64][]Change{},
		recentIDs:    map[string]struct{}{},
		recentOrder:  make([]string, 0, defaultDedupeWindow),
		channelSize:  defaultSubscriberCapacity,
		backlogLimit: defaultBacklogLimit,
		dedupeWindow: defaultDedupeWindow,
		logger:       slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func WithLogger(logger *slog.Logger) RouterOption {
	return func(r *Router) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithSubscriberCapacity overrides the buffered channel size per subscriber.
func WithSubscriberCapacity(n int) RouterOption {
	return func(r *Router) {
		if n > 0 {
			r.channelSize = n
		}
	}
}

// WithBacklogLimit overrides how many changes are kept for a tenant with no
// subscriber yet.
func WithBacklogLimit(limit int) RouterOption {
	return func(r *Router) {
		if limit > 0 {
			r.backlogLimit = limit
		}
	}
}

// WithDedupeWindow controls how many recent change ids are retained.
func WithDedupeWindow(size int) RouterOption {
	return func(r *Router) {
		if size > 0 {
			r.dedupeWindow = size
		}
	}
}

// Subscribe registers for changes of customerID. Buffered changes are
// delivered first.
func (r *Router) Subscribe(customerID int64) Subscription {
	sub := newSubscriber(r.channelSize, r.logger)
	var backlog []Change
	r.mu.Lock()
	if r.subscribers[customerID] == nil {
		r.subscribers[customerID] = map[*subscriber]struct{}{}
	}
	r.subscribers[customerID][sub] = struct{}{}
	if existing := r.backlog[customerID]; len(existing) > 0 {
		backlog = append(backlog, existing...)
		delete(r.backlog, customerID)
	}
	r.mu.Unlock()
	for _, change := range backlog {
		sub.deliver(change)
	}
	return Subscription{
		Changes: sub.channel(),
		cancel: func() {
			r.removeSubscriber(customerID, sub)
		},
	}
}

// Publish satisfies Publisher.
func (r *Router) Publish(change Change) {
	r.Route(change)
}

// Route delivers the change to the tenant's subscribers or buffers it when
// none exist. Changes without a tenant are dropped.
func (r *Router) Route(change Change) {
	if change.CustomerID <= 0 {
		return
	}
	if change.ID != "" && r.isDuplicate(change.ID) {
		return
	}
	r.mu.RLock()
	subs := r.snapshotSubscribers(change.CustomerID)
	r.mu.RUnlock()
	if len(subs) == 0 {
		r.bufferChange(change)
		return
	}
	for _, sub := range subs {
		sub.deliver(change)
	}
}

// Subscribers reports the live subscriber count for a tenant.
func (r *Router) Subscribers(customerID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subscribers[customerID])
}

func (r *Router) snapshotSubscribers(customerID int64) []*subscriber {
	live := r.subscribers[customerID]
	if len(live) == 0 {
		return nil
	}
	items := make([]*subscriber, 0, len(live))
	for sub := range live {
		items = append(items, sub)
	}
	return items
}

func (r *Router) removeSubscriber(customerID int64, sub *subscriber) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs := r.subscribers[customerID]; subs != nil {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(r.subscribers, customerID)
		}
	}
	sub.close()
}

func (r *Router) bufferChange(change Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	queue := r.backlog[change.CustomerID]
	if len(queue) >= r.backlogLimit {
		queue = queue[1:]
		r.logger.Debug("feed backlog drop", "customer_id", change.CustomerID, "limit", r.backlogLimit)
	}
	r.backlog[change.CustomerID] = append(queue, change)
}

func (r *Router) isDuplicate(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.recentIDs[id]; ok {
		return true
	}
	r.recentIDs[id] = struct{}{}
	r.recentOrder = append(r.recentOrder, id)
	if len(r.recentOrder) > r.dedupeWindow {
		oldest := r.recentOrder[0]
		r.recentOrder = r.recentOrder[1:]
		delete(r.recentIDs, oldest)
	}
	return false
}

type subscriber struct {
	mu     sync.Mutex
	ch     chan Change
	logger *slog.Logger
	closed bool
}

func newSubscriber(capacity int, logger *slog.Logger) *subscriber {
	if capacity <= 0 {
		capacity = defaultSubscriberCapacity
	}
	return &subscriber{ch: make(chan Change, capacity), logger: logger}
}

func (s *subscriber) channel() <-chan Change {
	return s.ch
}

// deliver never blocks. On overflow the oldest queued change is dropped
// unless it is critical and the incoming one is not.
func (s *subscriber) deliver(change Change) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- change:
		return
	default:
	}
	select {
	case oldest := <-s.ch:
		if oldest.critical() && !change.critical() {
			s.ch <- oldest
			s.logDrop(change)
			return
		}
		s.logDrop(oldest)
		s.ch <- change
	default:
		s.ch <- change
	}
}

func (s *subscriber) logDrop(change Change) {
	s.logger.Warn("feed subscriber overflow", "change", change.Type, "execution_id", change.ExecutionID)
}

func (s *subscriber) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
