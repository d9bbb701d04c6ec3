package reconcile

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/predicate"
)

// Scope selects the notifications a subscription receives. Empty fields
// match everything.
type Scope struct {
	Type   string
	Filter predicate.Predicate
	// Owner restricts to entities whose owner field equals it.
	Owner string
}

func (s Scope) matches(n ir.Notification) bool {
	if s.Type != "" && n.Entity.Type != s.Type {
		return false
	}
	if s.Owner != "" && n.Entity.StringField("owner") != s.Owner {
		return false
	}
	return predicate.Eval(s.Filter, n.Entity)
}

// Subscription is one observer registration. Notifications arrive on C in
// publish order. C is closed after Close.
type Subscription struct {
	ID    int64
	Scope Scope
	C     <-chan ir.Notification

	hub     *Hub
	pending *queue[ir.Notification]
	out     chan ir.Notification
	done    chan struct{}
	once    sync.Once
}

// Close tears the subscription down. Queued notifications are discarded.
// Safe to call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.ID)
		s.pending.Close(true)
		close(s.done)
	})
}

// deliver moves notifications from the unbounded queue to C until Close.
func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		n, ok := s.pending.TryDequeue()
		if !ok {
			select {
			case <-s.done:
				return
			case <-s.pending.Wait():
				continue
			}
		}
		select {
		case <-s.done:
			return
		case s.out <- n:
		}
	}
}

// Hub fans notifications out to subscriptions. Publish never blocks: each
// subscription has its own unbounded queue and delivery goroutine, so a slow
// observer only delays itself.
type Hub struct {
	mu     sync.RWMutex
	subs   map[int64]*Subscription
	nextID atomic.Int64
	logger *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[int64]*Subscription), logger: logger}
}

// Subscribe registers an observer for scope.
func (h *Hub) Subscribe(scope Scope) *Subscription {
	out := make(chan ir.Notification)
	s := &Subscription{
		ID:      h.nextID.Add(1),
		Scope:   scope,
		C:       out,
		hub:     h,
		pending: newQueue[ir.Notification](),
		out:     out,
		done:    make(chan struct{}),
	}
	h.mu.Lock()
	h.subs[s.ID] = s
	h.mu.Unlock()
	go s.deliver()
	h.logger.Debug("subscribed", "subscription", s.ID, "type", scope.Type, "owner", scope.Owner)
	return s
}

// Unsubscribe closes the subscription with the given id. Unknown ids are
// ignored.
func (h *Hub) Unsubscribe(id int64) {
	h.mu.RLock()
	s, ok := h.subs[id]
	h.mu.RUnlock()
	if ok {
		s.Close()
	}
}

func (h *Hub) remove(id int64) {
	h.mu.Lock()
	delete(h.subs, id)
	h.mu.Unlock()
}

// Len returns the number of active subscriptions.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish queues n for every matching subscription. Each receives its own
// copy of the entity.
func (h *Hub) Publish(n ir.Notification) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs {
		if !s.Scope.matches(n) {
			continue
		}
		c := n
		c.Entity = n.Entity.Clone()
		s.pending.Enqueue(c)
	}
}

// Close closes every subscription.
func (h *Hub) Close() {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(h.subs))
	for _, s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()
	for _, s := range subs {
		s.Close()
	}
}
