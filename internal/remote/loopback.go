package remote

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/store"
)

// ErrOffline is the cause of SyncUnavailable errors from an offline Loopback.
var ErrOffline = errors.New("remote offline")

// Loopback is an in-process remote. It accepts every mutation (unless a
// reject rule says otherwise), stamps it with its own clock and echoes it to
// every Events listener as a ChangeEvent.
type Loopback struct {
	clock  store.Clock
	logger *slog.Logger

	mu        sync.Mutex
	offline   bool
	reject    func(ir.Mutation) string
	listeners map[int]listener
	nextID    int
	received  []ir.Mutation
	last      time.Time
}

// LoopbackOption configures a Loopback.
type LoopbackOption func(*Loopback)

// WithServerClock sets the clock used for server timestamps.
func WithServerClock(c store.Clock) LoopbackOption {
	return func(l *Loopback) { l.clock = c }
}

// WithLoopbackLogger sets the logger.
func WithLoopbackLogger(log *slog.Logger) LoopbackOption {
	return func(l *Loopback) { l.logger = log }
}

// NewLoopback creates an online loopback remote.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		clock:     store.SystemClock{},
		logger:    slog.Default(),
		listeners: make(map[int]listener),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetOnline toggles connectivity. While offline Submit fails with
// SyncUnavailable.
func (l *Loopback) SetOnline(online bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.offline = !online
}

// RejectWhen installs a rule: a non-empty return rejects the mutation with
// that reason.
func (l *Loopback) RejectWhen(fn func(ir.Mutation) string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reject = fn
}

// Received returns the accepted and rejected mutations in arrival order.
func (l *Loopback) Received() []ir.Mutation {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ir.Mutation, len(l.received))
	copy(out, l.received)
	return out
}

// now returns a strictly increasing server timestamp.
func (l *Loopback) now() time.Time {
	t := l.clock.Now()
	if !t.After(l.last) {
		t = l.last.Add(time.Nanosecond)
	}
	l.last = t
	return t
}

// Submit implements RemoteSync.
func (l *Loopback) Submit(ctx context.Context, m ir.Mutation) (ir.Ack, error) {
	if err := ctx.Err(); err != nil {
		return ir.Ack{}, ir.SyncUnavailable(err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.offline {
		return ir.Ack{}, ir.SyncUnavailable(ErrOffline)
	}
	l.received = append(l.received, m)
	ts := l.now()

	if l.reject != nil {
		if reason := l.reject(m); reason != "" {
			l.logger.Debug("loopback rejected mutation", "mutation", m.ID, "reason", reason)
			return ir.Ack{MutationID: m.ID, Rejected: true, Reason: reason, ServerTimestamp: ts}, nil
		}
	}

	entity := m.Entity.Clone()
	entity.Type = m.Type
	entity.ID = m.EntityID
	entity.UpdatedAt = ts
	l.broadcast(ir.ChangeEvent{Type: m.Type, Op: m.Op, Entity: entity, ServerTimestamp: ts})

	ack := ir.Ack{MutationID: m.ID, ServerTimestamp: ts}
	if m.Op != ir.OpDelete {
		canonical := entity.Clone()
		ack.Entity = &canonical
	}
	return ack, nil
}

// Publish injects a change made by another client. A zero ServerTimestamp is
// filled from the server clock. Returns the event as delivered.
func (l *Loopback) Publish(ev ir.ChangeEvent) ir.ChangeEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ev.ServerTimestamp.IsZero() {
		ev.ServerTimestamp = l.now()
	} else if ev.ServerTimestamp.After(l.last) {
		l.last = ev.ServerTimestamp
	}
	if ev.Entity.Type == "" {
		ev.Entity.Type = ev.Type
	}
	l.broadcast(ev)
	return ev
}

type listener struct {
	ch   chan ir.ChangeEvent
	done <-chan struct{}
}

// broadcast hands ev to every listener. Callers hold l.mu. A full listener
// buffer blocks the remote until the listener reads or goes away.
func (l *Loopback) broadcast(ev ir.ChangeEvent) {
	for _, ln := range l.listeners {
		select {
		case ln.ch <- ev:
		case <-ln.done:
		}
	}
}

// Events implements RemoteSync.
func (l *Loopback) Events(ctx context.Context) (<-chan ir.ChangeEvent, error) {
	l.mu.Lock()
	id := l.nextID
	l.nextID++
	ch := make(chan ir.ChangeEvent, 256)
	l.listeners[id] = listener{ch: ch, done: ctx.Done()}
	l.mu.Unlock()

	go func() {
		<-ctx.Done()
		l.mu.Lock()
		delete(l.listeners, id)
		l.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}
