// Package reconcile merges remote change events and acknowledgements into
// the local store and notifies subscribers.
//
// A single Run loop owns event application. Events are buffered in a small
// reorder window and released in serverTimestamp order; each released event
// passes the last-writer-wins check before it is applied through the same
// transactional store path as local mutations.
package reconcile

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"
	"time"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/store"
)

// Defaults for the reorder window.
const (
	DefaultWindowSize  = 64
	DefaultWindowDelay = 50 * time.Millisecond
)

// Outcome is the result of offering one event to the store.
type Outcome string

const (
	// Applied: the event changed the store and subscribers were notified.
	Applied Outcome = "APPLIED"
	// Stale: an event with the same or a newer serverTimestamp was already
	// applied for the key.
	Stale Outcome = "STALE"
	// Superseded: a local mutation for the key is pending and is at least as
	// new as the event.
	Superseded Outcome = "SUPERSEDED"
)

// Stats counts event outcomes since construction.
type Stats struct {
	Applied    int64 `json:"applied"`
	Stale      int64 `json:"stale"`
	Superseded int64 `json:"superseded"`
	Failed     int64 `json:"failed"`
	Acked      int64 `json:"acked"`
	Rejected   int64 `json:"rejected"`
}

// item is one unit of input: an event or an acknowledgement.
type item struct {
	event   *ir.ChangeEvent
	ack     *ir.Ack
	arrival int64
	at      time.Time
}

// Reconciler applies remote changes to a store.
//
// Thread-safety: Enqueue/EnqueueAck and Apply/ApplyAck are safe from any
// goroutine; Run must be called from exactly one.
type Reconciler struct {
	store   *store.Store
	tracker *mutation.Tracker
	hub     *Hub
	clock   store.Clock
	logger  *slog.Logger

	size  int
	delay time.Duration

	input   *queue[item]
	buffer  []item
	arrival int64

	// lastApplied is the newest serverTimestamp applied per key, deletes
	// included. Guarded by the store's write lock.
	lastApplied map[ir.Key]time.Time

	applied, stale, superseded, failed, acked, rejected atomic.Int64
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithWindow sets the reorder window: at most size buffered events, each
// held until it is older than delay.
func WithWindow(size int, delay time.Duration) Option {
	return func(r *Reconciler) {
		r.size = max(size, 1)
		r.delay = max(delay, 0)
	}
}

// WithTracker consults t for pending local mutations.
func WithTracker(t *mutation.Tracker) Option {
	return func(r *Reconciler) { r.tracker = t }
}

// WithHub publishes applied changes to h.
func WithHub(h *Hub) Option {
	return func(r *Reconciler) { r.hub = h }
}

// WithClock sets the clock used to age buffered events.
func WithClock(c store.Clock) Option {
	return func(r *Reconciler) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Reconciler) { r.logger = l }
}

// New creates a reconciler for s.
func New(s *store.Store, opts ...Option) *Reconciler {
	r := &Reconciler{
		store:       s,
		tracker:     mutation.NewTracker(),
		clock:       store.SystemClock{},
		logger:      slog.Default(),
		size:        DefaultWindowSize,
		delay:       DefaultWindowDelay,
		input:       newQueue[item](),
		lastApplied: make(map[ir.Key]time.Time),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.hub == nil {
		r.hub = NewHub(r.logger)
	}
	return r
}

// Hub returns the subscription hub.
func (r *Reconciler) Hub() *Hub {
	return r.hub
}

// Stats returns a snapshot of the outcome counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Applied:    r.applied.Load(),
		Stale:      r.stale.Load(),
		Superseded: r.superseded.Load(),
		Failed:     r.failed.Load(),
		Acked:      r.acked.Load(),
		Rejected:   r.rejected.Load(),
	}
}

// Enqueue submits a remote event to the Run loop. Returns false after Close.
func (r *Reconciler) Enqueue(ev ir.ChangeEvent) bool {
	return r.input.Enqueue(item{event: &ev})
}

// EnqueueAck submits an acknowledgement to the Run loop.
func (r *Reconciler) EnqueueAck(ack ir.Ack) bool {
	return r.input.Enqueue(item{ack: &ack})
}

// Close stops accepting input. Run drains what is queued and buffered, then
// returns nil.
func (r *Reconciler) Close() {
	r.input.Close(false)
}

// Run is the single-writer loop. It blocks until ctx is cancelled or Close
// is called, and applies every buffered event before returning.
//
// Failures are logged and the loop continues.
func (r *Reconciler) Run(ctx context.Context) error {
	r.logger.Info("reconciler starting", "window_size", r.size, "window_delay", r.delay)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		if it, ok := r.input.TryDequeue(); ok {
			r.accept(ctx, it)
			continue
		}

		// Input drained: release what has aged out of the window.
		r.release(ctx, false)

		var wake <-chan time.Time
		if len(r.buffer) > 0 {
			wait := r.delay - r.clock.Now().Sub(r.buffer[0].at)
			if timer == nil {
				timer = time.NewTimer(wait)
			} else {
				timer.Reset(wait)
			}
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			r.release(context.WithoutCancel(ctx), true)
			r.logger.Info("reconciler stopped", "reason", ctx.Err())
			return ctx.Err()
		case _, open := <-r.input.Wait():
			if !open && r.input.Len() == 0 {
				r.release(ctx, true)
				r.logger.Info("reconciler stopped", "reason", "closed")
				return nil
			}
		case <-wake:
		}
	}
}

// Drain applies everything queued so far, in serverTimestamp order, and
// returns how many items it consumed. It is the synchronous counterpart of
// Run for offline tools and must not be called while Run is active.
func (r *Reconciler) Drain(ctx context.Context) int {
	n := 0
	for {
		it, ok := r.input.TryDequeue()
		if !ok {
			break
		}
		r.accept(ctx, it)
		n++
	}
	r.release(ctx, true)
	return n
}

func (r *Reconciler) accept(ctx context.Context, it item) {
	if it.ack != nil {
		r.ApplyAck(ctx, *it.ack)
		return
	}
	r.arrival++
	it.arrival = r.arrival
	it.at = r.clock.Now()

	i, _ := slices.BinarySearchFunc(r.buffer, it, func(a, b item) int {
		return cmp.Or(a.event.ServerTimestamp.Compare(b.event.ServerTimestamp), cmp.Compare(a.arrival, b.arrival))
	})
	r.buffer = slices.Insert(r.buffer, i, it)

	for len(r.buffer) > r.size {
		r.applyBuffered(ctx, 0)
	}
}

// release applies buffered events in serverTimestamp order: all of them when
// all is set, otherwise while the oldest-arrived has waited at least delay.
func (r *Reconciler) release(ctx context.Context, all bool) {
	if all {
		for len(r.buffer) > 0 {
			r.applyBuffered(ctx, 0)
		}
		return
	}
	now := r.clock.Now()
	for len(r.buffer) > 0 {
		oldest := slices.MinFunc(r.buffer, func(a, b item) int { return a.at.Compare(b.at) })
		if now.Sub(oldest.at) < r.delay {
			return
		}
		r.applyBuffered(ctx, 0)
	}
}

func (r *Reconciler) applyBuffered(ctx context.Context, i int) {
	it := r.buffer[i]
	r.buffer = slices.Delete(r.buffer, i, i+1)
	_, _ = r.Apply(ctx, *it.event)
}

// Apply offers one event to the store immediately, bypassing the window.
//
// Rule, for key (type, id):
//  1. Stale if serverTimestamp is not after the last one applied for the key.
//  2. Superseded if a local mutation for the key is pending and
//     serverTimestamp is not after the local updatedAt.
//  3. Otherwise Create/Update upsert the entity (unknown ids are created) and
//     Delete removes it with cascade.
//
// Errors (unknown type, malformed event) are logged, counted and returned.
func (r *Reconciler) Apply(ctx context.Context, ev ir.ChangeEvent) (Outcome, error) {
	outcome, err := r.apply(ctx, ev)
	if err != nil {
		r.failed.Add(1)
		r.logger.Error("remote event failed",
			"type", ev.Type, "id", ev.Entity.ID, "op", ev.Op,
			"server_timestamp", ev.ServerTimestamp, "error", err)
		return "", err
	}
	switch outcome {
	case Applied:
		r.applied.Add(1)
	case Stale:
		r.stale.Add(1)
	case Superseded:
		r.superseded.Add(1)
	}
	r.logger.Debug("remote event", "type", ev.Type, "id", ev.Entity.ID, "op", ev.Op, "outcome", outcome)
	return outcome, nil
}

func (r *Reconciler) apply(ctx context.Context, ev ir.ChangeEvent) (Outcome, error) {
	if ev.Entity.Type == "" {
		ev.Entity.Type = ev.Type
	}
	switch {
	case !ev.Op.Valid():
		return "", ir.ValidationError(ev.Type, "op", "unknown op %q", ev.Op)
	case ev.Entity.ID == "":
		return "", ir.ValidationError(ev.Type, ir.FieldID, "event entity has no id")
	case ev.Entity.Type != ev.Type:
		return "", ir.ValidationError(ev.Type, "", "event entity has type %q", ev.Entity.Type)
	case ev.ServerTimestamp.IsZero():
		return "", ir.ValidationError(ev.Type, "server_timestamp", "missing server timestamp")
	}
	key := ev.Key()

	var outcome Outcome
	err := r.store.Update(ctx, func(tx *store.Tx) error {
		if last, ok := r.lastApplied[key]; ok && !ev.ServerTimestamp.After(last) {
			outcome = Stale
			return nil
		}
		cur, err := tx.Get(ev.Type, key.ID)
		exists := err == nil
		if err != nil && !ir.IsNotFound(err) {
			return err
		}
		if m, pending := r.tracker.Latest(key); pending {
			local := m.Entity.UpdatedAt
			if exists {
				local = cur.UpdatedAt
			}
			if !ev.ServerTimestamp.After(local) {
				outcome = Superseded
				return nil
			}
		}

		var notes []ir.Notification
		switch ev.Op {
		case ir.OpCreate, ir.OpUpdate:
			e, err := tx.Put(ev.Type, ev.Entity, store.WithTimestamp(ev.ServerTimestamp))
			if err != nil {
				return err
			}
			op := ir.OpUpdate
			if !exists {
				op = ir.OpCreate
			}
			notes = append(notes, ir.Notification{Op: op, Entity: e, Origin: ir.OriginRemote})
		case ir.OpDelete:
			if exists {
				removed, children, err := tx.DeleteCascade(ev.Type, key.ID)
				if err != nil {
					return err
				}
				if err := tx.VerifyIndex(); err != nil {
					panic(fmt.Sprintf("reconcile: index diverged after deleting %s: %v", key, err))
				}
				notes = append(notes, ir.Notification{Op: ir.OpDelete, Entity: removed, Origin: ir.OriginRemote})
				for _, child := range children {
					notes = append(notes, ir.Notification{Op: ir.OpDelete, Entity: child, Origin: ir.OriginRemote})
				}
			}
		}

		tx.OnCommit(func() {
			for _, n := range notes {
				r.lastApplied[n.Entity.Key()] = ev.ServerTimestamp
			}
			r.lastApplied[key] = ev.ServerTimestamp
			for _, n := range notes {
				r.hub.Publish(n)
			}
		})
		outcome = Applied
		return nil
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// ApplyAck records the remote outcome of a local mutation. A rejection is
// published as a Rejected notification and leaves the store untouched. An
// acceptance carrying the server's entity applies it like an Update event.
func (r *Reconciler) ApplyAck(ctx context.Context, ack ir.Ack) {
	state := ir.MutationCommitted
	if ack.Rejected {
		state = ir.MutationRejected
	}
	m, ok := r.tracker.Resolve(ack.MutationID, state)
	if !ok {
		r.logger.Debug("ack for unknown mutation", "mutation", ack.MutationID)
		return
	}

	if ack.Rejected {
		r.rejected.Add(1)
		r.logger.Warn("mutation rejected by remote",
			"mutation", m.ID, "type", m.Type, "id", m.EntityID, "op", m.Op, "reason", ack.Reason)
		r.hub.Publish(ir.Notification{
			Op:         m.Op,
			Entity:     m.Entity,
			Origin:     ir.OriginRemote,
			MutationID: m.ID,
			Rejected:   true,
			Reason:     ack.Reason,
		})
		return
	}

	r.acked.Add(1)
	if ack.Entity == nil || m.Op == ir.OpDelete {
		return
	}
	ev := ir.ChangeEvent{Type: m.Type, Op: ir.OpUpdate, Entity: *ack.Entity, ServerTimestamp: ack.ServerTimestamp}
	ev.Entity.ID = m.EntityID
	_, _ = r.Apply(ctx, ev)
}
