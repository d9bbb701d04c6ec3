package mutation

import (
	"slices"
	"sync"

	"github.com/roach88/replica/internal/ir"
)

// Tracker is the pending-mutation bookkeeping: a mutation is Pending from
// local commit until the remote acknowledges (Committed) or rejects
// (Rejected) it. Resolved mutations are forgotten.
//
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	pending map[string]ir.Mutation
	byKey   map[ir.Key][]string // mutation ids in commit order
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		pending: make(map[string]ir.Mutation),
		byKey:   make(map[ir.Key][]string),
	}
}

// Add marks m pending. Adding an id twice is a no-op.
func (t *Tracker) Add(m ir.Mutation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[m.ID]; ok {
		return
	}
	t.pending[m.ID] = m
	t.byKey[m.Key()] = append(t.byKey[m.Key()], m.ID)
}

// Pending reports whether any unacknowledged mutation targets k.
func (t *Tracker) Pending(k ir.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byKey[k]) > 0
}

// Latest returns the most recently committed pending mutation for k.
func (t *Tracker) Latest(k ir.Key) (ir.Mutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := t.byKey[k]
	if len(ids) == 0 {
		return ir.Mutation{}, false
	}
	return t.pending[ids[len(ids)-1]], true
}

// Resolve moves a pending mutation to its final state and returns it.
// ok is false for unknown or already resolved ids.
func (t *Tracker) Resolve(id string, state ir.MutationState) (ir.Mutation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.pending[id]
	if !ok || state == ir.MutationPending {
		return ir.Mutation{}, false
	}
	delete(t.pending, id)
	k := m.Key()
	ids := slices.DeleteFunc(t.byKey[k], func(s string) bool { return s == id })
	if len(ids) == 0 {
		delete(t.byKey, k)
	} else {
		t.byKey[k] = ids
	}
	return m, true
}

// State returns MutationPending for tracked ids and false otherwise.
func (t *Tracker) State(id string) (ir.MutationState, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; ok {
		return ir.MutationPending, true
	}
	return "", false
}

// Len returns the number of pending mutations.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
