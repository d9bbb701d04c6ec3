package store

import (
	"cmp"
	"context"
	"fmt"
	"iter"
	"maps"
	"slices"
	"time"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/schema"
)

// Reader is the read surface shared by Tx and ReadTx.
type Reader interface {
	Catalog() schema.Catalog
	Get(entityType, id string) (ir.Entity, error)
	Scan(entityType string) iter.Seq[ir.Entity]
	ChildrenOf(parentType, parentID, relationship string) ([]string, error)
	Relationship(parentType, relationship string) (ir.RelationshipDef, bool)
	Ordinal(entityType, id string) (int64, bool)
}

// ReadTx is a shared, read-only view of the store.
type ReadTx struct {
	s *Store
}

// View runs fn under the read lock. Concurrent Views proceed in parallel;
// none overlaps an Update.
func (s *Store) View(fn func(*ReadTx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&ReadTx{s: s})
}

func (tx *ReadTx) Catalog() schema.Catalog { return tx.s.catalog }

func (tx *ReadTx) Get(entityType, id string) (ir.Entity, error) {
	return get(tx.s, entityType, id)
}

func (tx *ReadTx) Scan(entityType string) iter.Seq[ir.Entity] {
	return scan(tx.s, entityType)
}

func (tx *ReadTx) ChildrenOf(parentType, parentID, relationship string) ([]string, error) {
	return tx.s.index.ChildrenOf(parentType, parentID, relationship)
}

func (tx *ReadTx) Relationship(parentType, relationship string) (ir.RelationshipDef, bool) {
	return tx.s.index.Relationship(parentType, relationship)
}

func (tx *ReadTx) Ordinal(entityType, id string) (int64, bool) {
	return ordinal(tx.s, entityType, id)
}

func get(s *Store, entityType, id string) (ir.Entity, error) {
	t, err := s.table(entityType)
	if err != nil {
		return ir.Entity{}, err
	}
	r, ok := t.rows[id]
	if !ok {
		return ir.Entity{}, ir.NotFound(entityType, id)
	}
	return r.entity.Clone(), nil
}

func scan(s *Store, entityType string) iter.Seq[ir.Entity] {
	t, ok := s.tables[entityType]
	if !ok {
		return func(func(ir.Entity) bool) {}
	}
	return seqOf(t.snapshot())
}

func ordinal(s *Store, entityType, id string) (int64, bool) {
	t, ok := s.tables[entityType]
	if !ok {
		return 0, false
	}
	r, ok := t.rows[id]
	if !ok {
		return 0, false
	}
	return r.seq, true
}

// Tx is an exclusive read-write transaction.
// All writes made through a Tx become visible together when Update returns
// nil, and are undone if fn fails.
type Tx struct {
	s        *Store
	ctx      context.Context
	undo     []undoEntry
	dirty    map[ir.Key]bool
	staged   []kv.Op
	onCommit []func()
}

type undoEntry struct {
	typ  string
	id   string
	prev *row
}

// Update runs fn under the write lock. If fn returns an error, or the
// backend batch fails, every write made through tx is rolled back.
// Callbacks registered with OnCommit run after a successful commit while the
// lock is still held, so they observe commit order.
func (s *Store) Update(ctx context.Context, fn func(*Tx) error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Tx{s: s, ctx: ctx, dirty: make(map[ir.Key]bool)}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := tx.commit(); err != nil {
		tx.rollback()
		return err
	}
	for _, cb := range tx.onCommit {
		cb()
	}
	return nil
}

func (tx *Tx) commit() error {
	if tx.s.backend == nil {
		return nil
	}
	keys := slices.SortedFunc(maps.Keys(tx.dirty), func(a, b ir.Key) int {
		return cmp.Or(cmp.Compare(a.Type, b.Type), cmp.Compare(a.ID, b.ID))
	})

	ops := make([]kv.Op, 0, len(keys)+len(tx.staged))
	for _, k := range keys {
		r := tx.s.tables[k.Type].rows[k.ID]
		if r == nil {
			ops = append(ops, kv.Del(EntityKey(k.Type, k.ID)))
			continue
		}
		data, err := encodeRow(r)
		if err != nil {
			return fmt.Errorf("encode %s: %w", k, err)
		}
		ops = append(ops, kv.Put(EntityKey(k.Type, k.ID), data))
	}
	ops = append(ops, tx.staged...)
	if len(ops) == 0 {
		return nil
	}
	if err := tx.s.backend.Apply(tx.ctx, ops); err != nil {
		return fmt.Errorf("persist transaction: %w", err)
	}
	return nil
}

func (tx *Tx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		tx.s.setRow(tx.s.tables[u.typ], u.typ, u.id, u.prev)
	}
	tx.undo = nil
	tx.staged = nil
	tx.onCommit = nil
}

func (tx *Tx) write(t *table, entityType, id string, r *row) *row {
	prev := tx.s.setRow(t, entityType, id, r)
	tx.undo = append(tx.undo, undoEntry{typ: entityType, id: id, prev: prev})
	tx.dirty[ir.Key{Type: entityType, ID: id}] = true
	return prev
}

// Context returns the context Update was called with.
func (tx *Tx) Context() context.Context { return tx.ctx }

func (tx *Tx) Catalog() schema.Catalog { return tx.s.catalog }

func (tx *Tx) Get(entityType, id string) (ir.Entity, error) {
	return get(tx.s, entityType, id)
}

func (tx *Tx) Scan(entityType string) iter.Seq[ir.Entity] {
	return scan(tx.s, entityType)
}

func (tx *Tx) ChildrenOf(parentType, parentID, relationship string) ([]string, error) {
	return tx.s.index.ChildrenOf(parentType, parentID, relationship)
}

func (tx *Tx) Relationship(parentType, relationship string) (ir.RelationshipDef, bool) {
	return tx.s.index.Relationship(parentType, relationship)
}

func (tx *Tx) Ordinal(entityType, id string) (int64, bool) {
	return ordinal(tx.s, entityType, id)
}

// Exists reports whether an entity is stored.
func (tx *Tx) Exists(entityType, id string) bool {
	_, ok := ordinal(tx.s, entityType, id)
	return ok
}

// Stage adds raw kv writes to this transaction's batch.
func (tx *Tx) Stage(ops ...kv.Op) {
	tx.staged = append(tx.staged, ops...)
}

// OnCommit registers fn to run after a successful commit. fn must not block
// or call back into the store.
func (tx *Tx) OnCommit(fn func()) {
	tx.onCommit = append(tx.onCommit, fn)
}

// PutOption adjusts a put.
type PutOption func(*putOptions)

type putOptions struct {
	ts time.Time
}

// WithTimestamp uses ts instead of the store clock as the candidate
// updatedAt (and createdAt for inserts without one).
func WithTimestamp(ts time.Time) PutOption {
	return func(o *putOptions) { o.ts = ts }
}

// Put inserts e or fully replaces the stored entity with the same id.
//
// On insert createdAt = updatedAt = now, unless e carries a createdAt and a
// timestamp was supplied. On replace createdAt is kept and updatedAt becomes
// max(now, previous+1ns), so it strictly increases per entity. Null fields
// are dropped.
func (tx *Tx) Put(entityType string, e ir.Entity, opts ...PutOption) (ir.Entity, error) {
	t, err := tx.s.table(entityType)
	if err != nil {
		return ir.Entity{}, err
	}
	if e.ID == "" {
		return ir.Entity{}, ir.ValidationError(entityType, ir.FieldID, "id is required")
	}
	if e.Type != "" && e.Type != entityType {
		return ir.Entity{}, ir.ValidationError(entityType, "", "entity has type %q", e.Type)
	}

	var o putOptions
	for _, opt := range opts {
		opt(&o)
	}
	now := o.ts
	if now.IsZero() {
		now = tx.s.clock.Now()
	}

	fields := make(ir.IRObject, len(e.Fields))
	for k, v := range e.Fields {
		if !ir.IsNull(v) {
			fields[k] = ir.Clone(v)
		}
	}
	stored := ir.Entity{Type: entityType, ID: e.ID, Fields: fields}

	var seq int64
	if prev, ok := t.rows[e.ID]; ok {
		seq = prev.seq
		stored.CreatedAt = prev.entity.CreatedAt
		floor := prev.entity.UpdatedAt.Add(time.Nanosecond)
		stored.UpdatedAt = now
		if now.Before(floor) {
			stored.UpdatedAt = floor
		}
	} else {
		tx.s.nextSeq++
		seq = tx.s.nextSeq
		stored.CreatedAt = now
		if !o.ts.IsZero() && !e.CreatedAt.IsZero() {
			stored.CreatedAt = e.CreatedAt
		}
		stored.UpdatedAt = now
	}

	tx.write(t, entityType, e.ID, &row{seq: seq, entity: stored})
	return stored.Clone(), nil
}

// Delete removes an entity and returns it, or NotFound.
func (tx *Tx) Delete(entityType, id string) (ir.Entity, error) {
	t, err := tx.s.table(entityType)
	if err != nil {
		return ir.Entity{}, err
	}
	if _, ok := t.rows[id]; !ok {
		return ir.Entity{}, ir.NotFound(entityType, id)
	}
	prev := tx.write(t, entityType, id, nil)
	return prev.entity.Clone(), nil
}

// DeleteCascade removes an entity plus, one level deep, the children of
// every relationship of its type marked cascade. Children are returned in
// relationship declaration order, then insertion order.
//
// Panics if a cascaded relationship still lists children afterwards: that
// can only be an index bug.
func (tx *Tx) DeleteCascade(entityType, id string) (ir.Entity, []ir.Entity, error) {
	removed, err := tx.Delete(entityType, id)
	if err != nil {
		return ir.Entity{}, nil, err
	}

	var children []ir.Entity
	for _, rel := range schema.ParentOf(tx.s.catalog, entityType) {
		if !rel.Cascade {
			continue
		}
		childIDs, err := tx.ChildrenOf(entityType, id, rel.Name)
		if err != nil {
			return ir.Entity{}, nil, err
		}
		for _, childID := range childIDs {
			if !tx.Exists(rel.Child, childID) {
				// Already removed through another relationship.
				continue
			}
			child, err := tx.Delete(rel.Child, childID)
			if err != nil {
				return ir.Entity{}, nil, err
			}
			children = append(children, child)
		}
		if left, _ := tx.ChildrenOf(entityType, id, rel.Name); len(left) > 0 {
			panic(fmt.Sprintf("store: cascade of %s/%s left %s children %v", entityType, id, rel.Key(), left))
		}
	}
	return removed, children, nil
}

// VerifyIndex is Store.VerifyIndex from inside a transaction.
func (tx *Tx) VerifyIndex() error {
	return tx.s.index.verify(tx.s.catalog, tx.s.tables)
}
