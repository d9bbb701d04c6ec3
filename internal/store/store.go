package store

import (
	"cmp"
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/schema"
)

// EntityPrefix is the kv key prefix of persisted entities.
const EntityPrefix = "entity/"

// EntityKey returns the kv key of an entity.
func EntityKey(entityType, id string) string {
	return EntityPrefix + entityType + "/" + id
}

// Clock supplies wall-clock timestamps for createdAt/updatedAt.
type Clock interface {
	Now() time.Time
}

// SystemClock reads time.Now in UTC.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// Store is the in-memory entity store.
type Store struct {
	mu      sync.RWMutex
	catalog schema.Catalog
	clock   Clock
	backend kv.Store
	logger  *slog.Logger

	tables  map[string]*table
	index   *Index
	nextSeq int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock sets the timestamp source.
func WithClock(c Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithBackend writes every committed transaction through to b.
func WithBackend(b kv.Store) Option {
	return func(s *Store) { s.backend = b }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates an empty store with one table per catalog entity.
func New(c schema.Catalog, opts ...Option) *Store {
	s := &Store{
		catalog: c,
		clock:   SystemClock{},
		logger:  slog.Default(),
		tables:  make(map[string]*table),
		index:   newIndex(c),
	}
	for _, opt := range opts {
		opt(s)
	}
	for _, def := range c.Entities() {
		s.tables[def.Name] = newTable(def)
	}
	return s
}

// Catalog returns the schema catalog the store was built with.
func (s *Store) Catalog() schema.Catalog {
	return s.catalog
}

func (s *Store) table(entityType string) (*table, error) {
	t, ok := s.tables[entityType]
	if !ok {
		return nil, ir.ValidationError(entityType, "", "unknown entity type")
	}
	return t, nil
}

// setRow is the single write path: it swaps the stored row and moves index
// entries in the same step.
func (s *Store) setRow(t *table, entityType, id string, r *row) *row {
	prev := t.set(id, r)
	s.index.move(entityType, id, prev, r)
	return prev
}

// Get returns a copy of the entity or NotFound.
func (s *Store) Get(entityType, id string) (ir.Entity, error) {
	var out ir.Entity
	err := s.View(func(tx *ReadTx) error {
		var err error
		out, err = tx.Get(entityType, id)
		return err
	})
	return out, err
}

// Put inserts or fully replaces an entity in its own transaction.
func (s *Store) Put(ctx context.Context, entityType string, e ir.Entity, opts ...PutOption) (ir.Entity, error) {
	var out ir.Entity
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Put(entityType, e, opts...)
		return err
	})
	return out, err
}

// Delete removes an entity in its own transaction and returns it.
func (s *Store) Delete(ctx context.Context, entityType, id string) (ir.Entity, error) {
	var out ir.Entity
	err := s.Update(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Delete(entityType, id)
		return err
	})
	return out, err
}

// Scan returns the entities of a type in insertion order, as of the call.
// Later writes do not affect the sequence; ranging over it again replays the
// same snapshot.
func (s *Store) Scan(entityType string) (iter.Seq[ir.Entity], error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, err := s.table(entityType)
	if err != nil {
		return nil, err
	}
	return seqOf(t.snapshot()), nil
}

// Len returns the number of entities of a type.
func (s *Store) Len(entityType string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tables[entityType]; ok {
		return len(t.rows)
	}
	return 0
}

// VerifyIndex recomputes the relationship index from the tables and
// reports any divergence.
func (s *Store) VerifyIndex() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.verify(s.catalog, s.tables)
}

func seqOf(rows []*row) iter.Seq[ir.Entity] {
	return func(yield func(ir.Entity) bool) {
		for _, r := range rows {
			if !yield(r.entity.Clone()) {
				return
			}
		}
	}
}

// record is the persisted form of a row.
type record struct {
	Seq    int64     `json:"seq"`
	Entity ir.Entity `json:"entity"`
}

func encodeRow(r *row) ([]byte, error) {
	return json.Marshal(record{Seq: r.seq, Entity: r.entity})
}

func decodeRow(data []byte) (*row, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &row{seq: rec.Seq, entity: rec.Entity}, nil
}

// Load replaces the in-memory state with the backend's contents.
func (s *Store) Load(ctx context.Context) error {
	if s.backend == nil {
		return nil
	}
	pairs, err := s.backend.Scan(ctx, EntityPrefix)
	if err != nil {
		return fmt.Errorf("load entities: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	loaded := make(map[string][]*row)
	var maxSeq int64
	for _, p := range pairs {
		r, err := decodeRow(p.Value)
		if err != nil {
			return fmt.Errorf("load %s: %w", p.Key, err)
		}
		typ := strings.TrimPrefix(p.Key, EntityPrefix)
		typ, _, _ = strings.Cut(typ, "/")
		if _, ok := s.tables[typ]; !ok {
			s.logger.Warn("skipping entity of unknown type", "key", p.Key)
			continue
		}
		r.entity.Type = typ
		loaded[typ] = append(loaded[typ], r)
		maxSeq = max(maxSeq, r.seq)
	}

	s.index = newIndex(s.catalog)
	for _, def := range s.catalog.Entities() {
		s.tables[def.Name] = newTable(def)
	}
	for typ, rows := range loaded {
		slices.SortFunc(rows, func(a, b *row) int { return cmp.Compare(a.seq, b.seq) })
		t := s.tables[typ]
		for _, r := range rows {
			s.setRow(t, typ, r.entity.ID, r)
		}
	}
	s.nextSeq = maxSeq

	s.logger.Debug("store loaded", "entities", len(pairs), "next_seq", s.nextSeq)
	return nil
}
