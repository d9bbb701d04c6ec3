// Package datastore is the facade the application talks to.
//
// A DataStore owns one entity store and wires the mutation coordinator, the
// reconciler, the subscription hub and (optionally) an outbox to a remote.
// Reads and local mutations are synchronous against the local snapshot; Run
// drives the background sync loops.
package datastore

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/query"
	"github.com/roach88/replica/internal/reconcile"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// ErrNoRemote is returned by Flush when no remote is configured.
var ErrNoRemote = errors.New("no remote configured")

var errClosed = errors.New("datastore closed")

// DataStore is the local-first cache.
type DataStore struct {
	catalog schema.Catalog
	store   *store.Store
	tracker *mutation.Tracker
	coord   *mutation.Coordinator
	hub     *reconcile.Hub
	rec     *reconcile.Reconciler
	outbox  *remote.Outbox
	remote  remote.RemoteSync
	backoff remote.Backoff
	logger  *slog.Logger

	closeOnce sync.Once
}

type config struct {
	backend     kv.Store
	remote      remote.RemoteSync
	clock       store.Clock
	ids         mutation.IDGenerator
	mutationIDs mutation.IDGenerator
	windowSize  int
	windowDelay time.Duration
	backoff     remote.Backoff
	rate        float64
	burst       int
	logger      *slog.Logger
}

// Option configures Open.
type Option func(*config)

// WithBackend persists entities and the outbox in b.
func WithBackend(b kv.Store) Option {
	return func(c *config) { c.backend = b }
}

// WithRemote connects the store to r. Without a remote, mutations wait in
// the outbox.
func WithRemote(r remote.RemoteSync) Option {
	return func(c *config) { c.remote = r }
}

// WithClock sets the local timestamp source.
func WithClock(clk store.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithIDGenerator sets the generator for new entity ids.
func WithIDGenerator(g mutation.IDGenerator) Option {
	return func(c *config) { c.ids = g }
}

// WithMutationIDGenerator sets the generator for mutation ids.
func WithMutationIDGenerator(g mutation.IDGenerator) Option {
	return func(c *config) { c.mutationIDs = g }
}

// WithWindow sets the reconciler's reorder window.
func WithWindow(size int, delay time.Duration) Option {
	return func(c *config) { c.windowSize, c.windowDelay = size, delay }
}

// WithBackoff sets the outbox retry schedule. The event stream reconnects on
// the same schedule.
func WithBackoff(b remote.Backoff) Option {
	return func(c *config) { c.backoff = b }
}

// WithRate paces outbox submissions.
func WithRate(r float64, burst int) Option {
	return func(c *config) { c.rate, c.burst = r, burst }
}

// WithLogger sets the logger used by every component.
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// Open builds a DataStore over catalog and restores persisted state from the
// backend, if any. Mutations found in the persisted outbox are pending again.
func Open(ctx context.Context, catalog schema.Catalog, opts ...Option) (*DataStore, error) {
	cfg := config{
		clock:       store.SystemClock{},
		ids:         mutation.UUIDv7Generator{},
		mutationIDs: mutation.UUIDv7Generator{},
		windowSize:  reconcile.DefaultWindowSize,
		windowDelay: reconcile.DefaultWindowDelay,
		backoff:     remote.DefaultBackoff,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	storeOpts := []store.Option{store.WithClock(cfg.clock), store.WithLogger(cfg.logger)}
	if cfg.backend != nil {
		storeOpts = append(storeOpts, store.WithBackend(cfg.backend))
	}
	s := store.New(catalog, storeOpts...)
	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	ds := &DataStore{
		catalog: catalog,
		store:   s,
		tracker: mutation.NewTracker(),
		hub:     reconcile.NewHub(cfg.logger),
		remote:  cfg.remote,
		backoff: cfg.backoff,
		logger:  cfg.logger,
	}
	ds.rec = reconcile.New(s,
		reconcile.WithTracker(ds.tracker),
		reconcile.WithHub(ds.hub),
		reconcile.WithWindow(cfg.windowSize, cfg.windowDelay),
		reconcile.WithLogger(cfg.logger))

	outboxOpts := []remote.OutboxOption{
		remote.WithBackoff(cfg.backoff),
		remote.WithRate(cfg.rate, cfg.burst),
		remote.WithAckHandler(func(a ir.Ack) { ds.rec.EnqueueAck(a) }),
		remote.WithOutboxLogger(cfg.logger),
	}
	if cfg.backend != nil {
		outboxOpts = append(outboxOpts, remote.WithBackend(cfg.backend))
	}
	ds.outbox = remote.NewOutbox(cfg.remote, outboxOpts...)
	if err := ds.outbox.Load(ctx); err != nil {
		return nil, err
	}
	for _, m := range ds.outbox.Pending() {
		ds.tracker.Add(m)
	}

	ds.coord = mutation.New(s,
		mutation.WithIDGenerator(cfg.ids),
		mutation.WithMutationIDGenerator(cfg.mutationIDs),
		mutation.WithSink(ds.outbox),
		mutation.WithTracker(ds.tracker),
		mutation.WithPublisher(ds.hub),
		mutation.WithLogger(cfg.logger))

	ds.logger.Info("datastore opened",
		"entity_types", len(catalog.Entities()),
		"relationships", len(catalog.Relationships()),
		"pending_mutations", ds.outbox.Len(),
		"remote", cfg.remote != nil)
	return ds, nil
}

// Catalog returns the schema catalog.
func (ds *DataStore) Catalog() schema.Catalog { return ds.catalog }

// Store returns the underlying entity store.
func (ds *DataStore) Store() *store.Store { return ds.store }

// Reconciler returns the reconciler, for feeding events directly.
func (ds *DataStore) Reconciler() *reconcile.Reconciler { return ds.rec }

// Outbox returns the outbox.
func (ds *DataStore) Outbox() *remote.Outbox { return ds.outbox }

// Tracker returns the pending-mutation tracker.
func (ds *DataStore) Tracker() *mutation.Tracker { return ds.tracker }

// Get returns one entity or NotFound.
func (ds *DataStore) Get(entityType, id string) (ir.Entity, error) {
	if _, ok := ds.catalog.Entity(entityType); !ok {
		return ir.Entity{}, ir.ValidationError(entityType, "", "unknown entity type")
	}
	return ds.store.Get(entityType, id)
}

// Query runs a filtered, sorted, paginated query against a consistent
// snapshot.
func (ds *DataStore) Query(req query.Request) (query.Page, error) {
	var page query.Page
	err := ds.store.View(func(tx *store.ReadTx) error {
		var err error
		page, err = query.Run(tx, req)
		return err
	})
	return page, err
}

// Children queries the children of parentID through relationship. req.Type
// may be empty; it defaults to the relationship's child type.
func (ds *DataStore) Children(parentType, parentID, relationship string, req query.Request) (query.Page, error) {
	rel, ok := schema.Relationship(ds.catalog, parentType, relationship)
	if !ok {
		return query.Page{}, ir.ValidationError(parentType, relationship, "unknown relationship")
	}
	if req.Type == "" {
		req.Type = rel.Child
	}
	req.Parent = &query.ParentRef{Type: parentType, ID: parentID, Relationship: relationship}
	return ds.Query(req)
}

// Related resolves a many-to-many link through the join entity reached by
// via, for example Post.editors to the linked Users.
func (ds *DataStore) Related(parentType, parentID, via string) ([]ir.Entity, error) {
	var out []ir.Entity
	err := ds.store.View(func(tx *store.ReadTx) error {
		var err error
		out, err = query.Related(tx, parentType, parentID, via)
		return err
	})
	return out, err
}

// Create inserts an entity and queues the mutation for the remote.
func (ds *DataStore) Create(ctx context.Context, entityType string, fields ir.IRObject, opts ...mutation.CreateOption) (ir.Entity, error) {
	return ds.coord.Create(ctx, entityType, fields, opts...)
}

// Update patches an entity, optionally guarded by cond.
func (ds *DataStore) Update(ctx context.Context, entityType, id string, patch ir.IRObject, cond predicate.Predicate) (ir.Entity, error) {
	return ds.coord.Update(ctx, entityType, id, patch, cond)
}

// Delete removes an entity and its cascaded children.
func (ds *DataStore) Delete(ctx context.Context, entityType, id string, cond predicate.Predicate) (mutation.Deleted, error) {
	return ds.coord.Delete(ctx, entityType, id, cond)
}

// DeleteWhere removes every entity of a type matching pred.
func (ds *DataStore) DeleteWhere(ctx context.Context, entityType string, pred predicate.Predicate) ([]mutation.Deleted, error) {
	return ds.coord.DeleteWhere(ctx, entityType, pred)
}

// Subscribe registers an observer. The filter is validated against the
// scope's type; an empty type observes every type and the filter is then
// evaluated without validation.
func (ds *DataStore) Subscribe(scope reconcile.Scope) (*reconcile.Subscription, error) {
	if scope.Type != "" {
		def, ok := ds.catalog.Entity(scope.Type)
		if !ok {
			return nil, ir.ValidationError(scope.Type, "", "unknown entity type")
		}
		if err := predicate.Validate(scope.Filter, def); err != nil {
			return nil, err
		}
	}
	return ds.hub.Subscribe(scope), nil
}

// Unsubscribe closes a subscription by id.
func (ds *DataStore) Unsubscribe(id int64) {
	ds.hub.Unsubscribe(id)
}

// Stats reports reconciler counters.
func (ds *DataStore) Stats() reconcile.Stats {
	return ds.rec.Stats()
}

// Flush synchronously submits the outbox and applies the resulting
// acknowledgements and any queued events. It returns the number of
// mutations submitted. Flush must not be called while Run is active.
func (ds *DataStore) Flush(ctx context.Context) (int, error) {
	if ds.remote == nil {
		return 0, ErrNoRemote
	}
	n, err := ds.outbox.Flush(ctx)
	ds.rec.Drain(ctx)
	return n, err
}

// Run drives the reconciler, and with a remote also the outbox and the
// inbound event stream, until ctx is cancelled or Close is called.
// Cancellation is not an error.
func (ds *DataStore) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := ds.rec.Run(gctx); err != nil {
			return err
		}
		return errClosed
	})
	if ds.remote != nil {
		g.Go(func() error {
			return ds.outbox.Run(gctx)
		})
		g.Go(func() error {
			return ds.pump(gctx)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, errClosed) {
		return nil
	}
	return err
}

// pump feeds remote change events to the reconciler, resubscribing with
// backoff when the stream fails or ends.
func (ds *DataStore) pump(ctx context.Context) error {
	attempt := 0
	for {
		events, err := ds.remote.Events(ctx)
		if err == nil {
			attempt = 0
			ds.logger.Info("event stream connected")
			for ev := range events {
				ds.rec.Enqueue(ev)
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		attempt++
		delay := ds.backoff.Delay(attempt)
		ds.logger.Warn("event stream lost; reconnecting", "attempt", attempt, "retry_in", delay, "error", err)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Close ends every subscription and stops the reconciler, which drains
// queued input before Run returns. It does not close the backend.
func (ds *DataStore) Close() error {
	ds.closeOnce.Do(func() {
		ds.rec.Close()
		ds.hub.Close()
		ds.logger.Info("datastore closed", "pending_mutations", ds.outbox.Len())
	})
	return nil
}
