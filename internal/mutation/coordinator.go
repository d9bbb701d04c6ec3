// Package mutation applies local create/update/delete operations.
//
// Every operation validates its input, evaluates its optional condition
// against the stored entity and commits in one store transaction, together
// with the relationship index update and the outbox record. The caller sees
// the committed result (or a typed error) before the call returns; remote
// submission happens later on the outbox's own goroutine.
package mutation

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// maxIDAttempts bounds id re-draws on collision.
const maxIDAttempts = 8

// Sink receives committed mutations for remote submission. Enqueue runs
// inside the committing transaction, so an error aborts the commit and the
// queued order equals commit order.
type Sink interface {
	Enqueue(tx *store.Tx, m ir.Mutation) error
}

// Publisher delivers notifications to subscribers. Publish must not block.
type Publisher interface {
	Publish(n ir.Notification)
}

// Coordinator applies local mutations to a store.
//
// Thread-safety: all methods are safe for concurrent use; the store's write
// lock serializes them.
type Coordinator struct {
	store       *store.Store
	validator   *schema.Validator
	ids         IDGenerator
	mutationIDs IDGenerator
	sink        Sink
	tracker     *Tracker
	publisher   Publisher
	logger      *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithIDGenerator sets the generator for new entity ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.ids = g }
}

// WithMutationIDGenerator sets the generator for mutation ids.
func WithMutationIDGenerator(g IDGenerator) Option {
	return func(c *Coordinator) { c.mutationIDs = g }
}

// WithSink hands committed mutations to s.
func WithSink(s Sink) Option {
	return func(c *Coordinator) { c.sink = s }
}

// WithTracker records committed mutations as pending in t.
func WithTracker(t *Tracker) Option {
	return func(c *Coordinator) { c.tracker = t }
}

// WithPublisher notifies subscribers of local changes through p.
func WithPublisher(p Publisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// New creates a coordinator over s.
func New(s *store.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:       s,
		validator:   schema.NewValidator(s.Catalog()),
		ids:         UUIDv7Generator{},
		mutationIDs: UUIDv7Generator{},
		tracker:     NewTracker(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Tracker returns the pending-mutation tracker.
func (c *Coordinator) Tracker() *Tracker {
	return c.tracker
}

// CreateOption adjusts a Create.
type CreateOption func(*createOptions)

type createOptions struct {
	id string
}

// WithID creates the entity under a caller-chosen id.
func WithID(id string) CreateOption {
	return func(o *createOptions) { o.id = id }
}

// Deleted is the outcome of a delete: the removed entity and the children
// removed with it by cascade.
type Deleted struct {
	Entity   ir.Entity   `json:"entity"`
	Cascaded []ir.Entity `json:"cascaded,omitempty"`
}

// Create inserts a new entity.
//
// Errors: ValidationError when a required field is missing, a field is
// unknown or mistyped, or an explicit id is already taken.
func (c *Coordinator) Create(ctx context.Context, entityType string, fields ir.IRObject, opts ...CreateOption) (ir.Entity, error) {
	var o createOptions
	for _, opt := range opts {
		opt(&o)
	}
	if err := c.validator.ValidateCreate(entityType, fields); err != nil {
		return ir.Entity{}, err
	}

	var created ir.Entity
	err := c.store.Update(ctx, func(tx *store.Tx) error {
		id, err := c.newID(tx, entityType, o.id)
		if err != nil {
			return err
		}
		created, err = tx.Put(entityType, ir.Entity{ID: id, Fields: fields})
		if err != nil {
			return err
		}
		return c.record(tx, ir.Mutation{
			Op:       ir.OpCreate,
			Type:     entityType,
			EntityID: id,
			Fields:   created.Fields.Clone(),
			Entity:   created,
		})
	})
	if err != nil {
		return ir.Entity{}, err
	}
	c.logger.Debug("entity created", "type", entityType, "id", created.ID)
	return created, nil
}

func (c *Coordinator) newID(tx *store.Tx, entityType, explicit string) (string, error) {
	if explicit != "" {
		if tx.Exists(entityType, explicit) {
			return "", &ir.Error{Code: ir.CodeValidation, Type: entityType, ID: explicit, Field: ir.FieldID, Message: "id already exists"}
		}
		return explicit, nil
	}
	for range maxIDAttempts {
		id := c.ids.Generate()
		if id != "" && !tx.Exists(entityType, id) {
			return id, nil
		}
		c.logger.Warn("generated id collided; drawing again", "type", entityType, "id", id)
	}
	return "", fmt.Errorf("create %s: no free id after %d attempts", entityType, maxIDAttempts)
}

// Update merges patch into the stored entity. Only fields present in the
// patch change; a null value clears an optional field. When cond is non-nil
// it is evaluated against the stored entity first.
//
// Errors: NotFound, ConditionFailed (store unchanged), ValidationError.
func (c *Coordinator) Update(ctx context.Context, entityType, id string, patch ir.IRObject, cond predicate.Predicate) (ir.Entity, error) {
	if err := c.validator.ValidatePatch(entityType, patch); err != nil {
		return ir.Entity{}, err
	}
	condition, err := c.condition(entityType, cond)
	if err != nil {
		return ir.Entity{}, err
	}

	var updated ir.Entity
	err = c.store.Update(ctx, func(tx *store.Tx) error {
		cur, err := c.check(tx, entityType, id, cond)
		if err != nil {
			return err
		}
		merged := cur.Fields.Clone()
		for k, v := range patch {
			if ir.IsNull(v) {
				delete(merged, k)
				continue
			}
			merged[k] = ir.Clone(v)
		}
		updated, err = tx.Put(entityType, ir.Entity{ID: id, Fields: merged})
		if err != nil {
			return err
		}
		return c.record(tx, ir.Mutation{
			Op:        ir.OpUpdate,
			Type:      entityType,
			EntityID:  id,
			Fields:    patch.Clone(),
			Condition: condition,
			Entity:    updated,
		})
	})
	if err != nil {
		return ir.Entity{}, err
	}
	c.logger.Debug("entity updated", "type", entityType, "id", id)
	return updated, nil
}

// Delete removes an entity and, one level deep, the children of every
// cascading relationship of its type. cond works as in Update.
//
// Errors: NotFound, ConditionFailed (store unchanged), ValidationError.
func (c *Coordinator) Delete(ctx context.Context, entityType, id string, cond predicate.Predicate) (Deleted, error) {
	if _, err := c.validator.Def(entityType); err != nil {
		return Deleted{}, err
	}
	condition, err := c.condition(entityType, cond)
	if err != nil {
		return Deleted{}, err
	}

	var out Deleted
	err = c.store.Update(ctx, func(tx *store.Tx) error {
		if _, err := c.check(tx, entityType, id, cond); err != nil {
			return err
		}
		out, err = c.deleteOne(tx, entityType, id, condition)
		return err
	})
	if err != nil {
		return Deleted{}, err
	}
	c.logger.Debug("entity deleted", "type", entityType, "id", id, "cascaded", len(out.Cascaded))
	return out, nil
}

// DeleteWhere removes every entity of entityType matching pred (all of them
// for nil), with cascade, in one transaction. Entities already removed by an
// earlier cascade in the same call are skipped.
func (c *Coordinator) DeleteWhere(ctx context.Context, entityType string, pred predicate.Predicate) ([]Deleted, error) {
	def, err := c.validator.Def(entityType)
	if err != nil {
		return nil, err
	}
	if err := predicate.Validate(pred, def); err != nil {
		return nil, err
	}

	var out []Deleted
	err = c.store.Update(ctx, func(tx *store.Tx) error {
		var ids []string
		for e := range tx.Scan(entityType) {
			if predicate.Eval(pred, e) {
				ids = append(ids, e.ID)
			}
		}
		for _, id := range ids {
			if !tx.Exists(entityType, id) {
				continue
			}
			d, err := c.deleteOne(tx, entityType, id, nil)
			if err != nil {
				return err
			}
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("entities deleted", "type", entityType, "count", len(out))
	return out, nil
}

func (c *Coordinator) deleteOne(tx *store.Tx, entityType, id string, condition []byte) (Deleted, error) {
	removed, children, err := tx.DeleteCascade(entityType, id)
	if err != nil {
		return Deleted{}, err
	}
	if err := tx.VerifyIndex(); err != nil {
		panic(fmt.Sprintf("mutation: index diverged after deleting %s/%s: %v", entityType, id, err))
	}
	if err := c.record(tx, ir.Mutation{
		Op:        ir.OpDelete,
		Type:      entityType,
		EntityID:  id,
		Condition: condition,
		Entity:    removed,
	}); err != nil {
		return Deleted{}, err
	}
	for _, child := range children {
		c.notify(tx, ir.Notification{Op: ir.OpDelete, Entity: child, Origin: ir.OriginLocal})
	}
	return Deleted{Entity: removed, Cascaded: children}, nil
}

// condition validates cond and returns its wire form for the mutation record.
func (c *Coordinator) condition(entityType string, cond predicate.Predicate) ([]byte, error) {
	if cond == nil {
		return nil, nil
	}
	def, err := c.validator.Def(entityType)
	if err != nil {
		return nil, err
	}
	if err := predicate.Validate(cond, def); err != nil {
		return nil, err
	}
	data, err := predicate.MarshalFilter(cond)
	if err != nil {
		return nil, ir.ValidationError(entityType, "condition", "%v", err)
	}
	return data, nil
}

// check loads the current entity and evaluates cond against it.
func (c *Coordinator) check(tx *store.Tx, entityType, id string, cond predicate.Predicate) (ir.Entity, error) {
	cur, err := tx.Get(entityType, id)
	if err != nil {
		return ir.Entity{}, err
	}
	if cond != nil && !predicate.Eval(cond, cur) {
		return ir.Entity{}, ir.ConditionFailed(entityType, id)
	}
	return cur, nil
}

// record assigns a mutation id, hands m to the sink and, once the
// transaction commits, marks it pending and notifies subscribers.
func (c *Coordinator) record(tx *store.Tx, m ir.Mutation) error {
	m.ID = c.mutationIDs.Generate()
	if c.sink != nil {
		// Must run before the sink's commit hook hands m to a submitter.
		tx.OnCommit(func() { c.tracker.Add(m) })
		if err := c.sink.Enqueue(tx, m); err != nil {
			return fmt.Errorf("enqueue %s %s/%s: %w", m.Op, m.Type, m.EntityID, err)
		}
	}
	c.notify(tx, ir.Notification{Op: m.Op, Entity: m.Entity, Origin: ir.OriginLocal, MutationID: m.ID})
	return nil
}

func (c *Coordinator) notify(tx *store.Tx, n ir.Notification) {
	if c.publisher == nil {
		return
	}
	tx.OnCommit(func() { c.publisher.Publish(n) })
}
