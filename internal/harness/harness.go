package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/kv"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/query"
	"github.com/roach88/replica/internal/reconcile"
	"github.com/roach88/replica/internal/remote"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/testutil"
)

// quiet is how long the harness waits for further notifications after a
// step before moving on. Notifications are queued before a step returns, so
// this only covers goroutine hand-off.
const quiet = 25 * time.Millisecond

// ServerClockStep is the loopback remote's timestamp step. Local writes
// advance one second per write from testutil.Epoch, so acknowledgements
// always carry later timestamps than the writes they confirm.
const ServerClockStep = time.Minute

// Harness is the test execution engine for one scenario.
type Harness struct {
	ds      *datastore.DataStore
	remote  *remote.Loopback
	sub     *reconcile.Subscription
	cursors map[string]string
	logger  *slog.Logger
}

// completion is what one step produced.
type completion struct {
	outcome string
	result  any
	entity  *ir.Entity
	ids     []string
	next    bool
	count   *int
	err     error
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Open a fresh datastore over an in-memory backend and loopback remote
//  2. Execute setup steps (any error aborts the run)
//  3. Execute flow steps, checking expect clauses
//  4. Evaluate assertions against the trace and final state
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	catalog, err := loadCatalog(scenario)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema: %w", err)
	}

	loop := remote.NewLoopback(
		remote.WithServerClock(testutil.NewDeterministicClockStep(ServerClockStep)),
		remote.WithLoopbackLogger(logger))
	if len(scenario.Reject) > 0 {
		loop.RejectWhen(func(m ir.Mutation) string { return scenario.Reject[m.Type] })
	}

	window := scenario.Window
	if window == 0 {
		window = reconcile.DefaultWindowSize
	}
	ds, err := datastore.Open(ctx, catalog,
		datastore.WithBackend(kv.NewMemory()),
		datastore.WithRemote(loop),
		datastore.WithClock(testutil.NewDeterministicClock()),
		datastore.WithIDGenerator(testutil.NewSequentialIDGenerator("e")),
		datastore.WithMutationIDGenerator(testutil.NewSequentialIDGenerator("m")),
		datastore.WithWindow(window, time.Hour),
		datastore.WithBackoff(remote.Backoff{Base: time.Millisecond, Max: time.Millisecond}),
		datastore.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open datastore: %w", err)
	}
	defer ds.Close()

	sub, err := ds.Subscribe(reconcile.Scope{})
	if err != nil {
		return nil, err
	}
	defer sub.Close()

	h := &Harness{
		ds:      ds,
		remote:  loop,
		sub:     sub,
		cursors: make(map[string]string),
		logger:  logger,
	}

	result := NewResult()
	for i, step := range scenario.Setup {
		c, err := h.execute(ctx, step, result)
		if err != nil {
			return nil, fmt.Errorf("setup step %d: %w", i, err)
		}
		if c.err != nil {
			return nil, fmt.Errorf("setup step %d (%s): %w", i, step.Do, c.err)
		}
	}
	for i, step := range scenario.Flow {
		c, err := h.execute(ctx, step, result)
		if err != nil {
			return nil, fmt.Errorf("flow step %d: %w", i, err)
		}
		for _, msg := range check(step, c) {
			result.AddError(fmt.Sprintf("flow[%d] %s: %s", i, step.Do, msg))
		}
	}

	actx := &AssertionContext{DataStore: ds, Ctx: ctx}
	for _, msg := range EvaluateAssertions(result, scenario.Assertions, actx) {
		result.AddError(msg)
	}
	return result, nil
}

func loadCatalog(s *Scenario) (schema.Catalog, error) {
	if s.Schema == "" {
		return schema.Blog(), nil
	}
	return schema.LoadDir(s.Schema)
}

// execute runs one step and records its invocation, completion and the
// notifications it caused. The returned error means the scenario itself is
// broken; operation errors are reported in the completion.
func (h *Harness) execute(ctx context.Context, step Step, result *Result) (completion, error) {
	result.add(TraceEvent{Type: EventInvocation, Action: step.Do, Args: stepArgs(step)})

	c, err := h.dispatch(ctx, step)
	if err != nil {
		return completion{}, err
	}

	outcome := c.outcome
	switch {
	case c.err != nil:
		outcome = string(ir.CodeOf(c.err))
		if outcome == "" {
			outcome = "ERROR"
		}
	case outcome == "":
		outcome = OutcomeOK
	}
	c.outcome = outcome
	result.add(TraceEvent{Type: EventCompletion, Action: step.Do, Outcome: outcome, Result: c.result})

	h.collect(result)
	h.logger.Debug("step completed", "step", step.Do, "outcome", outcome)
	return c, nil
}

func (h *Harness) dispatch(ctx context.Context, step Step) (completion, error) {
	var c completion
	switch step.Do {
	case DoCreate:
		fields, err := ir.ObjectFromMap(step.Fields)
		if err != nil {
			return c, fmt.Errorf("fields: %w", err)
		}
		var opts []mutation.CreateOption
		if step.ID != "" {
			opts = append(opts, mutation.WithID(step.ID))
		}
		e, err := h.ds.Create(ctx, step.Type, fields, opts...)
		c.setEntity(e, err)

	case DoUpdate:
		patch, err := ir.ObjectFromMap(step.Fields)
		if err != nil {
			return c, fmt.Errorf("fields: %w", err)
		}
		cond, err := parsePredicate(step.Condition)
		if err != nil {
			return c, fmt.Errorf("condition: %w", err)
		}
		e, err := h.ds.Update(ctx, step.Type, step.ID, patch, cond)
		c.setEntity(e, err)

	case DoDelete:
		cond, err := parsePredicate(step.Condition)
		if err != nil {
			return c, fmt.Errorf("condition: %w", err)
		}
		d, err := h.ds.Delete(ctx, step.Type, step.ID, cond)
		if err != nil {
			c.err = err
			break
		}
		c.setDeleted([]mutation.Deleted{d})

	case DoDeleteWhere:
		filter, err := parsePredicate(step.Filter)
		if err != nil {
			return c, fmt.Errorf("filter: %w", err)
		}
		deleted, err := h.ds.DeleteWhere(ctx, step.Type, filter)
		if err != nil {
			c.err = err
			break
		}
		c.setDeleted(deleted)

	case DoGet:
		e, err := h.ds.Get(step.Type, step.ID)
		c.setEntity(e, err)

	case DoQuery, DoChildren:
		req, err := h.request(step)
		if err != nil {
			return c, err
		}
		var page query.Page
		if step.Do == DoQuery {
			page, err = h.ds.Query(req)
		} else {
			page, err = h.ds.Children(step.Type, step.ID, step.Relationship, req)
		}
		if err != nil {
			c.err = err
			break
		}
		if step.As != "" {
			h.cursors[step.As] = page.NextCursor
		}
		c.setItems(page.Items, page.NextCursor != "")

	case DoRelated:
		items, err := h.ds.Related(step.Type, step.ID, step.Relationship)
		if err != nil {
			c.err = err
			break
		}
		c.setItems(items, false)

	case DoEvent:
		fields, err := ir.ObjectFromMap(step.Fields)
		if err != nil {
			return c, fmt.Errorf("fields: %w", err)
		}
		ev := ir.ChangeEvent{
			Type:            step.Type,
			Op:              ir.OpKind(strings.ToUpper(step.Op)),
			Entity:          ir.Entity{Type: step.Type, ID: step.ID, Fields: fields},
			ServerTimestamp: testutil.At(step.At),
		}
		rec := h.ds.Reconciler()
		if step.Queued {
			rec.Enqueue(ev)
			c.outcome = "QUEUED"
			break
		}
		outcome, err := rec.Apply(ctx, ev)
		c.outcome, c.err = string(outcome), err

	case DoDrain:
		c.setCount(h.ds.Reconciler().Drain(ctx))

	case DoFlush:
		n, err := h.ds.Flush(ctx)
		c.setCount(n)
		c.err = err

	case DoOffline, DoOnline:
		h.remote.SetOnline(step.Do == DoOnline)

	default:
		return c, fmt.Errorf("unknown step %q", step.Do)
	}
	return c, nil
}

func (h *Harness) request(step Step) (query.Request, error) {
	req := query.Request{Limit: step.Limit}
	if step.Do == DoQuery {
		req.Type = step.Type
	}
	var err error
	if req.Filter, err = parsePredicate(step.Filter); err != nil {
		return req, fmt.Errorf("filter: %w", err)
	}
	if req.Sort, err = predicate.ParseSortString(step.Sort); err != nil {
		return req, fmt.Errorf("sort: %w", err)
	}
	if step.Cursor != "" {
		token, ok := h.cursors[step.Cursor]
		if !ok {
			return req, fmt.Errorf("cursor %q was never saved", step.Cursor)
		}
		req.Cursor = token
	}
	return req, nil
}

// collect moves notifications delivered after a step into the trace.
func (h *Harness) collect(result *Result) {
	for {
		select {
		case n, ok := <-h.sub.C:
			if !ok {
				return
			}
			origin := string(n.Origin)
			if n.Rejected {
				origin = "REJECTED"
			}
			result.add(TraceEvent{
				Type:    EventNotification,
				Action:  string(n.Op),
				Outcome: origin,
				Result:  n.Entity.Key().String(),
			})
		case <-time.After(quiet):
			return
		}
	}
}

func (c *completion) setEntity(e ir.Entity, err error) {
	if err != nil {
		c.err = err
		return
	}
	c.entity = &e
	obj := e.Fields.Clone()
	obj[ir.FieldID] = ir.IRString(e.ID)
	c.result = obj
}

func (c *completion) setDeleted(deleted []mutation.Deleted) {
	var keys []string
	for _, d := range deleted {
		keys = append(keys, d.Entity.Key().String())
		for _, child := range d.Cascaded {
			keys = append(keys, child.Key().String())
		}
	}
	c.ids = keys
	c.setCount(len(keys))
	c.result = ir.IRObject{"deleted": stringArray(keys)}
}

func (c *completion) setItems(items []ir.Entity, next bool) {
	ids := make([]string, len(items))
	for i, e := range items {
		ids[i] = e.ID
	}
	c.ids = ids
	c.next = next
	c.setCount(len(ids))
	c.result = ir.IRObject{"ids": stringArray(ids), "next": ir.IRBool(next)}
}

func (c *completion) setCount(n int) {
	c.count = &n
	if c.result == nil {
		c.result = ir.IRObject{"count": ir.IRInt(n)}
	}
}

func stringArray(ss []string) ir.IRArray {
	arr := make(ir.IRArray, len(ss))
	for i, s := range ss {
		arr[i] = ir.IRString(s)
	}
	return arr
}

// parsePredicate decodes a YAML predicate through the JSON filter grammar.
func parsePredicate(m map[string]any) (predicate.Predicate, error) {
	if m == nil {
		return nil, nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return predicate.ParseFilter(data)
}

// stepArgs is the invocation record of a step: every argument it sets.
func stepArgs(step Step) map[string]any {
	args := map[string]any{}
	set := func(k string, v any, ok bool) {
		if ok {
			args[k] = v
		}
	}
	set("type", step.Type, step.Type != "")
	set("id", step.ID, step.ID != "")
	set("fields", step.Fields, step.Fields != nil)
	set("condition", step.Condition, step.Condition != nil)
	set("filter", step.Filter, step.Filter != nil)
	set("sort", step.Sort, step.Sort != "")
	set("limit", step.Limit, step.Limit != 0)
	set("cursor", step.Cursor, step.Cursor != "")
	set("relationship", step.Relationship, step.Relationship != "")
	set("op", strings.ToUpper(step.Op), step.Op != "")
	set("at", step.At, step.At != 0)
	set("queued", step.Queued, step.Queued)
	if len(args) == 0 {
		return nil
	}
	return args
}

// check compares a completion with the step's expect clause.
func check(step Step, c completion) []string {
	exp := step.Expect
	if exp == nil {
		if c.err != nil {
			return []string{fmt.Sprintf("unexpected error: %v", c.err)}
		}
		return nil
	}

	var errs []string
	if exp.Error != "" {
		if c.outcome != exp.Error {
			errs = append(errs, fmt.Sprintf("expected error %s, got %s", exp.Error, c.outcome))
		}
		return errs
	}
	if c.err != nil {
		return []string{fmt.Sprintf("unexpected error: %v", c.err)}
	}
	if exp.Outcome != "" && c.outcome != exp.Outcome {
		errs = append(errs, fmt.Sprintf("expected outcome %s, got %s", exp.Outcome, c.outcome))
	}
	if exp.Fields != nil {
		if c.entity == nil {
			errs = append(errs, "expected an entity result")
		} else {
			errs = append(errs, matchFields(exp.Fields, c.entity.Object())...)
		}
	}
	if exp.IDs != nil && strings.Join(exp.IDs, ",") != strings.Join(c.ids, ",") {
		errs = append(errs, fmt.Sprintf("expected ids %v, got %v", exp.IDs, c.ids))
	}
	if exp.Next != nil && *exp.Next != c.next {
		errs = append(errs, fmt.Sprintf("expected next=%v, got %v", *exp.Next, c.next))
	}
	if exp.Count != nil {
		switch {
		case c.count == nil:
			errs = append(errs, "step reports no count")
		case *c.count != *exp.Count:
			errs = append(errs, fmt.Sprintf("expected count %d, got %d", *exp.Count, *c.count))
		}
	}
	return errs
}
