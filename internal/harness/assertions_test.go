package harness

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/schema"
)

func invocation(action string, args map[string]any) TraceEvent {
	return TraceEvent{Type: EventInvocation, Action: action, Args: args}
}

func notification(op, origin, key string) TraceEvent {
	return TraceEvent{Type: EventNotification, Action: op, Outcome: origin, Result: key}
}

func TestAssertTraceContains(t *testing.T) {
	trace := []TraceEvent{
		invocation(DoCreate, map[string]any{"type": "Post", "id": "p1", "fields": map[string]any{"title": "A"}}),
		{Type: EventCompletion, Action: DoCreate, Outcome: OutcomeOK},
	}

	tests := []struct {
		name      string
		assertion Assertion
		wantErr   bool
	}{
		{"found without args", Assertion{Type: AssertTraceContains, Action: DoCreate}, false},
		{"subset match", Assertion{Type: AssertTraceContains, Action: DoCreate, Args: map[string]any{"id": "p1"}}, false},
		{"nested match", Assertion{Type: AssertTraceContains, Action: DoCreate, Args: map[string]any{"fields": map[string]any{"title": "A"}}}, false},
		{"wrong args", Assertion{Type: AssertTraceContains, Action: DoCreate, Args: map[string]any{"id": "p2"}}, true},
		{"missing action", Assertion{Type: AssertTraceContains, Action: DoDelete}, true},
		{"completion is not an invocation", Assertion{Type: AssertTraceContains, Action: DoGet}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := assertTraceContains(trace, tt.assertion)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			var ae *AssertionError
			require.ErrorAs(t, err, &ae)
			assert.Equal(t, AssertTraceContains, ae.Type)
		})
	}
}

func TestAssertTraceOrder(t *testing.T) {
	trace := []TraceEvent{
		invocation(DoCreate, nil),
		invocation(DoGet, nil),
		notification("CREATE", "LOCAL", "Post/p1"),
		invocation(DoFlush, nil),
		invocation(DoGet, nil),
	}

	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{DoCreate, DoFlush}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{DoGet, DoFlush, DoGet}}))
	assert.NoError(t, assertTraceOrder(trace, Assertion{Actions: []string{DoCreate, DoGet, DoGet}}))

	err := assertTraceOrder(trace, Assertion{Actions: []string{DoFlush, DoCreate}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no create after [flush]")

	err = assertTraceOrder(trace, Assertion{Actions: []string{DoCreate, DoDelete}})
	assert.Error(t, err)
}

func TestAssertTraceCount(t *testing.T) {
	trace := []TraceEvent{
		invocation(DoGet, nil),
		{Type: EventCompletion, Action: DoGet},
		invocation(DoGet, nil),
	}

	assert.NoError(t, assertTraceCount(trace, Assertion{Action: DoGet, Count: 2}))
	assert.NoError(t, assertTraceCount(trace, Assertion{Action: DoDelete, Count: 0}))

	err := assertTraceCount(trace, Assertion{Action: DoGet, Count: 3})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "2 occurrences")
}

func TestAssertNotificationCount(t *testing.T) {
	trace := []TraceEvent{
		invocation(DoDelete, nil),
		notification("DELETE", "LOCAL", "Post/p1"),
		notification("DELETE", "LOCAL", "Comment/c1"),
		notification("UPDATE", "REMOTE", "Post/p2"),
		notification("CREATE", "REJECTED", "Comment/c2"),
	}

	tests := []struct {
		assertion Assertion
		ok        bool
	}{
		{Assertion{Count: 4}, true},
		{Assertion{Action: "DELETE", Count: 2}, true},
		{Assertion{Action: "DELETE", Origin: "REMOTE", Count: 0}, true},
		{Assertion{Origin: "REJECTED", Count: 1}, true},
		{Assertion{Origin: "REMOTE", Count: 2}, false},
	}

	for _, tt := range tests {
		err := assertNotificationCount(trace, tt.assertion)
		if tt.ok {
			assert.NoError(t, err, "%+v", tt.assertion)
		} else {
			assert.Error(t, err, "%+v", tt.assertion)
		}
	}
}

func TestMatchArgs_SubsetSemantics(t *testing.T) {
	actual := map[string]any{"type": "Post", "limit": 2, "fields": map[string]any{"title": "A", "rating": 3}}

	assert.True(t, matchArgs(actual, nil))
	assert.True(t, matchArgs(actual, map[string]any{"limit": 2}))
	assert.True(t, matchArgs(actual, map[string]any{"limit": int64(2)}))
	assert.False(t, matchArgs(actual, map[string]any{"limit": 3}))
	assert.False(t, matchArgs(actual, map[string]any{"sort": "title"}))

	// Nested maps compare whole.
	assert.False(t, matchArgs(actual, map[string]any{"fields": map[string]any{"title": "A"}}))
	assert.True(t, matchArgs(actual, map[string]any{"fields": map[string]any{"rating": 3, "title": "A"}}))
}

func TestMatchFields(t *testing.T) {
	obj := ir.IRObject{"id": ir.IRString("p1"), "title": ir.IRString("A"), "rating": ir.IRInt(3)}

	assert.Empty(t, matchFields(map[string]any{"title": "A", "rating": 3}, obj))
	assert.Empty(t, matchFields(map[string]any{"content": nil}, obj))

	mismatches := matchFields(map[string]any{"title": "B", "content": "x", "rating": nil}, obj)
	assert.Equal(t, []string{
		"content: expected x, got nothing",
		"rating: expected absent, got 3",
		"title: expected B, got A",
	}, mismatches)
}

func TestValuesEqual(t *testing.T) {
	assert.True(t, valuesEqual(ir.IRString("a"), "a"))
	assert.True(t, valuesEqual(ir.IRInt(7), 7))
	assert.True(t, valuesEqual([]any{"x", 1}, ir.IRArray{ir.IRString("x"), ir.IRInt(1)}))
	assert.False(t, valuesEqual(ir.IRInt(7), "7"))
	assert.False(t, valuesEqual(1.5, 1.5))
}

func TestAssertionError_ErrorFormat(t *testing.T) {
	err := &AssertionError{
		Type:     AssertTraceOrder,
		Expected: "actions in order: [create get]",
		Actual:   "no get after [create]",
		Trace: []TraceEvent{
			{Type: EventInvocation, Action: DoCreate, Args: map[string]any{"id": "p1"}, Seq: 1},
			{Type: EventCompletion, Action: DoCreate, Outcome: OutcomeOK, Seq: 2},
			{Type: EventNotification, Action: "CREATE", Outcome: "LOCAL", Result: "Post/p1", Seq: 3},
		},
	}

	msg := err.Error()
	assert.Contains(t, msg, "Assertion failed: trace_order")
	assert.Contains(t, msg, "Expected: actions in order: [create get]")
	assert.Contains(t, msg, "Actual: no get after [create]")
	assert.Contains(t, msg, "[1] create map[id:p1]")
	assert.Contains(t, msg, "[2]   -> OK")
	assert.Contains(t, msg, "[3]   ~ LOCAL CREATE Post/p1")
}

func TestEvaluateAssertions_TraceOnly(t *testing.T) {
	result := NewResult()
	result.add(invocation(DoCreate, map[string]any{"id": "p1"}))
	result.add(invocation(DoGet, nil))

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceContains, Action: DoCreate},
		{Type: AssertTraceOrder, Actions: []string{DoCreate, DoGet}},
		{Type: AssertTraceCount, Action: DoGet, Count: 1},
	}, nil)
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertTraceCount, Action: DoGet, Count: 5},
		{Type: "eventually"},
		{Type: AssertPending},
	}, nil)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[1], `unknown assertion type "eventually"`)
	assert.Contains(t, errs[2], "requires a datastore")
}

func TestEvaluateAssertions_State(t *testing.T) {
	ctx := context.Background()
	ds, err := datastore.Open(ctx, schema.Blog())
	require.NoError(t, err)
	t.Cleanup(func() { _ = ds.Close() })

	_, err = ds.Create(ctx, "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT")}, mutation.WithID("p1"))
	require.NoError(t, err)
	_, err = ds.Create(ctx, "Comment", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("hi")}, mutation.WithID("c1"))
	require.NoError(t, err)

	actx := &AssertionContext{DataStore: ds, Ctx: ctx}
	result := NewResult()

	errs := EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Entity: "Post", ID: "p1", Expect: map[string]any{"title": "A", "rating": nil}},
		{Type: AssertFinalState, Entity: "Post", ID: "p2", Absent: true},
		{Type: AssertEntityCount, Entity: "Comment", Count: 1},
		{Type: AssertEntityCount, Entity: "User", Count: 0},
		{Type: AssertPending, Count: 2},
		{Type: AssertIndexConsistent},
	}, actx)
	assert.Empty(t, errs)

	errs = EvaluateAssertions(result, []Assertion{
		{Type: AssertFinalState, Entity: "Post", ID: "p1", Expect: map[string]any{"title": "B"}},
		{Type: AssertFinalState, Entity: "Post", ID: "p1", Absent: true},
		{Type: AssertFinalState, Entity: "Post", ID: "p2", Expect: map[string]any{"title": "A"}},
		{Type: AssertEntityCount, Entity: "Comment", Count: 3},
		{Type: AssertPending, Count: 0},
	}, actx)
	require.Len(t, errs, 5)
	assert.Contains(t, errs[0], "title: expected B, got A")
	assert.Contains(t, errs[1], "entity exists")
	assert.Contains(t, errs[2], "Post/p2 to exist")
}
