package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for _, event := range e.Trace {
			switch event.Type {
			case EventInvocation:
				fmt.Fprintf(&buf, "  [%d] %s %v\n", event.Seq, event.Action, event.Args)
			case EventCompletion:
				fmt.Fprintf(&buf, "  [%d]   -> %s\n", event.Seq, event.Outcome)
			case EventNotification:
				fmt.Fprintf(&buf, "  [%d]   ~ %s %s %v\n", event.Seq, event.Outcome, event.Action, event.Result)
			}
		}
	}
	return buf.String()
}

// assertTraceContains checks if the trace contains an invocation matching
// the specified action and args (subset match).
func assertTraceContains(trace []TraceEvent, assertion Assertion) error {
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == assertion.Action {
			if matchArgs(event.Args, assertion.Args) {
				return nil
			}
		}
	}

	return &AssertionError{
		Type:     AssertTraceContains,
		Expected: fmt.Sprintf("action %s with args %v", assertion.Action, assertion.Args),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}

// assertTraceOrder checks if actions appear in the specified order.
// Actions don't need to be consecutive (intervening actions are allowed),
// and each expected action matches the first invocation after the previous
// match, so a verb may appear more than once.
func assertTraceOrder(trace []TraceEvent, assertion Assertion) error {
	next := 0
	for _, event := range trace {
		if next == len(assertion.Actions) {
			break
		}
		if event.Type == EventInvocation && event.Action == assertion.Actions[next] {
			next++
		}
	}
	if next < len(assertion.Actions) {
		return &AssertionError{
			Type:     AssertTraceOrder,
			Expected: fmt.Sprintf("actions in order: %v", assertion.Actions),
			Actual:   fmt.Sprintf("no %s after %v", assertion.Actions[next], assertion.Actions[:next]),
			Trace:    trace,
		}
	}
	return nil
}

// assertTraceCount checks if the action appears exactly the specified number of times.
func assertTraceCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type == EventInvocation && event.Action == assertion.Action {
			count++
		}
	}

	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertTraceCount,
			Expected: fmt.Sprintf("%d occurrences of %s", assertion.Count, assertion.Action),
			Actual:   fmt.Sprintf("%d occurrences", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertNotificationCount counts notifications, optionally filtered by op
// (Action) and origin.
func assertNotificationCount(trace []TraceEvent, assertion Assertion) error {
	count := 0
	for _, event := range trace {
		if event.Type != EventNotification {
			continue
		}
		if assertion.Action != "" && event.Action != assertion.Action {
			continue
		}
		if assertion.Origin != "" && event.Outcome != assertion.Origin {
			continue
		}
		count++
	}
	if count != assertion.Count {
		return &AssertionError{
			Type:     AssertNotificationCount,
			Expected: fmt.Sprintf("%d notifications (op %q, origin %q)", assertion.Count, assertion.Action, assertion.Origin),
			Actual:   fmt.Sprintf("%d notifications", count),
			Trace:    trace,
		}
	}
	return nil
}

// assertFinalState checks one stored entity against expected field values
// (subset match, virtual fields included), or that it does not exist.
func assertFinalState(ds *datastore.DataStore, assertion Assertion) error {
	e, err := ds.Get(assertion.Entity, assertion.ID)
	key := assertion.Entity + "/" + assertion.ID
	if assertion.Absent {
		if ir.IsNotFound(err) {
			return nil
		}
		actual := "entity exists"
		if err != nil {
			actual = err.Error()
		}
		return &AssertionError{Type: AssertFinalState, Expected: key + " absent", Actual: actual}
	}
	if err != nil {
		return &AssertionError{Type: AssertFinalState, Expected: key + " to exist", Actual: err.Error()}
	}
	if mismatches := matchFields(assertion.Expect, e.Object()); len(mismatches) > 0 {
		return &AssertionError{
			Type:     AssertFinalState,
			Expected: fmt.Sprintf("%s with %v", key, assertion.Expect),
			Actual:   strings.Join(mismatches, "; "),
		}
	}
	return nil
}

// matchArgs checks if actual args contain all expected args (subset match).
// Extra keys in actual are ignored.
func matchArgs(actual, expected map[string]any) bool {
	if len(expected) == 0 {
		return true
	}
	for key, expectedVal := range expected {
		actualVal, exists := actual[key]
		if !exists || !valuesEqual(actualVal, expectedVal) {
			return false
		}
	}
	return true
}

// matchFields compares expected values against an entity object and
// describes every mismatch, in key order.
func matchFields(expected map[string]any, actual ir.IRObject) []string {
	keys := make([]string, 0, len(expected))
	for k := range expected {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []string
	for _, k := range keys {
		want := expected[k]
		got, ok := actual[k]
		if want == nil {
			if ok {
				out = append(out, fmt.Sprintf("%s: expected absent, got %v", k, ir.ToAny(got)))
			}
			continue
		}
		if !ok {
			out = append(out, fmt.Sprintf("%s: expected %v, got nothing", k, want))
			continue
		}
		if !valuesEqual(got, want) {
			out = append(out, fmt.Sprintf("%s: expected %v, got %v", k, want, ir.ToAny(got)))
		}
	}
	return out
}

// valuesEqual compares two values after converting both to IR values, so
// YAML ints equal IRInt and nested maps compare structurally.
func valuesEqual(actual, expected any) bool {
	a, err := ir.FromAny(actual)
	if err != nil {
		return false
	}
	b, err := ir.FromAny(expected)
	if err != nil {
		return false
	}
	return ir.Equal(a, b)
}

// AssertionContext provides context for evaluating state assertions.
type AssertionContext struct {
	DataStore *datastore.DataStore
	Ctx       context.Context
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertTraceContains:
			err = assertTraceContains(result.Trace, assertion)
		case AssertTraceOrder:
			err = assertTraceOrder(result.Trace, assertion)
		case AssertTraceCount:
			err = assertTraceCount(result.Trace, assertion)
		case AssertNotificationCount:
			err = assertNotificationCount(result.Trace, assertion)
		case AssertFinalState, AssertEntityCount, AssertPending, AssertIndexConsistent:
			if actx == nil || actx.DataStore == nil {
				err = fmt.Errorf("assertion[%d]: %s requires a datastore", i, assertion.Type)
				break
			}
			err = assertState(actx.DataStore, assertion)
		default:
			err = fmt.Errorf("assertion[%d]: unknown assertion type %q", i, assertion.Type)
		}

		if err != nil {
			errors = append(errors, err.Error())
		}
	}

	return errors
}

func assertState(ds *datastore.DataStore, assertion Assertion) error {
	switch assertion.Type {
	case AssertFinalState:
		return assertFinalState(ds, assertion)
	case AssertEntityCount:
		if n := ds.Store().Len(assertion.Entity); n != assertion.Count {
			return &AssertionError{
				Type:     AssertEntityCount,
				Expected: fmt.Sprintf("%d %s entities", assertion.Count, assertion.Entity),
				Actual:   fmt.Sprintf("%d", n),
			}
		}
	case AssertPending:
		if n := ds.Outbox().Len(); n != assertion.Count {
			return &AssertionError{
				Type:     AssertPending,
				Expected: fmt.Sprintf("%d pending mutations", assertion.Count),
				Actual:   fmt.Sprintf("%d", n),
			}
		}
	case AssertIndexConsistent:
		if err := ds.Store().VerifyIndex(); err != nil {
			return &AssertionError{Type: AssertIndexConsistent, Expected: "index matches tables", Actual: err.Error()}
		}
	}
	return nil
}
