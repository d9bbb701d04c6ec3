// Package harness runs conformance scenarios against a real datastore.
//
// Every scenario gets a fresh datastore over an in-memory backend and a
// loopback remote. Steps call the public datastore operations directly;
// remote events, drains and flushes are applied synchronously, so the same
// scenario always produces the same trace.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: scenario_name
//	description: "What this scenario validates"
//	window: 8                    # reorder window size, optional
//	reject:                      # remote rejects these types, optional
//	  Comment: comments are closed
//	setup:
//	  - do: create
//	    type: Post
//	    id: p1
//	    fields: { title: A, status: DRAFT }
//	flow:
//	  - do: update
//	    type: Post
//	    id: p1
//	    fields: { title: B }
//	    condition: { status: { eq: PUBLISHED } }
//	    expect:
//	      error: CONDITION_FAILED
//	  - do: event
//	    type: Post
//	    id: p1
//	    op: update
//	    at: 90                   # seconds after testutil.Epoch
//	    fields: { title: C, status: DRAFT }
//	    expect:
//	      outcome: APPLIED
//	assertions:
//	  - type: final_state
//	    entity: Post
//	    id: p1
//	    expect: { title: C }
//
// Step verbs are create, update, delete, delete_where, get, query, children,
// related, event, drain, flush, offline and online. A query can save its
// continuation token with "as" and a later query can resume from it with
// "cursor".
//
// # Assertion Types
//
//   - trace_contains: an invocation of the verb with matching args
//   - trace_order: invocations of the verbs appear in order
//   - trace_count: the verb was invoked exactly N times
//   - final_state: an entity's fields (subset match) or its absence
//   - entity_count: number of stored entities of a type
//   - pending: number of mutations left in the outbox
//   - notification_count: notifications seen, by op and origin
//   - index_consistent: the relationship index matches the tables
//
// # Deterministic Testing
//
// Local writes are stamped by testutil.DeterministicClock, one second per
// write starting at Epoch+1s. The loopback remote stamps acknowledgements
// one minute apart starting at Epoch+1m. Entity and mutation ids come from
// sequential generators. Traces are therefore byte-identical across runs and
// can be compared with golden files.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/pagination.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	for _, msg := range result.Errors {
//	    log.Println(msg)
//	}
package harness
