package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/ir"
)

// Scenario defines a conformance test scenario: a sequence of local
// mutations, reads, remote events and sync steps run against a fresh
// datastore, followed by assertions on the trace and the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Schema is a CUE schema directory, relative to the scenario file.
	// Empty means the built-in blog schema.
	Schema string `yaml:"schema,omitempty"`

	// Window is the reorder window size. Zero means the default.
	Window int `yaml:"window,omitempty"`

	// Reject makes the loopback remote reject every mutation of the listed
	// entity types with the given reason.
	Reject map[string]string `yaml:"reject,omitempty"`

	// Setup steps run before the flow. They are traced but carry no
	// expectations and must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow is the main test flow.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final trace and state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step verbs.
const (
	DoCreate      = "create"
	DoUpdate      = "update"
	DoDelete      = "delete"
	DoDeleteWhere = "delete_where"
	DoGet         = "get"
	DoQuery       = "query"
	DoChildren    = "children"
	DoRelated     = "related"
	DoEvent       = "event"
	DoDrain       = "drain"
	DoFlush       = "flush"
	DoOffline     = "offline"
	DoOnline      = "online"
)

var stepVerbs = map[string]bool{
	DoCreate: true, DoUpdate: true, DoDelete: true, DoDeleteWhere: true,
	DoGet: true, DoQuery: true, DoChildren: true, DoRelated: true,
	DoEvent: true, DoDrain: true, DoFlush: true, DoOffline: true, DoOnline: true,
}

// Step is one operation against the datastore.
type Step struct {
	Do string `yaml:"do"`

	Type string `yaml:"type,omitempty"`
	ID   string `yaml:"id,omitempty"`

	// Fields are create fields, update patches or event entity fields.
	Fields map[string]any `yaml:"fields,omitempty"`

	// Condition guards update and delete.
	Condition map[string]any `yaml:"condition,omitempty"`

	// Filter, Sort, Limit and Cursor shape query and children. Filter is
	// also the predicate of delete_where. Cursor names a token saved with As.
	Filter map[string]any `yaml:"filter,omitempty"`
	Sort   string         `yaml:"sort,omitempty"`
	Limit  int            `yaml:"limit,omitempty"`
	Cursor string         `yaml:"cursor,omitempty"`

	// Relationship selects the relationship for children and related.
	Relationship string `yaml:"relationship,omitempty"`

	// Op and At describe a remote event; At is seconds after the clock
	// epoch. Queued events go through the reorder window until a drain.
	Op     string `yaml:"op,omitempty"`
	At     int    `yaml:"at,omitempty"`
	Queued bool   `yaml:"queued,omitempty"`

	// As saves a query's continuation token under this name.
	As string `yaml:"as,omitempty"`

	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected completion of a step. Unset fields are not
// checked.
type Expect struct {
	// Error is the expected error code. Empty means success.
	Error string `yaml:"error,omitempty"`

	// Outcome is the expected reconcile outcome of an event.
	Outcome string `yaml:"outcome,omitempty"`

	// Fields is a subset of the returned entity, virtual fields included.
	Fields map[string]any `yaml:"fields,omitempty"`

	// IDs is the exact id list of a query, children, related or delete.
	IDs []string `yaml:"ids,omitempty"`

	// Next says whether a query page has a continuation token.
	Next *bool `yaml:"next,omitempty"`

	// Count is the number of items returned, deleted, drained or submitted.
	Count *int `yaml:"count,omitempty"`
}

// Assertion validates trace or final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Action is the step verb for trace assertions, or the op kind for
	// notification_count.
	Action string `yaml:"action,omitempty"`

	// Args are the expected step arguments (trace_contains), subset match.
	Args map[string]any `yaml:"args,omitempty"`

	// Actions is the expected verb order (trace_order).
	Actions []string `yaml:"actions,omitempty"`

	// Entity and ID address the entity for final_state; Entity alone is the
	// type counted by entity_count.
	Entity string `yaml:"entity,omitempty"`
	ID     string `yaml:"id,omitempty"`

	// Expect is a subset of the entity's fields (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Absent asserts the entity does not exist (final_state).
	Absent bool `yaml:"absent,omitempty"`

	// Origin filters notification_count by origin, or REJECTED.
	Origin string `yaml:"origin,omitempty"`

	// Count is the expected number for the count assertions.
	Count int `yaml:"count"`
}

// Assertion types.
const (
	AssertTraceContains     = "trace_contains"
	AssertTraceOrder        = "trace_order"
	AssertTraceCount        = "trace_count"
	AssertFinalState        = "final_state"
	AssertEntityCount       = "entity_count"
	AssertPending           = "pending"
	AssertNotificationCount = "notification_count"
	AssertIndexConsistent   = "index_consistent"
)

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly. Schema is resolved against the file's
// directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if scenario.Schema != "" && !filepath.IsAbs(scenario.Schema) {
		scenario.Schema = filepath.Join(filepath.Dir(path), scenario.Schema)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every *.yaml scenario in dir, in file name order.
func LoadScenarios(dir string) ([]*Scenario, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	out := make([]*Scenario, 0, len(paths))
	for _, p := range paths {
		s, err := LoadScenario(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
		out = append(out, s)
	}
	return out, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}
	if s.Window < 0 {
		return fmt.Errorf("window must be non-negative")
	}
	if s.Schema != "" {
		if _, err := os.Stat(s.Schema); err != nil {
			return fmt.Errorf("schema directory not found: %s", s.Schema)
		}
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
		if step.Expect != nil {
			return fmt.Errorf("setup[%d]: setup steps cannot have expect", i)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(i, &a); err != nil {
			return err
		}
	}
	return nil
}

func validateStep(step Step) error {
	if !stepVerbs[step.Do] {
		return fmt.Errorf("unknown step %q", step.Do)
	}
	switch step.Do {
	case DoCreate, DoDeleteWhere, DoQuery:
		if step.Type == "" {
			return fmt.Errorf("%s: type is required", step.Do)
		}
	case DoUpdate, DoDelete, DoGet:
		if step.Type == "" || step.ID == "" {
			return fmt.Errorf("%s: type and id are required", step.Do)
		}
	case DoChildren, DoRelated:
		if step.Type == "" || step.ID == "" || step.Relationship == "" {
			return fmt.Errorf("%s: type, id and relationship are required", step.Do)
		}
	case DoEvent:
		if step.Type == "" || step.ID == "" {
			return fmt.Errorf("event: type and id are required")
		}
		if !ir.OpKind(strings.ToUpper(step.Op)).Valid() {
			return fmt.Errorf("event: invalid op %q", step.Op)
		}
		if step.At <= 0 {
			return fmt.Errorf("event: at must be positive")
		}
	}
	if step.Limit < 0 {
		return fmt.Errorf("%s: limit must be non-negative", step.Do)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func validateAssertion(index int, a *Assertion) error {
	if a.Type == "" {
		return fmt.Errorf("assertions[%d]: type is required", index)
	}

	switch a.Type {
	case AssertTraceContains:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_contains", index)
		}
	case AssertTraceOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("assertions[%d]: actions list is required for trace_order", index)
		}
	case AssertTraceCount:
		if a.Action == "" {
			return fmt.Errorf("assertions[%d]: action is required for trace_count", index)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for trace_count", index)
		}
	case AssertFinalState:
		if a.Entity == "" || a.ID == "" {
			return fmt.Errorf("assertions[%d]: entity and id are required for final_state", index)
		}
		if len(a.Expect) == 0 && !a.Absent {
			return fmt.Errorf("assertions[%d]: expect or absent is required for final_state", index)
		}
	case AssertEntityCount:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for entity_count", index)
		}
	case AssertPending, AssertNotificationCount, AssertIndexConsistent:
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	if a.Count < 0 {
		return fmt.Errorf("assertions[%d]: count must be non-negative", index)
	}
	return nil
}
