package harness

// Trace event types.
const (
	EventInvocation   = "invocation"
	EventCompletion   = "completion"
	EventNotification = "notification"
)

// OutcomeOK is the completion outcome of a step that succeeded without a
// more specific outcome.
const OutcomeOK = "OK"

// TraceEvent is one entry of a scenario trace: a step invocation, its
// completion, or a notification observed after the step.
type TraceEvent struct {
	Type string `json:"type"`

	// Action is the step verb for invocations and completions, the op kind
	// for notifications.
	Action string         `json:"action,omitempty"`
	Args   map[string]any `json:"args,omitempty"`

	// Outcome is OK, an error code or a reconcile outcome for completions,
	// and the origin (or REJECTED) for notifications.
	Outcome string `json:"outcome,omitempty"`
	Result  any    `json:"result,omitempty"`
	Seq     int64  `json:"seq"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true if every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains every invocation, completion and notification in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains expectation and assertion failures.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	ev.Seq = int64(len(r.Trace) + 1)
	r.Trace = append(r.Trace, ev)
}

// Notifications returns the notification events of the trace.
func (r *Result) Notifications() []TraceEvent {
	var out []TraceEvent
	for _, ev := range r.Trace {
		if ev.Type == EventNotification {
			out = append(out, ev)
		}
	}
	return out
}
