package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/reconcile"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	Reorder bool
}

// ReplayEventResult is the outcome of one replayed event.
type ReplayEventResult struct {
	Key             string            `json:"key"`
	Op              ir.OpKind         `json:"op"`
	ServerTimestamp string            `json:"server_timestamp"`
	Outcome         reconcile.Outcome `json:"outcome,omitempty"`
	Error           string            `json:"error,omitempty"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Events []ReplayEventResult `json:"events,omitempty"`
	Total  int                 `json:"total"`
	Stats  reconcile.Stats     `json:"stats"`
}

func (r ReplayResult) Text(w io.Writer) error {
	for _, ev := range r.Events {
		status := string(ev.Outcome)
		if ev.Error != "" {
			status = "ERROR " + ev.Error
		}
		fmt.Fprintf(w, "%-8s %-24s %s  %s\n", ev.Op, ev.Key, ev.ServerTimestamp, status)
	}
	_, err := fmt.Fprintf(w, "\n%d event(s): applied %d, stale %d, superseded %d, failed %d\n",
		r.Total, r.Stats.Applied, r.Stats.Stale, r.Stats.Superseded, r.Stats.Failed)
	return err
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay <events-file>",
		Short: "Apply a file of remote change events to the local snapshot",
		Long: `Read a YAML or JSON list of change events and offer them to the local
snapshot with last-writer-wins reconciliation.

By default events are applied in file order and each outcome is reported.
With --reorder they pass through the reorder window first, as they would
from a live stream, and only the totals are reported.

Event shape:
  - type: Post
    op: UPDATE
    server_timestamp: 2024-01-01T00:00:05Z
    entity: {id: p1, title: Hello, status: DRAFT}

Examples:
  replica replay events.yaml --db ./replica.db
  replica replay events.json --reorder --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(opts, args[0], cmd)
		},
	}

	cmd.Flags().BoolVar(&opts.Reorder, "reorder", false, "buffer events through the reorder window")

	return cmd
}

func runReplay(opts *ReplayOptions, path string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	ctx := contextOrBackground(cmd.Context())

	events, err := LoadEvents(path)
	if err != nil {
		return f.Fail("failed to read events", err)
	}

	e, err := opts.openEnv(ctx, f, true)
	if err != nil {
		return err
	}
	defer e.Close()

	rec := e.ds.Reconciler()
	result := ReplayResult{Total: len(events)}
	if opts.Reorder {
		for _, ev := range events {
			rec.Enqueue(ev)
		}
		n := rec.Drain(ctx)
		f.VerboseLog("drained %d item(s)", n)
	} else {
		for _, ev := range events {
			res := ReplayEventResult{
				Key:             ev.Key().String(),
				Op:              ev.Op,
				ServerTimestamp: ir.FormatTime(ev.ServerTimestamp),
			}
			outcome, err := rec.Apply(ctx, ev)
			if err != nil {
				res.Error = err.Error()
			} else {
				res.Outcome = outcome
			}
			result.Events = append(result.Events, res)
		}
	}
	result.Stats = e.ds.Stats()
	return f.Success(result)
}

// LoadEvents reads a YAML or JSON list of change events. JSON is valid
// YAML, so both go through the YAML decoder and are then re-encoded as JSON
// to reuse the events' JSON decoding.
func LoadEvents(path string) ([]ir.ChangeEvent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseEvents(data)
}

// ParseEvents decodes a YAML or JSON list of change events.
func ParseEvents(data []byte) ([]ir.ChangeEvent, error) {
	var raw []any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	var events []ir.ChangeEvent
	if err := json.Unmarshal(encoded, &events); err != nil {
		return nil, fmt.Errorf("parse events: %w", err)
	}
	for i := range events {
		ev := &events[i]
		if ev.Entity.Type == "" {
			ev.Entity.Type = ev.Type
		}
		if ev.Type == "" {
			ev.Type = ev.Entity.Type
		}
		switch {
		case !ev.Op.Valid():
			return nil, fmt.Errorf("event %d: invalid op %q", i, ev.Op)
		case ev.Type == "" || ev.Entity.ID == "":
			return nil, fmt.Errorf("event %d: type and entity id are required", i)
		case ev.ServerTimestamp.IsZero():
			return nil, fmt.Errorf("event %d: server_timestamp is required", i)
		}
	}
	return events, nil
}
