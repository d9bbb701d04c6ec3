package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/datastore"
	"github.com/roach88/replica/internal/reconcile"
)

// SyncResult is the output of sync.
type SyncResult struct {
	Submitted int             `json:"submitted"`
	Remaining int             `json:"remaining"`
	Stats     reconcile.Stats `json:"stats"`
}

func (r SyncResult) Text(w io.Writer) error {
	if r.Remaining == 0 {
		fmt.Fprintf(w, "✓ %d mutation(s) submitted, outbox empty\n", r.Submitted)
	} else {
		fmt.Fprintf(w, "✗ %d mutation(s) submitted, %d still pending\n", r.Submitted, r.Remaining)
	}
	_, err := fmt.Fprintf(w, "acked: %d  rejected: %d  applied: %d\n", r.Stats.Acked, r.Stats.Rejected, r.Stats.Applied)
	return err
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Submit queued mutations to the remote",
		Long: `Submit every mutation in the persisted outbox to the configured remote, in
commit order, and apply the acknowledgements. Stops at the first failure;
unsubmitted mutations stay queued.

Exit codes:
  0 - Outbox drained
  1 - Remote unavailable (mutations remain queued)
  2 - Command error (no remote configured, bad configuration)

Examples:
  REPLICA_REMOTE=redis replica sync --db ./replica.db`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			ctx := contextOrBackground(cmd.Context())
			e, err := rootOpts.openEnv(ctx, f, false)
			if err != nil {
				return err
			}
			defer e.Close()

			n, err := e.ds.Flush(ctx)
			if errors.Is(err, datastore.ErrNoRemote) {
				return f.Fail("sync failed", fmt.Errorf("%w: set remote to loopback or redis", err))
			}
			if err != nil {
				return f.Fail("sync failed", err)
			}
			return f.Success(SyncResult{
				Submitted: n,
				Remaining: e.ds.Outbox().Len(),
				Stats:     e.ds.Stats(),
			})
		},
	}
}
