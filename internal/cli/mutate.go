package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/mutation"
	"github.com/roach88/replica/internal/predicate"
)

func parseFields(entityType, raw string) (ir.IRObject, error) {
	var fields ir.IRObject
	if raw == "" {
		return ir.IRObject{}, nil
	}
	if err := fields.UnmarshalJSON([]byte(raw)); err != nil {
		return nil, ir.ValidationError(entityType, "fields", "fields must be a JSON object: %v", err)
	}
	return fields, nil
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	var raw, id string
	cmd := &cobra.Command{
		Use:   "create <type>",
		Short: "Create an entity locally and queue it for sync",
		Long: `Create an entity in the local snapshot. The mutation is stored in the
persisted outbox and submitted by "replica sync" or "replica serve".

Examples:
  replica create Post --fields '{"title":"Hello","status":"DRAFT"}' --db ./replica.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			fields, err := parseFields(args[0], raw)
			if err != nil {
				return f.Fail("invalid fields", err)
			}
			ctx := contextOrBackground(cmd.Context())
			e, err := rootOpts.openEnv(ctx, f, true)
			if err != nil {
				return err
			}
			defer e.Close()

			var opts []mutation.CreateOption
			if id != "" {
				opts = append(opts, mutation.WithID(id))
			}
			created, err := e.ds.Create(ctx, args[0], fields, opts...)
			if err != nil {
				return f.Fail("create failed", err)
			}
			f.VerboseLog("queued for sync: %d pending", e.ds.Outbox().Len())
			return f.Success(EntityResult{Entity: created})
		},
	}
	cmd.Flags().StringVar(&raw, "fields", "", "JSON object of field values")
	cmd.Flags().StringVar(&id, "id", "", "explicit id (default: generated UUIDv7)")
	return cmd
}

// NewUpdateCommand creates the update command.
func NewUpdateCommand(rootOpts *RootOptions) *cobra.Command {
	var raw, cond string
	cmd := &cobra.Command{
		Use:   "update <type> <id>",
		Short: "Patch an entity locally and queue it for sync",
		Long: `Merge a patch into an entity. A null value removes the field. With
--condition the update applies only if the current entity matches.

Examples:
  replica update Post p1 --fields '{"rating":5}' --condition '{"rating":{"lt":5}}'`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			patch, err := parseFields(args[0], raw)
			if err != nil {
				return f.Fail("invalid fields", err)
			}
			pred, err := predicate.ParseFilter([]byte(cond))
			if err != nil {
				return f.Fail("invalid condition", err)
			}
			ctx := contextOrBackground(cmd.Context())
			e, err := rootOpts.openEnv(ctx, f, true)
			if err != nil {
				return err
			}
			defer e.Close()

			updated, err := e.ds.Update(ctx, args[0], args[1], patch, pred)
			if err != nil {
				return f.Fail("update failed", err)
			}
			return f.Success(EntityResult{Entity: updated})
		},
	}
	cmd.Flags().StringVar(&raw, "fields", "", "JSON object of field changes")
	cmd.Flags().StringVar(&cond, "condition", "", "JSON predicate the current entity must match")
	return cmd
}

// DeleteResult is the output of delete.
type DeleteResult struct {
	Deleted []mutation.Deleted `json:"deleted"`
}

func (r DeleteResult) Text(w io.Writer) error {
	if len(r.Deleted) == 0 {
		_, err := fmt.Fprintln(w, "Nothing deleted.")
		return err
	}
	for _, d := range r.Deleted {
		fmt.Fprintf(w, "✓ deleted %s", d.Entity.Key())
		if n := len(d.Cascaded); n > 0 {
			fmt.Fprintf(w, " (+%d cascaded)", n)
		}
		fmt.Fprintln(w)
	}
	return nil
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	var cond, where string
	cmd := &cobra.Command{
		Use:   "delete <type> [id]",
		Short: "Delete entities locally and queue the deletes for sync",
		Long: `Delete one entity by id, or every entity matching --where. Children of
cascading relationships are removed with their parent.

Examples:
  replica delete Post p1
  replica delete Post p1 --condition '{"status":{"eq":"DRAFT"}}'
  replica delete Post --where '{}'`,
		Args:          cobra.RangeArgs(1, 2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			typ := args[0]
			byID := len(args) == 2
			if byID == (where != "") {
				return f.Fail("invalid arguments", errors.New("give either an id or --where"))
			}
			ctx := contextOrBackground(cmd.Context())

			var result DeleteResult
			if byID {
				pred, err := predicate.ParseFilter([]byte(cond))
				if err != nil {
					return f.Fail("invalid condition", err)
				}
				e, err := rootOpts.openEnv(ctx, f, true)
				if err != nil {
					return err
				}
				defer e.Close()
				d, err := e.ds.Delete(ctx, typ, args[1], pred)
				if err != nil {
					return f.Fail("delete failed", err)
				}
				result.Deleted = []mutation.Deleted{d}
				return f.Success(result)
			}

			pred, err := predicate.ParseFilter([]byte(where))
			if err != nil {
				return f.Fail("invalid filter", err)
			}
			if pred == nil {
				pred = predicate.All
			}
			e, err := rootOpts.openEnv(ctx, f, true)
			if err != nil {
				return err
			}
			defer e.Close()
			result.Deleted, err = e.ds.DeleteWhere(ctx, typ, pred)
			if err != nil {
				return f.Fail("delete failed", err)
			}
			return f.Success(result)
		},
	}
	cmd.Flags().StringVar(&cond, "condition", "", "JSON predicate the entity must match")
	cmd.Flags().StringVar(&where, "where", "", "delete every entity matching this JSON filter")
	return cmd
}
