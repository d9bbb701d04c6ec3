package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/query"
)

// QueryOptions holds flags for the query command.
type QueryOptions struct {
	*RootOptions
	Filter string
	Sort   string
	Limit  int
	Cursor string
	Parent string // Type/id/relationship
}

// NewQueryCommand creates the query command.
func NewQueryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &QueryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "query <type>",
		Short: "Query entities from the local snapshot",
		Long: `Filter, sort and page through entities of one type.

Filters use the JSON predicate grammar; sort keys are "field:asc,field:desc".
With --parent only the children of one parent are considered; the type
argument may then be "-" to mean the relationship's child type.

Examples:
  replica query Post --filter '{"rating":{"gt":3}}' --sort rating:desc --limit 10
  replica query Post --limit 10 --cursor <nextToken>
  replica query - --parent Post/p1/comments`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Filter, "filter", "", "JSON filter")
	cmd.Flags().StringVar(&opts.Sort, "sort", "", "sort keys, e.g. rating:desc,title:asc")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size (0 = all)")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "continuation token from a previous page")
	cmd.Flags().StringVar(&opts.Parent, "parent", "", "restrict to children: Type/id/relationship")

	return cmd
}

func runQuery(ctx context.Context, opts *QueryOptions, entityType string, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	if entityType == "-" {
		entityType = ""
	}

	req := query.Request{Type: entityType, Limit: opts.Limit, Cursor: opts.Cursor}
	var err error
	if req.Filter, err = predicate.ParseFilter([]byte(opts.Filter)); err != nil {
		return f.Fail("invalid filter", err)
	}
	if req.Sort, err = predicate.ParseSortString(opts.Sort); err != nil {
		return f.Fail("invalid sort", err)
	}

	e, err := opts.openEnv(contextOrBackground(ctx), f, true)
	if err != nil {
		return err
	}
	defer e.Close()

	var page query.Page
	if opts.Parent != "" {
		parts := strings.Split(opts.Parent, "/")
		if len(parts) != 3 {
			return f.Fail("invalid parent", fmt.Errorf("parent %q must be Type/id/relationship", opts.Parent))
		}
		page, err = e.ds.Children(parts[0], parts[1], parts[2], req)
	} else {
		if entityType == "" {
			return f.Fail("invalid query", errors.New("a type is required without --parent"))
		}
		page, err = e.ds.Query(req)
	}
	if err != nil {
		return f.Fail("query failed", err)
	}
	return f.Success(pageResult(page))
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <type> <id>",
		Short:         "Print one entity",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := rootOpts.openEnv(contextOrBackground(cmd.Context()), f, true)
			if err != nil {
				return err
			}
			defer e.Close()
			got, err := e.ds.Get(args[0], args[1])
			if err != nil {
				return f.Fail("get failed", err)
			}
			return f.Success(EntityResult{Entity: got})
		},
	}
}

// NewRelatedCommand creates the related command.
func NewRelatedCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "related <type> <id> <relationship>",
		Short: "Resolve a many-to-many link",
		Long: `Follow a relationship into its join entity and print the entities on the
other side, e.g. the Users editing a Post through PostEditor rows.

Examples:
  replica related Post p1 editors`,
		Args:          cobra.ExactArgs(3),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			e, err := rootOpts.openEnv(contextOrBackground(cmd.Context()), f, true)
			if err != nil {
				return err
			}
			defer e.Close()
			items, err := e.ds.Related(args[0], args[1], args[2])
			if err != nil {
				return f.Fail("related failed", err)
			}
			return f.Success(pageResult(query.Page{Items: items}))
		},
	}
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
