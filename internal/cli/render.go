package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/query"
)

// entityText renders one entity as "Type/id  {fields}".
func entityText(w io.Writer, e ir.Entity) error {
	fields, err := ir.MarshalCanonical(e.Fields)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key(), ir.FormatTime(e.UpdatedAt), fields)
	return err
}

// EntityResult is the output of get, create and update.
type EntityResult struct {
	Entity ir.Entity `json:"entity"`
}

func (r EntityResult) Text(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if err := entityText(tw, r.Entity); err != nil {
		return err
	}
	return tw.Flush()
}

// PageResult is the output of query and related.
type PageResult struct {
	Items     []ir.Entity `json:"items"`
	NextToken string      `json:"nextToken,omitempty"`
}

func pageResult(p query.Page) PageResult {
	items := p.Items
	if items == nil {
		items = []ir.Entity{}
	}
	return PageResult{Items: items, NextToken: p.NextCursor}
}

func (r PageResult) Text(w io.Writer) error {
	if len(r.Items) == 0 {
		_, err := fmt.Fprintln(w, "No entities.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, e := range r.Items {
		if err := entityText(tw, e); err != nil {
			return err
		}
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	if r.NextToken != "" {
		_, err := fmt.Fprintf(w, "\nnext: %s\n", r.NextToken)
		return err
	}
	return nil
}
