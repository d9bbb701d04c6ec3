// Package query answers paginated queries over a store snapshot.
//
// A query selects the entities of one type, optionally only the children of
// one parent through a relationship, filters them with a predicate and
// orders them by sort keys with insertion order as the final tie-break.
// Pages continue from an opaque cursor naming the last entity returned.
package query

import (
	"cmp"
	"slices"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/store"
)

// ParentRef restricts a query to the children of one parent.
type ParentRef struct {
	Type         string `json:"type"`
	ID           string `json:"id"`
	Relationship string `json:"relationship"`
}

func (p *ParentRef) String() string {
	if p == nil {
		return ""
	}
	return p.Type + "/" + p.ID + "." + p.Relationship
}

// Request describes one page of a query.
type Request struct {
	Type   string
	Filter predicate.Predicate
	Sort   []predicate.SortKey
	// Limit caps the page size. Zero means the cursor's limit, or no limit
	// without a cursor.
	Limit  int
	Cursor string
	Parent *ParentRef
}

// Page is one page of results. NextCursor is empty on the last page.
type Page struct {
	Items      []ir.Entity `json:"items"`
	NextCursor string      `json:"nextToken,omitempty"`
}

// Hash identifies the query a cursor belongs to: type, filter, sort and
// parent, ignoring limit and cursor.
func Hash(req Request) (string, error) {
	filter, err := predicate.MarshalFilter(req.Filter)
	if err != nil {
		return "", ir.ValidationError(req.Type, "filter", "%v", err)
	}
	sort, err := predicate.MarshalSort(req.Sort)
	if err != nil {
		return "", ir.ValidationError(req.Type, "sort", "%v", err)
	}
	return ir.QueryHash(req.Type, filter, sort, req.Parent.String()), nil
}

type candidate struct {
	entity ir.Entity
	seq    int64
}

// Run executes req against r. Results reflect r's snapshot; running every
// page inside one View yields disjoint pages whose concatenation equals the
// unlimited result.
//
// Errors: ValidationError for unknown types, fields, relationships, bad
// operators, negative limits, malformed cursors or a cursor issued for a
// different query; StaleCursor when the cursor's anchor entity no longer
// exists.
func Run(r store.Reader, req Request) (Page, error) {
	def, ok := r.Catalog().Entity(req.Type)
	if !ok {
		return Page{}, ir.ValidationError(req.Type, "", "unknown entity type")
	}
	if err := predicate.Validate(req.Filter, def); err != nil {
		return Page{}, err
	}
	if err := predicate.ValidateSort(req.Sort, def); err != nil {
		return Page{}, err
	}
	if req.Limit < 0 {
		return Page{}, ir.ValidationError(req.Type, "limit", "limit must not be negative")
	}
	hash, err := Hash(req)
	if err != nil {
		return Page{}, err
	}

	var anchor *candidate
	limit := req.Limit
	if req.Cursor != "" {
		tok, err := decodeCursor(req.Type, req.Cursor)
		if err != nil {
			return Page{}, err
		}
		if tok.Query != hash {
			return Page{}, ir.ValidationError(req.Type, "cursor", "cursor belongs to a different query")
		}
		e, err := r.Get(req.Type, tok.After)
		if ir.IsNotFound(err) {
			return Page{}, ir.StaleCursor(req.Type, tok.After)
		}
		if err != nil {
			return Page{}, err
		}
		seq, _ := r.Ordinal(req.Type, tok.After)
		anchor = &candidate{entity: e, seq: seq}
		if limit == 0 {
			limit = tok.Limit
		}
	}

	matches, err := collect(r, req)
	if err != nil {
		return Page{}, err
	}
	order := func(a, b candidate) int {
		return cmp.Or(predicate.CompareEntities(req.Sort, a.entity, b.entity), cmp.Compare(a.seq, b.seq))
	}
	slices.SortFunc(matches, order)

	start := 0
	if anchor != nil {
		start, _ = slices.BinarySearchFunc(matches, *anchor, func(c, a candidate) int {
			if order(c, a) <= 0 {
				return -1
			}
			return 1
		})
	}
	rest := matches[start:]

	page := Page{Items: make([]ir.Entity, 0, len(rest))}
	end := len(rest)
	if limit > 0 && limit < end {
		end = limit
	}
	for _, c := range rest[:end] {
		page.Items = append(page.Items, c.entity)
	}
	if end < len(rest) {
		page.NextCursor, err = encodeCursor(token{After: rest[end-1].entity.ID, Limit: limit, Query: hash})
		if err != nil {
			return Page{}, err
		}
	}
	return page, nil
}

// collect returns the candidates that pass the filter, in insertion order.
func collect(r store.Reader, req Request) ([]candidate, error) {
	var out []candidate
	keep := func(e ir.Entity) {
		if !predicate.Eval(req.Filter, e) {
			return
		}
		seq, _ := r.Ordinal(req.Type, e.ID)
		out = append(out, candidate{entity: e, seq: seq})
	}

	if req.Parent == nil {
		for e := range r.Scan(req.Type) {
			keep(e)
		}
		return out, nil
	}

	rel, ok := r.Relationship(req.Parent.Type, req.Parent.Relationship)
	if !ok {
		return nil, ir.ValidationError(req.Parent.Type, req.Parent.Relationship, "unknown relationship")
	}
	if rel.Child != req.Type {
		return nil, ir.ValidationError(req.Type, req.Parent.Relationship, "relationship %s yields %s", rel.Key(), rel.Child)
	}
	ids, err := r.ChildrenOf(req.Parent.Type, req.Parent.ID, req.Parent.Relationship)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		e, err := r.Get(req.Type, id)
		if err != nil {
			return nil, err
		}
		keep(e)
	}
	return out, nil
}
