package query

import (
	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
)

// Related resolves a many-to-many link: starting from one parent, it follows
// via into the join entity and then the join entity's other foreign key.
// For Post "editors" it returns the Users linked through PostEditor rows.
//
// Results are in join-row insertion order without duplicates. Join rows whose
// far side no longer exists are skipped.
func Related(r store.Reader, parentType, parentID, via string) ([]ir.Entity, error) {
	rel, ok := r.Relationship(parentType, via)
	if !ok {
		return nil, ir.ValidationError(parentType, via, "unknown relationship")
	}
	far, err := schema.Far(r.Catalog(), rel)
	if err != nil {
		return nil, ir.ValidationError(parentType, via, "%v", err)
	}
	joinIDs, err := r.ChildrenOf(parentType, parentID, via)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []ir.Entity
	for _, joinID := range joinIDs {
		join, err := r.Get(rel.Child, joinID)
		if err != nil {
			return nil, err
		}
		otherID := join.StringField(far.ForeignKey)
		if otherID == "" || seen[otherID] {
			continue
		}
		other, err := r.Get(far.Parent, otherID)
		if ir.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		seen[otherID] = true
		out = append(out, other)
	}
	return out, nil
}
