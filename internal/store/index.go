package store

import (
	"fmt"
	"maps"
	"slices"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/schema"
)

type childRef struct {
	seq int64
	id  string
}

// Index maps, per relationship, a parent id to its child ids ordered by the
// children's insertion ordinal. It holds only ids, is derived entirely from
// the tables, and is updated in the same critical section as every write.
type Index struct {
	rels    map[string]ir.RelationshipDef   // by "Parent.Name"
	byChild map[string][]ir.RelationshipDef // child type -> relationships
	sets    map[string]map[string][]childRef
}

func newIndex(c schema.Catalog) *Index {
	ix := &Index{
		rels:    make(map[string]ir.RelationshipDef),
		byChild: make(map[string][]ir.RelationshipDef),
		sets:    make(map[string]map[string][]childRef),
	}
	for _, r := range c.Relationships() {
		ix.rels[r.Key()] = r
		ix.byChild[r.Child] = append(ix.byChild[r.Child], r)
		ix.sets[r.Key()] = make(map[string][]childRef)
	}
	return ix
}

func foreignKey(e ir.Entity, field string) (string, bool) {
	v, ok := e.Field(field)
	if !ok {
		return "", false
	}
	s, ok := v.(ir.IRString)
	if !ok || s == "" {
		return "", false
	}
	return string(s), true
}

// move updates every relationship in which childType is the child for a
// transition from prev to next (either may be nil).
func (ix *Index) move(childType, id string, prev, next *row) {
	for _, r := range ix.byChild[childType] {
		key := r.Key()
		if prev != nil {
			if parent, ok := foreignKey(prev.entity, r.ForeignKey); ok {
				ix.remove(key, parent, prev.seq)
			}
		}
		if next != nil {
			if parent, ok := foreignKey(next.entity, r.ForeignKey); ok {
				ix.insert(key, parent, childRef{seq: next.seq, id: id})
			}
		}
	}
}

func (ix *Index) find(set []childRef, seq int64) (int, bool) {
	return slices.BinarySearchFunc(set, seq, func(c childRef, s int64) int {
		switch {
		case c.seq < s:
			return -1
		case c.seq > s:
			return 1
		}
		return 0
	})
}

func (ix *Index) insert(relKey, parent string, ref childRef) {
	set := ix.sets[relKey][parent]
	i, found := ix.find(set, ref.seq)
	if found {
		set[i] = ref
		return
	}
	ix.sets[relKey][parent] = slices.Insert(set, i, ref)
}

func (ix *Index) remove(relKey, parent string, seq int64) {
	set := ix.sets[relKey][parent]
	i, found := ix.find(set, seq)
	if !found {
		return
	}
	set = slices.Delete(set, i, i+1)
	if len(set) == 0 {
		delete(ix.sets[relKey], parent)
		return
	}
	ix.sets[relKey][parent] = set
}

// ChildrenOf returns the ids of parentID's children through the named
// relationship of parentType. Unknown relationships are validation errors.
func (ix *Index) ChildrenOf(parentType, parentID, relationship string) ([]string, error) {
	key := parentType + "." + relationship
	if _, ok := ix.rels[key]; !ok {
		return nil, ir.ValidationError(parentType, relationship, "unknown relationship")
	}
	set := ix.sets[key][parentID]
	ids := make([]string, len(set))
	for i, c := range set {
		ids[i] = c.id
	}
	return ids, nil
}

// Relationship returns the definition for parentType.relationship.
func (ix *Index) Relationship(parentType, relationship string) (ir.RelationshipDef, bool) {
	r, ok := ix.rels[parentType+"."+relationship]
	return r, ok
}

// verify recomputes the index from tables and reports the first divergence.
func (ix *Index) verify(c schema.Catalog, tables map[string]*table) error {
	fresh := newIndex(c)
	for typ, t := range tables {
		for _, r := range t.order {
			fresh.move(typ, r.entity.ID, nil, r)
		}
	}
	for _, key := range slices.Sorted(maps.Keys(ix.rels)) {
		got, want := ix.sets[key], fresh.sets[key]
		for _, parent := range slices.Sorted(maps.Keys(want)) {
			if !slices.Equal(got[parent], want[parent]) {
				return fmt.Errorf("index %s[%s]: have %v, want %v", key, parent, ids(got[parent]), ids(want[parent]))
			}
		}
		for _, parent := range slices.Sorted(maps.Keys(got)) {
			if _, ok := want[parent]; !ok {
				return fmt.Errorf("index %s[%s]: stale entry %v", key, parent, ids(got[parent]))
			}
		}
	}
	return nil
}

func ids(set []childRef) []string {
	out := make([]string, len(set))
	for i, c := range set {
		out[i] = c.id
	}
	return out
}
