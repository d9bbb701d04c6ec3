// Package schema supplies entity and relationship definitions.
//
// The core packages consume definitions only through the Catalog interface,
// so they work against any schema of the same shape. Static is the in-memory
// implementation; LoadDir and LoadBytes compile one from CUE.
package schema

import (
	"fmt"
	"slices"

	"github.com/roach88/replica/internal/ir"
)

// Catalog supplies entity and relationship definitions.
type Catalog interface {
	// Entity returns the definition for an entity type.
	Entity(name string) (ir.EntityDef, bool)

	// Entities returns all entity definitions in declaration order.
	Entities() []ir.EntityDef

	// Relationships returns all has-many relationships in declaration order.
	Relationships() []ir.RelationshipDef
}

// Static is an immutable Catalog built from definitions.
type Static struct {
	entities []ir.EntityDef
	byName   map[string]int
	rels     []ir.RelationshipDef
}

// NewStatic validates the definitions and builds a catalog.
func NewStatic(entities []ir.EntityDef, rels []ir.RelationshipDef) (*Static, error) {
	s := &Static{
		entities: slices.Clone(entities),
		byName:   make(map[string]int, len(entities)),
		rels:     slices.Clone(rels),
	}

	for i, def := range s.entities {
		if def.Name == "" {
			return nil, fmt.Errorf("entity %d: name is required", i)
		}
		if _, dup := s.byName[def.Name]; dup {
			return nil, fmt.Errorf("entity %q: defined twice", def.Name)
		}
		seen := make(map[string]bool, len(def.Fields))
		for _, f := range def.Fields {
			if ir.IsVirtualField(f.Name) {
				return nil, fmt.Errorf("entity %q: field %q is reserved", def.Name, f.Name)
			}
			if seen[f.Name] {
				return nil, fmt.Errorf("entity %q: field %q defined twice", def.Name, f.Name)
			}
			seen[f.Name] = true
			if !ir.ValidFieldTypes[f.Type] {
				return nil, fmt.Errorf("entity %q: field %q has unknown type %q", def.Name, f.Name, f.Type)
			}
			if f.Type == ir.TypeEnum && len(f.Enum) == 0 {
				return nil, fmt.Errorf("entity %q: enum field %q has no values", def.Name, f.Name)
			}
		}
		s.byName[def.Name] = i
	}

	keys := make(map[string]bool, len(s.rels))
	for _, r := range s.rels {
		if keys[r.Key()] {
			return nil, fmt.Errorf("relationship %q: defined twice", r.Key())
		}
		keys[r.Key()] = true
		if _, ok := s.byName[r.Parent]; !ok {
			return nil, fmt.Errorf("relationship %q: unknown parent %q", r.Key(), r.Parent)
		}
		child, ok := s.Entity(r.Child)
		if !ok {
			return nil, fmt.Errorf("relationship %q: unknown child %q", r.Key(), r.Child)
		}
		fk, ok := child.Field(r.ForeignKey)
		if !ok {
			return nil, fmt.Errorf("relationship %q: child %q has no field %q", r.Key(), r.Child, r.ForeignKey)
		}
		if fk.Type != ir.TypeID && fk.Type != ir.TypeString {
			return nil, fmt.Errorf("relationship %q: foreign key %q must be ID or String", r.Key(), r.ForeignKey)
		}
	}

	return s, nil
}

// Entity implements Catalog.
func (s *Static) Entity(name string) (ir.EntityDef, bool) {
	i, ok := s.byName[name]
	if !ok {
		return ir.EntityDef{}, false
	}
	return s.entities[i], true
}

// Entities implements Catalog.
func (s *Static) Entities() []ir.EntityDef {
	return slices.Clone(s.entities)
}

// Relationships implements Catalog.
func (s *Static) Relationships() []ir.RelationshipDef {
	return slices.Clone(s.rels)
}

// Relationship finds a relationship by parent type and name.
func Relationship(c Catalog, parent, name string) (ir.RelationshipDef, bool) {
	for _, r := range c.Relationships() {
		if r.Parent == parent && r.Name == name {
			return r, true
		}
	}
	return ir.RelationshipDef{}, false
}

// ParentOf returns the relationships in which entityType is the parent.
func ParentOf(c Catalog, entityType string) []ir.RelationshipDef {
	var out []ir.RelationshipDef
	for _, r := range c.Relationships() {
		if r.Parent == entityType {
			out = append(out, r)
		}
	}
	return out
}

// ChildOf returns the relationships in which entityType is the child.
func ChildOf(c Catalog, entityType string) []ir.RelationshipDef {
	var out []ir.RelationshipDef
	for _, r := range c.Relationships() {
		if r.Child == entityType {
			out = append(out, r)
		}
	}
	return out
}

// Far returns the other side of a many-to-many link. via is a relationship
// into a join entity; the result is the single other relationship that has
// the same join entity as child.
func Far(c Catalog, via ir.RelationshipDef) (ir.RelationshipDef, error) {
	var found []ir.RelationshipDef
	for _, r := range ChildOf(c, via.Child) {
		if r.Key() != via.Key() {
			found = append(found, r)
		}
	}
	switch len(found) {
	case 1:
		return found[0], nil
	case 0:
		return ir.RelationshipDef{}, fmt.Errorf("relationship %q: %s is not a join entity", via.Key(), via.Child)
	default:
		return ir.RelationshipDef{}, fmt.Errorf("relationship %q: %s joins more than two types", via.Key(), via.Child)
	}
}
