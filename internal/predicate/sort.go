package predicate

import (
	"slices"

	"github.com/roach88/replica/internal/ir"
)

// Direction is a sort direction.
type Direction string

const (
	Asc  Direction = "ASC"
	Desc Direction = "DESC"
)

// SortKey orders by one field.
type SortKey struct {
	Field     string    `json:"field"`
	Direction Direction `json:"direction"`
}

// CompareEntities orders a and b by keys lexicographically. Absent fields
// sort before any value regardless of direction.
func CompareEntities(keys []SortKey, a, b ir.Entity) int {
	for _, k := range keys {
		av, aok := a.Field(k.Field)
		bv, bok := b.Field(k.Field)
		var c int
		switch {
		case !aok && !bok:
			c = 0
		case !aok:
			return -1
		case !bok:
			return 1
		default:
			c = ir.Order(av, bv)
			if k.Direction == Desc {
				c = -c
			}
		}
		if c != 0 {
			return c
		}
	}
	return 0
}

// Sort orders entities in place. The sort is stable: ties keep their input
// order, which for store scans is insertion order.
func Sort(entities []ir.Entity, keys []SortKey) {
	if len(keys) == 0 {
		return
	}
	slices.SortStableFunc(entities, func(a, b ir.Entity) int {
		return CompareEntities(keys, a, b)
	})
}
