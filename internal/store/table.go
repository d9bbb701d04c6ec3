package store

import (
	"slices"

	"github.com/roach88/replica/internal/ir"
)

// row is an immutable stored version of an entity. seq is the insertion
// ordinal; it survives replacement and orders scans.
type row struct {
	seq    int64
	entity ir.Entity
}

type table struct {
	def   ir.EntityDef
	rows  map[string]*row
	order []*row // sorted by seq
}

func newTable(def ir.EntityDef) *table {
	return &table{def: def, rows: make(map[string]*row)}
}

func (t *table) position(seq int64) (int, bool) {
	return slices.BinarySearchFunc(t.order, seq, func(r *row, s int64) int {
		switch {
		case r.seq < s:
			return -1
		case r.seq > s:
			return 1
		}
		return 0
	})
}

// set stores r under id (nil removes) and returns the previous row.
func (t *table) set(id string, r *row) *row {
	old := t.rows[id]
	if old != nil {
		if r != nil && r.seq == old.seq {
			i, _ := t.position(old.seq)
			t.order[i] = r
			t.rows[id] = r
			return old
		}
		if i, ok := t.position(old.seq); ok {
			t.order = slices.Delete(t.order, i, i+1)
		}
		delete(t.rows, id)
	}
	if r != nil {
		i, _ := t.position(r.seq)
		t.order = slices.Insert(t.order, i, r)
		t.rows[id] = r
	}
	return old
}

// snapshot returns the current rows in insertion order. Rows are immutable,
// so the slice is safe to read after the lock is released.
func (t *table) snapshot() []*row {
	return slices.Clone(t.order)
}
