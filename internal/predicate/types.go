package predicate

import "github.com/roach88/replica/internal/ir"

// Predicate is a boolean expression over one entity.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Op is a comparison operator.
type Op string

const (
	OpEq          Op = "eq"
	OpNe          Op = "ne"
	OpLt          Op = "lt"
	OpLe          Op = "le"
	OpGt          Op = "gt"
	OpGe          Op = "ge"
	OpContains    Op = "contains"
	OpNotContains Op = "notContains"
	OpBeginsWith  Op = "beginsWith"
	OpBetween     Op = "between"
)

// compareOps are the operators accepted by Compare.
var compareOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true,
	OpContains: true, OpNotContains: true, OpBeginsWith: true,
}

// sizeOps are the operators accepted by Size.
var sizeOps = map[Op]bool{
	OpEq: true, OpNe: true, OpLt: true, OpLe: true, OpGt: true, OpGe: true, OpBetween: true,
}

// Compare tests a field against a value.
type Compare struct {
	Field string
	Op    Op
	Value ir.IRValue
}

func (Compare) predicateNode() {}

// Between is true when Low <= field <= High.
type Between struct {
	Field string
	Low   ir.IRValue
	High  ir.IRValue
}

func (Between) predicateNode() {}

// Exists tests presence (attributeExists). Want=false matches absent fields.
type Exists struct {
	Field string
	Want  bool
}

func (Exists) predicateNode() {}

// TypeIs tests the attribute type of a field (attributeType). Type is one of
// the ir.Attr* names.
type TypeIs struct {
	Field string
	Type  string
}

func (TypeIs) predicateNode() {}

// Size compares the size of a field (characters, elements or keys) with N.
// For OpBetween the range is N..Upper inclusive.
type Size struct {
	Field string
	Op    Op
	N     int64
	Upper int64
}

func (Size) predicateNode() {}

// And is true when every predicate is true. Empty And is true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or is true when any predicate is true. Empty Or is false.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}

// Not negates a predicate.
type Not struct {
	Predicate Predicate
}

func (Not) predicateNode() {}

// All matches every entity.
var All Predicate = And{}

// Eq is shorthand for Compare{field, OpEq, v}.
func Eq(field string, v ir.IRValue) Compare {
	return Compare{Field: field, Op: OpEq, Value: v}
}

// Gt is shorthand for Compare{field, OpGt, v}.
func Gt(field string, v ir.IRValue) Compare {
	return Compare{Field: field, Op: OpGt, Value: v}
}
