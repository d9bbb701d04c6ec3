package predicate

import (
	"fmt"
	"strings"

	"github.com/roach88/replica/internal/ir"
)

// Eval reports whether e satisfies p. A nil predicate matches everything.
func Eval(p Predicate, e ir.Entity) bool {
	switch pred := p.(type) {
	case nil:
		return true
	case And:
		for _, sub := range pred.Predicates {
			if !Eval(sub, e) {
				return false
			}
		}
		return true
	case Or:
		for _, sub := range pred.Predicates {
			if Eval(sub, e) {
				return true
			}
		}
		return false
	case Not:
		return !Eval(pred.Predicate, e)
	case Exists:
		_, ok := e.Field(pred.Field)
		return ok == pred.Want
	case Compare:
		v, ok := e.Field(pred.Field)
		return ok && compare(pred.Op, v, pred.Value)
	case Between:
		v, ok := e.Field(pred.Field)
		if !ok {
			return false
		}
		lo, okLo := ir.Compare(v, pred.Low)
		hi, okHi := ir.Compare(v, pred.High)
		return okLo && okHi && lo >= 0 && hi <= 0
	case TypeIs:
		v, ok := e.Field(pred.Field)
		return ok && ir.AttributeType(v) == pred.Type
	case Size:
		v, ok := e.Field(pred.Field)
		if !ok {
			return false
		}
		n, ok := ir.Size(v)
		if !ok {
			return false
		}
		if pred.Op == OpBetween {
			return n >= pred.N && n <= pred.Upper
		}
		return compare(pred.Op, ir.IRInt(n), ir.IRInt(pred.N))
	default:
		panic(fmt.Sprintf("predicate: unknown node %T", p))
	}
}

// compare applies a Compare operator to a present field value.
func compare(op Op, field, value ir.IRValue) bool {
	switch op {
	case OpEq, OpNe:
		if ir.AttributeType(field) != ir.AttributeType(value) {
			return false
		}
		eq := ir.Equal(field, value)
		if op == OpEq {
			return eq
		}
		return !eq
	case OpLt, OpLe, OpGt, OpGe:
		c, ok := ir.Compare(field, value)
		if !ok {
			return false
		}
		switch op {
		case OpLt:
			return c < 0
		case OpLe:
			return c <= 0
		case OpGt:
			return c > 0
		}
		return c >= 0
	case OpContains, OpNotContains:
		has, ok := contains(field, value)
		if !ok {
			return false
		}
		if op == OpContains {
			return has
		}
		return !has
	case OpBeginsWith:
		s, ok1 := field.(ir.IRString)
		prefix, ok2 := value.(ir.IRString)
		return ok1 && ok2 && strings.HasPrefix(string(s), string(prefix))
	}
	return false
}

// contains reports substring or element membership; ok is false when the
// operands have no containment relation.
func contains(field, value ir.IRValue) (has, ok bool) {
	switch f := field.(type) {
	case ir.IRString:
		sub, isStr := value.(ir.IRString)
		if !isStr {
			return false, false
		}
		return strings.Contains(string(f), string(sub)), true
	case ir.IRArray:
		for _, elem := range f {
			if ir.Equal(elem, value) {
				return true, true
			}
		}
		return false, true
	}
	return false, false
}
