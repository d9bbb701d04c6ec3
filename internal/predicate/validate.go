package predicate

import (
	"fmt"

	"github.com/roach88/replica/internal/ir"
)

// virtualFields are the store-maintained fields every entity exposes.
var virtualFields = map[string]ir.FieldType{
	ir.FieldID:        ir.TypeID,
	ir.FieldCreatedAt: ir.TypeString,
	ir.FieldUpdatedAt: ir.TypeString,
}

func fieldType(def ir.EntityDef, name string) (ir.FieldType, bool) {
	if t, ok := virtualFields[name]; ok {
		return t, true
	}
	f, ok := def.Field(name)
	return f.Type, ok
}

func ordered(t ir.FieldType) bool {
	switch t {
	case ir.TypeID, ir.TypeString, ir.TypeEnum, ir.TypeInt, ir.TypeBoolean:
		return true
	}
	return false
}

func textual(t ir.FieldType) bool {
	switch t {
	case ir.TypeID, ir.TypeString, ir.TypeEnum:
		return true
	}
	return false
}

// Validate checks p against an entity definition: every referenced field
// must exist and every operator must apply to the field's type. Operands
// must have the field's type, except contains/notContains on lists, which
// take any element value. Errors are ValidationErrors.
func Validate(p Predicate, def ir.EntityDef) error {
	switch pred := p.(type) {
	case nil:
		return nil
	case And:
		for _, sub := range pred.Predicates {
			if err := Validate(sub, def); err != nil {
				return err
			}
		}
		return nil
	case Or:
		for _, sub := range pred.Predicates {
			if err := Validate(sub, def); err != nil {
				return err
			}
		}
		return nil
	case Not:
		if pred.Predicate == nil {
			return ir.ValidationError(def.Name, "", "not without operand")
		}
		return Validate(pred.Predicate, def)
	case Exists:
		_, err := lookup(def, pred.Field)
		return err
	case TypeIs:
		if _, err := lookup(def, pred.Field); err != nil {
			return err
		}
		if !attributeTypes[pred.Type] {
			return ir.ValidationError(def.Name, pred.Field, "unknown attribute type %q", pred.Type)
		}
		return nil
	case Size:
		t, err := lookup(def, pred.Field)
		if err != nil {
			return err
		}
		if !textual(t) && t != ir.TypeList && t != ir.TypeMap {
			return ir.ValidationError(def.Name, pred.Field, "size does not apply to %s fields", t)
		}
		if !sizeOps[pred.Op] {
			return ir.ValidationError(def.Name, pred.Field, "unknown size operator %q", pred.Op)
		}
		return nil
	case Between:
		t, err := lookup(def, pred.Field)
		if err != nil {
			return err
		}
		if !ordered(t) {
			return ir.ValidationError(def.Name, pred.Field, "between does not apply to %s fields", t)
		}
		for _, v := range []ir.IRValue{pred.Low, pred.High} {
			if v == nil || !t.Accepts(v) {
				return ir.ValidationError(def.Name, pred.Field, "between bound %s does not match field type %s", describe(v), t)
			}
		}
		return nil
	case Compare:
		return validateCompare(pred, def)
	}
	return ir.ValidationError(def.Name, "", "unknown predicate %T", p)
}

func validateCompare(c Compare, def ir.EntityDef) error {
	t, err := lookup(def, c.Field)
	if err != nil {
		return err
	}
	if c.Value == nil || ir.IsNull(c.Value) {
		return ir.ValidationError(def.Name, c.Field, "%s has no operand", c.Op)
	}
	switch c.Op {
	case OpEq, OpNe:
	case OpLt, OpLe, OpGt, OpGe:
		if !ordered(t) {
			return ir.ValidationError(def.Name, c.Field, "%s does not apply to %s fields", c.Op, t)
		}
	case OpContains, OpNotContains:
		if t == ir.TypeList {
			return nil
		}
		if !textual(t) {
			return ir.ValidationError(def.Name, c.Field, "%s does not apply to %s fields", c.Op, t)
		}
		if _, ok := c.Value.(ir.IRString); !ok {
			return ir.ValidationError(def.Name, c.Field, "%s takes a string, got %s", c.Op, describe(c.Value))
		}
		return nil
	case OpBeginsWith:
		if !textual(t) {
			return ir.ValidationError(def.Name, c.Field, "beginsWith does not apply to %s fields", t)
		}
	default:
		return ir.ValidationError(def.Name, c.Field, "unknown operator %q", c.Op)
	}
	if !t.Accepts(c.Value) {
		return ir.ValidationError(def.Name, c.Field, "operand %s does not match field type %s", describe(c.Value), t)
	}
	if t == ir.TypeEnum && (c.Op == OpEq || c.Op == OpNe) {
		f, _ := def.Field(c.Field)
		s := string(c.Value.(ir.IRString))
		for _, allowed := range f.Enum {
			if allowed == s {
				return nil
			}
		}
		return ir.ValidationError(def.Name, c.Field, "%q is not one of %v", s, f.Enum)
	}
	return nil
}

// ValidateSort checks that every key names a scalar field of def.
func ValidateSort(keys []SortKey, def ir.EntityDef) error {
	for _, k := range keys {
		t, err := lookup(def, k.Field)
		if err != nil {
			return err
		}
		if !ordered(t) {
			return ir.ValidationError(def.Name, k.Field, "cannot sort by %s field", t)
		}
		if k.Direction != Asc && k.Direction != Desc {
			return ir.ValidationError(def.Name, k.Field, "sort direction must be ASC or DESC")
		}
	}
	return nil
}

func lookup(def ir.EntityDef, field string) (ir.FieldType, error) {
	t, ok := fieldType(def, field)
	if !ok {
		return "", ir.ValidationError(def.Name, field, "unknown field")
	}
	return t, nil
}

func describe(v ir.IRValue) string {
	if v == nil {
		return "nothing"
	}
	return fmt.Sprintf("%s value", ir.AttributeType(v))
}
