package schema

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/roach88/replica/internal/ir"
)

// Validator checks field maps against entity definitions. Type checks are
// done here; presence, enum and length rules are expressed as
// go-playground/validator tags.
type Validator struct {
	catalog  Catalog
	validate *validator.Validate
}

// NewValidator creates a validator for the catalog.
func NewValidator(c Catalog) *Validator {
	return &Validator{catalog: c, validate: validator.New()}
}

// Catalog returns the catalog the validator checks against.
func (v *Validator) Catalog() Catalog {
	return v.catalog
}

// Def returns the definition for entityType or a validation error.
func (v *Validator) Def(entityType string) (ir.EntityDef, error) {
	def, ok := v.catalog.Entity(entityType)
	if !ok {
		return ir.EntityDef{}, ir.ValidationError(entityType, "", "unknown entity type")
	}
	return def, nil
}

// ValidateCreate checks a complete field set for a new entity.
// Null values are treated as absent.
func (v *Validator) ValidateCreate(entityType string, fields ir.IRObject) error {
	def, err := v.Def(entityType)
	if err != nil {
		return err
	}
	if err := v.checkKnown(def, fields); err != nil {
		return err
	}
	for _, f := range def.Fields {
		val, present := fields[f.Name]
		if !present || ir.IsNull(val) {
			if f.Required {
				return ir.ValidationError(def.Name, f.Name, "required field missing")
			}
			continue
		}
		if err := v.checkValue(def.Name, f, val); err != nil {
			return err
		}
	}
	return nil
}

// ValidatePatch checks a partial update. Null clears an optional field and
// is rejected for required ones.
func (v *Validator) ValidatePatch(entityType string, patch ir.IRObject) error {
	def, err := v.Def(entityType)
	if err != nil {
		return err
	}
	if err := v.checkKnown(def, patch); err != nil {
		return err
	}
	for _, name := range patch.SortedKeys() {
		f, _ := def.Field(name)
		val := patch[name]
		if ir.IsNull(val) {
			if f.Required {
				return ir.ValidationError(def.Name, f.Name, "required field cannot be cleared")
			}
			continue
		}
		if err := v.checkValue(def.Name, f, val); err != nil {
			return err
		}
	}
	return nil
}

func (v *Validator) checkKnown(def ir.EntityDef, fields ir.IRObject) error {
	for _, name := range fields.SortedKeys() {
		if name == ir.FieldID {
			return ir.ValidationError(def.Name, name, "id is immutable and cannot be set as a field")
		}
		if ir.IsVirtualField(name) {
			return ir.ValidationError(def.Name, name, "field is maintained by the store")
		}
		if _, ok := def.Field(name); !ok {
			return ir.ValidationError(def.Name, name, "unknown field")
		}
	}
	return nil
}

func (v *Validator) checkValue(entityType string, f ir.FieldDef, val ir.IRValue) error {
	if !f.Type.Accepts(val) {
		return ir.ValidationError(entityType, f.Name, "expected %s, got %s", f.Type, ir.AttributeType(val))
	}
	tag := tagFor(f)
	if tag == "" {
		return nil
	}
	if err := v.validate.Var(ir.ToAny(val), tag); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return ir.ValidationError(entityType, f.Name, "%s", describe(f, verrs[0]))
		}
		return &ir.Error{Code: ir.CodeValidation, Type: entityType, Field: f.Name, Message: "invalid value", Err: err}
	}
	return nil
}

// tagFor builds the validator tag for a field definition.
func tagFor(f ir.FieldDef) string {
	var tags []string
	if f.Required && (f.Type == ir.TypeString || f.Type == ir.TypeID) {
		tags = append(tags, "required")
	}
	if len(f.Enum) > 0 {
		tags = append(tags, "oneof="+strings.Join(f.Enum, " "))
	}
	if f.MaxLength > 0 {
		tags = append(tags, fmt.Sprintf("max=%d", f.MaxLength))
	}
	return strings.Join(tags, ",")
}

func describe(f ir.FieldDef, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required field is empty"
	case "oneof":
		return fmt.Sprintf("value %v is not one of %s", fe.Value(), strings.Join(f.Enum, ", "))
	case "max":
		return fmt.Sprintf("longer than %d characters", f.MaxLength)
	}
	return fmt.Sprintf("failed %q check", fe.Tag())
}
