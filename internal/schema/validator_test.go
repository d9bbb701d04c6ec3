package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func TestValidateCreate(t *testing.T) {
	v := NewValidator(Blog())

	tests := []struct {
		name   string
		typ    string
		fields ir.IRObject
		field  string
	}{
		{"valid", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT")}, ""},
		{"optional present", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "rating": ir.IRInt(3)}, ""},
		{"missing required", "Post", ir.IRObject{"status": ir.IRString("DRAFT")}, "title"},
		{"null required", "Post", ir.IRObject{"title": ir.IRNull{}, "status": ir.IRString("DRAFT")}, "title"},
		{"empty required string", "Post", ir.IRObject{"title": ir.IRString(""), "status": ir.IRString("DRAFT")}, "title"},
		{"bad enum", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("ARCHIVED")}, "status"},
		{"wrong type", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "rating": ir.IRString("5")}, "rating"},
		{"unknown field", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "likes": ir.IRInt(1)}, "likes"},
		{"id in fields", "Comment", ir.IRObject{"id": ir.IRString("c1"), "postID": ir.IRString("p1"), "content": ir.IRString("x")}, "id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateCreate(tt.typ, tt.fields)
			if tt.field == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, ir.IsValidation(err))
			var e *ir.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, tt.field, e.Field)
		})
	}
}

func TestValidateUnknownType(t *testing.T) {
	v := NewValidator(Blog())
	err := v.ValidateCreate("Invoice", ir.IRObject{})
	assert.True(t, ir.IsValidation(err))
}

func TestValidatePatch(t *testing.T) {
	v := NewValidator(Blog())

	require.NoError(t, v.ValidatePatch("Post", ir.IRObject{"status": ir.IRString("PUBLISHED")}))
	require.NoError(t, v.ValidatePatch("Post", ir.IRObject{"rating": ir.IRNull{}}), "optional fields can be cleared")

	err := v.ValidatePatch("Post", ir.IRObject{"title": ir.IRNull{}})
	assert.True(t, ir.IsValidation(err))

	err = v.ValidatePatch("Post", ir.IRObject{"updatedAt": ir.IRString("x")})
	assert.True(t, ir.IsValidation(err))
}

func TestValidateMaxLength(t *testing.T) {
	c, err := NewStatic([]ir.EntityDef{{
		Name:   "Tag",
		Fields: []ir.FieldDef{{Name: "label", Type: ir.TypeString, MaxLength: 3}},
	}}, nil)
	require.NoError(t, err)
	v := NewValidator(c)

	require.NoError(t, v.ValidateCreate("Tag", ir.IRObject{"label": ir.IRString("abc")}))
	err = v.ValidateCreate("Tag", ir.IRObject{"label": ir.IRString("abcd")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "longer than 3")
}
