package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
)

func TestBlogCatalog(t *testing.T) {
	c := Blog()

	names := make([]string, 0)
	for _, def := range c.Entities() {
		names = append(names, def.Name)
	}
	assert.Equal(t, []string{"Post", "Comment", "User", "PostEditor"}, names)

	post, ok := c.Entity("Post")
	require.True(t, ok)
	title, ok := post.Field("title")
	require.True(t, ok)
	assert.True(t, title.Required)
	assert.Equal(t, ir.TypeString, title.Type)

	status, _ := post.Field("status")
	assert.Equal(t, []string{"DRAFT", "PUBLISHED"}, status.Enum)

	rating, _ := post.Field("rating")
	assert.False(t, rating.Required)
	assert.Equal(t, ir.TypeInt, rating.Type)
}

func TestBlogRelationships(t *testing.T) {
	c := Blog()

	comments, ok := Relationship(c, "Post", "comments")
	require.True(t, ok)
	assert.Equal(t, "Comment", comments.Child)
	assert.Equal(t, "postID", comments.ForeignKey)
	assert.True(t, comments.Cascade)

	posts, ok := Relationship(c, "User", "posts")
	require.True(t, ok)
	assert.False(t, posts.Cascade, "deleting a user keeps editor rows")

	assert.Len(t, ParentOf(c, "Post"), 2)
	assert.Len(t, ChildOf(c, "PostEditor"), 2)
}

func TestFarSideOfJoin(t *testing.T) {
	c := Blog()
	editors, _ := Relationship(c, "Post", "editors")

	far, err := Far(c, editors)
	require.NoError(t, err)
	assert.Equal(t, "User", far.Parent)
	assert.Equal(t, "editorID", far.ForeignKey)

	comments, _ := Relationship(c, "Post", "comments")
	_, err = Far(c, comments)
	assert.Error(t, err)
}

func TestNewStaticRejectsBadDefinitions(t *testing.T) {
	tests := []struct {
		name     string
		entities []ir.EntityDef
		rels     []ir.RelationshipDef
		errMsg   string
	}{
		{
			name:     "duplicate entity",
			entities: []ir.EntityDef{{Name: "A"}, {Name: "A"}},
			errMsg:   "defined twice",
		},
		{
			name:     "reserved field",
			entities: []ir.EntityDef{{Name: "A", Fields: []ir.FieldDef{{Name: "id", Type: ir.TypeID}}}},
			errMsg:   "reserved",
		},
		{
			name:     "unknown type",
			entities: []ir.EntityDef{{Name: "A", Fields: []ir.FieldDef{{Name: "x", Type: "Float"}}}},
			errMsg:   "unknown type",
		},
		{
			name:     "missing foreign key",
			entities: []ir.EntityDef{{Name: "A"}, {Name: "B"}},
			rels:     []ir.RelationshipDef{{Name: "bs", Parent: "A", Child: "B", ForeignKey: "aID"}},
			errMsg:   "has no field",
		},
		{
			name:     "unknown parent",
			entities: []ir.EntityDef{{Name: "B", Fields: []ir.FieldDef{{Name: "aID", Type: ir.TypeID}}}},
			rels:     []ir.RelationshipDef{{Name: "bs", Parent: "A", Child: "B", ForeignKey: "aID"}},
			errMsg:   "unknown parent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewStatic(tt.entities, tt.rels)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
