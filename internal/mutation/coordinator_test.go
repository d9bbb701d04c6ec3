package mutation

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
)

type recordingSink struct {
	fail      error
	mutations []ir.Mutation
}

func (s *recordingSink) Enqueue(tx *store.Tx, m ir.Mutation) error {
	if s.fail != nil {
		return s.fail
	}
	tx.OnCommit(func() { s.mutations = append(s.mutations, m) })
	return nil
}

type recordingPublisher struct {
	notes []ir.Notification
}

func (p *recordingPublisher) Publish(n ir.Notification) {
	p.notes = append(p.notes, n)
}

type fixture struct {
	store *store.Store
	coord *Coordinator
	sink  *recordingSink
	pub   *recordingPublisher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store: store.New(schema.Blog(), store.WithClock(testutil.NewDeterministicClock())),
		sink:  &recordingSink{},
		pub:   &recordingPublisher{},
	}
	opts = append([]Option{
		WithIDGenerator(testutil.NewSequentialIDGenerator("e")),
		WithMutationIDGenerator(testutil.NewSequentialIDGenerator("m")),
		WithSink(f.sink),
		WithPublisher(f.pub),
	}, opts...)
	f.coord = New(f.store, opts...)
	return f
}

func postFields(title, status string) ir.IRObject {
	return ir.IRObject{"title": ir.IRString(title), "status": ir.IRString(status)}
}

func TestCreate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	created, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"))
	require.NoError(t, err)
	assert.Equal(t, "e-1", created.ID)
	assert.Equal(t, "Post", created.Type)
	assert.Equal(t, testutil.At(1), created.CreatedAt)

	got, err := f.store.Get("Post", created.ID)
	require.NoError(t, err)
	assert.Equal(t, created, got)

	require.Len(t, f.sink.mutations, 1)
	m := f.sink.mutations[0]
	assert.Equal(t, "m-1", m.ID)
	assert.Equal(t, ir.OpCreate, m.Op)
	assert.Equal(t, ir.Key{Type: "Post", ID: "e-1"}, m.Key())
	assert.True(t, f.coord.Tracker().Pending(m.Key()))

	require.Len(t, f.pub.notes, 1)
	assert.Equal(t, ir.OriginLocal, f.pub.notes[0].Origin)
	assert.Equal(t, "m-1", f.pub.notes[0].MutationID)
}

func TestCreate_UniqueIDs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithIDGenerator(UUIDv7Generator{}))

	seen := make(map[string]bool)
	for range 50 {
		e, err := f.coord.Create(ctx, "User", ir.IRObject{"username": ir.IRString("u")})
		require.NoError(t, err)
		require.False(t, seen[e.ID], "duplicate id %s", e.ID)
		seen[e.ID] = true

		got, err := f.store.Get("User", e.ID)
		require.NoError(t, err)
		assert.Equal(t, e, got)
	}
}

func TestCreate_RedrawsOnCollision(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, WithIDGenerator(testutil.NewFixedIDGenerator("x", "x", "y")))

	a, err := f.coord.Create(ctx, "User", ir.IRObject{"username": ir.IRString("a")})
	require.NoError(t, err)
	b, err := f.coord.Create(ctx, "User", ir.IRObject{"username": ir.IRString("b")})
	require.NoError(t, err)
	assert.Equal(t, "x", a.ID)
	assert.Equal(t, "y", b.ID)
}

func TestCreate_ExplicitID(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	e, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"), WithID("p1"))
	require.NoError(t, err)
	assert.Equal(t, "p1", e.ID)

	_, err = f.coord.Create(ctx, "Post", postFields("B", "DRAFT"), WithID("p1"))
	require.Error(t, err)
	assert.True(t, ir.IsValidation(err))
	assert.Equal(t, 1, f.store.Len("Post"))
}

func TestCreate_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name   string
		typ    string
		fields ir.IRObject
		field  string
	}{
		{"missing title", "Post", ir.IRObject{"status": ir.IRString("DRAFT")}, "title"},
		{"missing status", "Post", ir.IRObject{"title": ir.IRString("A")}, "status"},
		{"bad enum", "Post", postFields("A", "ARCHIVED"), "status"},
		{"wrong type", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "rating": ir.IRString("5")}, "rating"},
		{"unknown field", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "likes": ir.IRInt(1)}, "likes"},
		{"id as field", "Post", ir.IRObject{"title": ir.IRString("A"), "status": ir.IRString("DRAFT"), "id": ir.IRString("p9")}, "id"},
		{"empty username", "User", ir.IRObject{"username": ir.IRString("")}, "username"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.coord.Create(ctx, tt.typ, tt.fields)
			require.Error(t, err)
			var e *ir.Error
			require.ErrorAs(t, err, &e)
			assert.Equal(t, ir.CodeValidation, e.Code)
			assert.Equal(t, tt.field, e.Field)
		})
	}

	_, err := f.coord.Create(ctx, "Ghost", ir.IRObject{})
	assert.True(t, ir.IsValidation(err))

	assert.Zero(t, f.store.Len("Post"))
	assert.Empty(t, f.sink.mutations)
	assert.Empty(t, f.pub.notes)
}

func TestUpdate_MergesFields(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.coord.Create(ctx, "Post", ir.IRObject{
		"title":   ir.IRString("A"),
		"status":  ir.IRString("DRAFT"),
		"content": ir.IRString("body"),
		"rating":  ir.IRInt(1),
	})
	require.NoError(t, err)

	updated, err := f.coord.Update(ctx, "Post", p.ID, ir.IRObject{
		"status":  ir.IRString("PUBLISHED"),
		"content": ir.IRNull{},
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, ir.IRObject{
		"title":  ir.IRString("A"),
		"status": ir.IRString("PUBLISHED"),
		"rating": ir.IRInt(1),
	}, updated.Fields)
	assert.Equal(t, p.CreatedAt, updated.CreatedAt)
	assert.True(t, updated.UpdatedAt.After(p.UpdatedAt))

	require.Len(t, f.sink.mutations, 2)
	m := f.sink.mutations[1]
	assert.Equal(t, ir.OpUpdate, m.Op)
	assert.Equal(t, ir.IRObject{"status": ir.IRString("PUBLISHED"), "content": ir.IRNull{}}, m.Fields)
}

func TestUpdate_Errors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	p, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"))
	require.NoError(t, err)

	_, err = f.coord.Update(ctx, "Post", "nope", ir.IRObject{"title": ir.IRString("B")}, nil)
	assert.True(t, ir.IsNotFound(err))

	_, err = f.coord.Update(ctx, "Post", p.ID, ir.IRObject{"title": ir.IRNull{}}, nil)
	assert.True(t, ir.IsValidation(err))

	_, err = f.coord.Update(ctx, "Post", p.ID, ir.IRObject{"id": ir.IRString("other")}, nil)
	assert.True(t, ir.IsValidation(err))

	_, err = f.coord.Update(ctx, "Post", p.ID, ir.IRObject{"title": ir.IRString("B")}, predicate.Eq("ghost", ir.IRInt(1)))
	assert.True(t, ir.IsValidation(err))
}

func TestUpdate_FalseConditionLeavesStoreUnchanged(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	p, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"), WithID("p1"))
	require.NoError(t, err)
	p, err = f.coord.Update(ctx, "Post", "p1", ir.IRObject{"status": ir.IRString("PUBLISHED")}, nil)
	require.NoError(t, err)
	before, err := ir.MarshalCanonical(p)
	require.NoError(t, err)
	mutations := len(f.sink.mutations)

	_, err = f.coord.Update(ctx, "Post", "p1",
		ir.IRObject{"status": ir.IRString("PUBLISHED")},
		predicate.Eq("status", ir.IRString("DRAFT")))
	require.Error(t, err)
	assert.True(t, ir.IsConditionFailed(err))

	got, err := f.store.Get("Post", "p1")
	require.NoError(t, err)
	after, err := ir.MarshalCanonical(got)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
	assert.Equal(t, ir.IRString("PUBLISHED"), got.Fields["status"])
	assert.Equal(t, p.UpdatedAt, got.UpdatedAt)
	assert.Len(t, f.sink.mutations, mutations)
}

func TestUpdate_TrueCondition(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"), WithID("p1"))
	require.NoError(t, err)

	got, err := f.coord.Update(ctx, "Post", "p1",
		ir.IRObject{"status": ir.IRString("PUBLISHED")},
		predicate.Eq("status", ir.IRString("DRAFT")))
	require.NoError(t, err)
	assert.Equal(t, ir.IRString("PUBLISHED"), got.Fields["status"])

	m := f.sink.mutations[len(f.sink.mutations)-1]
	assert.JSONEq(t, `{"status":{"eq":"DRAFT"}}`, string(m.Condition))
}

func TestDelete_CascadesPostChildren(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"), WithID("p1"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "Post", postFields("B", "DRAFT"), WithID("p2"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "Comment", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("hi")}, WithID("c1"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "Comment", ir.IRObject{"postID": ir.IRString("p2"), "content": ir.IRString("keep")}, WithID("c2"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "User", ir.IRObject{"username": ir.IRString("ann")}, WithID("u1"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "PostEditor", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("u1")}, WithID("pe1"))
	require.NoError(t, err)

	d, err := f.coord.Delete(ctx, "Post", "p1", nil)
	require.NoError(t, err)
	assert.Equal(t, "p1", d.Entity.ID)
	var cascaded []string
	for _, c := range d.Cascaded {
		cascaded = append(cascaded, c.Type+"/"+c.ID)
	}
	assert.Equal(t, []string{"Comment/c1", "PostEditor/pe1"}, cascaded)

	_, err = f.store.Get("Comment", "c1")
	assert.True(t, ir.IsNotFound(err))
	_, err = f.store.Get("PostEditor", "pe1")
	assert.True(t, ir.IsNotFound(err))
	_, err = f.store.Get("Comment", "c2")
	assert.NoError(t, err)
	_, err = f.store.Get("User", "u1")
	assert.NoError(t, err)

	err = f.store.View(func(tx *store.ReadTx) error {
		comments, err := tx.ChildrenOf("Post", "p1", "comments")
		require.NoError(t, err)
		assert.Empty(t, comments)
		editors, err := tx.ChildrenOf("User", "u1", "posts")
		require.NoError(t, err)
		assert.Empty(t, editors)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, f.store.VerifyIndex())

	last := f.pub.notes[len(f.pub.notes)-3:]
	assert.Equal(t, "p1", last[0].Entity.ID)
	assert.Equal(t, "c1", last[1].Entity.ID)
	assert.Equal(t, "pe1", last[2].Entity.ID)
	for _, n := range last {
		assert.Equal(t, ir.OpDelete, n.Op)
	}
}

func TestDelete_UserDoesNotCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.Create(ctx, "User", ir.IRObject{"username": ir.IRString("ann")}, WithID("u1"))
	require.NoError(t, err)
	_, err = f.coord.Create(ctx, "PostEditor", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("u1")}, WithID("pe1"))
	require.NoError(t, err)

	d, err := f.coord.Delete(ctx, "User", "u1", nil)
	require.NoError(t, err)
	assert.Empty(t, d.Cascaded)

	_, err = f.store.Get("PostEditor", "pe1")
	assert.NoError(t, err)
}

func TestDelete_Conditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.coord.Create(ctx, "Post", postFields("A", "PUBLISHED"), WithID("p1"))
	require.NoError(t, err)

	_, err = f.coord.Delete(ctx, "Post", "p1", predicate.Eq("status", ir.IRString("DRAFT")))
	assert.True(t, ir.IsConditionFailed(err))
	_, err = f.store.Get("Post", "p1")
	require.NoError(t, err)

	_, err = f.coord.Delete(ctx, "Post", "p1", predicate.Eq("status", ir.IRString("PUBLISHED")))
	require.NoError(t, err)

	_, err = f.coord.Delete(ctx, "Post", "p1", nil)
	assert.True(t, ir.IsNotFound(err))
}

func TestDeleteWhere(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	for _, id := range []string{"p1", "p2", "p3"} {
		status := "DRAFT"
		if id == "p2" {
			status = "PUBLISHED"
		}
		_, err := f.coord.Create(ctx, "Post", postFields(id, status), WithID(id))
		require.NoError(t, err)
	}
	_, err := f.coord.Create(ctx, "Comment", ir.IRObject{"postID": ir.IRString("p3"), "content": ir.IRString("x")}, WithID("c1"))
	require.NoError(t, err)

	deleted, err := f.coord.DeleteWhere(ctx, "Post", predicate.Eq("status", ir.IRString("DRAFT")))
	require.NoError(t, err)
	require.Len(t, deleted, 2)
	assert.Equal(t, "p1", deleted[0].Entity.ID)
	assert.Equal(t, "p3", deleted[1].Entity.ID)
	assert.Len(t, deleted[1].Cascaded, 1)
	assert.Equal(t, 1, f.store.Len("Post"))
	assert.Zero(t, f.store.Len("Comment"))

	all, err := f.coord.DeleteWhere(ctx, "Post", predicate.All)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Zero(t, f.store.Len("Post"))
}

func TestSinkFailureAbortsCommit(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.sink.fail = errors.New("disk full")

	_, err := f.coord.Create(ctx, "Post", postFields("A", "DRAFT"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
	assert.Zero(t, f.store.Len("Post"))
	assert.Empty(t, f.pub.notes)
	assert.Zero(t, f.coord.Tracker().Len())
}

func TestWithoutSinkNothingIsPending(t *testing.T) {
	ctx := context.Background()
	s := store.New(schema.Blog())
	c := New(s)

	e, err := c.Create(ctx, "User", ir.IRObject{"username": ir.IRString("ann")})
	require.NoError(t, err)
	assert.Len(t, e.ID, 36)
	assert.False(t, c.Tracker().Pending(e.Key()))
}
