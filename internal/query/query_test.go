package query

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/predicate"
	"github.com/roach88/replica/internal/schema"
	"github.com/roach88/replica/internal/store"
	"github.com/roach88/replica/internal/testutil"
)

type fixture struct {
	t *testing.T
	s *store.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return &fixture{t: t, s: store.New(schema.Blog(), store.WithClock(testutil.NewDeterministicClock()))}
}

func (f *fixture) put(typ, id string, fields ir.IRObject) {
	f.t.Helper()
	_, err := f.s.Put(context.Background(), typ, ir.Entity{ID: id, Fields: fields})
	require.NoError(f.t, err)
}

func (f *fixture) post(id, title string, rating ir.IRValue) {
	f.t.Helper()
	fields := ir.IRObject{"title": ir.IRString(title), "status": ir.IRString("DRAFT")}
	if rating != nil {
		fields["rating"] = rating
	}
	f.put("Post", id, fields)
}

func (f *fixture) run(req Request) (Page, error) {
	f.t.Helper()
	var page Page
	err := f.s.View(func(tx *store.ReadTx) error {
		var err error
		page, err = Run(tx, req)
		return err
	})
	return page, err
}

func ids(entities []ir.Entity) []string {
	out := make([]string, 0, len(entities))
	for _, e := range entities {
		out = append(out, e.ID)
	}
	return out
}

func TestRun_FilterAndSort(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "B", ir.IRInt(2))
	f.post("p2", "A", ir.IRInt(1))
	f.post("p3", "Z", ir.IRInt(0))
	f.post("p4", "C", ir.IRInt(2))
	f.post("p5", "A", nil)
	f.post("p6", "A", ir.IRInt(2))

	page, err := f.run(Request{
		Type:   "Post",
		Filter: predicate.Gt("rating", ir.IRInt(0)),
		Sort:   []predicate.SortKey{{Field: "rating", Direction: predicate.Asc}, {Field: "title", Direction: predicate.Desc}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p4", "p1", "p6"}, ids(page.Items))
	assert.Empty(t, page.NextCursor)

	var prev ir.Entity
	for i, e := range page.Items {
		if i > 0 {
			pr, _ := prev.Field("rating")
			cr, _ := e.Field("rating")
			require.LessOrEqual(t, int64(pr.(ir.IRInt)), int64(cr.(ir.IRInt)))
			if pr == cr {
				require.GreaterOrEqual(t, prev.StringField("title"), e.StringField("title"))
			}
		}
		prev = e
	}
}

func TestRun_NoSortIsInsertionOrder(t *testing.T) {
	f := newFixture(t)
	f.post("z", "A", nil)
	f.post("a", "B", nil)
	f.post("m", "C", nil)

	page, err := f.run(Request{Type: "Post"})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, ids(page.Items))
}

func TestRun_PaginationLimitOne(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", nil)
	f.post("p2", "B", nil)
	f.post("p3", "C", nil)

	all, err := f.run(Request{Type: "Post"})
	require.NoError(t, err)

	var pages [][]string
	var concat []string
	req := Request{Type: "Post", Limit: 1}
	for {
		page, err := f.run(req)
		require.NoError(t, err)
		pages = append(pages, ids(page.Items))
		concat = append(concat, ids(page.Items)...)
		if page.NextCursor == "" {
			break
		}
		req = Request{Type: "Post", Cursor: page.NextCursor}
		require.Less(t, len(pages), 10)
	}

	assert.Equal(t, [][]string{{"p1"}, {"p2"}, {"p3"}}, pages)
	assert.Equal(t, ids(all.Items), concat)
}

func TestRun_PaginationWithSortTies(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c", "d", "e"} {
		f.post(id, "T", ir.IRInt(int64(i%2)))
	}
	sort := []predicate.SortKey{{Field: "rating", Direction: predicate.Desc}}

	var got []string
	req := Request{Type: "Post", Sort: sort, Limit: 2}
	for {
		page, err := f.run(req)
		require.NoError(t, err)
		got = append(got, ids(page.Items)...)
		if page.NextCursor == "" {
			break
		}
		req = Request{Type: "Post", Sort: sort, Cursor: page.NextCursor}
	}
	assert.Equal(t, []string{"b", "d", "a", "c", "e"}, got)
}

func TestRun_StaleCursor(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", nil)
	f.post("p2", "B", nil)
	f.post("p3", "C", nil)

	page, err := f.run(Request{Type: "Post", Limit: 1})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, ids(page.Items))

	// Deleting a key the cursor does not reference leaves it valid.
	_, err = f.s.Delete(context.Background(), "Post", "p3")
	require.NoError(t, err)
	next, err := f.run(Request{Type: "Post", Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2"}, ids(next.Items))

	_, err = f.s.Delete(context.Background(), "Post", "p1")
	require.NoError(t, err)
	_, err = f.run(Request{Type: "Post", Cursor: page.NextCursor})
	require.Error(t, err)
	assert.True(t, ir.IsStaleCursor(err))

	var e *ir.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, "p1", e.ID)
}

func TestRun_CursorForDifferentQuery(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", ir.IRInt(1))
	f.post("p2", "B", ir.IRInt(2))

	page, err := f.run(Request{Type: "Post", Limit: 1})
	require.NoError(t, err)
	require.NotEmpty(t, page.NextCursor)

	_, err = f.run(Request{Type: "Post", Filter: predicate.Gt("rating", ir.IRInt(0)), Cursor: page.NextCursor})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Post", Cursor: "%%%"})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Post", Cursor: "e30"}) // {}
	assert.True(t, ir.IsValidation(err))
}

func TestRun_ExplicitLimitOverridesCursor(t *testing.T) {
	f := newFixture(t)
	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		f.post(id, id, nil)
	}
	page, err := f.run(Request{Type: "Post", Limit: 1})
	require.NoError(t, err)

	next, err := f.run(Request{Type: "Post", Limit: 5, Cursor: page.NextCursor})
	require.NoError(t, err)
	assert.Equal(t, []string{"p2", "p3", "p4"}, ids(next.Items))
	assert.Empty(t, next.NextCursor)
}

func TestRun_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.run(Request{Type: "Ghost"})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Post", Filter: predicate.Eq("ghost", ir.IRInt(1))})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Post", Sort: []predicate.SortKey{{Field: "ghost", Direction: predicate.Asc}}})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Post", Limit: -1})
	assert.True(t, ir.IsValidation(err))
}

func TestRun_Parent(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", nil)
	f.post("p2", "B", nil)
	f.put("Comment", "c1", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("one")})
	f.put("Comment", "c2", ir.IRObject{"postID": ir.IRString("p2"), "content": ir.IRString("two")})
	f.put("Comment", "c3", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("three")})

	parent := &ParentRef{Type: "Post", ID: "p1", Relationship: "comments"}
	page, err := f.run(Request{Type: "Comment", Parent: parent})
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c3"}, ids(page.Items))

	page, err = f.run(Request{
		Type:   "Comment",
		Parent: parent,
		Filter: predicate.Compare{Field: "content", Op: predicate.OpBeginsWith, Value: ir.IRString("th")},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"c3"}, ids(page.Items))

	_, err = f.run(Request{Type: "User", Parent: parent})
	assert.True(t, ir.IsValidation(err))

	_, err = f.run(Request{Type: "Comment", Parent: &ParentRef{Type: "Post", ID: "p1", Relationship: "ghosts"}})
	assert.True(t, ir.IsValidation(err))
}

func TestRun_ParentCursorScopedToParent(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", nil)
	f.post("p2", "B", nil)
	f.put("Comment", "c1", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("x")})
	f.put("Comment", "c2", ir.IRObject{"postID": ir.IRString("p1"), "content": ir.IRString("y")})

	p1 := &ParentRef{Type: "Post", ID: "p1", Relationship: "comments"}
	page, err := f.run(Request{Type: "Comment", Parent: p1, Limit: 1})
	require.NoError(t, err)

	p2 := &ParentRef{Type: "Post", ID: "p2", Relationship: "comments"}
	_, err = f.run(Request{Type: "Comment", Parent: p2, Cursor: page.NextCursor})
	assert.True(t, ir.IsValidation(err))
}

func TestHash_IgnoresLimitAndCursor(t *testing.T) {
	a, err := Hash(Request{Type: "Post", Limit: 1})
	require.NoError(t, err)
	b, err := Hash(Request{Type: "Post", Limit: 9, Cursor: "x"})
	require.NoError(t, err)
	c, err := Hash(Request{Type: "Comment"})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestRelated(t *testing.T) {
	f := newFixture(t)
	f.post("p1", "A", nil)
	f.put("User", "u1", ir.IRObject{"username": ir.IRString("ann")})
	f.put("User", "u2", ir.IRObject{"username": ir.IRString("bob")})
	f.put("PostEditor", "e1", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("u2")})
	f.put("PostEditor", "e2", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("u1")})
	f.put("PostEditor", "e3", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("u2")})
	f.put("PostEditor", "e4", ir.IRObject{"postID": ir.IRString("p1"), "editorID": ir.IRString("gone")})

	var users, posts []ir.Entity
	err := f.s.View(func(tx *store.ReadTx) error {
		var err error
		if users, err = Related(tx, "Post", "p1", "editors"); err != nil {
			return err
		}
		posts, err = Related(tx, "User", "u1", "posts")
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"u2", "u1"}, ids(users))
	assert.Equal(t, []string{"p1"}, ids(posts))

	err = f.s.View(func(tx *store.ReadTx) error {
		_, err := Related(tx, "Post", "p1", "comments")
		return err
	})
	assert.True(t, ir.IsValidation(err))
}
