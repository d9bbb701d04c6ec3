package kv

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stores returns a fresh instance of every implementation.
func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := OpenSQLite(filepath.Join(t.TempDir(), "kv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func keys(pairs []Pair) []string {
	out := make([]string, len(pairs))
	for i, p := range pairs {
		out[i] = p.Key
	}
	return out
}

func TestStoreConformance(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Apply(ctx, []Op{
				Put("entity/Post/b", []byte("B")),
				Put("entity/Post/a", []byte("A")),
				Put("entity/Comment/c", []byte("C")),
				Put("outbox/00000000000000000001", []byte("M")),
			}))

			v, ok, err := s.Get(ctx, "entity/Post/a")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, []byte("A"), v)

			_, ok, err = s.Get(ctx, "entity/Post/z")
			require.NoError(t, err)
			assert.False(t, ok)

			pairs, err := s.Scan(ctx, "entity/Post/")
			require.NoError(t, err)
			assert.Equal(t, []string{"entity/Post/a", "entity/Post/b"}, keys(pairs))

			all, err := s.Scan(ctx, "")
			require.NoError(t, err)
			assert.Equal(t, []string{
				"entity/Comment/c", "entity/Post/a", "entity/Post/b", "outbox/00000000000000000001",
			}, keys(all))
		})
	}
}

func TestStoreApplyOverwriteAndDelete(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.Apply(ctx, []Op{Put("k", []byte("1"))}))
			require.NoError(t, s.Apply(ctx, []Op{Put("k", []byte("2")), Del("missing")}))

			v, _, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("2"), v)

			require.NoError(t, s.Apply(ctx, []Op{Del("k")}))
			_, ok, err := s.Get(ctx, "k")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	val := []byte("abc")
	require.NoError(t, m.Apply(ctx, []Op{Put("k", val)}))
	val[0] = 'X'

	got, _, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), got)
	got[0] = 'Y'

	again, _, _ := m.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryClosed(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Close())
	_, _, err := m.Get(context.Background(), "k")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrefixEnd(t *testing.T) {
	assert.Equal(t, "entity/Post0", prefixEnd("entity/Post/"))
	assert.Equal(t, "b", prefixEnd("a\xff"))
	assert.Equal(t, "", prefixEnd("\xff\xff"))
	assert.Equal(t, "", prefixEnd(""))
}
