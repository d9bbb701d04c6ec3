package remote

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replica/internal/ir"
	"github.com/roach88/replica/internal/testutil"
)

func TestLoopback_AcceptsAndEchoes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l := NewLoopback(WithServerClock(testutil.NewDeterministicClock()))
	events, err := l.Events(ctx)
	require.NoError(t, err)

	ack, err := l.Submit(ctx, mutationFor("m1", "p1"))
	require.NoError(t, err)
	assert.Equal(t, "m1", ack.MutationID)
	assert.False(t, ack.Rejected)
	require.NotNil(t, ack.Entity)
	assert.Equal(t, ack.ServerTimestamp, ack.Entity.UpdatedAt)
	assert.Equal(t, "hello", ack.Entity.StringField("title"))

	select {
	case ev := <-events:
		assert.Equal(t, ir.OpCreate, ev.Op)
		assert.Equal(t, ir.Key{Type: "Post", ID: "p1"}, ev.Key())
		assert.Equal(t, ack.ServerTimestamp, ev.ServerTimestamp)
	case <-time.After(time.Second):
		t.Fatal("no event")
	}
}

func TestLoopback_Offline(t *testing.T) {
	l := NewLoopback()
	l.SetOnline(false)
	_, err := l.Submit(context.Background(), mutationFor("m1", "p1"))
	require.Error(t, err)
	assert.True(t, ir.IsSyncUnavailable(err))
	assert.ErrorIs(t, err, ErrOffline)

	l.SetOnline(true)
	_, err = l.Submit(context.Background(), mutationFor("m1", "p1"))
	require.NoError(t, err)
}

func TestLoopback_RejectRule(t *testing.T) {
	l := NewLoopback()
	l.RejectWhen(func(m ir.Mutation) string {
		if m.EntityID == "p2" {
			return "not authorized"
		}
		return ""
	})

	ack, err := l.Submit(context.Background(), mutationFor("m1", "p1"))
	require.NoError(t, err)
	assert.False(t, ack.Rejected)

	ack, err = l.Submit(context.Background(), mutationFor("m2", "p2"))
	require.NoError(t, err)
	assert.True(t, ack.Rejected)
	assert.Equal(t, "not authorized", ack.Reason)
	assert.Nil(t, ack.Entity)
	assert.Len(t, l.Received(), 2)
}

func TestLoopback_TimestampsStrictlyIncrease(t *testing.T) {
	clock := testutil.NewDeterministicClock()
	l := NewLoopback(WithServerClock(clock))

	injected := l.Publish(ir.ChangeEvent{
		Type:            "Post",
		Op:              ir.OpDelete,
		Entity:          ir.Entity{ID: "p9"},
		ServerTimestamp: testutil.At(1000),
	})
	assert.Equal(t, "Post", injected.Entity.Type)

	ack, err := l.Submit(context.Background(), mutationFor("m1", "p1"))
	require.NoError(t, err)
	assert.True(t, ack.ServerTimestamp.After(testutil.At(1000)))

	filled := l.Publish(ir.ChangeEvent{Type: "Post", Op: ir.OpDelete, Entity: ir.Entity{ID: "p9"}})
	assert.True(t, filled.ServerTimestamp.After(ack.ServerTimestamp))
}

func TestLoopback_EventsClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	l := NewLoopback()
	events, err := l.Events(ctx)
	require.NoError(t, err)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("events not closed")
	}
}
