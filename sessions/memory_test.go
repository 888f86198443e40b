package sessions

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAndTouch(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(10)

	st, err := reg.Open(ctx, "ext_42", Metadata{UserID: "42", Nickname: "alice"})
	require.NoError(t, err)
	assert.Equal(t, "ext_42", st.SessionID)
	assert.Equal(t, 0, st.MessageCount)

	require.NoError(t, reg.Touch(ctx, "ext_42"))
	require.NoError(t, reg.Touch(ctx, "ext_42"))

	all, err := reg.Stats(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, 2, all[0].MessageCount)
	assert.False(t, all[0].LastActive.Before(st.LastActive))
}

func TestTouchUnknownSession(t *testing.T) {
	reg := NewMemoryRegistry(10)
	assert.ErrorIs(t, reg.Touch(context.Background(), "nope"), ErrNotFound)
}

func TestReopenExistingIsNoop(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(10)

	_, err := reg.Open(ctx, "s1", Metadata{UserID: "1"})
	require.NoError(t, err)
	require.NoError(t, reg.Touch(ctx, "s1"))

	st, err := reg.Open(ctx, "s1", Metadata{UserID: "other"})
	require.NoError(t, err)
	assert.Equal(t, "1", st.UserID)
	assert.Equal(t, 1, st.MessageCount)
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	reg := NewMemoryRegistry(3, WithClock(func() time.Time { return clock }))

	var closed []string
	open := func(id string) {
		_, err := reg.Open(ctx, id, Metadata{
			CloseFunc: func(string) { closed = append(closed, id) },
		})
		require.NoError(t, err)
		clock = clock.Add(time.Second)
	}

	open("a")
	open("b")
	open("c")

	// Refresh "a" so "b" becomes the least recently active.
	require.NoError(t, reg.Touch(ctx, "a"))
	clock = clock.Add(time.Second)

	open("d")

	assert.Equal(t, []string{"b"}, closed)
	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(10)

	calls := 0
	_, err := reg.Open(ctx, "s1", Metadata{CloseFunc: func(string) { calls++ }})
	require.NoError(t, err)

	require.NoError(t, reg.Close(ctx, "s1", "test"))
	require.NoError(t, reg.Close(ctx, "s1", "test"))
	require.NoError(t, reg.Close(ctx, "never-existed", "test"))
	assert.Equal(t, 1, calls)

	assert.ErrorIs(t, reg.Touch(ctx, "s1"), ErrNotFound)
}

func TestSweepClosesIdleSessions(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	clock := now
	reg := NewMemoryRegistry(10, WithClock(func() time.Time { return clock }))

	_, err := reg.Open(ctx, "idle", Metadata{})
	require.NoError(t, err)

	clock = clock.Add(2 * time.Hour)
	_, err = reg.Open(ctx, "fresh", Metadata{})
	require.NoError(t, err)

	ids, err := reg.Sweep(ctx, clock, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"idle"}, ids)

	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	reg := NewMemoryRegistry(10)

	_, err := reg.Open(ctx, "a", Metadata{})
	require.NoError(t, err)
	_, err = reg.Open(ctx, "b", Metadata{})
	require.NoError(t, err)

	require.NoError(t, reg.CloseAll(ctx, ReasonShutdown))
	n, err := reg.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
