package correlation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDuplicate(t *testing.T) {
	tbl := NewTable()

	_, err := tbl.Register("evt-1", time.Minute, "sess-1")
	require.NoError(t, err)

	_, err = tbl.Register("evt-1", time.Minute, "sess-1")
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestResolveAtMostOnce(t *testing.T) {
	tbl := NewTable()

	h, err := tbl.Register("evt-1", time.Minute, "")
	require.NoError(t, err)

	assert.True(t, tbl.Resolve("evt-1", "first"))
	assert.False(t, tbl.Resolve("evt-1", "second"))
	assert.False(t, tbl.Fail("evt-1", ErrCanceled))

	got, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "first", got)
	assert.Equal(t, 0, tbl.Len())
}

func TestResolveUnknownIDIsNoop(t *testing.T) {
	tbl := NewTable()
	assert.False(t, tbl.Resolve("nope", "value"))
}

func TestAwaitTimeoutRemovesEntry(t *testing.T) {
	tbl := NewTable()

	h, err := tbl.Register("evt-1", 20*time.Millisecond, "")
	require.NoError(t, err)

	_, err = h.Await(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	// A late resolve after the timeout must be silently dropped.
	assert.False(t, tbl.Resolve("evt-1", "too late"))
	assert.Equal(t, 0, tbl.Len())
}

func TestAwaitReceivesValueBeforeDeadline(t *testing.T) {
	tbl := NewTable()

	h, err := tbl.Register("evt-1", time.Second, "")
	require.NoError(t, err)

	go func() {
		time.Sleep(10 * time.Millisecond)
		tbl.Resolve("evt-1", "hello")
	}()

	got, err := h.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

func TestAwaitCanceledContext(t *testing.T) {
	tbl := NewTable()

	h, err := tbl.Register("evt-1", time.Minute, "")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = h.Await(ctx)
	require.ErrorIs(t, err, ErrCanceled)
}

func TestSweepExpiresOnlyPastDeadline(t *testing.T) {
	tbl := NewTable()

	fresh, err := tbl.Register("fresh", time.Minute, "")
	require.NoError(t, err)
	stale, err := tbl.Register("stale", 5*time.Millisecond, "")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	ids := tbl.Sweep(time.Now())
	assert.Equal(t, []string{"stale"}, ids)
	assert.Equal(t, 1, tbl.Len())

	_, err = stale.Await(context.Background())
	assert.ErrorIs(t, err, ErrTimeout)

	require.True(t, tbl.Resolve("fresh", "still here"))
	got, err := fresh.Await(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "still here", got)
}

func TestSweepResolveRace(t *testing.T) {
	// Concurrent sweep and resolve on the same expired entry must produce
	// exactly one outcome.
	for i := 0; i < 50; i++ {
		tbl := NewTable()
		h, err := tbl.Register("evt", time.Millisecond, "")
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)

		var wg sync.WaitGroup
		var resolved bool
		var swept []string
		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved = tbl.Resolve("evt", "value")
		}()
		go func() {
			defer wg.Done()
			swept = tbl.Sweep(time.Now())
		}()
		wg.Wait()

		if resolved {
			assert.Empty(t, swept)
			got, err := h.Await(context.Background())
			require.NoError(t, err)
			assert.Equal(t, "value", got)
		} else {
			assert.Equal(t, []string{"evt"}, swept)
			_, err := h.Await(context.Background())
			assert.ErrorIs(t, err, ErrTimeout)
		}
	}
}

func TestFailAll(t *testing.T) {
	tbl := NewTable()

	h1, err := tbl.Register("a", time.Minute, "")
	require.NoError(t, err)
	h2, err := tbl.Register("b", time.Minute, "")
	require.NoError(t, err)

	assert.Equal(t, 2, tbl.FailAll(ErrCanceled))
	assert.Equal(t, 0, tbl.Len())

	_, err = h1.Await(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
	_, err = h2.Await(context.Background())
	assert.ErrorIs(t, err, ErrCanceled)
}
