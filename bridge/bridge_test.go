package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/correlation"
	"github.com/chatgate/chatgate/internal/logctx"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sessions"
	"github.com/chatgate/chatgate/sink"
)

func inbound(text string, timeout float64) *message.InboundRequest {
	return &message.InboundRequest{
		Message:  json.RawMessage(`"` + text + `"`),
		UserID:   "42",
		Platform: "webchat",
		Timeout:  timeout,
	}
}

func TestHandleMessageRoundTrip(t *testing.T) {
	ctx := context.Background()
	echo := ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.Send(ctx, "re: "+evt.PlainText)
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	a := New(echo)

	resp, err := a.HandleMessage(ctx, inbound("hi", 5), message.RequestMeta{})
	require.NoError(t, err)

	assert.True(t, resp.Success)
	assert.Equal(t, "re: hi", resp.Response)
	assert.Equal(t, "webchat_42", resp.SessionID)
	assert.NotEmpty(t, resp.EventID)
}

func TestHandleMessageLogsSessionAttrs(t *testing.T) {
	ctx := context.Background()
	echo := ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.Send(ctx, "ok")
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	var buf bytes.Buffer
	log := slog.New(logctx.Handler{Handler: slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})})
	a := New(echo, WithLogger(log))

	_, err := a.HandleMessage(ctx, inbound("hi", 5), message.RequestMeta{})
	require.NoError(t, err)

	assert.Contains(t, buf.String(), `"sess":{"id":"webchat_42","user_id":"42","platform":"webchat"}`)
}

func TestHandleMessageTimeout(t *testing.T) {
	ctx := context.Background()
	silent := ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return nil })
	a := New(silent)

	start := time.Now()
	_, err := a.HandleMessage(ctx, inbound("hi", 1), message.RequestMeta{})
	require.ErrorIs(t, err, correlation.ErrTimeout)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestHandleMessageValidation(t *testing.T) {
	a := New(ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return nil }))

	_, err := a.HandleMessage(context.Background(), &message.InboundRequest{}, message.RequestMeta{})
	assert.ErrorIs(t, err, message.ErrMissingMessage)
}

func TestHandleMessageSubmitError(t *testing.T) {
	boom := errors.New("queue full")
	a := New(ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return boom }))

	_, err := a.HandleMessage(context.Background(), inbound("hi", 1), message.RequestMeta{})
	assert.ErrorIs(t, err, boom)
}

func TestOpenStreamDeliversChunksInOrder(t *testing.T) {
	ctx := context.Background()
	streamer := ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.SendStreaming(ctx, "a")
			_ = out.SendStreaming(ctx, "b")
			_ = out.SendStreaming(ctx, "c")
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	a := New(streamer)

	st, err := a.OpenStream(ctx, inbound("go", 5), message.RequestMeta{})
	require.NoError(t, err)

	var got []any
	for {
		c, err := st.Next(ctx, time.Second)
		if errors.Is(err, sink.ErrDone) {
			break
		}
		require.NoError(t, err)
		if c.Kind == sink.KindEnd {
			got = append(got, "end")
			continue
		}
		got = append(got, c.Data)
	}
	assert.Equal(t, []any{"a", "b", "c", "end"}, got)
}

func TestSweepFailsExpiredEntries(t *testing.T) {
	ctx := context.Background()
	a := New(ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return nil }),
		WithIdleTimeout(time.Millisecond))

	h, err := a.table.Register("evt", time.Millisecond, "s")
	require.NoError(t, err)
	_, err = a.registry.Open(ctx, "idle", sessions.Metadata{})
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)
	a.sweepOnce(ctx, time.Now())

	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, correlation.ErrTimeout)
	n, err := a.registry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestShutdownFailsPendingCallers(t *testing.T) {
	ctx := context.Background()
	a := New(ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return nil }))

	h, err := a.table.Register("evt", time.Minute, "s")
	require.NoError(t, err)
	_, err = a.registry.Open(ctx, "s", sessions.Metadata{})
	require.NoError(t, err)

	require.NoError(t, a.Shutdown(ctx))

	_, err = h.Await(ctx)
	assert.ErrorIs(t, err, correlation.ErrCanceled)
	n, err := a.registry.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestHealthAndStats(t *testing.T) {
	ctx := context.Background()
	echo := ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.Send(ctx, "ok")
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	a := New(echo)

	_, err := a.HandleMessage(ctx, inbound("hi", 5), message.RequestMeta{})
	require.NoError(t, err)

	h := a.Health(ctx)
	assert.Equal(t, "healthy", h.Status)
	assert.Equal(t, 1, h.ActiveSessions)
	assert.Equal(t, 0, h.PendingRequests)

	st, err := a.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.RequestsProcessed)
	assert.Equal(t, int64(0), st.Errors)
	require.Len(t, st.Sessions, 1)
	assert.Equal(t, "webchat_42", st.Sessions[0].SessionID)
	assert.Equal(t, 1, st.Sessions[0].MessageCount)
}

func TestDeleteSession(t *testing.T) {
	ctx := context.Background()
	a := New(ConsumerFunc(func(context.Context, *message.Event, sink.Sink) error { return nil }))

	_, err := a.registry.Open(ctx, "s1", sessions.Metadata{})
	require.NoError(t, err)

	require.NoError(t, a.DeleteSession(ctx, "s1"))
	assert.ErrorIs(t, a.DeleteSession(ctx, "s1"), sessions.ErrNotFound)
}
