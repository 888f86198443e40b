package wsbridge

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatgate/chatgate/auth"
	"github.com/chatgate/chatgate/bridge"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sink"
)

func dial(t *testing.T, h *Handler, header map[string]string) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	hdr := map[string][]string{}
	for k, v := range header {
		hdr[k] = []string{v}
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, hdr)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestRoundTripOverWebSocket(t *testing.T) {
	echo := bridge.ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.SendStreaming(ctx, "re: "+evt.PlainText)
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	h, err := New(bridge.New(echo))
	require.NoError(t, err)

	conn := dial(t, h, nil)
	require.NoError(t, conn.WriteJSON(map[string]any{
		"message": "hi",
		"user_id": "9",
	}))

	var connected Frame
	require.NoError(t, conn.ReadJSON(&connected))
	assert.Equal(t, "connected", connected.Type)
	require.NotEmpty(t, connected.EventID)

	var chunk Frame
	require.NoError(t, conn.ReadJSON(&chunk))
	assert.Equal(t, "stream", chunk.Type)
	assert.Equal(t, connected.EventID, chunk.EventID)
	assert.Equal(t, "re: hi", chunk.Data)

	var end Frame
	require.NoError(t, conn.ReadJSON(&end))
	assert.Equal(t, "end", end.Type)
}

func TestValidationErrorFrame(t *testing.T) {
	h, err := New(bridge.New(bridge.ConsumerFunc(
		func(context.Context, *message.Event, sink.Sink) error { return nil },
	)))
	require.NoError(t, err)

	conn := dial(t, h, nil)
	require.NoError(t, conn.WriteJSON(map[string]any{"user_id": "9"}))

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)
}

func TestMalformedJSONKeepsConnection(t *testing.T) {
	echo := bridge.ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.SendStreaming(ctx, "ok")
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	h, err := New(bridge.New(echo))
	require.NoError(t, err)

	conn := dial(t, h, nil)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{not json")))

	var frame Frame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame.Type)

	// The connection survives and serves the next request.
	require.NoError(t, conn.WriteJSON(map[string]any{"message": "hi", "user_id": "1"}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "connected", frame.Type)
}

func TestUpgradeRequiresAuth(t *testing.T) {
	h, err := New(
		bridge.New(bridge.ConsumerFunc(
			func(context.Context, *message.Event, sink.Sink) error { return nil },
		)),
		WithAuthenticator(auth.NewStaticToken("s3cret")),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(h)
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 401, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?token=s3cret", nil)
	require.NoError(t, err)
	conn.Close()
}

func TestMultipleRequestsOnOneConnection(t *testing.T) {
	echo := bridge.ConsumerFunc(func(ctx context.Context, evt *message.Event, out sink.Sink) error {
		go func() {
			_ = out.SendStreaming(ctx, evt.PlainText)
			_ = out.Finalize(ctx)
		}()
		return nil
	})
	h, err := New(bridge.New(echo))
	require.NoError(t, err)

	conn := dial(t, h, nil)
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	for _, msg := range []string{"first", "second"} {
		require.NoError(t, conn.WriteJSON(map[string]any{"message": msg, "user_id": "9"}))

		got := map[string]bool{}
		for len(got) < 3 {
			var f Frame
			require.NoError(t, conn.ReadJSON(&f))
			got[f.Type] = true
		}
		assert.True(t, got["connected"] && got["stream"] && got["end"])
	}
}
