// Package wsbridge exposes the bridge over a WebSocket connection. Each
// connection is one session; inbound JSON frames become events with
// streaming sinks, and chunks are pushed back as they arrive.
package wsbridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatgate/chatgate/auth"
	"github.com/chatgate/chatgate/bridge"
	"github.com/chatgate/chatgate/internal/logctx"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sink"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Frame is one outbound message on the socket.
type Frame struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`
	Data    any    `json:"data,omitempty"`
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator gates the upgrade behind bearer authentication.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithCheckOrigin overrides the upgrade origin policy.
func WithCheckOrigin(fn func(*http.Request) bool) Option {
	return func(h *Handler) { h.upgrader.CheckOrigin = fn }
}

// Handler upgrades HTTP requests and serves the WebSocket protocol.
type Handler struct {
	adapter  *bridge.Adapter
	auth     auth.Authenticator
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// New constructs the WebSocket handler.
func New(adapter *bridge.Adapter, opts ...Option) (*Handler, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	h := &Handler{
		adapter: adapter,
		log:     slog.Default(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.auth != nil {
		tok := bearerToken(r)
		if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
			h.log.InfoContext(ctx, "ws.auth.fail")
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	c := &client{
		handler: h,
		conn:    conn,
		meta: message.RequestMeta{
			Method:     r.Method,
			URL:        r.URL.String(),
			Headers:    r.Header,
			RemoteAddr: r.RemoteAddr,
			UserAgent:  r.UserAgent(),
			Timestamp:  time.Now(),
		},
	}
	c.serve(context.WithoutCancel(ctx))
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	hdr := r.Header.Get("Authorization")
	if strings.HasPrefix(hdr, prefix) {
		return strings.TrimSpace(hdr[len(prefix):])
	}
	// Browsers cannot set headers on WebSocket upgrades; accept a query
	// token as a fallback.
	return r.URL.Query().Get("token")
}

type client struct {
	handler *Handler
	conn    *websocket.Conn
	meta    message.RequestMeta

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

func (c *client) writeFrame(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(f)
}

func (c *client) serve(ctx context.Context) {
	h := c.handler
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer c.conn.Close()

	c.conn.SetReadLimit(1 << 20)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.wg.Add(1)
	go c.pingLoop(ctx)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.DebugContext(ctx, "ws.read.fail", slog.String("err", err.Error()))
			}
			break
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		// Malformed JSON earns an error frame, not a disconnect.
		var req message.InboundRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			_ = c.writeFrame(Frame{Type: "error", Data: wireError(err)})
			continue
		}
		c.dispatch(ctx, &req)
	}

	cancel()
	c.wg.Wait()
}

func (c *client) pingLoop(ctx context.Context) {
	defer c.wg.Done()
	t := time.NewTicker(pingPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.writeMu.Lock()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (c *client) dispatch(ctx context.Context, req *message.InboundRequest) {
	h := c.handler

	st, err := h.adapter.OpenStream(ctx, req, c.meta)
	if err != nil {
		_ = c.writeFrame(Frame{Type: "error", Data: wireError(err)})
		return
	}

	ctx = logctx.WithEventData(ctx, &logctx.EventData{EventID: st.EventID, Transport: "ws"})
	h.log.DebugContext(ctx, "ws.message.start")

	_ = c.writeFrame(Frame{
		Type:    string(sink.KindConnected),
		EventID: st.EventID,
		Data:    map[string]string{"session_id": st.SessionID},
	})

	// Drain in the background so the read loop keeps accepting messages.
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			chunk, err := st.Next(ctx, time.Second)
			switch {
			case err == nil:
				if werr := c.writeFrame(Frame{
					Type:    string(chunk.Kind),
					EventID: st.EventID,
					Data:    chunk.Data,
				}); werr != nil {
					return
				}
				if chunk.Kind == sink.KindEnd {
					return
				}
			case errors.Is(err, sink.ErrDone):
				return
			case errors.Is(err, sink.ErrIdle):
				continue
			default:
				return
			}
		}
	}()
}

func wireError(err error) map[string]any {
	return map[string]any{"error": err.Error()}
}
