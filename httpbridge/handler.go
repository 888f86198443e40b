// Package httpbridge exposes the bridge over HTTP: a blocking message
// endpoint, an SSE streaming endpoint, and administrative routes for health,
// sessions, and stats.
package httpbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/invopop/jsonschema"

	"github.com/chatgate/chatgate/auth"
	"github.com/chatgate/chatgate/bridge"
	"github.com/chatgate/chatgate/correlation"
	"github.com/chatgate/chatgate/internal/logctx"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sessions"
	"github.com/chatgate/chatgate/sink"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	// DefaultPrefix is the route prefix for all bridge endpoints.
	DefaultPrefix = "/api/v1"

	// DefaultHeartbeatInterval is how long an SSE stream may sit idle
	// before a comment-only heartbeat frame is emitted.
	DefaultHeartbeatInterval = 60 * time.Second

	// DefaultStreamTimeout bounds the total duration of one SSE stream.
	DefaultStreamTimeout = 600 * time.Second

	// DefaultPollInterval is the sink poll used to interleave heartbeat and
	// timeout checks while waiting for the next chunk.
	DefaultPollInterval = time.Second
)

// writeJSONError emits the structured error body every failure mode shares.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}

// lockedWriteFlusher serializes concurrent writes/flushes on an SSE stream
// and avoids writing after the request context is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, kind string, payload []byte) error {
	if _, err := fmt.Fprintf(wf, "event: %s\n", kind); err != nil {
		return fmt.Errorf("write SSE event kind: %w", err)
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

func writeSSEComment(wf *lockedWriteFlusher, comment string) error {
	if _, err := fmt.Fprintf(wf, ": %s\n\n", comment); err != nil {
		return fmt.Errorf("write SSE comment: %w", err)
	}
	wf.Flush()
	return nil
}

// Option configures the Handler.
type Option func(*Handler)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(h *Handler) { h.log = log }
}

// WithAuthenticator gates every endpoint behind bearer authentication. When
// unset all endpoints are open.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(h *Handler) { h.auth = a }
}

// WithPrefix overrides the route prefix.
func WithPrefix(prefix string) Option {
	return func(h *Handler) { h.prefix = strings.TrimRight(prefix, "/") }
}

// WithHeartbeatInterval overrides the SSE idle heartbeat interval.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(h *Handler) { h.heartbeat = d }
}

// WithStreamTimeout overrides the maximum total duration of one SSE stream.
func WithStreamTimeout(d time.Duration) Option {
	return func(h *Handler) { h.streamTimeout = d }
}

// WithPollInterval overrides the sink poll interval. Test hook.
func WithPollInterval(d time.Duration) Option {
	return func(h *Handler) { h.poll = d }
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// Handler serves the bridge's HTTP surface.
type Handler struct {
	adapter *bridge.Adapter
	auth    auth.Authenticator
	log     *slog.Logger
	mux     *http.ServeMux

	prefix        string
	realm         string
	heartbeat     time.Duration
	streamTimeout time.Duration
	poll          time.Duration
}

// New constructs the Handler and mounts all routes.
func New(adapter *bridge.Adapter, opts ...Option) (*Handler, error) {
	if adapter == nil {
		return nil, errors.New("adapter is required")
	}
	h := &Handler{
		adapter:       adapter,
		log:           slog.Default(),
		prefix:        DefaultPrefix,
		realm:         "chatgate",
		heartbeat:     DefaultHeartbeatInterval,
		streamTimeout: DefaultStreamTimeout,
		poll:          DefaultPollInterval,
	}
	for _, opt := range opts {
		opt(h)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s/message", h.prefix), h.handlePostMessage)
	mux.HandleFunc(fmt.Sprintf("POST %s/message/stream", h.prefix), h.handlePostMessageStream)
	mux.HandleFunc(fmt.Sprintf("GET %s/health", h.prefix), h.handleGetHealth)
	mux.HandleFunc(fmt.Sprintf("GET %s/sessions", h.prefix), h.handleGetSessions)
	mux.HandleFunc(fmt.Sprintf("DELETE %s/sessions/{id}", h.prefix), h.handleDeleteSession)
	mux.HandleFunc(fmt.Sprintf("GET %s/stats", h.prefix), h.handleGetStats)
	mux.HandleFunc(fmt.Sprintf("GET %s/schema", h.prefix), h.handleGetSchema)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
		UserAgent:  r.UserAgent(),
	})
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

// checkAuthentication validates the bearer credential when an authenticator
// is configured. On failure it writes the response and returns false.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	if h.auth == nil {
		return true
	}

	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing")
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf("Bearer realm=%q", h.realm))
		writeJSONError(w, http.StatusUnauthorized, "missing authorization header")
		return false
	}

	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(authHeader, bearerPrefix) || len(authHeader) <= len(bearerPrefix) {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf("Bearer realm=%q, error=\"invalid_request\"", h.realm))
		writeJSONError(w, http.StatusUnauthorized, "malformed authorization header")
		return false
	}

	tok := strings.TrimSpace(authHeader[len(bearerPrefix):])
	if _, err := h.auth.CheckAuthentication(ctx, tok); err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, fmt.Sprintf("Bearer realm=%q, error=\"invalid_token\"", h.realm))
		writeJSONError(w, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}

func requestMeta(r *http.Request) message.RequestMeta {
	return message.RequestMeta{
		Method:      r.Method,
		URL:         r.URL.String(),
		Headers:     r.Header,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
		ContentType: r.Header.Get("Content-Type"),
		Accept:      r.Header.Get("Accept"),
		Timestamp:   time.Now(),
	}
}

func (h *Handler) decodeInbound(w http.ResponseWriter, r *http.Request) (*message.InboundRequest, bool) {
	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.EqualsMIME(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		return nil, false
	}
	var req message.InboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return nil, false
	}
	return &req, true
}

// writeBridgeError maps bridge failures onto the wire taxonomy.
func (h *Handler) writeBridgeError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, message.ErrMissingMessage):
		writeJSONError(w, http.StatusBadRequest, "missing message field")
	case errors.Is(err, correlation.ErrTimeout):
		writeJSONError(w, http.StatusGatewayTimeout, "request timed out waiting for a response")
	case errors.Is(err, correlation.ErrCanceled):
		writeJSONError(w, http.StatusServiceUnavailable, "request canceled: adapter shutting down")
	case errors.Is(err, sessions.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "session not found")
	default:
		h.log.ErrorContext(ctx, "http.request.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	req, ok := h.decodeInbound(w, r)
	if !ok {
		return
	}

	h.log.DebugContext(ctx, "http.message.start")
	resp, err := h.adapter.HandleMessage(ctx, req, requestMeta(r))
	if err != nil {
		h.writeBridgeError(ctx, w, err)
		return
	}

	w.Header().Set("Content-Type", jsonMediaType.String())
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.WarnContext(ctx, "http.message.encode.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handlePostMessageStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
			return
		}
	}

	req, ok := h.decodeInbound(w, r)
	if !ok {
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported by server")
		return
	}

	st, err := h.adapter.OpenStream(ctx, req, requestMeta(r))
	if err != nil {
		h.writeBridgeError(ctx, w, err)
		return
	}

	ctx = logctx.WithEventData(ctx, &logctx.EventData{EventID: st.EventID, Transport: "sse"})
	h.log.DebugContext(ctx, "http.stream.start")

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

	connected, _ := json.Marshal(map[string]string{
		"event_id":   st.EventID,
		"session_id": st.SessionID,
	})
	if err := writeSSEEvent(wf, string(sink.KindConnected), connected); err != nil {
		return
	}

	h.drainStream(ctx, wf, st)
}

// drainStream pumps chunks to the wire, interleaving idle heartbeats and the
// overall stream timeout while waiting on the sink.
func (h *Handler) drainStream(ctx context.Context, wf *lockedWriteFlusher, st *bridge.Stream) {
	start := time.Now()
	lastActivity := time.Now()

	for {
		c, err := st.Next(ctx, h.poll)
		switch {
		case err == nil:
			payload, merr := json.Marshal(framePayload(c))
			if merr != nil {
				h.log.WarnContext(ctx, "http.stream.marshal.fail", slog.String("err", merr.Error()))
				continue
			}
			if werr := writeSSEEvent(wf, string(c.Kind), payload); werr != nil {
				h.log.DebugContext(ctx, "http.stream.client_gone", slog.String("err", werr.Error()))
				return
			}
			lastActivity = time.Now()
			if c.Kind == sink.KindEnd {
				h.log.DebugContext(ctx, "http.stream.end")
				return
			}

		case errors.Is(err, sink.ErrDone):
			return

		case errors.Is(err, sink.ErrIdle):
			now := time.Now()
			if now.Sub(start) > h.streamTimeout {
				payload, _ := json.Marshal(map[string]any{
					"reason":           "total_timeout",
					"duration_seconds": now.Sub(start).Seconds(),
				})
				_ = writeSSEEvent(wf, string(sink.KindTimeout), payload)
				h.log.InfoContext(ctx, "http.stream.timeout")
				return
			}
			if now.Sub(lastActivity) > h.heartbeat {
				if werr := writeSSEComment(wf, fmt.Sprintf("heartbeat %d", now.Unix())); werr != nil {
					return
				}
				lastActivity = now
			}

		default:
			// Context canceled: client went away or server shutting down.
			h.log.DebugContext(ctx, "http.stream.abort", slog.String("err", err.Error()))
			return
		}
	}
}

// framePayload maps a chunk to the JSON body of its SSE frame.
func framePayload(c sink.Chunk) any {
	switch c.Kind {
	case sink.KindStream, sink.KindMessage:
		return map[string]any{"chunk": c.Data}
	case sink.KindError:
		return map[string]any{"error": c.Data}
	default:
		if c.Data == nil {
			return map[string]any{}
		}
		return c.Data
	}
}

// handleGetHealth is deliberately unauthenticated so load balancers can
// probe it without credentials.
func (h *Handler) handleGetHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(h.adapter.Health(r.Context()))
}

func (h *Handler) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	sess, err := h.adapter.Sessions(ctx)
	if err != nil {
		h.writeBridgeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{
		"sessions": sess,
		"count":    len(sess),
	})
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	id := r.PathValue("id")
	if err := h.adapter.DeleteSession(ctx, id); err != nil {
		h.writeBridgeError(ctx, w, err)
		return
	}
	h.log.InfoContext(ctx, "http.session.delete", slog.String("session_id", id))
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "session_id": id})
}

func (h *Handler) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	// Reclaim anything already expired so the snapshot reflects reality.
	h.adapter.SweepNow(ctx)
	stats, err := h.adapter.Stats(ctx)
	if err != nil {
		h.writeBridgeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(stats)
}

// handleGetSchema serves the JSON Schema of the inbound request body, so
// clients can validate payloads without reading source.
func (h *Handler) handleGetSchema(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	reflector := &jsonschema.Reflector{}
	schema := reflector.Reflect(&message.InboundRequest{})
	w.Header().Set("Content-Type", jsonMediaType.String())
	_ = json.NewEncoder(w).Encode(schema)
}
