// Package bridge connects external request transports to the internal
// message-processing consumer. An Adapter owns one correlation table and one
// session registry; transport handlers call it to admit requests, and the
// consumer calls back through per-request sinks.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/chatgate/chatgate/correlation"
	"github.com/chatgate/chatgate/internal/logctx"
	"github.com/chatgate/chatgate/internal/metrics"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sessions"
	"github.com/chatgate/chatgate/sink"
)

// Consumer is the message-processing engine. Submit enqueues an event and
// returns promptly; the consumer delivers output through the sink
// asynchronously, possibly much later and from another goroutine.
type Consumer interface {
	Submit(ctx context.Context, evt *message.Event, out sink.Sink) error
}

// ConsumerFunc adapts a function to the Consumer interface.
type ConsumerFunc func(ctx context.Context, evt *message.Event, out sink.Sink) error

func (f ConsumerFunc) Submit(ctx context.Context, evt *message.Event, out sink.Sink) error {
	return f(ctx, evt, out)
}

// Response is the reply returned to a blocking caller.
type Response struct {
	Success   bool      `json:"success"`
	Response  string    `json:"response"`
	EventID   string    `json:"event_id"`
	SessionID string    `json:"session_id"`
	MessageID string    `json:"message_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ServiceName and Version identify the bridge in health responses.
const (
	ServiceName = "chatgate"
	Version     = "1.0.0"
)

// Health is the liveness snapshot served by the health endpoint.
type Health struct {
	Status          string    `json:"status"`
	Service         string    `json:"service"`
	Version         string    `json:"version"`
	UptimeSeconds   float64   `json:"uptime_seconds"`
	PendingRequests int       `json:"pending_requests"`
	ActiveSessions  int       `json:"active_sessions"`
	Timestamp       time.Time `json:"timestamp"`
}

// StatsSnapshot is the observability snapshot served by the stats endpoint.
type StatsSnapshot struct {
	RequestsProcessed int64            `json:"requests_processed"`
	Errors            int64            `json:"errors"`
	PendingRequests   int              `json:"pending_responses"`
	ActiveSessions    int              `json:"active_sessions"`
	UptimeSeconds     float64          `json:"uptime_seconds"`
	Sessions          []sessions.Stats `json:"sessions"`
}

// Defaults for the lifecycle sweeper.
const (
	DefaultSweepInterval = 60 * time.Second
	DefaultIdleTimeout   = time.Hour
)

// Adapter is the core of the bridge.
type Adapter struct {
	table    *correlation.Table
	registry sessions.Registry
	consumer Consumer
	log      *slog.Logger
	met      *metrics.Set

	sweepInterval time.Duration
	idleTimeout   time.Duration
	streamOpts    []sink.StreamOption
	startedAt     time.Time

	requests atomic.Int64
	failures atomic.Int64
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(a *Adapter) { a.log = log }
}

// WithRegistry overrides the session registry. Defaults to an in-memory
// registry with a 1000-session capacity.
func WithRegistry(reg sessions.Registry) Option {
	return func(a *Adapter) { a.registry = reg }
}

// WithMetrics sets the metric set the adapter records into.
func WithMetrics(m *metrics.Set) Option {
	return func(a *Adapter) { a.met = m }
}

// WithSweepInterval overrides how often the sweeper runs.
func WithSweepInterval(d time.Duration) Option {
	return func(a *Adapter) { a.sweepInterval = d }
}

// WithIdleTimeout overrides how long a session may stay idle before the
// sweeper closes it.
func WithIdleTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.idleTimeout = d }
}

// WithStreamOptions sets options applied to every streaming sink.
func WithStreamOptions(opts ...sink.StreamOption) Option {
	return func(a *Adapter) { a.streamOpts = opts }
}

// New creates an Adapter around the given consumer.
func New(consumer Consumer, opts ...Option) *Adapter {
	a := &Adapter{
		table:         correlation.NewTable(),
		registry:      sessions.NewMemoryRegistry(1000),
		consumer:      consumer,
		log:           slog.Default(),
		met:           metrics.New(),
		sweepInterval: DefaultSweepInterval,
		idleTimeout:   DefaultIdleTimeout,
		startedAt:     time.Now(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// admit builds the event envelope, opens or touches its session, and
// registers the correlation entry. The returned context carries the session
// attributes for every log line downstream of admission.
func (a *Adapter) admit(ctx context.Context, req *message.InboundRequest, meta message.RequestMeta) (context.Context, *message.Event, *correlation.Handle, error) {
	evt, err := message.Build(req, meta)
	if err != nil {
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("validation").Inc()
		return ctx, nil, nil, err
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: evt.SessionID,
		UserID:    evt.Sender.UserID,
		Platform:  evt.Platform,
	})

	if _, err := a.registry.Open(ctx, evt.SessionID, sessions.Metadata{
		UserID:    evt.Sender.UserID,
		Nickname:  evt.Sender.Nickname,
		ClientIP:  meta.RemoteAddr,
		UserAgent: meta.UserAgent,
	}); err != nil {
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("session").Inc()
		return ctx, nil, nil, fmt.Errorf("open session: %w", err)
	}
	if err := a.registry.Touch(ctx, evt.SessionID); err != nil {
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("session").Inc()
		return ctx, nil, nil, fmt.Errorf("touch session: %w", err)
	}

	timeout := message.ClampTimeout(req.Timeout)
	h, err := a.table.Register(evt.ID, timeout, evt.SessionID)
	if err != nil {
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("correlation").Inc()
		return ctx, nil, nil, fmt.Errorf("register correlation: %w", err)
	}

	a.met.PendingRequests.Set(float64(a.table.Len()))
	if n, err := a.registry.Len(ctx); err == nil {
		a.met.ActiveSessions.Set(float64(n))
	}
	return ctx, evt, h, nil
}

// HandleMessage runs one blocking request end to end: it submits the event
// and suspends until the consumer resolves it or the timeout fires.
func (a *Adapter) HandleMessage(ctx context.Context, req *message.InboundRequest, meta message.RequestMeta) (*Response, error) {
	start := time.Now()
	a.requests.Add(1)
	a.met.RequestsTotal.WithLabelValues("http", "accepted").Inc()

	ctx, evt, h, err := a.admit(ctx, req, meta)
	if err != nil {
		return nil, err
	}

	out := sink.NewBuffering(a.table, evt.ID, a.log)
	if err := a.consumer.Submit(ctx, evt, out); err != nil {
		a.table.Fail(evt.ID, err)
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("submit").Inc()
		return nil, fmt.Errorf("submit event: %w", err)
	}

	a.log.DebugContext(ctx, "bridge.message.submitted",
		slog.String("event_id", evt.ID),
		slog.String("session_id", evt.SessionID),
	)

	value, err := h.Await(ctx)
	a.met.PendingRequests.Set(float64(a.table.Len()))
	if err != nil {
		a.failures.Add(1)
		if errors.Is(err, correlation.ErrTimeout) {
			a.met.TimeoutsTotal.Inc()
			a.met.RequestsTotal.WithLabelValues("http", "timeout").Inc()
		} else {
			a.met.ErrorsTotal.WithLabelValues("consumer").Inc()
		}
		return nil, err
	}

	a.met.RequestsTotal.WithLabelValues("http", "ok").Inc()
	a.met.RequestDuration.WithLabelValues("http").Observe(time.Since(start).Seconds())
	return &Response{
		Success:   true,
		Response:  value,
		EventID:   evt.ID,
		SessionID: evt.SessionID,
		MessageID: evt.MessageID,
		Timestamp: time.Now(),
	}, nil
}

// Stream is a live streaming response handed to a server-push transport.
type Stream struct {
	EventID   string
	SessionID string
	MessageID string

	sink *sink.StreamingSink
	met  *metrics.Set
}

// Next yields the next chunk in order; see sink.StreamingSink.Next.
func (s *Stream) Next(ctx context.Context, poll time.Duration) (sink.Chunk, error) {
	c, err := s.sink.Next(ctx, poll)
	if err == nil {
		s.met.ChunksDelivered.Inc()
	}
	return c, err
}

// Degraded reports whether any chunk was shed on this stream.
func (s *Stream) Degraded() bool { return s.sink.Degraded() }

// OpenStream admits a streaming request and submits it with a streaming
// sink. The caller drains the returned Stream.
func (a *Adapter) OpenStream(ctx context.Context, req *message.InboundRequest, meta message.RequestMeta) (*Stream, error) {
	a.requests.Add(1)
	a.met.RequestsTotal.WithLabelValues("stream", "accepted").Inc()

	ctx, evt, _, err := a.admit(ctx, req, meta)
	if err != nil {
		return nil, err
	}

	opts := append([]sink.StreamOption{
		sink.WithStreamLogger(a.log),
		sink.WithDropHook(func(sink.Chunk) { a.met.ChunksShed.Inc() }),
	}, a.streamOpts...)
	out := sink.NewStreaming(a.table, evt.ID, opts...)

	if err := a.consumer.Submit(ctx, evt, out); err != nil {
		a.table.Fail(evt.ID, err)
		a.failures.Add(1)
		a.met.ErrorsTotal.WithLabelValues("submit").Inc()
		return nil, fmt.Errorf("submit event: %w", err)
	}

	a.log.DebugContext(ctx, "bridge.stream.submitted",
		slog.String("event_id", evt.ID),
		slog.String("session_id", evt.SessionID),
	)
	return &Stream{
		EventID:   evt.ID,
		SessionID: evt.SessionID,
		MessageID: evt.MessageID,
		sink:      out,
		met:       a.met,
	}, nil
}

// Run drives the lifecycle sweeper until ctx is canceled.
func (a *Adapter) Run(ctx context.Context) error {
	t := time.NewTicker(a.sweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-t.C:
			a.sweepOnce(ctx, now)
		}
	}
}

func (a *Adapter) sweepOnce(ctx context.Context, now time.Time) {
	expired := a.table.Sweep(now)
	a.met.SweptEntries.Add(float64(len(expired)))
	a.met.TimeoutsTotal.Add(float64(len(expired)))

	stale, err := a.registry.Sweep(ctx, now, a.idleTimeout)
	if err != nil {
		a.log.ErrorContext(ctx, "sweep.sessions.fail", slog.String("error", err.Error()))
	}
	a.met.SweptSessions.Add(float64(len(stale)))
	for range stale {
		a.met.SessionsEvicted.WithLabelValues(sessions.ReasonIdleTimeout).Inc()
	}

	a.met.PendingRequests.Set(float64(a.table.Len()))
	if n, err := a.registry.Len(ctx); err == nil {
		a.met.ActiveSessions.Set(float64(n))
	}

	if len(expired) > 0 || len(stale) > 0 {
		a.log.InfoContext(ctx, "sweep.ok",
			slog.Int("expired_requests", len(expired)),
			slog.Int("closed_sessions", len(stale)),
		)
	}
}

// SweepNow runs one sweep pass immediately, outside the ticker schedule.
func (a *Adapter) SweepNow(ctx context.Context) {
	a.sweepOnce(ctx, time.Now())
}

// Shutdown fails every pending request and closes every session so no
// caller hangs. Safe to call more than once.
func (a *Adapter) Shutdown(ctx context.Context) error {
	n := a.table.FailAll(correlation.ErrCanceled)
	err := a.registry.CloseAll(ctx, sessions.ReasonShutdown)
	a.met.PendingRequests.Set(0)
	a.met.ActiveSessions.Set(0)
	a.log.InfoContext(ctx, "bridge.shutdown",
		slog.Int("canceled_requests", n),
	)
	return err
}

// Health reports liveness.
func (a *Adapter) Health(ctx context.Context) Health {
	active, _ := a.registry.Len(ctx)
	return Health{
		Status:          "healthy",
		Service:         ServiceName,
		Version:         Version,
		UptimeSeconds:   time.Since(a.startedAt).Seconds(),
		PendingRequests: a.table.Len(),
		ActiveSessions:  active,
		Timestamp:       time.Now(),
	}
}

// Stats reports a point-in-time observability snapshot.
func (a *Adapter) Stats(ctx context.Context) (StatsSnapshot, error) {
	sess, err := a.registry.Stats(ctx)
	if err != nil {
		return StatsSnapshot{}, err
	}
	return StatsSnapshot{
		RequestsProcessed: a.requests.Load(),
		Errors:            a.failures.Load(),
		PendingRequests:   a.table.Len(),
		ActiveSessions:    len(sess),
		UptimeSeconds:     time.Since(a.startedAt).Seconds(),
		Sessions:          sess,
	}, nil
}

// Sessions lists current session stats.
func (a *Adapter) Sessions(ctx context.Context) ([]sessions.Stats, error) {
	return a.registry.Stats(ctx)
}

// DeleteSession closes one session by id. Returns sessions.ErrNotFound for
// an unknown id.
func (a *Adapter) DeleteSession(ctx context.Context, sessionID string) error {
	all, err := a.registry.Stats(ctx)
	if err != nil {
		return err
	}
	found := false
	for _, s := range all {
		if s.SessionID == sessionID {
			found = true
			break
		}
	}
	if !found {
		return sessions.ErrNotFound
	}
	if err := a.registry.Close(ctx, sessionID, sessions.ReasonDeleted); err != nil {
		return err
	}
	a.met.SessionsEvicted.WithLabelValues(sessions.ReasonDeleted).Inc()
	if n, err := a.registry.Len(ctx); err == nil {
		a.met.ActiveSessions.Set(float64(n))
	}
	return nil
}
