// Package natsconsumer implements bridge.Consumer over NATS. Events are
// published to a subject with a per-request reply inbox; the processing
// engine publishes reply frames to the inbox and the consumer feeds them
// into the request's sink.
package natsconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/chatgate/chatgate/bridge"
	"github.com/chatgate/chatgate/message"
	"github.com/chatgate/chatgate/sink"
)

// Config for the NATS-backed consumer. Values come from the caller; the
// config package owns the CHATGATE_* environment surface.
type Config struct {
	// URL of the NATS server.
	URL string
	// Subject events are published to.
	Subject string
	// Name reported to the server.
	Name string
}

// replyFrame is one message on a request's reply inbox.
type replyFrame struct {
	Type string `json:"type"`
	Data string `json:"data"`
}

// Consumer publishes events and routes inbox replies into sinks.
type Consumer struct {
	nc      *nats.Conn
	subject string
	log     *slog.Logger

	// inboxTTL bounds how long a reply subscription may outlive its
	// request before being drained.
	inboxTTL time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(c *Consumer) { c.log = log }
}

// WithInboxTTL overrides how long a reply inbox stays subscribed.
func WithInboxTTL(d time.Duration) Option {
	return func(c *Consumer) { c.inboxTTL = d }
}

// New wraps an existing connection.
func New(nc *nats.Conn, subject string, opts ...Option) (*Consumer, error) {
	if nc == nil {
		return nil, errors.New("nats connection is required")
	}
	if subject == "" {
		return nil, errors.New("subject is required")
	}
	c := &Consumer{
		nc:       nc,
		subject:  subject,
		log:      slog.Default(),
		inboxTTL: message.MaxTimeout + time.Minute,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Connect dials NATS with resilient reconnect settings and wraps it.
func Connect(cfg Config, opts ...Option) (*Consumer, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return New(nc, cfg.Subject, opts...)
}

// Close drains the underlying connection.
func (c *Consumer) Close() error {
	return c.nc.Drain()
}

// Submit publishes the event with a reply inbox and subscribes the sink to
// it. Returns once the event is handed to NATS; replies arrive later.
func (c *Consumer) Submit(ctx context.Context, evt *message.Event, out sink.Sink) error {
	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	inbox := c.nc.NewInbox()
	sub, err := c.nc.Subscribe(inbox, func(m *nats.Msg) {
		c.dispatch(context.WithoutCancel(ctx), m.Data, out)
	})
	if err != nil {
		return fmt.Errorf("subscribe reply inbox: %w", err)
	}

	// Cap the inbox lifetime so abandoned requests do not leak
	// subscriptions.
	time.AfterFunc(c.inboxTTL, func() { _ = sub.Unsubscribe() })

	msg := &nats.Msg{Subject: c.subject, Reply: inbox, Data: payload}
	if err := c.nc.PublishMsg(msg); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("publish event: %w", err)
	}

	c.log.DebugContext(ctx, "nats.event.published",
		slog.String("event_id", evt.ID),
		slog.String("subject", c.subject),
	)
	return nil
}

// dispatch maps one reply frame onto the sink.
func (c *Consumer) dispatch(ctx context.Context, raw []byte, out sink.Sink) {
	var frame replyFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		c.log.WarnContext(ctx, "nats.reply.malformed", slog.String("err", err.Error()))
		return
	}
	applyFrame(ctx, frame, out)
}

func applyFrame(ctx context.Context, frame replyFrame, out sink.Sink) {
	switch sink.ChunkKind(frame.Type) {
	case sink.KindStream:
		_ = out.SendStreaming(ctx, frame.Data)
	case sink.KindMessage:
		_ = out.Send(ctx, frame.Data)
	case sink.KindError:
		_ = out.Fail(ctx, errors.New(frame.Data))
	case sink.KindEnd:
		_ = out.Finalize(ctx)
	}
}

var _ bridge.Consumer = (*Consumer)(nil)
