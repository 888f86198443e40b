package sink

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/chatgate/chatgate/correlation"
)

// aggregate collects consumer output and resolves a correlation entry with
// the joined result on finalize. It backs both the blocking and buffering
// sinks, which differ only in intent: the blocking sink fronts a suspended
// caller expecting a single reply, the buffering sink fronts a consumer that
// emits many partial chunks before signalling completion.
type aggregate struct {
	mu      sync.Mutex
	parts   []string
	closed  bool
	table   *correlation.Table
	eventID string
	log     *slog.Logger
}

func newAggregate(table *correlation.Table, eventID string, log *slog.Logger) *aggregate {
	if log == nil {
		log = slog.Default()
	}
	return &aggregate{table: table, eventID: eventID, log: log}
}

func (a *aggregate) append(ctx context.Context, content string) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.log.WarnContext(ctx, "sink.late_send.drop",
			slog.String("event_id", a.eventID),
		)
		return ErrClosed
	}
	a.parts = append(a.parts, content)
	a.mu.Unlock()
	return nil
}

func (a *aggregate) Send(ctx context.Context, content string) error {
	return a.append(ctx, content)
}

func (a *aggregate) SendStreaming(ctx context.Context, delta string) error {
	return a.append(ctx, delta)
}

func (a *aggregate) Fail(ctx context.Context, err error) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrClosed
	}
	a.closed = true
	a.mu.Unlock()

	a.table.Fail(a.eventID, err)
	return nil
}

// Finalize joins everything received so far and resolves the correlation
// entry. Finalize with no prior send resolves with an empty result so the
// caller never hangs.
func (a *aggregate) Finalize(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	result := strings.Join(a.parts, "\n")
	a.mu.Unlock()

	if !a.table.Resolve(a.eventID, result) {
		// Entry already timed out or was swept; result is discarded.
		a.log.WarnContext(ctx, "sink.late_resolve.drop",
			slog.String("event_id", a.eventID),
		)
	}
	return nil
}

// BlockingSink resolves a single suspended caller. The consumer is expected
// to call Send once, but multiple sends are tolerated and joined.
type BlockingSink struct{ *aggregate }

// NewBlocking creates a sink resolving the given correlation entry.
func NewBlocking(table *correlation.Table, eventID string, log *slog.Logger) *BlockingSink {
	return &BlockingSink{newAggregate(table, eventID, log)}
}

// BufferingSink accumulates incremental chunks in arrival order and flushes
// the concatenation atomically on finalize.
type BufferingSink struct{ *aggregate }

// NewBuffering creates a sink accumulating chunks for the given entry.
func NewBuffering(table *correlation.Table, eventID string, log *slog.Logger) *BufferingSink {
	return &BufferingSink{newAggregate(table, eventID, log)}
}

var (
	_ Sink = (*BlockingSink)(nil)
	_ Sink = (*BufferingSink)(nil)
)
