package sink

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatgate/chatgate/correlation"
)

var (
	// ErrIdle indicates Next found no chunk within its poll interval. The
	// transport uses it to interleave heartbeats and timeout checks.
	ErrIdle = errors.New("sink: no chunk within poll interval")

	// ErrDone indicates the terminal end chunk was already delivered.
	ErrDone = errors.New("sink: stream complete")
)

const (
	// DefaultQueueCapacity bounds the per-stream chunk queue.
	DefaultQueueCapacity = 100

	// DefaultEnqueueWait bounds how long a producer is throttled on a full
	// queue before the chunk is shed.
	DefaultEnqueueWait = time.Second
)

// StreamingSink queues chunks for a server-push transport. Producers are
// throttled briefly when the queue is full, then chunks are shed and the
// stream is marked degraded; the producer side never deadlocks waiting on a
// slow consumer.
type StreamingSink struct {
	ch   chan Chunk
	done chan struct{}

	mu     sync.Mutex
	closed bool

	degraded     atomic.Bool
	endDelivered atomic.Bool

	wait    time.Duration
	table   *correlation.Table
	eventID string
	log     *slog.Logger
	onDrop  func(Chunk)
}

// StreamOption configures a StreamingSink.
type StreamOption func(*StreamingSink)

// WithQueueCapacity overrides the queue size.
func WithQueueCapacity(n int) StreamOption {
	return func(s *StreamingSink) {
		if n > 0 {
			s.ch = make(chan Chunk, n)
		}
	}
}

// WithEnqueueWait overrides how long a producer waits on a full queue.
func WithEnqueueWait(d time.Duration) StreamOption {
	return func(s *StreamingSink) { s.wait = d }
}

// WithDropHook registers a callback invoked for each shed chunk.
func WithDropHook(fn func(Chunk)) StreamOption {
	return func(s *StreamingSink) { s.onDrop = fn }
}

// WithStreamLogger sets the logger. Defaults to slog.Default.
func WithStreamLogger(log *slog.Logger) StreamOption {
	return func(s *StreamingSink) { s.log = log }
}

// NewStreaming creates a streaming sink bound to the given correlation
// entry. The entry is settled on finalize so sweeping and shutdown see the
// stream as complete.
func NewStreaming(table *correlation.Table, eventID string, opts ...StreamOption) *StreamingSink {
	s := &StreamingSink{
		ch:      make(chan Chunk, DefaultQueueCapacity),
		done:    make(chan struct{}),
		wait:    DefaultEnqueueWait,
		table:   table,
		eventID: eventID,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Degraded reports whether any chunk was shed on this stream.
func (s *StreamingSink) Degraded() bool { return s.degraded.Load() }

func (s *StreamingSink) Send(ctx context.Context, content string) error {
	return s.enqueue(ctx, Chunk{Kind: KindMessage, Data: content})
}

func (s *StreamingSink) SendStreaming(ctx context.Context, delta string) error {
	return s.enqueue(ctx, Chunk{Kind: KindStream, Data: delta})
}

func (s *StreamingSink) Fail(ctx context.Context, err error) error {
	if enqErr := s.enqueue(ctx, Chunk{Kind: KindError, Data: err.Error()}); enqErr != nil {
		return enqErr
	}
	s.table.Fail(s.eventID, err)
	return s.Finalize(ctx)
}

// Finalize marks end of output. The terminal end chunk is emitted by Next
// after the queue drains. Idempotent.
func (s *StreamingSink) Finalize(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	// Clears the correlation entry; no-op when Fail already settled it.
	s.table.Resolve(s.eventID, "")
	return nil
}

func (s *StreamingSink) enqueue(ctx context.Context, c Chunk) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.log.WarnContext(ctx, "sink.late_send.drop",
			slog.String("event_id", s.eventID),
			slog.String("kind", string(c.Kind)),
		)
		return ErrClosed
	}
	s.mu.Unlock()

	select {
	case s.ch <- c:
		return nil
	default:
	}

	t := time.NewTimer(s.wait)
	defer t.Stop()
	select {
	case s.ch <- c:
		return nil
	case <-t.C:
	case <-ctx.Done():
	}

	// Shed rather than stall the producer.
	s.degraded.Store(true)
	s.log.WarnContext(ctx, "sink.chunk.shed",
		slog.String("event_id", s.eventID),
		slog.String("kind", string(c.Kind)),
	)
	if s.onDrop != nil {
		s.onDrop(c)
	}
	return nil
}

// Next returns the next chunk in enqueue order, waiting up to poll. After
// the producer finalizes and the queue drains, Next yields one terminal end
// chunk, then ErrDone. ErrIdle means no chunk arrived within poll.
func (s *StreamingSink) Next(ctx context.Context, poll time.Duration) (Chunk, error) {
	select {
	case c := <-s.ch:
		return c, nil
	default:
	}

	t := time.NewTimer(poll)
	defer t.Stop()
	select {
	case c := <-s.ch:
		return c, nil
	case <-s.done:
		// Drain anything that raced ahead of the finalize.
		select {
		case c := <-s.ch:
			return c, nil
		default:
		}
		if s.endDelivered.Swap(true) {
			return Chunk{}, ErrDone
		}
		return s.endChunk(), nil
	case <-t.C:
		return Chunk{}, ErrIdle
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

func (s *StreamingSink) endChunk() Chunk {
	data := map[string]any{"degraded": s.degraded.Load()}
	return Chunk{Kind: KindEnd, Data: data}
}

var _ Sink = (*StreamingSink)(nil)
