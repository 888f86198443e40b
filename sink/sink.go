// Package sink defines how the message-processing consumer delivers output
// back to the caller that originated a request. A sink is constructed per
// request at submission time; the consumer invokes it asynchronously,
// possibly much later and from a different goroutine.
package sink

import (
	"context"
	"errors"
)

// ErrClosed indicates the sink was already finalized or failed. Output sent
// afterwards is dropped, never delivered.
var ErrClosed = errors.New("sink: sink closed")

// ChunkKind discriminates frames on a streaming response.
type ChunkKind string

const (
	// KindStream is an incremental content delta.
	KindStream ChunkKind = "stream"
	// KindMessage is a complete standalone reply.
	KindMessage ChunkKind = "message"
	// KindError carries a consumer-side failure.
	KindError ChunkKind = "error"
	// KindEnd terminates a stream. Nothing follows it.
	KindEnd ChunkKind = "end"

	// KindConnected and KindTimeout are emitted by the transport itself,
	// never by a sink.
	KindConnected ChunkKind = "connected"
	KindTimeout   ChunkKind = "timeout"
)

// Chunk is one frame of a streaming response.
type Chunk struct {
	Kind ChunkKind `json:"type"`
	Data any       `json:"data,omitempty"`
}

// Sink receives consumer output for one request. Implementations are safe
// for concurrent use. Send and SendStreaming called after Finalize or Fail
// return ErrClosed and the content is dropped with a logged warning.
type Sink interface {
	// Send delivers one complete piece of reply content.
	Send(ctx context.Context, content string) error

	// SendStreaming delivers an incremental content delta.
	SendStreaming(ctx context.Context, delta string) error

	// Fail reports a consumer-side error to the caller. Terminal.
	Fail(ctx context.Context, err error) error

	// Finalize signals end of output. Idempotent; a second call is a no-op.
	Finalize(ctx context.Context) error
}
