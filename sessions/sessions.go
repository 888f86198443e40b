// Package sessions tracks per-connection and per-conversation state for the
// bridge: identity, activity timestamps, and message counts. A registry
// enforces a maximum concurrent session count by evicting the
// least-recently-active entry and supports idle-timeout sweeping.
package sessions

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the session id is not present in the registry.
	ErrNotFound = errors.New("sessions: session not found")

	// ErrClosed indicates the session exists but no longer accepts
	// activity updates.
	ErrClosed = errors.New("sessions: session closed")
)

// Close reasons used by the registry itself. Callers may pass their own.
const (
	ReasonCapacityExceeded = "capacity exceeded"
	ReasonIdleTimeout      = "idle timeout"
	ReasonDeleted          = "deleted by administrator"
	ReasonShutdown         = "adapter shutdown"
)

// Metadata carries the caller-supplied attributes of a new session.
type Metadata struct {
	UserID    string
	Nickname  string
	ClientIP  string
	UserAgent string

	// CloseFunc, when set, is invoked exactly once with the close reason.
	// Used by persistent-connection transports to tear down the wire.
	CloseFunc func(reason string)
}

// Stats is an observability snapshot of one session.
type Stats struct {
	SessionID    string    `json:"session_id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActive   time.Time `json:"last_active"`
	MessageCount int       `json:"message_count"`
	UserID       string    `json:"user_id,omitempty"`
	Nickname     string    `json:"nickname,omitempty"`
	ClientIP     string    `json:"client_ip,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Active       bool      `json:"is_active"`
}

// Registry manages session lifecycle. Implementations must be safe for
// concurrent use; all mutating operations synchronize internally.
type Registry interface {
	// Open admits a session, creating it if absent. When the registry is
	// at capacity the least-recently-active session is evicted first with
	// ReasonCapacityExceeded. Reopening an existing open session returns
	// its current state unchanged.
	Open(ctx context.Context, sessionID string, meta Metadata) (Stats, error)

	// Touch updates last_active and increments the message count.
	Touch(ctx context.Context, sessionID string) error

	// Close marks the session closed and removes it. Idempotent: closing
	// an absent or already-closed session returns nil.
	Close(ctx context.Context, sessionID string, reason string) error

	// Sweep closes every session idle longer than idleTimeout with
	// ReasonIdleTimeout and returns their ids.
	Sweep(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]string, error)

	// Stats returns a point-in-time snapshot of all sessions. It must not
	// block concurrent mutation.
	Stats(ctx context.Context) ([]Stats, error)

	// Len reports the number of live sessions.
	Len(ctx context.Context) (int, error)

	// CloseAll closes every session with the given reason.
	CloseAll(ctx context.Context, reason string) error
}
