package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// MemoryRegistry is the default in-memory Registry. State is process-local
// and discarded on exit.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]*session
	capacity int
	log      *slog.Logger
	clock    func() time.Time
}

type session struct {
	id           string
	createdAt    time.Time
	lastActive   time.Time
	messageCount int
	meta         Metadata
	closed       bool
}

// MemoryOption configures a MemoryRegistry.
type MemoryOption func(*MemoryRegistry)

// WithLogger sets the logger. Defaults to slog.Default.
func WithLogger(log *slog.Logger) MemoryOption {
	return func(r *MemoryRegistry) { r.log = log }
}

// WithClock overrides the time source. Test hook.
func WithClock(clock func() time.Time) MemoryOption {
	return func(r *MemoryRegistry) { r.clock = clock }
}

// NewMemoryRegistry creates a registry admitting at most capacity sessions.
// A capacity of zero or less means unbounded.
func NewMemoryRegistry(capacity int, opts ...MemoryOption) *MemoryRegistry {
	r := &MemoryRegistry{
		sessions: make(map[string]*session),
		capacity: capacity,
		log:      slog.Default(),
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *MemoryRegistry) Open(ctx context.Context, sessionID string, meta Metadata) (Stats, error) {
	now := r.clock()

	r.mu.Lock()
	if s, ok := r.sessions[sessionID]; ok && !s.closed {
		st := r.statsLocked(s, now)
		r.mu.Unlock()
		return st, nil
	}

	var evicted *session
	if r.capacity > 0 && len(r.sessions) >= r.capacity {
		evicted = r.evictLocked()
	}

	s := &session{
		id:         sessionID,
		createdAt:  now,
		lastActive: now,
		meta:       meta,
	}
	r.sessions[sessionID] = s
	st := r.statsLocked(s, now)
	r.mu.Unlock()

	if evicted != nil {
		r.finishClose(evicted, ReasonCapacityExceeded)
	}
	r.log.DebugContext(ctx, "session.open", slog.String("session_id", sessionID))
	return st, nil
}

// evictLocked removes the session with the smallest lastActive. Ties break
// on the smaller id so eviction is deterministic.
func (r *MemoryRegistry) evictLocked() *session {
	var victim *session
	for _, s := range r.sessions {
		if victim == nil {
			victim = s
			continue
		}
		if s.lastActive.Before(victim.lastActive) ||
			(s.lastActive.Equal(victim.lastActive) && s.id < victim.id) {
			victim = s
		}
	}
	if victim != nil {
		victim.closed = true
		delete(r.sessions, victim.id)
	}
	return victim
}

func (r *MemoryRegistry) Touch(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.closed {
		return ErrClosed
	}
	s.lastActive = r.clock()
	s.messageCount++
	return nil
}

func (r *MemoryRegistry) Close(ctx context.Context, sessionID string, reason string) error {
	r.mu.Lock()
	s, ok := r.sessions[sessionID]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	s.closed = true
	delete(r.sessions, sessionID)
	r.mu.Unlock()

	r.finishClose(s, reason)
	return nil
}

func (r *MemoryRegistry) Sweep(ctx context.Context, now time.Time, idleTimeout time.Duration) ([]string, error) {
	r.mu.Lock()
	var stale []*session
	for id, s := range r.sessions {
		if now.Sub(s.lastActive) > idleTimeout {
			s.closed = true
			delete(r.sessions, id)
			stale = append(stale, s)
		}
	}
	r.mu.Unlock()

	ids := make([]string, 0, len(stale))
	for _, s := range stale {
		r.finishClose(s, ReasonIdleTimeout)
		ids = append(ids, s.id)
	}
	return ids, nil
}

func (r *MemoryRegistry) Stats(ctx context.Context) ([]Stats, error) {
	now := r.clock()
	r.mu.Lock()
	out := make([]Stats, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, r.statsLocked(s, now))
	}
	r.mu.Unlock()
	return out, nil
}

func (r *MemoryRegistry) Len(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), nil
}

func (r *MemoryRegistry) CloseAll(ctx context.Context, reason string) error {
	r.mu.Lock()
	all := make([]*session, 0, len(r.sessions))
	for id, s := range r.sessions {
		s.closed = true
		delete(r.sessions, id)
		all = append(all, s)
	}
	r.mu.Unlock()

	for _, s := range all {
		r.finishClose(s, reason)
	}
	return nil
}

func (r *MemoryRegistry) finishClose(s *session, reason string) {
	if s.meta.CloseFunc != nil {
		s.meta.CloseFunc(reason)
	}
	r.log.Info("session.close",
		slog.String("session_id", s.id),
		slog.String("reason", reason),
	)
}

func (r *MemoryRegistry) statsLocked(s *session, now time.Time) Stats {
	return Stats{
		SessionID:    s.id,
		CreatedAt:    s.createdAt,
		LastActive:   s.lastActive,
		MessageCount: s.messageCount,
		UserID:       s.meta.UserID,
		Nickname:     s.meta.Nickname,
		ClientIP:     s.meta.ClientIP,
		UserAgent:    s.meta.UserAgent,
		Active:       !s.closed,
	}
}

var _ Registry = (*MemoryRegistry)(nil)
