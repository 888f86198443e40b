// Package correlation tracks in-flight requests awaiting an asynchronous
// result. Each entry pairs an opaque correlation id with a single-assignment
// result slot; the first of resolve, fail, await-timeout, or sweep wins and
// every later writer is a no-op.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrDuplicateID indicates an id was registered twice. Ids are
	// generated, so this points at a caller bug rather than bad input.
	ErrDuplicateID = errors.New("correlation: duplicate id")

	// ErrTimeout indicates the entry expired before a result arrived.
	ErrTimeout = errors.New("correlation: timed out awaiting result")

	// ErrCanceled indicates the table was shut down while the entry was
	// still pending.
	ErrCanceled = errors.New("correlation: canceled")
)

type outcome struct {
	value string
	err   error
}

type entry struct {
	ch        chan outcome // capacity 1; written exactly once
	done      bool
	createdAt time.Time
	deadline  time.Time
	sessionID string
}

// Handle is the waiter side of a registered entry.
type Handle struct {
	id       string
	table    *Table
	deadline time.Time
	ch       <-chan outcome
}

// ID returns the correlation id of the pending entry.
func (h *Handle) ID() string { return h.id }

// Await blocks until the entry is resolved, failed, or the entry's deadline
// passes. On deadline expiry the entry is removed so that any later resolve
// is a safe no-op.
func (h *Handle) Await(ctx context.Context) (string, error) {
	timer := time.NewTimer(time.Until(h.deadline))
	defer timer.Stop()

	select {
	case out := <-h.ch:
		return out.value, out.err
	case <-timer.C:
		// First writer wins: if a resolve raced the timer, prefer its
		// outcome, which is already buffered in the channel.
		if h.table.Fail(h.id, ErrTimeout) {
			return "", ErrTimeout
		}
		out := <-h.ch
		return out.value, out.err
	case <-ctx.Done():
		if h.table.Fail(h.id, ErrCanceled) {
			return "", ErrCanceled
		}
		out := <-h.ch
		return out.value, out.err
	}
}

// Table is a concurrency-safe map of correlation id to pending entry.
type Table struct {
	mu      sync.Mutex
	entries map[string]*entry
	clock   func() time.Time
}

// NewTable creates an empty correlation table.
func NewTable() *Table {
	return &Table{
		entries: make(map[string]*entry),
		clock:   time.Now,
	}
}

// Register creates a pending entry expiring after timeout. The sessionID is
// a back-reference only; the table does not manage session lifecycle.
func (t *Table) Register(id string, timeout time.Duration, sessionID string) (*Handle, error) {
	now := t.clock()
	e := &entry{
		ch:        make(chan outcome, 1),
		createdAt: now,
		deadline:  now.Add(timeout),
		sessionID: sessionID,
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.entries[id]; exists {
		return nil, ErrDuplicateID
	}
	t.entries[id] = e
	return &Handle{id: id, table: t, deadline: e.deadline, ch: e.ch}, nil
}

// Resolve settles the entry with a success value. Returns false when the id
// is absent or already settled; late deliveries are expected and harmless.
func (t *Table) Resolve(id string, value string) bool {
	return t.settle(id, outcome{value: value})
}

// Fail settles the entry with an error instead of a value.
func (t *Table) Fail(id string, err error) bool {
	if err == nil {
		err = ErrCanceled
	}
	return t.settle(id, outcome{err: err})
}

func (t *Table) settle(id string, out outcome) bool {
	t.mu.Lock()
	e, ok := t.entries[id]
	if !ok || e.done {
		t.mu.Unlock()
		return false
	}
	e.done = true
	delete(t.entries, id)
	t.mu.Unlock()

	e.ch <- out // capacity 1, never blocks
	return true
}

// Sweep fails every entry whose deadline has passed and returns their ids.
// Safe to call concurrently with Register and Resolve; an entry is settled
// by exactly one writer.
func (t *Table) Sweep(now time.Time) []string {
	t.mu.Lock()
	var expired []*entry
	var ids []string
	for id, e := range t.entries {
		if e.done || !e.deadline.Before(now) {
			continue
		}
		e.done = true
		delete(t.entries, id)
		expired = append(expired, e)
		ids = append(ids, id)
	}
	t.mu.Unlock()

	for _, e := range expired {
		e.ch <- outcome{err: ErrTimeout}
	}
	return ids
}

// FailAll settles every remaining entry with err. Used on shutdown so no
// waiter hangs forever. Returns the number of entries failed.
func (t *Table) FailAll(err error) int {
	if err == nil {
		err = ErrCanceled
	}
	t.mu.Lock()
	var pending []*entry
	for id, e := range t.entries {
		e.done = true
		delete(t.entries, id)
		pending = append(pending, e)
	}
	t.mu.Unlock()

	for _, e := range pending {
		e.ch <- outcome{err: err}
	}
	return len(pending)
}

// Len reports the number of pending entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
