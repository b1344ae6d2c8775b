package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roach88/matchsync/internal/outbox"
)

// DurableStore persists outbox entries across restarts.
// Implemented by *store.Store (production) and testutil.MemoryStore (tests).
type DurableStore interface {
	LoadEntries(ctx context.Context) ([]outbox.Entry, error)
	InsertEntry(ctx context.Context, e outbox.Entry) (int64, error)
	UpdateEntry(ctx context.Context, e outbox.Entry) error
	DeleteEntry(ctx context.Context, id string) error
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	LastSyncedAt(ctx context.Context) (*time.Time, error)
}

// queue is the in-memory projection of the durable store.
//
// Every mutation writes the store first and touches memory only after the
// write succeeded, so the two never disagree about which entries exist.
// The mutex is held across the store call to keep that ordering when
// enqueue and the coordinator race.
//
// INVARIANTS:
//   - entries is sorted by Seq (enqueue order)
//   - an id appears at most once
type queue struct {
	mu           sync.Mutex
	store        DurableStore
	entries      []outbox.Entry
	released     map[string]struct{} // manual retries awaiting their attempt
	lastSyncedAt *time.Time
}

// hydrateQueue loads the full outbox from the store.
func hydrateQueue(ctx context.Context, s DurableStore) (*queue, error) {
	entries, err := s.LoadEntries(ctx)
	if err != nil {
		return nil, fmt.Errorf("load entries: %w", err)
	}
	last, err := s.LastSyncedAt(ctx)
	if err != nil {
		return nil, fmt.Errorf("load last synced at: %w", err)
	}
	return &queue{
		store:        s,
		entries:      entries,
		released:     make(map[string]struct{}),
		lastSyncedAt: last,
	}, nil
}

// add persists e and appends it. The returned entry carries its seq.
func (q *queue) add(ctx context.Context, e outbox.Entry) (outbox.Entry, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	seq, err := q.store.InsertEntry(ctx, e)
	if err != nil {
		return outbox.Entry{}, err
	}
	e.Seq = seq
	q.entries = append(q.entries, e.Clone())
	return e, nil
}

// snapshot returns a deep copy of all entries in FIFO order.
func (q *queue) snapshot() []outbox.Entry {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]outbox.Entry, len(q.entries))
	for i, e := range q.entries {
		out[i] = e.Clone()
	}
	return out
}

// get returns a copy of the entry with the given id.
func (q *queue) get(id string) (outbox.Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return outbox.Entry{}, false
	}
	return q.entries[i].Clone(), true
}

// update applies fn to a copy of the entry, persists the result and then
// swaps it in. Missing ids are a no-op and report false.
func (q *queue) update(ctx context.Context, id string, fn func(*outbox.Entry)) (outbox.Entry, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return outbox.Entry{}, false, nil
	}

	next := q.entries[i].Clone()
	fn(&next)
	if err := q.store.UpdateEntry(ctx, next); err != nil {
		return outbox.Entry{}, true, err
	}
	q.entries[i] = next
	return next.Clone(), true, nil
}

// remove deletes an entry at the caller's request. Missing ids are a no-op
// and report false.
func (q *queue) remove(ctx context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.DeleteEntry(ctx, id); err != nil {
		return false, err
	}
	delete(q.released, id)
	return q.drop(id), nil
}

// delivered removes a confirmed entry and advances lastSyncedAt.
func (q *queue) delivered(ctx context.Context, id string, at time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.MarkDelivered(ctx, id, at); err != nil {
		return err
	}
	delete(q.released, id)
	q.drop(id)
	q.lastSyncedAt = &at
	return nil
}

// release marks a failed entry eligible for the next pass.
func (q *queue) release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.released[id] = struct{}{}
}

// claim reports whether the coordinator should attempt id now, consuming a
// pending release if there is one.
func (q *queue) claim(id string, manual bool, now time.Time) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	if _, ok := q.released[id]; ok {
		delete(q.released, id)
		return true
	}
	if manual {
		return true
	}
	e := q.entries[i]
	return !e.Failed() && e.Due(now)
}

// nextDue returns the earliest backoff deadline among entries still under
// automatic retry, or nil when none is scheduled.
func (q *queue) nextDue() *time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next *time.Time
	for _, e := range q.entries {
		if e.Failed() || e.NextAttemptAt == nil {
			continue
		}
		if next == nil || e.NextAttemptAt.Before(*next) {
			t := *e.NextAttemptAt
			next = &t
		}
	}
	return next
}

// state derives the aggregate State from the live entries.
func (q *queue) state() outbox.State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return outbox.DeriveState(q.entries, q.lastSyncedAt)
}

// Len returns the number of queued entries.
func (q *queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// indexOf must be called with q.mu held.
func (q *queue) indexOf(id string) int {
	for i := range q.entries {
		if q.entries[i].ID == id {
			return i
		}
	}
	return -1
}

// drop must be called with q.mu held.
func (q *queue) drop(id string) bool {
	i := q.indexOf(id)
	if i < 0 {
		return false
	}
	// Nil out the slot so the payload can be collected.
	copy(q.entries[i:], q.entries[i+1:])
	q.entries[len(q.entries)-1] = outbox.Entry{}
	q.entries = q.entries[:len(q.entries)-1]
	return true
}
