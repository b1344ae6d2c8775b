package testutil

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/roach88/matchsync/internal/outbox"
)

// ErrInjected is the default error returned by MemoryStore failure hooks.
var ErrInjected = errors.New("injected store failure")

// MemoryStore is an in-memory engine.DurableStore.
//
// It mirrors the SQLite store's contract: seq is monotonic and never
// reused, retired ids are rejected on insert, and update/delete of a
// missing id are no-ops.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type MemoryStore struct {
	mu           sync.Mutex
	seq          int64
	entries      map[string]outbox.Entry
	retired      map[string]bool
	lastSyncedAt *time.Time

	// FailInsert, FailUpdate and FailDelivered return an error from the
	// matching method while non-nil.
	FailInsert    error
	FailUpdate    error
	FailDelivered error
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]outbox.Entry),
		retired: make(map[string]bool),
	}
}

// LoadEntries returns entries ordered by seq.
func (m *MemoryStore) LoadEntries(ctx context.Context) ([]outbox.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]outbox.Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// InsertEntry stores e under the next seq.
func (m *MemoryStore) InsertEntry(ctx context.Context, e outbox.Entry) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailInsert != nil {
		return 0, m.FailInsert
	}
	if _, ok := m.entries[e.ID]; ok || m.retired[e.ID] {
		return 0, fmt.Errorf("insert entry %s: duplicate id", e.ID)
	}
	m.seq++
	e = e.Clone()
	e.Seq = m.seq
	m.entries[e.ID] = e
	return e.Seq, nil
}

// UpdateEntry replaces bookkeeping fields of a stored entry.
func (m *MemoryStore) UpdateEntry(ctx context.Context, e outbox.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailUpdate != nil {
		return m.FailUpdate
	}
	cur, ok := m.entries[e.ID]
	if !ok {
		return nil
	}
	cur.Attempts = e.Attempts
	cur.LastAttemptAt = e.Clone().LastAttemptAt
	cur.LastError = e.LastError
	cur.ErrorKind = e.ErrorKind
	cur.NextAttemptAt = e.Clone().NextAttemptAt
	m.entries[e.ID] = cur
	return nil
}

// DeleteEntry removes and retires id.
func (m *MemoryStore) DeleteEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[id]; ok {
		delete(m.entries, id)
		m.retired[id] = true
	}
	return nil
}

// MarkDelivered removes and retires id and advances lastSyncedAt.
func (m *MemoryStore) MarkDelivered(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.FailDelivered != nil {
		return m.FailDelivered
	}
	if _, ok := m.entries[id]; ok {
		delete(m.entries, id)
		m.retired[id] = true
	}
	m.lastSyncedAt = &at
	return nil
}

// LastSyncedAt returns the last delivery time, or nil.
func (m *MemoryStore) LastSyncedAt(ctx context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastSyncedAt == nil {
		return nil, nil
	}
	t := *m.lastSyncedAt
	return &t, nil
}

// Len returns the number of stored entries.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Get returns a copy of a stored entry.
func (m *MemoryStore) Get(id string) (outbox.Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e.Clone(), ok
}
