package engine

import (
	"sync"

	"github.com/roach88/matchsync/internal/outbox"
)

// ReadCache is the caller-owned view that optimistic records are installed
// into. Implementations must be safe for concurrent use.
type ReadCache interface {
	// Install adds a provisional record under its temporary id.
	Install(p Provisional)
	// Confirm replaces the provisional record with the server's record.
	Confirm(tempID string, confirmed outbox.Record)
	// MarkUnconfirmed tags the provisional record as saved locally only.
	MarkUnconfirmed(tempID string, reason string)
	// Discard removes the provisional record.
	Discard(tempID string)
}

// Provisional is a locally synthesized record awaiting confirmation.
type Provisional struct {
	TempID string
	Record outbox.Record
}

// Synthesizer builds provisional records for a freshly enqueued payload.
// It is called once, after the entry is durable.
type Synthesizer func(entryID string, payload []outbox.Record) []Provisional

type binding struct {
	cache        ReadCache
	provisionals []Provisional
	ready        bool // provisionals are in the cache

	// Outcomes reported before ready, applied by install.
	delivered bool
	confirmed []outbox.Record
	reason    string
	discarded bool
}

// reconciler tracks which provisional records belong to which entry.
//
// A binding is reserved before its entry becomes visible to the flush
// coordinator, so no outcome can miss it. Outcomes that arrive while the
// synthesizer is still running are held on the binding and applied once
// the provisionals are installed.
//
// Bindings live in memory only. After a restart the caller rebuilds them
// with Engine.Reattach.
type reconciler struct {
	mu       sync.Mutex
	bindings map[string]*binding
}

func newReconciler() *reconciler {
	return &reconciler{bindings: make(map[string]*binding)}
}

// reserve registers an empty binding for entryID. It reports false if the
// entry is already bound.
func (r *reconciler) reserve(entryID string, cache ReadCache) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bindings[entryID]; ok {
		return false
	}
	r.bindings[entryID] = &binding{cache: cache}
	return true
}

// install synthesizes and installs the provisional records for a reserved
// entry, then applies any outcome reported in the meantime.
func (r *reconciler) install(entryID string, synth Synthesizer, payload []outbox.Record) int {
	r.mu.Lock()
	b, ok := r.bindings[entryID]
	r.mu.Unlock()
	if !ok || b.ready {
		return 0
	}

	provisionals := synth(entryID, outbox.CloneRecords(payload))
	for _, p := range provisionals {
		b.cache.Install(p)
	}

	r.mu.Lock()
	b.provisionals = provisionals
	b.ready = true
	done := len(provisionals) == 0 || b.discarded || b.delivered
	if done {
		delete(r.bindings, entryID)
	}
	pending := *b
	r.mu.Unlock()

	switch {
	case len(provisionals) == 0:
	case pending.discarded:
		pending.discard()
	case pending.delivered:
		pending.commit(pending.confirmed)
	case pending.reason != "":
		pending.flag(pending.reason)
	}
	return len(provisionals)
}

// drop forgets a reservation whose entry never became durable.
func (r *reconciler) drop(entryID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.bindings, entryID)
}

// commit swaps provisional records for confirmed ones.
func (r *reconciler) commit(entryID string, confirmed []outbox.Record) {
	r.mu.Lock()
	b, ok := r.bindings[entryID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !b.ready {
		b.delivered = true
		b.confirmed = outbox.CloneRecords(confirmed)
		r.mu.Unlock()
		return
	}
	delete(r.bindings, entryID)
	r.mu.Unlock()
	b.commit(confirmed)
}

// flag tags the entry's provisional records as unconfirmed. The binding is
// kept so a later manual retry can still confirm them.
func (r *reconciler) flag(entryID, reason string) {
	r.mu.Lock()
	b, ok := r.bindings[entryID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !b.ready {
		b.reason = reason
		r.mu.Unlock()
		return
	}
	r.mu.Unlock()
	b.flag(reason)
}

// discard removes the entry's provisional records from the cache.
func (r *reconciler) discard(entryID string) {
	r.mu.Lock()
	b, ok := r.bindings[entryID]
	if !ok {
		r.mu.Unlock()
		return
	}
	if !b.ready {
		b.discarded = true
		r.mu.Unlock()
		return
	}
	delete(r.bindings, entryID)
	r.mu.Unlock()
	b.discard()
}

// commit pairs provisionals with confirmed records by position.
// Provisionals without a counterpart stay unconfirmed.
func (b *binding) commit(confirmed []outbox.Record) {
	for i, p := range b.provisionals {
		if i < len(confirmed) {
			b.cache.Confirm(p.TempID, confirmed[i])
			continue
		}
		b.cache.MarkUnconfirmed(p.TempID, "delivered but not returned by server")
	}
}

func (b *binding) flag(reason string) {
	for _, p := range b.provisionals {
		b.cache.MarkUnconfirmed(p.TempID, reason)
	}
}

func (b *binding) discard() {
	for _, p := range b.provisionals {
		b.cache.Discard(p.TempID)
	}
}
