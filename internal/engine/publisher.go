package engine

import (
	"sync"

	"github.com/roach88/matchsync/internal/outbox"
)

// publisher hands derived State snapshots to subscribers.
//
// Deliveries are serialized by deliverMu so every subscriber sees states in
// the order they were derived. Callbacks run on the goroutine that changed
// the state and must not call Enqueue, Discard, Retry, FlushNow or Subscribe
// synchronously. Calling the unsubscribe func from inside a callback is fine.
type publisher struct {
	current func() outbox.State

	deliverMu sync.Mutex
	last      outbox.State
	hasLast   bool

	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]func(outbox.State)
	order  []uint64
}

func newPublisher(current func() outbox.State) *publisher {
	return &publisher{
		current: current,
		subs:    make(map[uint64]func(outbox.State)),
	}
}

// subscribe registers fn, invokes it with the current state and returns a
// func that removes it. The returned func is idempotent.
func (p *publisher) subscribe(fn func(outbox.State)) func() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.subs[id] = fn
	p.order = append(p.order, id)
	p.mu.Unlock()

	fn(p.current())

	var once sync.Once
	return func() {
		once.Do(func() { p.unsubscribe(id) })
	}
}

func (p *publisher) unsubscribe(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.subs, id)
	for i, sid := range p.order {
		if sid == id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}
}

// publish derives the current state and delivers it if it differs from the
// last published one.
func (p *publisher) publish() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	st := p.current()
	if p.hasLast && st.Equal(p.last) {
		return
	}
	p.last = st
	p.hasLast = true

	p.mu.Lock()
	ids := make([]uint64, len(p.order))
	copy(ids, p.order)
	p.mu.Unlock()

	for _, id := range ids {
		p.mu.Lock()
		fn, ok := p.subs[id]
		p.mu.Unlock()
		if !ok {
			continue
		}
		fn(st)
	}
}

// count returns the number of live subscriptions.
func (p *publisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subs)
}
