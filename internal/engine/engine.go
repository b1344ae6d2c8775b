package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/roach88/matchsync/internal/outbox"
)

// Submitter delivers one entry to the remote store.
//
// Submit must be idempotent keyed by entryID. On success it returns the
// server-confirmed records, in payload order. Failures should be
// *outbox.SubmitError values; anything else is treated as transient.
type Submitter interface {
	Submit(ctx context.Context, entryID string, payload []outbox.Record) ([]outbox.Record, error)
}

// SubmitFunc adapts a function to Submitter.
type SubmitFunc func(ctx context.Context, entryID string, payload []outbox.Record) ([]outbox.Record, error)

// Submit calls f.
func (f SubmitFunc) Submit(ctx context.Context, entryID string, payload []outbox.Record) ([]outbox.Record, error) {
	return f(ctx, entryID, payload)
}

// Engine is the outbox sync engine. Construct one per device with New.
//
// Lifecycle:
//
//	e, err := engine.New(store, submitter, opts...)
//	e.Start(ctx)      // trigger loop + one immediate flush
//	defer e.Close()   // stops the loop and waits for the pass in flight
type Engine struct {
	queue     *queue
	submitter Submitter
	pub       *publisher
	rec       *reconciler

	policy        RetryPolicy
	clock         Clock
	ids           outbox.IDGenerator
	submitTimeout time.Duration
	pollInterval  time.Duration
	logger        *zap.Logger

	ctx    context.Context // engine lifetime; cancelled by Close
	cancel context.CancelFunc
	wg     sync.WaitGroup
	kick   chan struct{} // coalescing trigger (buffered, size 1)

	mu       sync.Mutex
	started  bool
	closed   bool
	flushing bool
	again    bool // another pass requested during the current one
	manual   bool // the requested follow-up pass is manual
	idle     chan struct{}
	online   bool
	backoff  *time.Timer
	lastPass PassStats
}

// PassStats summarizes the most recent flush pass.
type PassStats struct {
	Manual    bool          `json:"manual"`
	Attempted int           `json:"attempted"`
	Delivered int           `json:"delivered"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithRetryPolicy replaces the default retry policy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(e *Engine) { e.policy = p }
}

// WithClock replaces the wall clock.
func WithClock(c Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithIDGenerator replaces the UUIDv7 entry id generator.
func WithIDGenerator(g outbox.IDGenerator) Option {
	return func(e *Engine) { e.ids = g }
}

// WithSubmitTimeout bounds each remote submit call.
func WithSubmitTimeout(d time.Duration) Option {
	return func(e *Engine) { e.submitTimeout = d }
}

// WithPollInterval sets the periodic flush trigger. Zero disables it.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// New hydrates an Engine from the durable store.
// The engine does not deliver anything until Start or FlushNow is called.
func New(s DurableStore, sub Submitter, opts ...Option) (*Engine, error) {
	if s == nil {
		return nil, errors.New("engine: nil store")
	}
	if sub == nil {
		return nil, errors.New("engine: nil submitter")
	}

	e := &Engine{
		submitter:     sub,
		rec:           newReconciler(),
		policy:        DefaultRetryPolicy(),
		clock:         SystemClock{},
		ids:           outbox.UUIDv7Generator{},
		submitTimeout: DefaultSubmitTimeout,
		pollInterval:  DefaultPollInterval,
		logger:        zap.NewNop(),
		kick:          make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.policy.Validate(); err != nil {
		return nil, fmt.Errorf("engine: retry policy: %w", err)
	}
	if e.submitTimeout <= 0 {
		return nil, fmt.Errorf("engine: submit timeout must be positive, got %s", e.submitTimeout)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	q, err := hydrateQueue(e.ctx, s)
	if err != nil {
		e.cancel()
		return nil, fmt.Errorf("engine: hydrate: %w", err)
	}
	e.queue = q
	e.pub = newPublisher(q.state)

	e.logger.Info("engine hydrated",
		zap.Int("entries", q.Len()),
		zap.String("status", string(q.state().Status)),
	)
	return e, nil
}

// Start launches the trigger loop and fires one flush immediately, which
// resumes any delivery interrupted by a previous shutdown.
// The loop stops when ctx is cancelled or Close is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return outbox.ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.wg.Add(1)
	e.mu.Unlock()

	go e.run(ctx)
	e.Kick()
	return nil
}

// Close stops the trigger loop, cancels the submit in flight and waits for
// the coordinator to exit. An interrupted submit is not counted as an
// attempt. Close is idempotent.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.backoff != nil {
		e.backoff.Stop()
	}
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()
	e.logger.Info("engine stopped")
	return nil
}

// Kick requests an automatic flush pass without waiting for it.
// Kicks that arrive faster than passes run are coalesced.
func (e *Engine) Kick() {
	select {
	case e.kick <- struct{}{}:
	default:
	}
}

// run is the trigger loop. Every trigger funnels into requestFlush.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	var tick <-chan time.Time
	if e.pollInterval > 0 {
		ticker := time.NewTicker(e.pollInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	e.logger.Info("engine starting", zap.Duration("poll_interval", e.pollInterval))

	for {
		select {
		case <-ctx.Done():
			e.logger.Info("engine stopping: context cancelled")
			return
		case <-e.ctx.Done():
			return
		case <-e.kick:
			e.requestFlush(false)
		case <-tick:
			e.requestFlush(false)
		}
	}
}

// NotifyConnectivity records the connectivity signal. An offline to online
// transition triggers a flush. Connectivity never gates delivery.
func (e *Engine) NotifyConnectivity(online bool) {
	e.mu.Lock()
	restored := online && !e.online
	changed := online != e.online
	e.online = online
	e.mu.Unlock()

	if changed {
		e.logger.Info("connectivity changed", zap.Bool("online", online))
	}
	if restored {
		e.Kick()
	}
}

// Online reports the last connectivity signal.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*enqueueConfig)

type enqueueConfig struct {
	cache ReadCache
	synth Synthesizer
}

// WithOptimistic installs synthesized records into cache once the entry is
// durable. They are confirmed on delivery and flagged on terminal failure.
func WithOptimistic(cache ReadCache, synth Synthesizer) EnqueueOption {
	return func(c *enqueueConfig) {
		c.cache = cache
		c.synth = synth
	}
}

// Enqueue durably appends payload to the outbox and returns its entry id.
//
// The entry is persisted before Enqueue returns. Delivery happens later on
// the coordinator; its failures surface through State and Entries, never
// here. Enqueue fails only for an empty or non-encodable payload, a closed
// engine or a store write error.
func (e *Engine) Enqueue(ctx context.Context, payload []outbox.Record, opts ...EnqueueOption) (string, error) {
	if len(payload) == 0 {
		return "", outbox.ErrEmptyPayload
	}
	if e.isClosed() {
		return "", outbox.ErrClosed
	}

	var cfg enqueueConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	payload = outbox.CloneRecords(payload)
	digest, err := outbox.PayloadDigest(payload)
	if err != nil {
		return "", fmt.Errorf("enqueue: %w", err)
	}

	id := e.ids.Generate()

	// The binding must exist before the coordinator can see the entry.
	optimistic := cfg.cache != nil && cfg.synth != nil && e.rec.reserve(id, cfg.cache)

	entry, err := e.queue.add(ctx, outbox.Entry{
		ID:        id,
		Payload:   payload,
		Digest:    digest,
		CreatedAt: e.clock.Now(),
	})
	if err != nil {
		if optimistic {
			e.rec.drop(id)
		}
		return "", fmt.Errorf("enqueue: %w", err)
	}

	installed := 0
	if optimistic {
		installed = e.rec.install(entry.ID, cfg.synth, entry.Payload)
	}

	e.logger.Info("entry enqueued",
		zap.String("entry_id", entry.ID),
		zap.Int64("seq", entry.Seq),
		zap.Int("records", len(entry.Payload)),
		zap.Int("provisional", installed),
	)

	e.pub.publish()
	e.Kick()
	return entry.ID, nil
}

// Reattach installs provisional records for every queued entry that has no
// binding yet, and tags failed entries as unconfirmed. Call it once after
// New when the caller rebuilds its read cache on cold start.
func (e *Engine) Reattach(cache ReadCache, synth Synthesizer) int {
	if cache == nil || synth == nil {
		return 0
	}
	installed := 0
	for _, entry := range e.queue.snapshot() {
		if !e.rec.reserve(entry.ID, cache) {
			continue
		}
		if entry.Failed() {
			e.rec.flag(entry.ID, entry.LastError)
		}
		installed += e.rec.install(entry.ID, synth, entry.Payload)
	}
	e.logger.Debug("reattached provisional records", zap.Int("provisional", installed))
	return installed
}

// FlushNow runs a manual pass and waits for it to finish. Failed entries
// (conflict, validation, exhausted) and entries still backing off are
// attempted once in this pass. If a pass is already running, the manual
// pass runs right after it.
func (e *Engine) FlushNow(ctx context.Context) error {
	done, err := e.requestFlush(true)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Retry releases one failed entry into the next pass, resets its backoff
// clock and waits for that pass. Attempts keep counting up.
//
// Returns outbox.ErrNotFound if the entry is gone and outbox.ErrNotFailed
// if it is still under automatic retry.
func (e *Engine) Retry(ctx context.Context, entryID string) error {
	if e.isClosed() {
		return outbox.ErrClosed
	}
	current, ok := e.queue.get(entryID)
	if !ok {
		return fmt.Errorf("retry %s: %w", entryID, outbox.ErrNotFound)
	}
	if !current.Failed() {
		return fmt.Errorf("retry %s: %w", entryID, outbox.ErrNotFailed)
	}

	if _, _, err := e.queue.update(ctx, entryID, func(en *outbox.Entry) {
		en.NextAttemptAt = nil
	}); err != nil {
		return fmt.Errorf("retry %s: %w", entryID, err)
	}
	e.queue.release(entryID)

	e.logger.Info("manual retry",
		zap.String("entry_id", entryID),
		zap.Int("attempts", current.Attempts),
		zap.String("kind", string(current.ErrorKind)),
	)

	done, err := e.requestFlush(false)
	if err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Discard removes an entry at the caller's request and drops its
// provisional records. Discarding an entry that is already gone is a no-op.
func (e *Engine) Discard(ctx context.Context, entryID string) error {
	removed, err := e.queue.remove(ctx, entryID)
	if err != nil {
		return fmt.Errorf("discard %s: %w", entryID, err)
	}
	e.rec.discard(entryID)
	if removed {
		e.logger.Info("entry discarded", zap.String("entry_id", entryID))
		e.pub.publish()
	}
	return nil
}

// State returns the current aggregate state.
func (e *Engine) State() outbox.State {
	return e.queue.state()
}

// Entries returns a FIFO-ordered copy of the queued entries.
func (e *Engine) Entries() []outbox.Entry {
	return e.queue.snapshot()
}

// Entry returns a copy of one queued entry.
func (e *Engine) Entry(entryID string) (outbox.Entry, error) {
	en, ok := e.queue.get(entryID)
	if !ok {
		return outbox.Entry{}, outbox.ErrNotFound
	}
	return en, nil
}

// Subscribe registers fn and calls it with the current state before
// returning. fn is called again after each change to the state, at most
// once per flush pass, until the returned func is called.
//
// fn runs on the goroutine that changed the state. It must not call
// Enqueue, Discard, Retry, FlushNow or Subscribe synchronously.
func (e *Engine) Subscribe(fn func(outbox.State)) (unsubscribe func()) {
	return e.pub.subscribe(fn)
}

// LastPass returns statistics for the most recent completed pass.
func (e *Engine) LastPass() PassStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastPass
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}
