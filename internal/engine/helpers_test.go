package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/matchsync/internal/outbox"
	"github.com/roach88/matchsync/internal/testutil"
)

// fixedJitter makes Delay return d/2 + f*(d/2).
func fixedJitter(f float64) func() float64 {
	return func() float64 { return f }
}

type testEngine struct {
	*Engine
	store *testutil.MemoryStore
	sub   *testutil.ScriptedSubmitter
	clock *testutil.ManualClock
}

// newTestEngine builds an engine over an in-memory store with entry ids
// e-1, e-2, ... and no poll ticker. It is not started.
func newTestEngine(t *testing.T, opts ...Option) *testEngine {
	t.Helper()
	return newTestEngineWith(t, testutil.NewMemoryStore(), testutil.NewScriptedSubmitter(), opts...)
}

func newTestEngineWith(t *testing.T, s *testutil.MemoryStore, sub *testutil.ScriptedSubmitter, opts ...Option) *testEngine {
	t.Helper()
	clock := testutil.NewManualClock(testutil.Epoch)
	policy := DefaultRetryPolicy()
	policy.Jitter = fixedJitter(1)

	base := []Option{
		WithClock(clock),
		WithIDGenerator(outbox.NewSequentialGenerator("e")),
		WithPollInterval(0),
		WithRetryPolicy(policy),
		WithSubmitTimeout(time.Second),
		WithLogger(zaptest.NewLogger(t)),
	}
	e, err := New(s, sub, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })

	return &testEngine{Engine: e, store: s, sub: sub, clock: clock}
}

// flushAuto runs one automatic (non-manual) pass and waits for it.
func (te *testEngine) flushAuto(t *testing.T) {
	t.Helper()
	done, err := te.requestFlush(false)
	require.NoError(t, err)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush pass did not finish")
	}
}

func (te *testEngine) enqueue(t *testing.T, records ...outbox.Record) string {
	t.Helper()
	if len(records) == 0 {
		records = []outbox.Record{matchRecord("A", "B", "C", "D", 6, 4)}
	}
	id, err := te.Enqueue(t.Context(), records)
	require.NoError(t, err)
	return id
}

func matchRecord(p1, p2, p3, p4 string, s1, s2 int) outbox.Record {
	return outbox.Record{
		"team1":      []any{p1, p2},
		"team2":      []any{p3, p4},
		"team1_sets": s1,
		"team2_sets": s2,
	}
}

// stateRecorder collects published states.
type stateRecorder struct {
	mu     sync.Mutex
	states []outbox.State
}

func (r *stateRecorder) record(st outbox.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, st)
}

func (r *stateRecorder) all() []outbox.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]outbox.State, len(r.states))
	copy(out, r.states)
	return out
}

// fakeCache records ReadCache calls.
type fakeCache struct {
	mu          sync.Mutex
	installed   map[string]outbox.Record
	confirmed   map[string]outbox.Record
	unconfirmed map[string]string
	discarded   []string
}

func newFakeCache() *fakeCache {
	return &fakeCache{
		installed:   make(map[string]outbox.Record),
		confirmed:   make(map[string]outbox.Record),
		unconfirmed: make(map[string]string),
	}
}

func (c *fakeCache) Install(p Provisional) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.installed[p.TempID] = p.Record
}

func (c *fakeCache) Confirm(tempID string, confirmed outbox.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.installed, tempID)
	delete(c.unconfirmed, tempID)
	c.confirmed[tempID] = confirmed
}

func (c *fakeCache) MarkUnconfirmed(tempID, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unconfirmed[tempID] = reason
}

func (c *fakeCache) Discard(tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.installed, tempID)
	delete(c.unconfirmed, tempID)
	c.discarded = append(c.discarded, tempID)
}

func (c *fakeCache) snapshot() (installed, confirmed int, unconfirmed map[string]string, discarded []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := make(map[string]string, len(c.unconfirmed))
	for k, v := range c.unconfirmed {
		u[k] = v
	}
	return len(c.installed), len(c.confirmed), u, append([]string(nil), c.discarded...)
}

// tempSynth builds one provisional per record with id tmp-<entry>-<n>.
func tempSynth(entryID string, payload []outbox.Record) []Provisional {
	out := make([]Provisional, len(payload))
	for i, r := range payload {
		out[i] = Provisional{TempID: entryID + "-tmp-" + string(rune('1'+i)), Record: r}
	}
	return out
}
