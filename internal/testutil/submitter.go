package testutil

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/roach88/matchsync/internal/outbox"
)

// ErrOffline is returned by ScriptedSubmitter while it is set offline.
var ErrOffline = errors.New("network unreachable")

// Response is one scripted reply to Submit.
type Response struct {
	// Records are returned on success. Nil echoes the payload with
	// server ids assigned.
	Records []outbox.Record
	// Err is returned instead of records when set.
	Err error
	// Hang blocks until the submit context ends and returns its error.
	Hang bool
	// Gate, when set, blocks the call until it is closed.
	Gate <-chan struct{}
}

// Call records one Submit invocation.
type Call struct {
	EntryID string
	Payload []outbox.Record
}

// ScriptedSubmitter is an engine.Submitter driven by per-entry scripts.
//
// Responses queued with On are consumed in order; once an entry's script is
// empty the submitter succeeds. It also acts as an idempotent remote: each
// entry id lands at most one set of records, however often it is delivered.
//
// Thread-safety: All methods are safe for concurrent use via internal mutex.
type ScriptedSubmitter struct {
	mu          sync.Mutex
	scripts     map[string][]Response
	offline     bool
	calls       []Call
	inFlight    int
	maxInFlight int
	remote      map[string][]outbox.Record
	onCall      func(Call)
}

// NewScriptedSubmitter creates a submitter that succeeds by default.
func NewScriptedSubmitter() *ScriptedSubmitter {
	return &ScriptedSubmitter{
		scripts: make(map[string][]Response),
		remote:  make(map[string][]outbox.Record),
	}
}

// On appends responses to the script for entryID.
func (s *ScriptedSubmitter) On(entryID string, responses ...Response) *ScriptedSubmitter {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scripts[entryID] = append(s.scripts[entryID], responses...)
	return s
}

// SetOffline makes every unscripted call fail transiently while true.
func (s *ScriptedSubmitter) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// OnCall registers a hook invoked at the start of every Submit.
func (s *ScriptedSubmitter) OnCall(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onCall = fn
}

// Submit implements engine.Submitter.
func (s *ScriptedSubmitter) Submit(ctx context.Context, entryID string, payload []outbox.Record) ([]outbox.Record, error) {
	call := Call{EntryID: entryID, Payload: outbox.CloneRecords(payload)}

	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.inFlight++
	if s.inFlight > s.maxInFlight {
		s.maxInFlight = s.inFlight
	}
	var resp Response
	scripted := false
	if script := s.scripts[entryID]; len(script) > 0 {
		resp = script[0]
		s.scripts[entryID] = script[1:]
		scripted = true
	}
	offline := s.offline
	hook := s.onCall
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}()

	if hook != nil {
		hook(call)
	}

	if resp.Gate != nil {
		select {
		case <-resp.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if resp.Hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if resp.Err != nil {
		return nil, resp.Err
	}
	if !scripted && offline {
		return nil, outbox.NewTransientError(ErrOffline)
	}

	records := resp.Records
	if records == nil {
		records = make([]outbox.Record, len(payload))
		for i, r := range payload {
			out := r.Clone()
			out["id"] = fmt.Sprintf("srv-%s-%d", entryID, i+1)
			records[i] = out
		}
	}

	s.mu.Lock()
	if _, ok := s.remote[entryID]; !ok {
		s.remote[entryID] = outbox.CloneRecords(records)
	}
	s.mu.Unlock()
	return records, nil
}

// Calls returns every Submit invocation so far, in order.
func (s *ScriptedSubmitter) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

// CallIDs returns the entry id of every call, in order.
func (s *ScriptedSubmitter) CallIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.calls))
	for i, c := range s.calls {
		ids[i] = c.EntryID
	}
	return ids
}

// CallCount returns how many times entryID was submitted.
func (s *ScriptedSubmitter) CallCount(entryID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.calls {
		if c.EntryID == entryID {
			n++
		}
	}
	return n
}

// MaxInFlight returns the highest number of concurrent Submit calls seen.
func (s *ScriptedSubmitter) MaxInFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInFlight
}

// RemoteRecords returns the total number of records stored remotely.
func (s *ScriptedSubmitter) RemoteRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, rs := range s.remote {
		n += len(rs)
	}
	return n
}

// Delivered reports whether entryID reached the remote.
func (s *ScriptedSubmitter) Delivered(entryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.remote[entryID]
	return ok
}
