package outbox

import (
	"strings"
	"time"
)

// Record is one opaque write inside an entry's payload.
// Values follow encoding/json conventions (string, float64, bool, nil,
// []any, map[string]any).
type Record map[string]any

// Clone returns a deep copy of the record.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[k] = cloneValue(elem)
		}
		return out
	case Record:
		return val.Clone()
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = cloneValue(elem)
		}
		return out
	case []string:
		out := make([]string, len(val))
		copy(out, val)
		return out
	default:
		return val
	}
}

// CloneRecords deep-copies a payload.
func CloneRecords(records []Record) []Record {
	if records == nil {
		return nil
	}
	out := make([]Record, len(records))
	for i, r := range records {
		out[i] = r.Clone()
	}
	return out
}

// FailureKind classifies why a delivery attempt did not succeed.
type FailureKind string

const (
	// KindNone means the entry has not failed (or has not been attempted).
	KindNone FailureKind = ""
	// KindTransient is a retryable failure: timeout, 5xx, offline.
	KindTransient FailureKind = "transient"
	// KindConflict means the remote record was modified concurrently or
	// already exists with different content.
	KindConflict FailureKind = "conflict"
	// KindValidation means the remote rejected the payload as malformed.
	KindValidation FailureKind = "validation"
	// KindExhausted is a transient failure that ran out of automatic attempts.
	KindExhausted FailureKind = "exhausted"
)

// Error markers stamped at the front of LastError for terminal kinds.
const (
	ConflictMarker   = "[conflict]"
	ValidationMarker = "[validation]"
	ExhaustedMarker  = "[exhausted]"
)

// Terminal reports whether entries of this kind are withheld from
// automatic flush passes until a caller retries or discards them.
func (k FailureKind) Terminal() bool {
	switch k {
	case KindConflict, KindValidation, KindExhausted:
		return true
	default:
		return false
	}
}

// Marker returns the LastError prefix for the kind, or "" for kinds that
// carry none.
func (k FailureKind) Marker() string {
	switch k {
	case KindConflict:
		return ConflictMarker
	case KindValidation:
		return ValidationMarker
	case KindExhausted:
		return ExhaustedMarker
	default:
		return ""
	}
}

// FormatError renders msg with the kind's marker.
func FormatError(kind FailureKind, msg string) string {
	marker := kind.Marker()
	if marker == "" {
		return msg
	}
	if strings.HasPrefix(msg, marker) {
		return msg
	}
	return marker + " " + msg
}

// KindFromError recovers a failure kind from a marked error string.
// Unmarked non-empty strings are transient.
func KindFromError(lastError string) FailureKind {
	switch {
	case lastError == "":
		return KindNone
	case strings.HasPrefix(lastError, ConflictMarker):
		return KindConflict
	case strings.HasPrefix(lastError, ValidationMarker):
		return KindValidation
	case strings.HasPrefix(lastError, ExhaustedMarker):
		return KindExhausted
	default:
		return KindTransient
	}
}

// Entry is one pending write in the outbox.
//
// Entries are created on enqueue, mutated only by the flush coordinator and
// removed only on confirmed delivery or explicit discard.
type Entry struct {
	ID            string      `json:"entry_id"`
	Seq           int64       `json:"seq"`
	Payload       []Record    `json:"payload"`
	Digest        string      `json:"digest"`
	Attempts      int         `json:"attempts"`
	CreatedAt     time.Time   `json:"created_at"`
	LastAttemptAt *time.Time  `json:"last_attempt_at,omitempty"`
	LastError     string      `json:"last_error,omitempty"`
	ErrorKind     FailureKind `json:"error_kind,omitempty"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
}

// Failed reports whether the entry needs a caller decision.
func (e Entry) Failed() bool {
	return e.ErrorKind.Terminal()
}

// Due reports whether the backoff schedule allows an automatic attempt at now.
func (e Entry) Due(now time.Time) bool {
	return e.NextAttemptAt == nil || !now.Before(*e.NextAttemptAt)
}

// Clone returns a deep copy of the entry.
func (e Entry) Clone() Entry {
	out := e
	out.Payload = CloneRecords(e.Payload)
	out.LastAttemptAt = cloneTime(e.LastAttemptAt)
	out.NextAttemptAt = cloneTime(e.NextAttemptAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// Status is the aggregate sync status shown to users.
type Status string

const (
	StatusSynced  Status = "synced"
	StatusPending Status = "pending"
	StatusFailed  Status = "failed"
)

// State is the aggregate view of the outbox. It is derived from the live
// entries and never stored on its own.
type State struct {
	Status          Status     `json:"status"`
	PendingCount    int        `json:"pending_count"`
	FailedCount     int        `json:"failed_count"`
	ConflictCount   int        `json:"conflict_count"`
	ValidationCount int        `json:"validation_count"`
	ExhaustedCount  int        `json:"exhausted_count"`
	LastError       string     `json:"last_error,omitempty"`
	LastSyncedAt    *time.Time `json:"last_synced_at,omitempty"`
}

// Equal reports whether two states would render identically.
func (s State) Equal(o State) bool {
	if s.Status != o.Status ||
		s.PendingCount != o.PendingCount ||
		s.FailedCount != o.FailedCount ||
		s.ConflictCount != o.ConflictCount ||
		s.ValidationCount != o.ValidationCount ||
		s.ExhaustedCount != o.ExhaustedCount ||
		s.LastError != o.LastError {
		return false
	}
	switch {
	case s.LastSyncedAt == nil && o.LastSyncedAt == nil:
		return true
	case s.LastSyncedAt == nil || o.LastSyncedAt == nil:
		return false
	default:
		return s.LastSyncedAt.Equal(*o.LastSyncedAt)
	}
}

// DeriveState aggregates entries into a State.
//
// LastError is taken from the entry whose failure is most recent; entries
// that have never been attempted do not contribute.
func DeriveState(entries []Entry, lastSyncedAt *time.Time) State {
	st := State{LastSyncedAt: cloneTime(lastSyncedAt)}

	var latest *Entry
	for i := range entries {
		e := &entries[i]
		switch e.ErrorKind {
		case KindConflict:
			st.FailedCount++
			st.ConflictCount++
		case KindValidation:
			st.FailedCount++
			st.ValidationCount++
		case KindExhausted:
			st.FailedCount++
			st.ExhaustedCount++
		default:
			st.PendingCount++
		}

		if e.LastError == "" || e.LastAttemptAt == nil {
			continue
		}
		if latest == nil || !e.LastAttemptAt.Before(*latest.LastAttemptAt) {
			latest = e
		}
	}
	if latest != nil {
		st.LastError = latest.LastError
	}

	switch {
	case st.FailedCount > 0:
		st.Status = StatusFailed
	case st.PendingCount > 0:
		st.Status = StatusPending
	default:
		st.Status = StatusSynced
	}
	return st
}
