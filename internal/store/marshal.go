package store

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/matchsync/internal/outbox"
)

// timeLayout is used for every timestamp column. Fixed-width nanoseconds
// keep lexical order equal to chronological order.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// marshalPayload converts a payload batch to JSON TEXT for storage.
// HTML escaping is disabled so stored text matches what the remote receives.
func marshalPayload(payload []outbox.Record) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(payload); err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return string(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

// unmarshalPayload converts stored JSON TEXT back to a payload batch.
func unmarshalPayload(data string) ([]outbox.Record, error) {
	var payload []outbox.Record
	if err := json.Unmarshal([]byte(data), &payload); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return payload, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
