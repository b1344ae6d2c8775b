package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/matchsync/internal/outbox"
)

// createTestStore opens a fresh store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

var testEpoch = time.Date(2026, 3, 14, 18, 30, 0, 0, time.UTC)

// createTestEntry builds an entry carrying a single match record.
func createTestEntry(t *testing.T, id string, offset time.Duration) outbox.Entry {
	t.Helper()
	payload := []outbox.Record{{
		"team1":      []any{"Ana", "Bea"},
		"team2":      []any{"Cris", "Dani"},
		"team1_sets": float64(6),
		"team2_sets": float64(4),
	}}
	digest, err := outbox.PayloadDigest(payload)
	require.NoError(t, err)
	return outbox.Entry{
		ID:        id,
		Payload:   payload,
		Digest:    digest,
		CreatedAt: testEpoch.Add(offset),
	}
}
