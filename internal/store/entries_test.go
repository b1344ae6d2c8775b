package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/matchsync/internal/outbox"
)

func TestLoadEntries_EmptyStore(t *testing.T) {
	s := createTestStore(t)

	entries, err := s.LoadEntries(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestInsertEntry_RoundTrip(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntry(t, "e1", 0)
	seq, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)

	got, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)

	assert.Equal(t, "e1", got.ID)
	assert.Equal(t, seq, got.Seq)
	assert.Equal(t, e.Digest, got.Digest)
	assert.Equal(t, 0, got.Attempts)
	assert.True(t, e.CreatedAt.Equal(got.CreatedAt))
	assert.Nil(t, got.LastAttemptAt)
	assert.Nil(t, got.NextAttemptAt)
	assert.Equal(t, outbox.KindNone, got.ErrorKind)

	require.Len(t, got.Payload, 1)
	assert.Equal(t, []any{"Ana", "Bea"}, got.Payload[0]["team1"])
	assert.Equal(t, float64(6), got.Payload[0]["team1_sets"])

	// Digest recomputed from the stored payload matches the original.
	digest, err := outbox.PayloadDigest(got.Payload)
	require.NoError(t, err)
	assert.Equal(t, e.Digest, digest)
}

func TestLoadEntries_FIFOOrder(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	// Creation times deliberately out of order; seq decides.
	ids := []string{"c", "a", "b"}
	for i, id := range ids {
		_, err := s.InsertEntry(ctx, createTestEntry(t, id, -time.Duration(i)*time.Minute))
		require.NoError(t, err)
	}

	entries, err := s.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	for i, id := range ids {
		assert.Equal(t, id, entries[i].ID)
		if i > 0 {
			assert.Greater(t, entries[i].Seq, entries[i-1].Seq)
		}
	}
}

func TestInsertEntry_DuplicateQueuedID(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.InsertEntry(ctx, createTestEntry(t, "e1", 0))
	require.NoError(t, err)

	_, err = s.InsertEntry(ctx, createTestEntry(t, "e1", time.Second))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestInsertEntry_RetiredIDRejected(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.InsertEntry(ctx, createTestEntry(t, "e1", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, "e1", testEpoch.Add(time.Minute)))

	_, err = s.InsertEntry(ctx, createTestEntry(t, "e1", 2*time.Minute))
	assert.ErrorIs(t, err, ErrDuplicateID)

	_, err = s.InsertEntry(ctx, createTestEntry(t, "e2", 0))
	require.NoError(t, err)
	require.NoError(t, s.DeleteEntry(ctx, "e2"))

	_, err = s.InsertEntry(ctx, createTestEntry(t, "e2", 0))
	assert.ErrorIs(t, err, ErrDuplicateID)
}

func TestInsertEntry_SeqNeverReused(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq1, err := s.InsertEntry(ctx, createTestEntry(t, "e1", 0))
	require.NoError(t, err)
	require.NoError(t, s.MarkDelivered(ctx, "e1", testEpoch))

	seq2, err := s.InsertEntry(ctx, createTestEntry(t, "e2", 0))
	require.NoError(t, err)
	assert.Greater(t, seq2, seq1)
}

func TestUpdateEntry_PersistsBookkeeping(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntry(t, "e1", 0)
	seq, err := s.InsertEntry(ctx, e)
	require.NoError(t, err)

	attemptAt := testEpoch.Add(time.Minute)
	nextAt := attemptAt.Add(3 * time.Second)
	e.Seq = seq
	e.Attempts = 2
	e.LastAttemptAt = &attemptAt
	e.LastError = "[conflict] match already recorded"
	e.ErrorKind = outbox.KindConflict
	e.NextAttemptAt = &nextAt
	require.NoError(t, s.UpdateEntry(ctx, e))

	got, err := s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastAttemptAt)
	assert.True(t, attemptAt.Equal(*got.LastAttemptAt))
	require.NotNil(t, got.NextAttemptAt)
	assert.True(t, nextAt.Equal(*got.NextAttemptAt))
	assert.Equal(t, "[conflict] match already recorded", got.LastError)
	assert.Equal(t, outbox.KindConflict, got.ErrorKind)

	// Clearing the schedule writes NULL back.
	e.NextAttemptAt = nil
	require.NoError(t, s.UpdateEntry(ctx, e))
	got, err = s.ReadEntry(ctx, "e1")
	require.NoError(t, err)
	assert.Nil(t, got.NextAttemptAt)
}

func TestUpdateEntry_MissingIsNoop(t *testing.T) {
	s := createTestStore(t)

	e := createTestEntry(t, "ghost", 0)
	e.Attempts = 1
	require.NoError(t, s.UpdateEntry(context.Background(), e))

	entries, err := s.LoadEntries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestReadEntry_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadEntry(context.Background(), "missing")
	assert.ErrorIs(t, err, outbox.ErrNotFound)
}

func TestDeleteEntry_RemovesAndIsIdempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.InsertEntry(ctx, createTestEntry(t, "e1", 0))
	require.NoError(t, err)
	_, err = s.InsertEntry(ctx, createTestEntry(t, "e2", 0))
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntry(ctx, "e1"))
	require.NoError(t, s.DeleteEntry(ctx, "e1"))

	entries, err := s.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "e2", entries[0].ID)

	// Discard does not count as a sync.
	last, err := s.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMarkDelivered_AdvancesLastSyncedAt(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	last, err := s.LastSyncedAt(ctx)
	require.NoError(t, err)
	assert.Nil(t, last)

	_, err = s.InsertEntry(ctx, createTestEntry(t, "e1", 0))
	require.NoError(t, err)

	deliveredAt := testEpoch.Add(5 * time.Minute)
	require.NoError(t, s.MarkDelivered(ctx, "e1", deliveredAt))

	entries, err := s.LoadEntries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	last, err = s.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, deliveredAt.Equal(*last))

	var reason string
	require.NoError(t, s.db.QueryRow(`SELECT reason FROM retired_entries WHERE id = 'e1'`).Scan(&reason))
	assert.Equal(t, ReasonDelivered, reason)
}

func TestEntries_SurviveReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")
	ctx := context.Background()

	s1, err := Open(path)
	require.NoError(t, err)
	for _, id := range []string{"e1", "e2", "e3"} {
		_, err := s1.InsertEntry(ctx, createTestEntry(t, id, 0))
		require.NoError(t, err)
	}
	require.NoError(t, s1.MarkDelivered(ctx, "e1", testEpoch))
	require.NoError(t, s1.Close())

	s2, err := Open(path)
	require.NoError(t, err)
	defer s2.Close()

	entries, err := s2.LoadEntries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "e2", entries[0].ID)
	assert.Equal(t, "e3", entries[1].ID)

	last, err := s2.LastSyncedAt(ctx)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, testEpoch.Equal(*last))
}

func TestMarshalPayload_NoHTMLEscape(t *testing.T) {
	got, err := marshalPayload([]outbox.Record{{"team1": []any{"A & B"}}})
	require.NoError(t, err)
	assert.Equal(t, `[{"team1":["A & B"]}]`, got)
}

func TestParseTime_RejectsGarbage(t *testing.T) {
	_, err := parseTime("yesterday")
	assert.Error(t, err)
}
