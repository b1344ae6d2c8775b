package cli

import (
	"bytes"
	"testing"
	"time"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/matchsync/internal/outbox"
	"github.com/roach88/matchsync/internal/testutil"
)

func newGoldie(t *testing.T) *goldie.Goldie {
	return goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
}

func TestRenderState_Golden(t *testing.T) {
	synced := testutil.Epoch
	tests := []struct {
		name  string
		state outbox.State
	}{
		{
			name:  "state_synced",
			state: outbox.State{Status: outbox.StatusSynced, LastSyncedAt: &synced},
		},
		{
			name: "state_failed",
			state: outbox.State{
				Status:        outbox.StatusFailed,
				PendingCount:  2,
				FailedCount:   1,
				ConflictCount: 1,
				LastError:     "[conflict] edited elsewhere",
				LastSyncedAt:  &synced,
			},
		},
		{
			name:  "state_never_synced",
			state: outbox.State{Status: outbox.StatusPending, PendingCount: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			StateReport(tt.state).RenderText(&buf)
			newGoldie(t).Assert(t, tt.name, buf.Bytes())
		})
	}
}

func TestRenderEntries_Golden(t *testing.T) {
	attempted := testutil.Epoch
	next := testutil.Epoch.Add(2 * time.Second)
	rec := outbox.Record{"team1_sets": 6}

	entries := []outbox.Entry{
		{
			ID: "e-1", Payload: []outbox.Record{rec}, Attempts: 1,
			ErrorKind: outbox.KindTransient, LastError: "network unreachable",
			LastAttemptAt: &attempted, NextAttemptAt: &next,
		},
		{
			ID: "e-2", Payload: []outbox.Record{rec, rec}, Attempts: 1,
			ErrorKind: outbox.KindConflict, LastError: "[conflict] edited elsewhere",
			LastAttemptAt: &attempted,
		},
		{ID: "e-3", Payload: []outbox.Record{rec}},
	}

	var buf bytes.Buffer
	EntryList(entries).RenderText(&buf)
	newGoldie(t).Assert(t, "entries_mixed", buf.Bytes())

	buf.Reset()
	EntryList(nil).RenderText(&buf)
	newGoldie(t).Assert(t, "entries_empty", buf.Bytes())
}
