package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/roach88/matchsync/internal/engine"
	"github.com/roach88/matchsync/internal/match"
	"github.com/roach88/matchsync/internal/outbox"
	"github.com/roach88/matchsync/internal/testutil"
)

type fixture struct {
	srv   *httptest.Server
	eng   *engine.Engine
	sub   *testutil.ScriptedSubmitter
	cache *match.Cache
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	sub := testutil.NewScriptedSubmitter()
	clock := testutil.NewManualClock(testutil.Epoch)
	logger := zaptest.NewLogger(t)

	eng, err := engine.New(testutil.NewMemoryStore(), sub,
		engine.WithClock(clock),
		engine.WithIDGenerator(outbox.NewSequentialGenerator("e")),
		engine.WithPollInterval(0),
		engine.WithSubmitTimeout(time.Second),
		engine.WithLogger(logger),
	)
	require.NoError(t, err)
	t.Cleanup(func() { eng.Close() })

	v, err := match.NewValidator()
	require.NoError(t, err)
	cache := match.NewCache()

	s := NewServer(eng, v, cache,
		WithNow(clock.Now),
		WithSynthesizer(match.NewSynthesizer(outbox.NewSequentialGenerator("p"), clock.Now)),
		// Stream handlers may outlive the test; keep them off t.Log.
		WithLogger(zap.NewNop()),
	)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &fixture{srv: srv, eng: eng, sub: sub, cache: cache}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, buf.Bytes()
}

const validBatch = `{"matches":[{"team1":["Ana","Bea"],"team2":["Cris","Dani"],"team1_sets":6,"team2_sets":4}]}`

func TestEnqueue_FlushConfirmsMatch(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/entries", validBatch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))
	assert.Equal(t, "e-1", enq.EntryID)
	assert.Equal(t, outbox.StatusPending, enq.State.Status)
	assert.Equal(t, 1, enq.State.PendingCount)

	list := f.cache.List(match.Filter{})
	require.Len(t, list, 1)
	assert.Equal(t, "temp-p-1", list[0].TempID)
	assert.False(t, list[0].Confirmed)
	assert.Equal(t, match.ScoreSets, list[0].Match.ScoreType)

	resp, body = f.do(t, http.MethodGet, "/v1/entries", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var entries []outbox.Entry
	require.NoError(t, json.Unmarshal(body, &entries))
	require.Len(t, entries, 1)
	assert.NotEmpty(t, entries[0].Digest)

	resp, body = f.do(t, http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var fl flushResponse
	require.NoError(t, json.Unmarshal(body, &fl))
	assert.True(t, fl.Pass.Manual)
	assert.Equal(t, 1, fl.Pass.Delivered)
	assert.Equal(t, outbox.StatusSynced, fl.State.Status)
	assert.NotNil(t, fl.State.LastSyncedAt)

	resp, body = f.do(t, http.MethodGet, "/v1/matches", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var matches []match.CachedMatch
	require.NoError(t, json.Unmarshal(body, &matches))
	require.Len(t, matches, 1)
	assert.True(t, matches[0].Confirmed)
	assert.Equal(t, "srv-e-1-1", matches[0].Match.ID)
}

func TestEnqueue_Rejects(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		body string
		want string
	}{
		{"negative sets", `{"matches":[{"team1":["A"],"team2":["B"],"team1_sets":-1,"team2_sets":0}]}`, "team1_sets"},
		{"empty team", `{"matches":[{"team1":[],"team2":["B"],"team1_sets":1,"team2_sets":0}]}`, "team1"},
		{"no matches", `{"matches":[]}`, "at least one record"},
		{"unknown field", `{"matchez":[]}`, "decode body"},
		{"not json", `nope`, "decode body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, body := f.do(t, http.MethodPost, "/v1/entries", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, string(body), tt.want)
		})
	}
	assert.Empty(t, f.eng.Entries(), "nothing enqueued")
	assert.Zero(t, f.cache.Len())
}

func TestRetryAndDiscard(t *testing.T) {
	f := newFixture(t)
	f.sub.On("e-1", testutil.Response{Err: outbox.Conflictf("edited elsewhere")})

	resp, _ := f.do(t, http.MethodPost, "/v1/entries", validBatch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/entries/e-1/retry", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "pending entries cannot be retried")

	resp, body := f.do(t, http.MethodPost, "/v1/flush", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var fl flushResponse
	require.NoError(t, json.Unmarshal(body, &fl))
	assert.Equal(t, outbox.StatusFailed, fl.State.Status)
	assert.Equal(t, 1, fl.State.ConflictCount)

	m := f.cache.List(match.Filter{})[0]
	assert.Equal(t, "saved locally only", m.Saved())

	resp, _ = f.do(t, http.MethodPost, "/v1/entries/missing/retry", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, body = f.do(t, http.MethodGet, "/v1/entries/e-1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var e outbox.Entry
	require.NoError(t, json.Unmarshal(body, &e))
	assert.Equal(t, outbox.KindConflict, e.ErrorKind)

	resp, _ = f.do(t, http.MethodDelete, "/v1/entries/e-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = f.do(t, http.MethodDelete, "/v1/entries/e-1", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode, "discard is idempotent")

	resp, _ = f.do(t, http.MethodGet, "/v1/entries/e-1", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Zero(t, f.cache.Len(), "provisional match dropped")
}

func TestRetry_Succeeds(t *testing.T) {
	f := newFixture(t)
	f.sub.On("e-1", testutil.Response{Err: outbox.Validationf("bad court")})

	f.do(t, http.MethodPost, "/v1/entries", validBatch)
	f.do(t, http.MethodPost, "/v1/flush", "")

	resp, body := f.do(t, http.MethodPost, "/v1/entries/e-1/retry", "")
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var st outbox.State
	require.NoError(t, json.Unmarshal(body, &st))
	assert.Equal(t, outbox.StatusSynced, st.Status)
	assert.True(t, f.cache.List(match.Filter{})[0].Confirmed)
}

func TestMatches_Filters(t *testing.T) {
	f := newFixture(t)
	tid := "cup-1"
	f.cache.Put(
		match.Match{ID: "old", Team1Sets: 6, Team2Sets: 3, CreatedAt: testutil.Epoch.AddDate(0, 0, -20).Format(time.RFC3339)},
		match.Match{ID: "cup", Team1Sets: 2, Team2Sets: 1, CreatedAt: testutil.Epoch.AddDate(0, 0, -2).Format(time.RFC3339), SourceTournamentID: &tid},
	)

	ids := func(query string) []string {
		resp, body := f.do(t, http.MethodGet, "/v1/matches"+query, "")
		require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
		var out []match.CachedMatch
		require.NoError(t, json.Unmarshal(body, &out))
		var got []string
		for _, m := range out {
			got = append(got, m.Match.ID)
		}
		return got
	}

	assert.Equal(t, []string{"cup", "old"}, ids(""))
	assert.Equal(t, []string{"cup"}, ids("?filter=short"))
	assert.Equal(t, []string{"old"}, ids("?filter=long"))
	assert.Equal(t, []string{"cup"}, ids("?filter=tournaments"))
	assert.Equal(t, []string{"cup"}, ids("?filter=last7"))
	assert.Equal(t, []string{"cup", "old"}, ids("?filter=last30"))

	from := testutil.Epoch.AddDate(0, 0, -25).Format(time.DateOnly)
	to := testutil.Epoch.AddDate(0, 0, -10).Format(time.DateOnly)
	assert.Equal(t, []string{"old"}, ids("?filter=range&from="+from+"&to="+to))

	resp, _ := f.do(t, http.MethodGet, "/v1/matches?filter=weekly", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/v1/matches?filter=range&from=yesterday", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStateStream(t *testing.T) {
	f := newFixture(t)

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/v1/state/stream"
	conn, _, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))

	// The subscription delivers the current state on connect.
	var st outbox.State
	require.NoError(t, conn.ReadJSON(&st))

	resp, _ := f.do(t, http.MethodPost, "/v1/entries", validBatch)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	for st.PendingCount == 0 {
		require.NoError(t, conn.ReadJSON(&st))
	}
	assert.Equal(t, outbox.StatusPending, st.Status)
	assert.Equal(t, 1, st.PendingCount)

	f.do(t, http.MethodPost, "/v1/flush", "")
	require.NoError(t, conn.ReadJSON(&st))
	assert.Equal(t, outbox.StatusSynced, st.Status)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, statusFor(outbox.ErrNotFound))
	assert.Equal(t, http.StatusConflict, statusFor(outbox.ErrNotFailed))
	assert.Equal(t, http.StatusBadRequest, statusFor(match.ErrInvalidMatch))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(outbox.ErrClosed))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}
