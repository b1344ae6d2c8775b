package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/matchsync/internal/outbox"
	"github.com/roach88/matchsync/internal/store"
)

func TestServe_APIAndShutdown(t *testing.T) {
	h := newCLIHarness(t)

	addrCh := make(chan string, 1)
	h.opts.serveReady = func(addr string) { addrCh <- addr }

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	stderr := &bytes.Buffer{}
	errCh := make(chan error, 1)
	go func() {
		cmd := newRootCommand(h.opts)
		cmd.SetOut(&strings.Builder{})
		cmd.SetErr(stderr)
		cmd.SetArgs([]string{"serve", "--listen", "127.0.0.1:0", "--db", h.db})
		errCh <- cmd.ExecuteContext(ctx)
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case err := <-errCh:
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not start")
	}

	body := `{"matches":[{"team1":["Ana"],"team2":["Cris"],"team1_sets":6,"team2_sets":1}]}`
	resp, err := http.Post("http://"+addr+"/v1/entries", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	// The started engine delivers on enqueue without a manual flush.
	assert.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/v1/state")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		var st outbox.State
		if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
			return false
		}
		return st.Status == outbox.StatusSynced && st.LastSyncedAt != nil
	}, 5*time.Second, 20*time.Millisecond)

	// A second process on the same outbox is refused.
	other := *h.opts
	out := &bytes.Buffer{}
	cmd := newRootCommand(&other)
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"discard", "e-1", "--db", h.db})
	err = cmd.ExecuteContext(t.Context())
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.ErrorIs(t, err, store.ErrLocked)
	assert.Contains(t, out.String(), ErrCodeLocked)

	cancel()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not shut down")
	}

	// serve logs without --verbose.
	logs := stderr.String()
	assert.Contains(t, logs, `"msg":"serving"`)
	assert.Contains(t, logs, `"msg":"entry delivered"`)
	assert.Contains(t, logs, `"msg":"engine stopped"`)
	assert.NotContains(t, logs, `"level":"debug"`)
}

func TestOneShotCommands_QuietWithoutVerbose(t *testing.T) {
	h := newCLIHarness(t)

	stderr := &bytes.Buffer{}
	cmd := newRootCommand(h.opts)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(stderr)
	cmd.SetArgs([]string{"status", "--db", h.db})
	require.NoError(t, cmd.ExecuteContext(t.Context()))
	assert.Empty(t, stderr.String())
}
