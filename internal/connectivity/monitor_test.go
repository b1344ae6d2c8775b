package connectivity

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu      sync.Mutex
	signals []bool
}

func (n *recordingNotifier) NotifyConnectivity(online bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.signals = append(n.signals, online)
}

func (n *recordingNotifier) all() []bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]bool(nil), n.signals...)
}

func TestMonitor_NotifiesOnlyOnChange(t *testing.T) {
	results := []error{nil, nil, errors.New("no route to host"), errors.New("no route to host"), nil}
	i := 0
	prober := ProbeFunc(func(ctx context.Context) error {
		err := results[i]
		i++
		return err
	})

	n := &recordingNotifier{}
	m, err := NewMonitor(prober, n, time.Hour, time.Second, nil)
	require.NoError(t, err)

	for range results {
		m.Check(context.Background())
	}

	assert.Equal(t, []bool{true, false, true}, n.all())
	assert.True(t, m.Online())
}

func TestMonitor_Validation(t *testing.T) {
	_, err := NewMonitor(nil, &recordingNotifier{}, time.Second, time.Second, nil)
	assert.Error(t, err)

	_, err = NewMonitor(ProbeFunc(func(context.Context) error { return nil }), &recordingNotifier{}, 0, time.Second, nil)
	assert.Error(t, err)
}

func TestHTTPProber(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer srv.Close()

	p := HTTPProber{URL: srv.URL + "/healthz"}
	assert.NoError(t, p.Probe(context.Background()))

	status.Store(http.StatusNotFound)
	assert.NoError(t, p.Probe(context.Background()), "reachable even if the path is unknown")

	status.Store(http.StatusBadGateway)
	assert.Error(t, p.Probe(context.Background()))

	srv.Close()
	assert.Error(t, p.Probe(context.Background()))
}

func TestMonitor_RunStopsOnCancel(t *testing.T) {
	n := &recordingNotifier{}
	m, err := NewMonitor(ProbeFunc(func(context.Context) error { return nil }), n, 10*time.Millisecond, 0, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	require.Eventually(t, func() bool { return len(n.all()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.NoError(t, <-done)
	assert.Equal(t, []bool{true}, n.all())
}
