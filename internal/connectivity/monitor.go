// Package connectivity turns health probes into online/offline signals.
//
// The signal is a flush trigger only. Delivery is attempted whatever the
// monitor last reported; a failed attempt while offline is transient.
package connectivity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Notifier receives connectivity transitions.
// *engine.Engine satisfies it.
type Notifier interface {
	NotifyConnectivity(online bool)
}

// Prober checks whether the remote is reachable.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProbeFunc adapts a function to Prober.
type ProbeFunc func(ctx context.Context) error

// Probe calls f.
func (f ProbeFunc) Probe(ctx context.Context) error { return f(ctx) }

// HTTPProber issues GET requests to a health endpoint. Any response below
// 500 counts as reachable.
type HTTPProber struct {
	URL    string
	Client *http.Client
}

// Probe implements Prober.
func (p HTTPProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("probe status %d", resp.StatusCode)
	}
	return nil
}

// Monitor probes on an interval and notifies on every change.
type Monitor struct {
	prober   Prober
	notifier Notifier
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	mu     sync.Mutex
	known  bool
	online bool
}

// NewMonitor creates a monitor. timeout bounds each probe.
func NewMonitor(prober Prober, notifier Notifier, interval, timeout time.Duration, logger *zap.Logger) (*Monitor, error) {
	if prober == nil || notifier == nil {
		return nil, errors.New("connectivity: prober and notifier are required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("connectivity: interval must be positive, got %s", interval)
	}
	if timeout <= 0 || timeout > interval {
		timeout = interval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Monitor{
		prober:   prober,
		notifier: notifier,
		interval: interval,
		timeout:  timeout,
		logger:   logger,
	}, nil
}

// Run probes immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}

// Check runs one probe and reports whether the remote looked reachable.
// The notifier is called on the first result and on every change.
func (m *Monitor) Check(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	err := m.prober.Probe(pctx)
	cancel()

	if ctx.Err() != nil {
		return m.Online()
	}
	online := err == nil

	m.mu.Lock()
	changed := !m.known || online != m.online
	m.known = true
	m.online = online
	m.mu.Unlock()

	if changed {
		if online {
			m.logger.Info("remote reachable")
		} else {
			m.logger.Warn("remote unreachable", zap.Error(err))
		}
		m.notifier.NotifyConnectivity(online)
	}
	return online
}

// Online returns the last probe result.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}
