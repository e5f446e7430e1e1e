// Package connectivity tracks whether the backend is reachable. The shell
// reports platform online/offline transitions, and an optional periodic
// probe validates them against the real backend so a captive portal does
// not read as connectivity.
package connectivity

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/logging"
)

// Monitor exposes the current connectivity as a reactive signal.
type Monitor struct {
	mu        sync.RWMutex
	online    bool
	running   bool
	probeURL  string
	interval  time.Duration
	client    *http.Client
	subs      []chan bool
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// NewMonitor creates a Monitor. probeURL may be empty to disable probing.
// The monitor starts online: with no evidence either way, optimism keeps
// the first writes flowing instead of queueing them needlessly.
func NewMonitor(probeURL string, interval time.Duration) *Monitor {
	return &Monitor{
		online:   true,
		probeURL: probeURL,
		interval: interval,
		client:   &http.Client{Timeout: 5 * time.Second},
		stopCh:   make(chan struct{}),
	}
}

// IsOnline returns the current connectivity.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// SetOnline records a connectivity transition reported by the shell.
// Subscribers are notified only on actual transitions.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	changed := m.online != online
	m.online = online
	subs := make([]chan bool, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	if !changed {
		return
	}

	logging.Info("Connectivity changed", map[string]interface{}{
		"is_online": online,
	})

	for _, ch := range subs {
		select {
		case ch <- online:
		default:
			// Subscriber is behind; it will read the latest state on its
			// next poll of IsOnline.
		}
	}
}

// Subscribe returns a channel receiving connectivity transitions.
func (m *Monitor) Subscribe() <-chan bool {
	ch := make(chan bool, 4)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()
	return ch
}

// Start begins the periodic backend probe. No-op when probing is disabled
// or the monitor is already running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running || m.probeURL == "" || m.interval <= 0 {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()

	m.wg.Add(1)
	go m.probeLoop(ctx, stopCh)
}

// Stop halts the probe loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()

	m.wg.Wait()
}

func (m *Monitor) probeLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.SetOnline(m.probe(ctx))
		}
	}
}

// probe issues a lightweight HEAD request against the backend.
func (m *Monitor) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, m.probeURL, nil)
	if err != nil {
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()

	// Any response from the backend counts as reachable, including 4xx:
	// a captive portal answers with its own host, the backend answers
	// with at least a routed status.
	return resp.StatusCode < 500
}
