// Package scheduler wires the sync engine to its trigger sources: the
// periodic background timer, connectivity restoration, and explicit
// sync-now requests from the shell or the gateway.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/connectivity"
	"github.com/viyoga/companion/offline/internal/logging"
	syncpkg "github.com/viyoga/companion/offline/internal/sync"
)

// Config holds scheduler configuration.
type Config struct {
	SyncInterval time.Duration // periodic drain cadence while online
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval: 5 * time.Minute,
	}
}

// Scheduler runs the background sync triggers.
type Scheduler struct {
	engine  *syncpkg.Engine
	monitor *connectivity.Monitor
	cfg     *Config

	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
}

// New creates a Scheduler.
func New(engine *syncpkg.Engine, monitor *connectivity.Monitor, cfg *Config) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Scheduler{
		engine:  engine,
		monitor: monitor,
		cfg:     cfg,
		stopCh:  make(chan struct{}),
	}
}

// Start starts the trigger loops.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.engine.SetOnline(s.monitor.IsOnline())

	s.wg.Add(2)
	go s.periodicLoop(ctx, stopCh)
	go s.connectivityLoop(ctx, stopCh)

	logging.Info("Sync scheduler started", map[string]interface{}{
		"interval": s.cfg.SyncInterval.String(),
	})
}

// Stop stops the trigger loops gracefully.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()

	logging.Info("Sync scheduler stopped")
}

// IsRunning reports whether the scheduler loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isRunning
}

// periodicLoop drains on a timer while online.
func (s *Scheduler) periodicLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if !s.monitor.IsOnline() {
				continue
			}
			s.drain(ctx, false, "periodic")
		}
	}
}

// connectivityLoop drains when connectivity is restored.
func (s *Scheduler) connectivityLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	transitions := s.monitor.Subscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case online := <-transitions:
			s.engine.SetOnline(online)
			if online {
				s.drain(ctx, false, "connectivity_restored")
			}
		}
	}
}

// TriggerSync requests an immediate drain, e.g. from a gateway
// SYNC_QUEUE message. Coalesces with any drain already in flight.
func (s *Scheduler) TriggerSync(ctx context.Context) {
	s.drain(ctx, false, "external")
}

// SyncNow drains immediately on behalf of the user, skipping retry
// backoff, and waits for the result.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	if !s.monitor.IsOnline() {
		return nil, apperr.New(apperr.ErrNetworkUnavailable, "cannot sync while offline")
	}
	return s.engine.Drain(ctx, true)
}

func (s *Scheduler) drain(ctx context.Context, force bool, trigger string) {
	result, err := s.engine.Drain(ctx, force)
	if err != nil {
		logging.ErrorWithCode("Sync drain failed", string(apperr.CodeOf(err)), err,
			map[string]interface{}{"trigger": trigger})
		return
	}
	if result.Coalesced {
		logging.Debug("Sync trigger coalesced into running drain",
			map[string]interface{}{"trigger": trigger})
		return
	}

	logging.Info("Sync drain completed", map[string]interface{}{
		"trigger":   trigger,
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
	})
}
