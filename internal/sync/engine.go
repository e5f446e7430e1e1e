// Package sync orchestrates draining the operation queue against the
// backend when connectivity is available.
package sync

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/backend"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/sync/conflict"
	"github.com/viyoga/companion/offline/internal/sync/queue"
)

// EventType tags sync lifecycle events broadcast to the shell.
type EventType string

const (
	EventSyncStarted          EventType = "sync.started"
	EventSyncProgress         EventType = "sync.progress"
	EventSyncCompleted        EventType = "sync.completed"
	EventSyncFailed           EventType = "sync.failed"
	EventSyncConflictDetected EventType = "sync.conflict_detected"
)

// Event is a sync lifecycle notification.
type Event struct {
	Type EventType
	Data map[string]interface{}
}

// EventHandler receives sync events. Handlers must not block.
type EventHandler func(Event)

// Replayer replays a single queued operation against the backend.
type Replayer interface {
	Replay(ctx context.Context, op *models.QueuedOperation) error
}

// metaLastSync is the sync_meta key holding the last drain completion.
const metaLastSync = "last_sync_time"

// Result summarizes one drain pass.
type Result struct {
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Attempted int
	Succeeded int
	Failed    int
	Conflicts int
	// Coalesced is true when the call found a drain already in flight
	// and scheduled a follow-up pass instead of starting a second one.
	Coalesced bool
}

// Engine drains the operation queue. At most one drain runs at a time;
// overlapping triggers coalesce into a follow-up pass of the running
// drain.
type Engine struct {
	queue    *queue.Queue
	replayer Replayer
	resolver *conflict.Resolver
	repo     *db.Repository

	opTimeout time.Duration
	now       func() time.Time

	mu           sync.Mutex
	syncing      bool
	followUp     bool
	isOnline     bool
	lastSyncTime *time.Time
	handler      EventHandler
}

// NewEngine creates an Engine. The last sync timestamp is restored from
// the store so it survives restarts.
func NewEngine(q *queue.Queue, replayer Replayer, resolver *conflict.Resolver, repo *db.Repository, opTimeout time.Duration) *Engine {
	e := &Engine{
		queue:     q,
		replayer:  replayer,
		resolver:  resolver,
		repo:      repo,
		opTimeout: opTimeout,
		now:       time.Now,
		isOnline:  true,
	}

	if raw, err := repo.GetMeta(metaLastSync); err == nil && raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			t := time.Unix(ts, 0)
			e.lastSyncTime = &t
		}
	}

	return e
}

// SetEventHandler sets the handler for sync notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	e.handler = handler
	e.mu.Unlock()
}

// SetClock injects a deterministic clock for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// SetOnline records the connectivity state reflected in State().
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	e.isOnline = online
	e.mu.Unlock()
}

// State returns the current sync snapshot for the shell's widgets.
func (e *Engine) State() models.SyncState {
	e.mu.Lock()
	state := models.SyncState{
		IsOnline:       e.isOnline,
		SyncInProgress: e.syncing,
		LastSyncTime:   e.lastSyncTime,
	}
	e.mu.Unlock()

	if count, err := e.queue.Count(); err == nil {
		state.QueueCount = count
	}
	if dead, err := e.queue.DeadLetterCount(); err == nil {
		state.DeadLetterCount = dead
	}

	return state
}

// Drain replays pending operations sequentially. force skips the retry
// backoff gate, which is what an explicit "Sync Now" wants.
//
// A trigger arriving while a drain is in flight does not start a second
// drain; it marks the running drain for one follow-up pass and returns a
// coalesced result immediately.
func (e *Engine) Drain(ctx context.Context, force bool) (*Result, error) {
	e.mu.Lock()
	if e.syncing {
		e.followUp = true
		e.mu.Unlock()
		return &Result{Coalesced: true}, nil
	}
	e.syncing = true
	e.followUp = false
	e.mu.Unlock()

	result := &Result{StartTime: e.now()}
	e.emit(Event{Type: EventSyncStarted, Data: map[string]interface{}{}})

	defer func() {
		result.EndTime = e.now()
		result.Duration = result.EndTime.Sub(result.StartTime)

		e.mu.Lock()
		if result.Succeeded > 0 {
			t := result.EndTime
			e.lastSyncTime = &t
		}
		e.syncing = false
		e.mu.Unlock()

		if result.Succeeded > 0 {
			if err := e.repo.SetMeta(metaLastSync, strconv.FormatInt(result.EndTime.Unix(), 10)); err != nil {
				logging.Error("Failed to persist last sync time", err)
			}
		}

		e.emit(Event{Type: EventSyncCompleted, Data: map[string]interface{}{
			"attempted": result.Attempted,
			"succeeded": result.Succeeded,
			"failed":    result.Failed,
			"conflicts": result.Conflicts,
		}})
	}()

	for {
		if err := e.pass(ctx, force, result); err != nil {
			return result, err
		}

		e.mu.Lock()
		again := e.followUp
		e.followUp = false
		e.mu.Unlock()
		if !again {
			return result, nil
		}
	}
}

// pass runs one sequential sweep over the replayable queue. Failures are
// recorded per operation and never abort the sweep: one unreachable
// endpoint must not strand everything queued behind it.
func (e *Engine) pass(ctx context.Context, force bool, result *Result) error {
	ops, err := e.queue.PeekOrdered()
	if err != nil {
		e.emit(Event{Type: EventSyncFailed, Data: map[string]interface{}{
			"error": err.Error(),
		}})
		return err
	}

	now := e.now().Unix()
	total := len(ops)

	for i, op := range ops {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !force && op.NextRetryAt > now {
			continue
		}

		result.Attempted++
		if err := e.queue.MarkInFlight(op); err != nil {
			logging.Error("Failed to mark operation in-flight", err)
			continue
		}

		e.emit(Event{Type: EventSyncProgress, Data: map[string]interface{}{
			"completed": i,
			"total":     total,
			"op_id":     op.ID.String(),
		}})

		opCtx, cancel := context.WithTimeout(ctx, e.opTimeout)
		replayErr := e.replayer.Replay(opCtx, op)
		cancel()

		switch {
		case replayErr == nil:
			if err := e.queue.Dequeue(op.ID.String()); err != nil {
				logging.Error("Failed to dequeue replayed operation", err)
				continue
			}
			result.Succeeded++

		case apperr.Is(replayErr, apperr.ErrConflictStale):
			if serverTS, newer := serverNewer(op, replayErr); newer {
				e.discardStale(op, serverTS)
				result.Conflicts++
			} else {
				// A 409 that cannot prove newer server state is a
				// rejection: dead-letter for the user, never a silent
				// discard.
				rejected := apperr.Wrap(apperr.ErrServerRejected,
					"conflict without newer server state", replayErr)
				if err := e.queue.MarkFailed(op, rejected); err != nil {
					logging.Error("Failed to record operation failure", err)
				}
				result.Failed++
			}

		default:
			if err := e.queue.MarkFailed(op, replayErr); err != nil {
				logging.Error("Failed to record operation failure", err)
			}
			result.Failed++
		}
	}

	return nil
}

// serverNewer extracts the server timestamp from a conflict error and
// reports whether the server state is strictly newer than the local
// write. Discarding is only authorized in that case.
func serverNewer(op *models.QueuedOperation, cause error) (int64, bool) {
	var stale *backend.StaleError
	if !errors.As(cause, &stale) {
		return 0, false
	}
	return stale.ServerTimestamp, stale.ServerTimestamp > op.CreatedAt
}

// discardStale drops a conflicted operation per last-write-wins with
// server authority and notifies the shell.
func (e *Engine) discardStale(op *models.QueuedOperation, serverTS int64) {
	if _, err := e.resolver.Discard(op, serverTS); err != nil {
		logging.Error("Failed to log conflict", err)
	}
	if err := e.queue.Dequeue(op.ID.String()); err != nil {
		logging.Error("Failed to drop conflicted operation", err)
	}

	e.emit(Event{Type: EventSyncConflictDetected, Data: map[string]interface{}{
		"resource_type":    string(op.ResourceType),
		"resource_id":      op.ResourceID,
		"server_timestamp": serverTS,
	}})
}

func (e *Engine) emit(event Event) {
	e.mu.Lock()
	handler := e.handler
	e.mu.Unlock()

	if handler != nil {
		handler(event)
	}
}
