// Package queue manages the durable queue of not-yet-synced write
// operations, with ordered replay, create+delete collapsing, retry
// accounting with exponential backoff, and a dead-letter list for
// operations that need user attention.
package queue

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/schema"
)

// BackoffFunc computes the delay before retry n (1-based).
type BackoffFunc func(retryCount int) time.Duration

// ExponentialBackoff returns the default schedule: base * 2^(n-1),
// capped at max.
func ExponentialBackoff(base, max time.Duration) BackoffFunc {
	return func(retryCount int) time.Duration {
		if retryCount < 1 {
			retryCount = 1
		}
		d := base << uint(retryCount-1)
		if d > max || d < base {
			d = max
		}
		return d
	}
}

// Config holds queue tuning parameters. Everything is injectable so the
// queue stays testable with deterministic fake clocks.
type Config struct {
	MaxOps     int
	MaxRetries int
	QuotaBytes int64
	Backoff    BackoffFunc
	Now        func() time.Time
}

// DefaultConfig returns production defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxOps:     1000,
		MaxRetries: 5,
		QuotaBytes: 50 * 1024 * 1024,
		Backoff:    ExponentialBackoff(time.Minute, time.Hour),
		Now:        time.Now,
	}
}

// Queue is the durable operation queue. All mutation goes through the
// repository; the queue itself holds no state beyond its configuration,
// so a restart picks up exactly where the previous process stopped.
type Queue struct {
	repo    *db.Repository
	schemas *schema.Registry
	cfg     *Config
	mu      sync.Mutex
}

// New creates a Queue. schemas may be nil to disable payload validation.
//
// Operations left in-flight by a crashed process are reset to pending
// here, so an interrupted replay is retried instead of lost.
func New(repo *db.Repository, schemas *schema.Registry, cfg *Config) *Queue {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Backoff == nil {
		cfg.Backoff = ExponentialBackoff(time.Minute, time.Hour)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	recovered, err := repo.ResetInFlightOperations()
	if err != nil {
		logging.Error("Failed to recover in-flight operations", err)
	} else if recovered > 0 {
		logging.Warn("Recovered operations stranded in-flight", map[string]interface{}{
			"count": recovered,
		})
	}

	return &Queue{repo: repo, schemas: schemas, cfg: cfg}
}

// Enqueue appends a pending operation.
//
// A delete arriving for a resource whose create has not synced yet
// collapses the pair: every queued operation for that resource is
// removed and no delete is stored (the backend never saw the resource).
// In that case Enqueue returns (nil, nil).
//
// When the queue is at capacity, older pending operations of
// lower-priority resource types are evicted to make room; if nothing is
// evictable the error carries STORAGE_FULL and the caller must surface
// it, because the write was not saved.
func (q *Queue) Enqueue(kind models.OpKind, resourceType models.ResourceType, resourceID string, payload json.RawMessage) (*models.QueuedOperation, error) {
	if !kind.Valid() {
		return nil, apperr.Newf(apperr.ErrInvalid, "unknown operation kind %q", kind)
	}
	if err := resourceType.Validate(); err != nil {
		return nil, apperr.Wrap(apperr.ErrInvalid, "bad resource type", err)
	}
	if !resourceType.Mutable() {
		return nil, apperr.Newf(apperr.ErrInvalid, "resource type %q is read-only", resourceType)
	}

	if q.schemas != nil {
		if err := q.schemas.ValidatePayload(kind, resourceType, payload); err != nil {
			return nil, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if kind == models.OpDelete {
		collapsed, err := q.collapseDelete(resourceType, resourceID)
		if err != nil {
			return nil, err
		}
		if collapsed {
			logging.Debug("Collapsed create+delete pair", map[string]interface{}{
				"resource_type": string(resourceType),
				"resource_id":   resourceID,
			})
			return nil, nil
		}
	}

	op := &models.QueuedOperation{
		Kind:         kind,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Payload:      payload,
		MaxRetries:   q.cfg.MaxRetries,
		Status:       models.OpStatusPending,
		CreatedAt:    q.cfg.Now().Unix(),
	}

	if err := q.makeRoom(op); err != nil {
		return nil, err
	}

	if err := q.repo.InsertOperation(op); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to persist operation", err)
	}

	logging.Info("Enqueued operation", map[string]interface{}{
		"op_id":         op.ID.String(),
		"kind":          string(kind),
		"resource_type": string(resourceType),
	})

	return op, nil
}

// collapseDelete removes queued operations for a resource whose create
// never synced. Returns true when the delete itself should be dropped.
func (q *Queue) collapseDelete(resourceType models.ResourceType, resourceID string) (bool, error) {
	existing, err := q.repo.ListOperationsForResource(resourceType, resourceID)
	if err != nil {
		return false, apperr.Wrap(apperr.ErrDatabase, "failed to inspect queue", err)
	}

	hasUnsyncedCreate := false
	for _, op := range existing {
		if op.Kind == models.OpCreate && op.Status != models.OpStatusDead {
			hasUnsyncedCreate = true
			break
		}
	}
	if !hasUnsyncedCreate {
		return false, nil
	}

	if _, err := q.repo.DeleteOperationsForResource(resourceType, resourceID); err != nil {
		return false, apperr.Wrap(apperr.ErrDatabase, "failed to collapse operations", err)
	}
	return true, nil
}

// makeRoom evicts older, lower-priority pending operations until the new
// operation fits both the count cap and the byte quota.
func (q *Queue) makeRoom(op *models.QueuedOperation) error {
	for {
		count, err := q.repo.CountOperations()
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to count operations", err)
		}
		usage, err := q.repo.QueueUsageBytes()
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to measure queue", err)
		}

		fitsCount := q.cfg.MaxOps <= 0 || count < q.cfg.MaxOps
		fitsBytes := q.cfg.QuotaBytes <= 0 || usage+op.SizeBytes() <= q.cfg.QuotaBytes
		if fitsCount && fitsBytes {
			return nil
		}

		victim, err := q.repo.OldestEvictableOperation(op.ResourceType.Priority())
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to find evictable operation", err)
		}
		if victim == nil {
			return apperr.New(apperr.ErrStorageFull,
				"operation queue is full and nothing lower-priority can be evicted")
		}

		if err := q.repo.DeleteOperation(victim.ID.String()); err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to evict operation", err)
		}

		logging.Warn("Evicted queued operation under storage pressure", map[string]interface{}{
			"op_id":         victim.ID.String(),
			"resource_type": string(victim.ResourceType),
		})
	}
}

// PeekOrdered returns all pending and failed operations ordered by
// creation time ascending. Dead-letter operations are excluded.
func (q *Queue) PeekOrdered() ([]*models.QueuedOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ops, err := q.repo.ListOperations(models.OpStatusPending, models.OpStatusFailed)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list operations", err)
	}
	return ops, nil
}

// Dequeue removes an operation after confirmed successful replay.
func (q *Queue) Dequeue(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.repo.DeleteOperation(id); err != nil {
		return apperr.Wrap(apperr.ErrNotFound, "operation not found", err)
	}
	return nil
}

// MarkInFlight transitions an operation to in-flight for the duration of
// a replay attempt.
func (q *Queue) MarkInFlight(op *models.QueuedOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op.Status = models.OpStatusInFlight
	if err := q.repo.UpdateOperation(op); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to mark in-flight", err)
	}
	return nil
}

// MarkFailed records a failed replay attempt.
//
// Retryable failures (network, timeout) increment the retry count and
// schedule the next attempt on the backoff schedule; once the budget is
// exhausted the operation moves to the dead-letter list. Non-retryable
// server rejections go to the dead-letter list immediately.
func (q *Queue) MarkFailed(op *models.QueuedOperation, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.cfg.Now()
	op.LastError = cause.Error()

	if !apperr.Retryable(cause) {
		op.Status = models.OpStatusDead
		if err := q.repo.UpdateOperation(op); err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to dead-letter operation", err)
		}
		logging.ErrorWithCode("Operation moved to dead-letter",
			string(apperr.CodeOf(cause)), cause, map[string]interface{}{
				"op_id": op.ID.String(),
			})
		return nil
	}

	op.RetryCount++
	if op.RetryCount >= op.MaxRetries {
		op.Status = models.OpStatusDead
		if err := q.repo.UpdateOperation(op); err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to dead-letter operation", err)
		}
		logging.Warn("Operation exhausted retry budget", map[string]interface{}{
			"op_id":   op.ID.String(),
			"retries": op.RetryCount,
		})
		return nil
	}

	delay := q.cfg.Backoff(op.RetryCount)
	op.NextRetryAt = now.Add(delay).Unix()
	op.Status = models.OpStatusFailed

	if err := q.repo.UpdateOperation(op); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to record failure", err)
	}

	logging.Warn("Operation replay failed, scheduled retry", map[string]interface{}{
		"op_id":         op.ID.String(),
		"retry":         op.RetryCount,
		"max_retries":   op.MaxRetries,
		"next_retry_in": delay.String(),
	})

	return nil
}

// Count returns the number of operations awaiting replay.
func (q *Queue) Count() (int, error) {
	return q.repo.CountOperations(models.OpStatusPending, models.OpStatusFailed)
}

// DeadLetter returns operations requiring explicit user action.
func (q *Queue) DeadLetter() ([]*models.QueuedOperation, error) {
	return q.repo.ListOperations(models.OpStatusDead)
}

// DeadLetterCount returns the number of dead-letter operations.
func (q *Queue) DeadLetterCount() (int, error) {
	return q.repo.CountOperations(models.OpStatusDead)
}

// RetryDeadLetter resets a dead-letter operation for replay with a fresh
// retry budget.
func (q *Queue) RetryDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetOperation(id)
	if err != nil {
		return apperr.Wrap(apperr.ErrNotFound, "operation not found", err)
	}
	if op.Status != models.OpStatusDead {
		return apperr.Newf(apperr.ErrInvalid, "operation %s is not dead-lettered", id)
	}

	op.Status = models.OpStatusPending
	op.RetryCount = 0
	op.NextRetryAt = 0
	op.LastError = ""

	if err := q.repo.UpdateOperation(op); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to reset operation", err)
	}
	return nil
}

// DiscardDeadLetter permanently removes a dead-letter operation.
func (q *Queue) DiscardDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	op, err := q.repo.GetOperation(id)
	if err != nil {
		return apperr.Wrap(apperr.ErrNotFound, "operation not found", err)
	}
	if op.Status != models.OpStatusDead {
		return apperr.Newf(apperr.ErrInvalid, "operation %s is not dead-lettered", id)
	}
	if err := q.repo.DeleteOperation(id); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to discard operation", err)
	}
	return nil
}

// UsageBytes approximates the storage footprint of the queue.
func (q *Queue) UsageBytes() (int64, error) {
	return q.repo.QueueUsageBytes()
}
