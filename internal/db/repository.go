// Package db provides CRUD repository operations for the offline core's
// durable state: the operation queue, the read cache, the conflict log,
// and sync metadata.
package db

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/uuid"
)

// Repository provides CRUD operations over the offline store.
type Repository struct {
	db *sql.DB

	// Prepared statement cache for the hot queue/cache paths.
	// Statements are prepared on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewRepository creates a new Repository instance.
func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// PrepareStmt gets or creates a prepared statement from the cache.
func (r *Repository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate.
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}

	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *Repository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// =====================================================
// Operation Queue
// =====================================================

const queueColumns = `seq, id, kind, resource_type, resource_id, payload,
	retry_count, max_retries, next_retry_at, status, last_error,
	created_at, updated_at`

// InsertOperation persists a queued operation. The store assigns seq,
// the monotonic ordering key, and writes it back onto op.
func (r *Repository) InsertOperation(op *models.QueuedOperation) error {
	if op.ID == "" {
		op.ID = models.UUID(uuid.New())
	}
	now := time.Now().Unix()
	if op.CreatedAt == 0 {
		op.CreatedAt = now
	}
	op.UpdatedAt = now

	stmt, err := r.PrepareStmt(`
	INSERT INTO operation_queue (id, kind, resource_type, resource_id,
		payload, retry_count, max_retries, next_retry_at, status,
		last_error, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(op.ID, op.Kind, op.ResourceType, op.ResourceID,
		string(op.Payload), op.RetryCount, op.MaxRetries, op.NextRetryAt,
		op.Status, op.LastError, op.CreatedAt, op.UpdatedAt)
	if err != nil {
		return err
	}
	op.Seq, err = res.LastInsertId()
	return err
}

// GetOperation returns a single queued operation by ID.
func (r *Repository) GetOperation(id string) (*models.QueuedOperation, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + queueColumns + ` FROM operation_queue WHERE id = ?`)
	if err != nil {
		return nil, err
	}
	return scanOperation(stmt.QueryRow(id))
}

// DeleteOperation removes an operation after confirmed replay.
func (r *Repository) DeleteOperation(id string) error {
	stmt, err := r.PrepareStmt("DELETE FROM operation_queue WHERE id = ?")
	if err != nil {
		return err
	}
	res, err := stmt.Exec(id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpdateOperation persists retry bookkeeping and status transitions.
func (r *Repository) UpdateOperation(op *models.QueuedOperation) error {
	op.UpdatedAt = time.Now().Unix()
	stmt, err := r.PrepareStmt(`
	UPDATE operation_queue
	SET retry_count = ?, next_retry_at = ?, status = ?, last_error = ?, updated_at = ?
	WHERE id = ?`)
	if err != nil {
		return err
	}
	res, err := stmt.Exec(op.RetryCount, op.NextRetryAt, op.Status,
		op.LastError, op.UpdatedAt, op.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListOperations returns operations in the given statuses in enqueue
// order. Pass no statuses to list everything.
func (r *Repository) ListOperations(statuses ...models.OpStatus) ([]*models.QueuedOperation, error) {
	query := "SELECT " + queueColumns + " FROM operation_queue"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += " ORDER BY seq ASC"

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// ListOperationsForResource returns every queued operation targeting the
// given resource, oldest first.
func (r *Repository) ListOperationsForResource(resourceType models.ResourceType, resourceID string) ([]*models.QueuedOperation, error) {
	stmt, err := r.PrepareStmt(`
	SELECT ` + queueColumns + ` FROM operation_queue
	WHERE resource_type = ? AND resource_id = ?
	ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query(resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanOperations(rows)
}

// DeleteOperationsForResource removes all non-dead operations for a
// resource. Used by the create+delete collapse rule.
func (r *Repository) DeleteOperationsForResource(resourceType models.ResourceType, resourceID string) (int64, error) {
	stmt, err := r.PrepareStmt(`
	DELETE FROM operation_queue
	WHERE resource_type = ? AND resource_id = ? AND status != 'dead'`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(resourceType, resourceID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountOperations returns the number of operations in the given statuses.
func (r *Repository) CountOperations(statuses ...models.OpStatus) (int, error) {
	query := "SELECT COUNT(*) FROM operation_queue"
	args := make([]interface{}, 0, len(statuses))
	if len(statuses) > 0 {
		query += " WHERE status IN (?" + repeat(",?", len(statuses)-1) + ")"
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	var count int
	err := r.db.QueryRow(query, args...).Scan(&count)
	return count, err
}

// ResetInFlightOperations returns operations stranded mid-replay by a
// crash to pending, and reports how many were recovered.
func (r *Repository) ResetInFlightOperations() (int64, error) {
	stmt, err := r.PrepareStmt(`
	UPDATE operation_queue SET status = ?, updated_at = ? WHERE status = ?`)
	if err != nil {
		return 0, err
	}
	res, err := stmt.Exec(models.OpStatusPending, time.Now().Unix(),
		models.OpStatusInFlight)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// QueueUsageBytes approximates the storage consumed by the queue.
func (r *Repository) QueueUsageBytes() (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRow(
		"SELECT SUM(length(payload) + length(id) + length(resource_id) + 64) FROM operation_queue",
	).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// OldestEvictableOperation returns the oldest pending operation whose
// resource priority is strictly below the given priority, or nil when
// nothing qualifies. Used to free queue space under storage pressure.
func (r *Repository) OldestEvictableOperation(belowPriority int) (*models.QueuedOperation, error) {
	ops, err := r.ListOperations(models.OpStatusPending)
	if err != nil {
		return nil, err
	}
	for _, op := range ops {
		if op.ResourceType.Priority() < belowPriority {
			return op, nil
		}
	}
	return nil, nil
}

func scanOperation(row *sql.Row) (*models.QueuedOperation, error) {
	op := &models.QueuedOperation{}
	var payload string
	err := row.Scan(&op.Seq, &op.ID, &op.Kind, &op.ResourceType, &op.ResourceID,
		&payload, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
		&op.Status, &op.LastError, &op.CreatedAt, &op.UpdatedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return op, nil
}

func scanOperations(rows *sql.Rows) ([]*models.QueuedOperation, error) {
	var ops []*models.QueuedOperation
	for rows.Next() {
		op := &models.QueuedOperation{}
		var payload string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Kind, &op.ResourceType, &op.ResourceID,
			&payload, &op.RetryCount, &op.MaxRetries, &op.NextRetryAt,
			&op.Status, &op.LastError, &op.CreatedAt, &op.UpdatedAt); err != nil {
			return nil, err
		}
		op.Payload = []byte(payload)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

// =====================================================
// Cache Entries
// =====================================================

// UpsertCacheEntry stores or refreshes a cache entry.
func (r *Repository) UpsertCacheEntry(entry *models.CacheEntry) error {
	if entry.SizeBytes == 0 {
		entry.SizeBytes = int64(len(entry.Value)) + int64(len(entry.Key))
	}
	if entry.CachedAt == 0 {
		entry.CachedAt = time.Now().Unix()
	}
	stmt, err := r.PrepareStmt(`
	INSERT INTO cache_entries (key, resource_type, value, size_bytes, cached_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(key) DO UPDATE SET
		resource_type = excluded.resource_type,
		value = excluded.value,
		size_bytes = excluded.size_bytes,
		cached_at = excluded.cached_at`)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(entry.Key, entry.ResourceType, entry.Value,
		entry.SizeBytes, entry.CachedAt)
	return err
}

// GetCacheEntry returns a cache entry by key.
func (r *Repository) GetCacheEntry(key string) (*models.CacheEntry, error) {
	stmt, err := r.PrepareStmt(`
	SELECT key, resource_type, value, size_bytes, cached_at
	FROM cache_entries WHERE key = ?`)
	if err != nil {
		return nil, err
	}
	entry := &models.CacheEntry{}
	err = stmt.QueryRow(key).Scan(&entry.Key, &entry.ResourceType,
		&entry.Value, &entry.SizeBytes, &entry.CachedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// DeleteCacheEntry removes a cache entry by key.
func (r *Repository) DeleteCacheEntry(key string) error {
	stmt, err := r.PrepareStmt("DELETE FROM cache_entries WHERE key = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(key)
	return err
}

// ListCacheEntriesByAge returns cache entries of one resource type ordered
// oldest cached_at first. A limit of 0 means no limit.
func (r *Repository) ListCacheEntriesByAge(resourceType models.ResourceType, limit int) ([]*models.CacheEntry, error) {
	query := `
	SELECT key, resource_type, value, size_bytes, cached_at
	FROM cache_entries WHERE resource_type = ?
	ORDER BY cached_at ASC, key ASC`
	args := []interface{}{resourceType}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*models.CacheEntry
	for rows.Next() {
		entry := &models.CacheEntry{}
		if err := rows.Scan(&entry.Key, &entry.ResourceType, &entry.Value,
			&entry.SizeBytes, &entry.CachedAt); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CacheUsageBytes returns the total size of all cache entries.
func (r *Repository) CacheUsageBytes() (int64, error) {
	var total sql.NullInt64
	err := r.db.QueryRow("SELECT SUM(size_bytes) FROM cache_entries").Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

// CacheCountByType returns entry counts per resource type.
func (r *Repository) CacheCountByType() (map[models.ResourceType]int, error) {
	rows, err := r.db.Query(
		"SELECT resource_type, COUNT(*) FROM cache_entries GROUP BY resource_type")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[models.ResourceType]int)
	for rows.Next() {
		var rt models.ResourceType
		var count int
		if err := rows.Scan(&rt, &count); err != nil {
			return nil, err
		}
		counts[rt] = count
	}
	return counts, rows.Err()
}

// ClearCacheEntries removes every cache entry. The operation queue is
// untouched: cache durability never pays for queue durability and the
// other way round.
func (r *Repository) ClearCacheEntries() error {
	_, err := r.db.Exec("DELETE FROM cache_entries")
	return err
}

// =====================================================
// Conflict Log
// =====================================================

// InsertConflictLog records a discarded local change.
func (r *Repository) InsertConflictLog(c *models.ConflictLog) error {
	if c.ID == "" {
		c.ID = models.UUID(uuid.New())
	}
	if c.DetectedAt == 0 {
		c.DetectedAt = time.Now().Unix()
	}
	_, err := r.db.Exec(`
	INSERT INTO conflict_log (id, resource_type, resource_id,
		local_timestamp, server_timestamp, resolution, detected_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.ResourceType, c.ResourceID, c.LocalTimestamp,
		c.ServerTimestamp, c.Resolution, c.DetectedAt)
	return err
}

// ListConflictLogs returns conflict records newest first.
func (r *Repository) ListConflictLogs(limit int) ([]*models.ConflictLog, error) {
	query := `
	SELECT id, resource_type, resource_id, local_timestamp,
		server_timestamp, resolution, detected_at
	FROM conflict_log ORDER BY detected_at DESC`
	args := []interface{}{}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*models.ConflictLog
	for rows.Next() {
		c := &models.ConflictLog{}
		if err := rows.Scan(&c.ID, &c.ResourceType, &c.ResourceID,
			&c.LocalTimestamp, &c.ServerTimestamp, &c.Resolution,
			&c.DetectedAt); err != nil {
			return nil, err
		}
		logs = append(logs, c)
	}
	return logs, rows.Err()
}

// =====================================================
// Sync Metadata
// =====================================================

// SetMeta stores a sync metadata value.
func (r *Repository) SetMeta(key, value string) error {
	_, err := r.db.Exec(`
	INSERT INTO sync_meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	return err
}

// GetMeta returns a sync metadata value, or "" when unset.
func (r *Repository) GetMeta(key string) (string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM sync_meta WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
