// Package db provides database schema migration management.
package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Migration represents a database schema migration.
type Migration struct {
	Version     int
	Description string
	SQL         string
}

// migrations is the ordered in-code migration list. The daemon ships as a
// single binary, so schema lives here instead of a migrations directory.
var migrations = []Migration{
	{
		Version:     1,
		Description: "operation queue",
		SQL: `
		CREATE TABLE IF NOT EXISTS operation_queue (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('create','update','delete')),
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('pending','in_flight','failed','dead')),
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_queue_order
			ON operation_queue(created_at ASC);
		CREATE INDEX IF NOT EXISTS idx_queue_resource
			ON operation_queue(resource_type, resource_id);`,
	},
	{
		Version:     2,
		Description: "cache entries",
		SQL: `
		CREATE TABLE IF NOT EXISTS cache_entries (
			key TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			value BLOB NOT NULL,
			size_bytes INTEGER NOT NULL,
			cached_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_cache_age
			ON cache_entries(resource_type, cached_at ASC);`,
	},
	{
		Version:     3,
		Description: "conflict log",
		SQL: `
		CREATE TABLE IF NOT EXISTS conflict_log (
			id TEXT PRIMARY KEY,
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			local_timestamp INTEGER NOT NULL,
			server_timestamp INTEGER NOT NULL,
			resolution TEXT NOT NULL,
			detected_at INTEGER NOT NULL
		);`,
	},
	{
		Version:     4,
		Description: "sync metadata",
		SQL: `
		CREATE TABLE IF NOT EXISTS sync_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	},
	{
		// created_at has second granularity, so two enqueues in the
		// same second had no defined replay order. seq is assigned by
		// the store and is the sole ordering key.
		Version:     5,
		Description: "monotonic queue sequence",
		SQL: `
		CREATE TABLE operation_queue_v2 (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT NOT NULL UNIQUE,
			kind TEXT NOT NULL CHECK(kind IN ('create','update','delete')),
			resource_type TEXT NOT NULL,
			resource_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 5,
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL CHECK(status IN ('pending','in_flight','failed','dead')),
			last_error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		INSERT INTO operation_queue_v2 (id, kind, resource_type, resource_id,
			payload, retry_count, max_retries, next_retry_at, status,
			last_error, created_at, updated_at)
		SELECT id, kind, resource_type, resource_id, payload, retry_count,
			max_retries, next_retry_at, status, last_error, created_at,
			updated_at
		FROM operation_queue ORDER BY created_at ASC, id ASC;
		DROP TABLE operation_queue;
		ALTER TABLE operation_queue_v2 RENAME TO operation_queue;
		CREATE INDEX IF NOT EXISTS idx_queue_resource
			ON operation_queue(resource_type, resource_id);`,
	},
}

// Migrator handles database schema migrations.
type Migrator struct {
	db *sql.DB
}

// NewMigrator creates a new Migrator instance.
func NewMigrator(db *sql.DB) *Migrator {
	return &Migrator{db: db}
}

// Initialize creates the schema_migrations table if it doesn't exist.
func (m *Migrator) Initialize() error {
	query := `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`
	_, err := m.db.Exec(query)
	return err
}

// CurrentVersion returns the current schema version.
func (m *Migrator) CurrentVersion() (int, error) {
	var version int
	err := m.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	return version, err
}

// Up applies all pending migrations in order.
func (m *Migrator) Up() error {
	current, err := m.CurrentVersion()
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	for _, mig := range migrations {
		if mig.Version <= current {
			continue
		}

		tx, err := m.db.Begin()
		if err != nil {
			return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
		}

		if _, err := tx.Exec(mig.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Description, err)
		}

		sum := sha256.Sum256([]byte(mig.SQL))
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description, checksum) VALUES (?, ?, ?, ?)",
			mig.Version, time.Now().Unix(), mig.Description, hex.EncodeToString(sum[:]),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("failed to commit migration %d: %w", mig.Version, err)
		}
	}

	return nil
}
