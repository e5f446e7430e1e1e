// Package cache enforces the storage quota over cached read data and
// exposes usage statistics to the shell. Queue durability always wins
// over cache: eviction only ever removes cache entries.
package cache

import (
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
)

// Manager owns the cache_entries table.
type Manager struct {
	repo       *db.Repository
	quotaBytes int64
	mu         sync.Mutex
	now        func() time.Time
}

// NewManager creates a Manager with the configured quota.
func NewManager(repo *db.Repository, quotaBytes int64) *Manager {
	return &Manager{
		repo:       repo,
		quotaBytes: quotaBytes,
		now:        time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

// Put stores a cached payload, evicting oldest entries of the same
// resource type until the write fits the quota. Queued operations count
// against the quota but are never evicted here.
func (m *Manager) Put(resourceType models.ResourceType, id string, value []byte) error {
	if err := resourceType.Validate(); err != nil {
		return apperr.Wrap(apperr.ErrInvalid, "bad resource type", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry := &models.CacheEntry{
		Key:          models.CacheKey(resourceType, id),
		ResourceType: resourceType,
		Value:        value,
		SizeBytes:    int64(len(value)) + int64(len(resourceType)) + int64(len(id)) + 1,
		CachedAt:     m.now().Unix(),
	}

	if err := m.makeRoom(entry); err != nil {
		return err
	}

	if err := m.repo.UpsertCacheEntry(entry); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to store cache entry", err)
	}
	return nil
}

// makeRoom evicts oldest-cachedAt-first within the entry's resource type
// until the write fits.
func (m *Manager) makeRoom(entry *models.CacheEntry) error {
	for {
		usage, err := m.usageLocked()
		if err != nil {
			return err
		}
		if m.quotaBytes <= 0 || usage+entry.SizeBytes <= m.quotaBytes {
			return nil
		}

		victims, err := m.repo.ListCacheEntriesByAge(entry.ResourceType, 1)
		if err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to find evictable entry", err)
		}
		if len(victims) == 0 {
			return apperr.New(apperr.ErrStorageFull,
				"cache quota exceeded and no same-type entries left to evict")
		}

		if err := m.repo.DeleteCacheEntry(victims[0].Key); err != nil {
			return apperr.Wrap(apperr.ErrDatabase, "failed to evict cache entry", err)
		}

		logging.Debug("Evicted cache entry", map[string]interface{}{
			"key": victims[0].Key,
		})
	}
}

// usageLocked returns the combined footprint of cache and queue, the two
// consumers of the shared storage quota.
func (m *Manager) usageLocked() (int64, error) {
	cacheBytes, err := m.repo.CacheUsageBytes()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrDatabase, "failed to measure cache", err)
	}
	queueBytes, err := m.repo.QueueUsageBytes()
	if err != nil {
		return 0, apperr.Wrap(apperr.ErrDatabase, "failed to measure queue", err)
	}
	return cacheBytes + queueBytes, nil
}

// Get returns a cache entry by resource type and identifier.
func (m *Manager) Get(resourceType models.ResourceType, id string) (*models.CacheEntry, error) {
	entry, err := m.repo.GetCacheEntry(models.CacheKey(resourceType, id))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrNotFound, "cache entry not found", err)
	}
	return entry, nil
}

// Invalidate drops the cached copy of a resource, typically after its
// queued write replayed successfully.
func (m *Manager) Invalidate(resourceType models.ResourceType, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.repo.DeleteCacheEntry(models.CacheKey(resourceType, id)); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to invalidate entry", err)
	}
	return nil
}

// ListByAge returns entries of one resource type oldest first, for
// maintenance sweeps. A limit of 0 means no limit.
func (m *Manager) ListByAge(resourceType models.ResourceType, limit int) ([]*models.CacheEntry, error) {
	entries, err := m.repo.ListCacheEntriesByAge(resourceType, limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list cache entries", err)
	}
	return entries, nil
}

// DeleteKey removes an entry by its raw composite key.
func (m *Manager) DeleteKey(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.repo.DeleteCacheEntry(key); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to delete entry", err)
	}
	return nil
}

// Stats aggregates entry counts per resource type and storage usage.
// UsageBytes reports the combined cache and queue footprint, the same
// number Put measures against the quota.
func (m *Manager) Stats() (*models.CacheStats, error) {
	counts, err := m.repo.CacheCountByType()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to count cache entries", err)
	}
	cacheBytes, err := m.repo.CacheUsageBytes()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to measure cache", err)
	}
	queueBytes, err := m.repo.QueueUsageBytes()
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to measure queue", err)
	}

	return &models.CacheStats{
		ConversationCount: counts[models.ResourceConversation],
		VerseCount:        counts[models.ResourceWisdomVerse],
		JournalEntryCount: counts[models.ResourceJournalEntry],
		MoodCheckInCount:  counts[models.ResourceMoodCheckIn],
		CacheBytes:        cacheBytes,
		QueueBytes:        queueBytes,
		UsageBytes:        cacheBytes + queueBytes,
		QuotaBytes:        m.quotaBytes,
	}, nil
}

// Clear removes every cache entry. The operation queue is never touched
// by a cache clear. Safe to call repeatedly.
func (m *Manager) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.repo.ClearCacheEntries(); err != nil {
		return apperr.Wrap(apperr.ErrDatabase, "failed to clear cache", err)
	}

	logging.Info("Cache cleared")
	return nil
}

// UsagePercent returns the combined cache and queue footprint as a
// percentage of quota, clamped to [0, 100].
func (m *Manager) UsagePercent() (float64, error) {
	if m.quotaBytes <= 0 {
		return 0, nil
	}
	m.mu.Lock()
	usage, err := m.usageLocked()
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}

	pct := float64(usage) / float64(m.quotaBytes) * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	return pct, nil
}

// UsageMB returns the combined footprint in megabytes for the storage
// panel.
func (m *Manager) UsageMB() (float64, error) {
	m.mu.Lock()
	usage, err := m.usageLocked()
	m.mu.Unlock()
	if err != nil {
		return 0, err
	}
	return float64(usage) / (1024 * 1024), nil
}

// QuotaMB returns the quota in megabytes.
func (m *Manager) QuotaMB() float64 {
	return float64(m.quotaBytes) / (1024 * 1024)
}
