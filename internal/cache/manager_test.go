package cache

import (
	"testing"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/models"
)

func newTestManager(t *testing.T, quotaBytes int64) (*Manager, *db.Repository) {
	t.Helper()

	database, err := db.Open(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	migrator := db.NewMigrator(database.DB)
	if err := migrator.Initialize(); err != nil {
		t.Fatalf("Failed to initialize migrations: %v", err)
	}
	if err := migrator.Up(); err != nil {
		t.Fatalf("Failed to migrate: %v", err)
	}

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	return NewManager(repo, quotaBytes), repo
}

// TestPutGetRoundTrip tests storing and retrieving a cached payload.
func TestPutGetRoundTrip(t *testing.T) {
	m, _ := newTestManager(t, 0)

	value := []byte(`{"title":"morning chat"}`)
	if err := m.Put(models.ResourceConversation, "conv-1", value); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	entry, err := m.Get(models.ResourceConversation, "conv-1")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(entry.Value) != string(value) {
		t.Errorf("Unexpected value: %s", entry.Value)
	}
	if entry.Key != "conversation:conv-1" {
		t.Errorf("Unexpected key: %s", entry.Key)
	}

	// Cache misses surface NOT_FOUND.
	_, err = m.Get(models.ResourceConversation, "missing")
	if err == nil {
		t.Fatal("Expected error for missing entry")
	}
	if !apperr.Is(err, apperr.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND, got %s", apperr.CodeOf(err))
	}
}

// TestPutRefreshesInPlace tests that re-putting a key replaces its value
// without growing the entry count.
func TestPutRefreshesInPlace(t *testing.T) {
	m, repo := newTestManager(t, 0)

	if err := m.Put(models.ResourceWisdomVerse, "v1", []byte(`{"verse":1}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Put(models.ResourceWisdomVerse, "v1", []byte(`{"verse":1,"text":"longer"}`)); err != nil {
		t.Fatalf("Second put failed: %v", err)
	}

	counts, err := repo.CacheCountByType()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if counts[models.ResourceWisdomVerse] != 1 {
		t.Errorf("Expected 1 entry, got %d", counts[models.ResourceWisdomVerse])
	}
}

// TestEvictionOldestFirstWithinType tests quota eviction: oldest entries
// of the incoming type go first, other types are untouched.
func TestEvictionOldestFirstWithinType(t *testing.T) {
	m, _ := newTestManager(t, 120)

	now := time.Unix(1_700_000_000, 0)
	m.SetClock(func() time.Time { return now })

	// Each conversation entry is ~60 bytes of accounting.
	payload := []byte(`{"x":"0123456789012345678901234567890"}`)

	if err := m.Put(models.ResourceConversation, "old", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := m.Put(models.ResourceConversation, "mid", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	now = now.Add(time.Minute)
	if err := m.Put(models.ResourceConversation, "new", payload); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	// The third put had to evict the oldest entry.
	if _, err := m.Get(models.ResourceConversation, "old"); !apperr.Is(err, apperr.ErrNotFound) {
		t.Error("Expected the oldest entry to be evicted")
	}
	if _, err := m.Get(models.ResourceConversation, "mid"); err != nil {
		t.Errorf("Expected mid to survive, got %v", err)
	}
	if _, err := m.Get(models.ResourceConversation, "new"); err != nil {
		t.Errorf("Expected new to survive, got %v", err)
	}
}

// TestPutStorageFull tests that an oversized write is rejected once
// nothing of its type remains to evict.
func TestPutStorageFull(t *testing.T) {
	m, _ := newTestManager(t, 32)

	err := m.Put(models.ResourceJournalEntry, "big",
		[]byte(`{"text":"this payload alone exceeds the whole quota"}`))
	if err == nil {
		t.Fatal("Expected STORAGE_FULL error")
	}
	if !apperr.Is(err, apperr.ErrStorageFull) {
		t.Errorf("Expected STORAGE_FULL, got %s", apperr.CodeOf(err))
	}
}

// TestQueueBytesCountAgainstQuota tests that queued operations share the
// storage quota with cache entries.
func TestQueueBytesCountAgainstQuota(t *testing.T) {
	m, repo := newTestManager(t, 200)

	// A queued operation consumes most of the quota.
	op := &models.QueuedOperation{
		Kind:         models.OpCreate,
		ResourceType: models.ResourceJournalEntry,
		ResourceID:   "j1",
		Payload:      []byte(`{"text":"a fairly long journal entry body here"}`),
		Status:       models.OpStatusPending,
	}
	if err := repo.InsertOperation(op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	err := m.Put(models.ResourceConversation, "conv-1",
		[]byte(`{"title":"will not fit next to the queue"}`))
	if err == nil {
		t.Fatal("Expected STORAGE_FULL with queue pressure")
	}
	if !apperr.Is(err, apperr.ErrStorageFull) {
		t.Errorf("Expected STORAGE_FULL, got %s", apperr.CodeOf(err))
	}
}

// TestInvalidate tests explicit invalidation.
func TestInvalidate(t *testing.T) {
	m, _ := newTestManager(t, 0)

	if err := m.Put(models.ResourceMoodCheckIn, "m1", []byte(`{"mood":"calm"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	if err := m.Invalidate(models.ResourceMoodCheckIn, "m1"); err != nil {
		t.Fatalf("Invalidate failed: %v", err)
	}
	if _, err := m.Get(models.ResourceMoodCheckIn, "m1"); !apperr.Is(err, apperr.ErrNotFound) {
		t.Error("Expected entry to be gone")
	}
}

// TestClearIsIdempotentAndSparesQueue tests that clearing the cache can
// run repeatedly and never touches queued operations.
func TestClearIsIdempotentAndSparesQueue(t *testing.T) {
	m, repo := newTestManager(t, 0)

	if err := m.Put(models.ResourceConversation, "c1", []byte(`{}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	op := &models.QueuedOperation{
		Kind:         models.OpCreate,
		ResourceType: models.ResourceJournalEntry,
		ResourceID:   "j1",
		Payload:      []byte(`{"text":"unsynced"}`),
		Status:       models.OpStatusPending,
	}
	if err := repo.InsertOperation(op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if err := m.Clear(); err != nil {
		t.Fatalf("Repeated clear failed: %v", err)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.UsageBytes != 0 || stats.ConversationCount != 0 {
		t.Errorf("Expected empty cache, got %+v", stats)
	}

	count, err := repo.CountOperations()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("Expected queue untouched, got %d operations", count)
	}
}

// TestStatsCountsByType tests the storage panel aggregation.
func TestStatsCountsByType(t *testing.T) {
	m, _ := newTestManager(t, 1024)

	m.Put(models.ResourceConversation, "c1", []byte(`{}`))
	m.Put(models.ResourceConversation, "c2", []byte(`{}`))
	m.Put(models.ResourceWisdomVerse, "v1", []byte(`{}`))
	m.Put(models.ResourceJournalEntry, "j1", []byte(`{}`))

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.ConversationCount != 2 {
		t.Errorf("Expected 2 conversations, got %d", stats.ConversationCount)
	}
	if stats.VerseCount != 1 {
		t.Errorf("Expected 1 verse, got %d", stats.VerseCount)
	}
	if stats.JournalEntryCount != 1 {
		t.Errorf("Expected 1 journal entry, got %d", stats.JournalEntryCount)
	}
	if stats.UsageBytes == 0 {
		t.Error("Expected nonzero usage")
	}
	if stats.QuotaBytes != 1024 {
		t.Errorf("Expected quota 1024, got %d", stats.QuotaBytes)
	}
}

// TestStatsIncludeQueueFootprint tests that reported usage covers the
// queue bytes that quota enforcement measures, so the storage panel
// never under-reports while writes fail with STORAGE_FULL.
func TestStatsIncludeQueueFootprint(t *testing.T) {
	m, repo := newTestManager(t, 1000)

	if err := m.Put(models.ResourceConversation, "c1", []byte(`{"title":"chat"}`)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	op := &models.QueuedOperation{
		Kind:         models.OpCreate,
		ResourceType: models.ResourceJournalEntry,
		ResourceID:   "j1",
		Payload:      make([]byte, 300),
		Status:       models.OpStatusPending,
	}
	if err := repo.InsertOperation(op); err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	queueBytes, err := repo.QueueUsageBytes()
	if err != nil {
		t.Fatalf("QueueUsageBytes failed: %v", err)
	}

	stats, err := m.Stats()
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.QueueBytes != queueBytes {
		t.Errorf("Expected queue bytes %d, got %d", queueBytes, stats.QueueBytes)
	}
	if stats.UsageBytes != stats.CacheBytes+stats.QueueBytes {
		t.Errorf("Expected usage %d+%d, got %d",
			stats.CacheBytes, stats.QueueBytes, stats.UsageBytes)
	}

	pct, err := m.UsagePercent()
	if err != nil {
		t.Fatalf("UsagePercent failed: %v", err)
	}
	want := float64(stats.UsageBytes) / 1000 * 100
	if pct != want {
		t.Errorf("Expected %f%%, got %f", want, pct)
	}
}

// TestUsagePercent tests the clamped percentage for the storage panel.
func TestUsagePercent(t *testing.T) {
	m, _ := newTestManager(t, 1000)

	pct, err := m.UsagePercent()
	if err != nil {
		t.Fatalf("UsagePercent failed: %v", err)
	}
	if pct != 0 {
		t.Errorf("Expected 0%% on empty cache, got %f", pct)
	}

	if err := m.Put(models.ResourceConversation, "c1", make([]byte, 400)); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	pct, err = m.UsagePercent()
	if err != nil {
		t.Fatalf("UsagePercent failed: %v", err)
	}
	if pct < 40 || pct > 50 {
		t.Errorf("Expected roughly 42%%, got %f", pct)
	}

	// Unlimited quota always reports zero.
	unlimited, _ := newTestManager(t, 0)
	pct, err = unlimited.UsagePercent()
	if err != nil {
		t.Fatalf("UsagePercent failed: %v", err)
	}
	if pct != 0 {
		t.Errorf("Expected 0%% with no quota, got %f", pct)
	}
}
