package sync

import (
	"context"
	"testing"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/backend"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/models"
	"github.com/viyoga/companion/offline/internal/sync/conflict"
	"github.com/viyoga/companion/offline/internal/sync/queue"
)

// fakeReplayer scripts per-resource outcomes and records replay order.
type fakeReplayer struct {
	outcomes map[string]error // resource ID -> error, nil means success
	replayed []string
	gate     chan struct{} // when set, Replay blocks until closed
	entered  chan struct{} // signaled once per Replay call when set
}

func (f *fakeReplayer) Replay(ctx context.Context, op *models.QueuedOperation) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.replayed = append(f.replayed, op.ResourceID)
	if err, ok := f.outcomes[op.ResourceID]; ok {
		return err
	}
	return nil
}

func newTestEngine(t *testing.T, replayer Replayer) (*Engine, *queue.Queue, *db.Repository) {
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

	q := queue.New(repo, nil, &queue.Config{
		MaxRetries: 5,
		Backoff:    queue.ExponentialBackoff(time.Minute, time.Hour),
	})
	resolver := conflict.NewResolver(repo)
	engine := NewEngine(q, replayer, resolver, repo, 5*time.Second)
	return engine, q, repo
}

// TestDrainReplaysInOrder tests that a drain replays the whole queue in
// creation order and empties it on success.
func TestDrainReplaysInOrder(t *testing.T) {
	replayer := &fakeReplayer{}
	engine, q, _ := newTestEngine(t, replayer)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
			id, []byte(`{"text":"x"}`)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Succeeded != 3 || result.Failed != 0 {
		t.Errorf("Expected 3 successes, got %+v", result)
	}
	if len(replayer.replayed) != 3 {
		t.Fatalf("Expected 3 replays, got %d", len(replayer.replayed))
	}
	for i, id := range []string{"a", "b", "c"} {
		if replayer.replayed[i] != id {
			t.Errorf("Replay position %d: expected %s, got %s", i, id, replayer.replayed[i])
		}
	}

	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}
}

// TestDrainToleratesPartialFailure tests that one failing operation does
// not strand the rest of the queue, and that the last sync time advances
// as long as something succeeded.
func TestDrainToleratesPartialFailure(t *testing.T) {
	replayer := &fakeReplayer{outcomes: map[string]error{
		"b": apperr.New(apperr.ErrNetworkUnavailable, "unreachable"),
	}}
	engine, q, repo := newTestEngine(t, replayer)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
			id, []byte(`{"text":"x"}`)); err != nil {
			t.Fatalf("Enqueue failed: %v", err)
		}
	}

	result, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Succeeded != 2 || result.Failed != 1 {
		t.Errorf("Expected 2 successes and 1 failure, got %+v", result)
	}

	// The failed operation stays queued with a retry scheduled.
	ops, err := q.PeekOrdered()
	if err != nil {
		t.Fatalf("Peek failed: %v", err)
	}
	if len(ops) != 1 || ops[0].ResourceID != "b" {
		t.Fatalf("Expected only b to remain, got %d ops", len(ops))
	}
	if ops[0].NextRetryAt == 0 {
		t.Error("Expected a retry to be scheduled")
	}

	// Partial success still advances the last sync time, durably.
	state := engine.State()
	if state.LastSyncTime == nil {
		t.Error("Expected last sync time to advance")
	}
	raw, err := repo.GetMeta("last_sync_time")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if raw == "" {
		t.Error("Expected last sync time to be persisted")
	}
}

// TestDrainAllFailuresKeepsLastSyncTime tests that a fully failed drain
// does not advance the last sync time.
func TestDrainAllFailuresKeepsLastSyncTime(t *testing.T) {
	replayer := &fakeReplayer{outcomes: map[string]error{
		"a": apperr.New(apperr.ErrNetworkUnavailable, "unreachable"),
	}}
	engine, q, repo := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"a", []byte(`{"text":"x"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if _, err := engine.Drain(context.Background(), false); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if engine.State().LastSyncTime != nil {
		t.Error("Expected last sync time to stay unset")
	}
	raw, err := repo.GetMeta("last_sync_time")
	if err != nil {
		t.Fatalf("GetMeta failed: %v", err)
	}
	if raw != "" {
		t.Error("Expected no persisted last sync time")
	}
}

// TestDrainDiscardsStaleConflicts tests the server-wins path: a 409
// outcome drops the operation and records a conflict.
func TestDrainDiscardsStaleConflicts(t *testing.T) {
	serverTS := time.Now().Add(time.Hour).Unix()
	staleErr := apperr.Wrap(apperr.ErrConflictStale, "server holds newer state",
		&backend.StaleError{ServerTimestamp: serverTS})
	replayer := &fakeReplayer{outcomes: map[string]error{"stale": staleErr}}
	engine, q, repo := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpUpdate, models.ResourceJournalEntry,
		"stale", []byte(`{"text":"old edit"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var conflictEvents []Event
	engine.SetEventHandler(func(ev Event) {
		if ev.Type == EventSyncConflictDetected {
			conflictEvents = append(conflictEvents, ev)
		}
	})

	result, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Conflicts != 1 {
		t.Errorf("Expected 1 conflict, got %+v", result)
	}

	// The conflicted operation is gone, not retried.
	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}

	logs, err := repo.ListConflictLogs(10)
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("Expected 1 conflict record, got %d", len(logs))
	}
	if logs[0].ServerTimestamp != serverTS {
		t.Errorf("Expected server timestamp from the 409, got %d", logs[0].ServerTimestamp)
	}

	if len(conflictEvents) != 1 {
		t.Fatalf("Expected 1 conflict event, got %d", len(conflictEvents))
	}
	if conflictEvents[0].Data["resource_id"] != "stale" {
		t.Errorf("Unexpected event data: %+v", conflictEvents[0].Data)
	}
}

// TestDrainDeadLettersBareConflict tests that a 409 carrying no newer
// server timestamp dead-letters the operation instead of discarding it,
// while successes elsewhere still advance the last sync time.
func TestDrainDeadLettersBareConflict(t *testing.T) {
	bareConflict := apperr.Wrap(apperr.ErrConflictStale, "server holds newer state",
		&backend.StaleError{ServerTimestamp: 0})
	replayer := &fakeReplayer{outcomes: map[string]error{"rejected": bareConflict}}
	engine, q, repo := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpUpdate, models.ResourceJournalEntry,
		"rejected", []byte(`{"text":"edit"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"fine", []byte(`{"text":"entry"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	result, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	if result.Conflicts != 0 {
		t.Errorf("Expected no conflict discards, got %+v", result)
	}
	if result.Failed != 1 || result.Succeeded != 1 {
		t.Errorf("Expected 1 failure and 1 success, got %+v", result)
	}

	dead, err := q.DeadLetter()
	if err != nil {
		t.Fatalf("DeadLetter failed: %v", err)
	}
	if len(dead) != 1 || dead[0].ResourceID != "rejected" {
		t.Fatalf("Expected the conflicted operation dead-lettered, got %+v", dead)
	}

	logs, err := repo.ListConflictLogs(10)
	if err != nil {
		t.Fatalf("ListConflictLogs failed: %v", err)
	}
	if len(logs) != 0 {
		t.Errorf("Expected no conflict records, got %d", len(logs))
	}

	if engine.State().LastSyncTime == nil {
		t.Error("Expected last sync time to advance on the partial success")
	}
}

// TestDrainSkipsBackedOffOperations tests that operations waiting on
// their retry delay are skipped, unless the drain is forced.
func TestDrainSkipsBackedOffOperations(t *testing.T) {
	replayer := &fakeReplayer{}
	engine, q, _ := newTestEngine(t, replayer)

	op, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"a", []byte(`{"text":"x"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkFailed(op, apperr.New(apperr.ErrNetworkUnavailable, "down")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	result, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if result.Attempted != 0 {
		t.Errorf("Expected backed-off operation to be skipped, got %+v", result)
	}

	// A forced drain replays immediately.
	result, err = engine.Drain(context.Background(), true)
	if err != nil {
		t.Fatalf("Forced drain failed: %v", err)
	}
	if result.Succeeded != 1 {
		t.Errorf("Expected forced drain to replay, got %+v", result)
	}
}

// TestDrainCoalescesOverlappingTriggers tests that at most one drain
// runs at a time and an overlapping trigger schedules a follow-up pass.
func TestDrainCoalescesOverlappingTriggers(t *testing.T) {
	replayer := &fakeReplayer{
		gate:    make(chan struct{}),
		entered: make(chan struct{}, 8),
	}
	engine, q, _ := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"first", []byte(`{"text":"x"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	done := make(chan *Result, 1)
	go func() {
		result, _ := engine.Drain(context.Background(), false)
		done <- result
	}()

	// Wait until the first replay is in flight.
	select {
	case <-replayer.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for replay to start")
	}

	// Overlapping trigger returns a coalesced result immediately.
	coalesced, err := engine.Drain(context.Background(), false)
	if err != nil {
		t.Fatalf("Overlapping drain failed: %v", err)
	}
	if !coalesced.Coalesced {
		t.Error("Expected overlapping drain to coalesce")
	}

	// Work enqueued while draining is picked up by the follow-up pass.
	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"second", []byte(`{"text":"y"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	close(replayer.gate)

	select {
	case result := <-done:
		if result.Succeeded != 2 {
			t.Errorf("Expected follow-up pass to drain both, got %+v", result)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for drain to finish")
	}

	count, err := q.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("Expected empty queue, got %d", count)
	}
}

// TestLastSyncTimeSurvivesRestart tests that a new engine restores the
// persisted last sync time.
func TestLastSyncTimeSurvivesRestart(t *testing.T) {
	replayer := &fakeReplayer{}
	engine, q, repo := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"a", []byte(`{"text":"x"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := engine.Drain(context.Background(), false); err != nil {
		t.Fatalf("Drain failed: %v", err)
	}

	resolver := conflict.NewResolver(repo)
	restarted := NewEngine(q, replayer, resolver, repo, 5*time.Second)

	state := restarted.State()
	if state.LastSyncTime == nil {
		t.Fatal("Expected restored last sync time")
	}
	if time.Since(*state.LastSyncTime) > time.Minute {
		t.Errorf("Restored timestamp looks stale: %s", state.LastSyncTime)
	}
}

// TestStateReflectsQueue tests the snapshot used by the shell's widgets.
func TestStateReflectsQueue(t *testing.T) {
	replayer := &fakeReplayer{}
	engine, q, _ := newTestEngine(t, replayer)

	if _, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"a", []byte(`{"text":"x"}`)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	op, err := q.Enqueue(models.OpCreate, models.ResourceJournalEntry,
		"b", []byte(`{"text":"y"}`))
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := q.MarkFailed(op, apperr.New(apperr.ErrServerRejected, "rejected")); err != nil {
		t.Fatalf("MarkFailed failed: %v", err)
	}

	engine.SetOnline(false)
	state := engine.State()

	if state.IsOnline {
		t.Error("Expected offline state")
	}
	if state.SyncInProgress {
		t.Error("Expected no sync in progress")
	}
	if state.QueueCount != 1 {
		t.Errorf("Expected 1 queued operation, got %d", state.QueueCount)
	}
	if state.DeadLetterCount != 1 {
		t.Errorf("Expected 1 dead-letter operation, got %d", state.DeadLetterCount)
	}
}
