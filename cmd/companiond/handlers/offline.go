// Package handlers provides the REST surface the presentational shell
// consumes. Handlers only read sync state and forward commands; all
// business logic lives in the internal packages.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/connectivity"
	"github.com/viyoga/companion/offline/internal/models"
	syncpkg "github.com/viyoga/companion/offline/internal/sync"
	"github.com/viyoga/companion/offline/internal/sync/conflict"
	"github.com/viyoga/companion/offline/internal/sync/queue"
	"github.com/viyoga/companion/offline/internal/sync/scheduler"
)

// OfflineHandler exposes the useOfflineMode contract over HTTP.
type OfflineHandler struct {
	engine    *syncpkg.Engine
	queue     *queue.Queue
	sched     *scheduler.Scheduler
	monitor   *connectivity.Monitor
	conflicts *conflict.Resolver
}

// NewOfflineHandler creates an OfflineHandler.
func NewOfflineHandler(engine *syncpkg.Engine, q *queue.Queue, sched *scheduler.Scheduler, monitor *connectivity.Monitor, conflicts *conflict.Resolver) *OfflineHandler {
	return &OfflineHandler{
		engine:    engine,
		queue:     q,
		sched:     sched,
		monitor:   monitor,
		conflicts: conflicts,
	}
}

// Status handles GET /api/offline/status
// Returns {isOnline, queueCount, syncInProgress, lastSyncTime}.
func (h *OfflineHandler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.engine.State())
}

// SyncNow handles POST /api/offline/sync
// Drains the queue immediately, skipping retry backoff. A drain already
// in flight is joined, not duplicated.
func (h *OfflineHandler) SyncNow(w http.ResponseWriter, r *http.Request) {
	result, err := h.sched.SyncNow(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"attempted": result.Attempted,
		"succeeded": result.Succeeded,
		"failed":    result.Failed,
		"conflicts": result.Conflicts,
		"coalesced": result.Coalesced,
	})
}

// SetOnline handles POST /api/offline/online
// The shell reports platform connectivity transitions here.
func (h *OfflineHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var body struct {
		IsOnline bool `json:"is_online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrInvalid, "bad request body", err))
		return
	}

	h.monitor.SetOnline(body.IsOnline)
	writeJSON(w, http.StatusOK, map[string]interface{}{"is_online": body.IsOnline})
}

// Enqueue handles POST /api/offline/queue
// Service wrappers route mutating calls here while offline or after a
// direct write failed.
func (h *OfflineHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Kind         models.OpKind       `json:"kind"`
		ResourceType models.ResourceType `json:"resource_type"`
		ResourceID   string              `json:"resource_id"`
		Payload      json.RawMessage     `json:"payload"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, apperr.Wrap(apperr.ErrInvalid, "bad request body", err))
		return
	}

	op, err := h.queue.Enqueue(body.Kind, body.ResourceType, body.ResourceID, body.Payload)
	if err != nil {
		writeError(w, err)
		return
	}

	if op == nil {
		// Create+delete collapse; nothing remains to sync.
		writeJSON(w, http.StatusOK, map[string]interface{}{"collapsed": true})
		return
	}

	writeJSON(w, http.StatusCreated, op)
}

// DeadLetter handles GET /api/offline/dead-letter
func (h *OfflineHandler) DeadLetter(w http.ResponseWriter, r *http.Request) {
	ops, err := h.queue.DeadLetter()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"operations": ops})
}

// RetryDeadLetter handles POST /api/offline/dead-letter/{id}/retry
func (h *OfflineHandler) RetryDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.queue.RetryDeadLetter(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "pending"})
}

// DiscardDeadLetter handles DELETE /api/offline/dead-letter/{id}
func (h *OfflineHandler) DiscardDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := h.queue.DiscardDeadLetter(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "status": "discarded"})
}

// Conflicts handles GET /api/offline/conflicts
func (h *OfflineHandler) Conflicts(w http.ResponseWriter, r *http.Request) {
	logs, err := h.conflicts.Recent(50)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"conflicts": logs})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps coded errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)

	status := http.StatusInternalServerError
	switch code {
	case apperr.ErrInvalid, apperr.ErrValidation:
		status = http.StatusBadRequest
	case apperr.ErrNotFound:
		status = http.StatusNotFound
	case apperr.ErrStorageFull:
		status = http.StatusInsufficientStorage
	case apperr.ErrNetworkUnavailable, apperr.ErrTimeout:
		status = http.StatusServiceUnavailable
	case apperr.ErrConflictStale:
		status = http.StatusConflict
	}

	writeJSON(w, status, map[string]interface{}{
		"code":  string(code),
		"error": err.Error(),
	})
}
