// Package conflict records and resolves replay conflicts. The policy is
// last-write-wins with server authority: when the backend reports newer
// state for a resource, the queued local change is discarded and logged
// for user awareness instead of overwriting the server.
package conflict

import (
	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/db"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
)

// Resolution values recorded in the conflict log.
const (
	ResolutionServerWins = "server_wins"
	ResolutionDiscarded  = "discarded"
)

// Resolver persists conflict outcomes.
type Resolver struct {
	repo *db.Repository
}

// NewResolver creates a Resolver.
func NewResolver(repo *db.Repository) *Resolver {
	return &Resolver{repo: repo}
}

// Discard records that a queued operation lost to newer server state.
// serverTimestamp may be zero when the backend's conflict response
// carried no updated-at; the conflict is still logged.
func (r *Resolver) Discard(op *models.QueuedOperation, serverTimestamp int64) (*models.ConflictLog, error) {
	entry := &models.ConflictLog{
		ResourceType:    op.ResourceType,
		ResourceID:      op.ResourceID,
		LocalTimestamp:  op.CreatedAt,
		ServerTimestamp: serverTimestamp,
		Resolution:      ResolutionServerWins,
	}

	if err := r.repo.InsertConflictLog(entry); err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to record conflict", err)
	}

	logging.Warn("Local change discarded, server state is newer", map[string]interface{}{
		"resource_type":    string(op.ResourceType),
		"resource_id":      op.ResourceID,
		"local_timestamp":  op.CreatedAt,
		"server_timestamp": serverTimestamp,
	})

	return entry, nil
}

// Recent returns the latest conflict records for the shell's
// notification surface.
func (r *Resolver) Recent(limit int) ([]*models.ConflictLog, error) {
	logs, err := r.repo.ListConflictLogs(limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrDatabase, "failed to list conflicts", err)
	}
	return logs, nil
}
