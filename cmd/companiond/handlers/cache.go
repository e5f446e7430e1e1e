// Package handlers provides the REST surface the presentational shell
// consumes.
package handlers

import (
	"net/http"

	"github.com/viyoga/companion/offline/internal/cache"
)

// CacheHandler exposes the useCacheManager contract over HTTP.
type CacheHandler struct {
	cache *cache.Manager
}

// NewCacheHandler creates a CacheHandler.
func NewCacheHandler(cacheMgr *cache.Manager) *CacheHandler {
	return &CacheHandler{cache: cacheMgr}
}

// Stats handles GET /api/cache/stats
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cache.Stats()
	if err != nil {
		writeError(w, err)
		return
	}

	usageMB, err := h.cache.UsageMB()
	if err != nil {
		writeError(w, err)
		return
	}
	pct, err := h.cache.UsagePercent()
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":            stats,
		"usage_mb":         usageMB,
		"quota_mb":         h.cache.QuotaMB(),
		"usage_percentage": pct,
	})
}

// Clear handles POST /api/cache/clear
// Destructive; the shell gates it behind a confirmation dialog. The
// operation queue is never touched.
func (h *CacheHandler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Clear(); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cleared": true})
}
