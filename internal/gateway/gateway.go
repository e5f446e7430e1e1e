// Package gateway is the caching proxy between the shell and the
// backend API. It serves whitelisted API routes cache-first with
// per-route freshness windows, falls back to stale cached responses
// when the backend is unreachable, and relays a SYNC_QUEUE message to
// connected clients when connectivity comes back.
//
// The response cache lives in the shared cache store under a versioned
// key namespace; bumping the version orphans old entries, which are
// garbage-collected at startup.
package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/cache"
	"github.com/viyoga/companion/offline/internal/connectivity"
	"github.com/viyoga/companion/offline/internal/logging"
	"github.com/viyoga/companion/offline/internal/models"
)

// routeResources maps whitelisted API route prefixes to the resource
// type their responses are cached under. Longest prefix wins.
var routeResources = map[string]models.ResourceType{
	"/api/wisdom":        models.ResourceWisdomVerse,
	"/api/conversations": models.ResourceConversation,
	"/api/journal":       models.ResourceJournalEntry,
	"/api/mood":          models.ResourceMoodCheckIn,
	"/api/settings":      models.ResourceSettings,
	"/api/analytics":     models.ResourceStaticAsset,
}

// cachedResponse is the stored envelope for one upstream response.
type cachedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type"`
	Body        []byte `json:"body"`
}

// Broadcaster is the hub surface the gateway needs.
type Broadcaster interface {
	BroadcastSyncQueue()
}

// Gateway proxies and caches backend API traffic.
type Gateway struct {
	upstream  string
	client    *http.Client
	cache     *cache.Manager
	monitor   *connectivity.Monitor
	hub       Broadcaster
	version   string
	freshness map[string]time.Duration
	now       func() time.Time

	mu sync.Mutex
	wg sync.WaitGroup
}

// New creates a Gateway.
func New(upstream string, timeout time.Duration, cacheMgr *cache.Manager, monitor *connectivity.Monitor, hub Broadcaster, version string, freshness map[string]time.Duration) *Gateway {
	return &Gateway{
		upstream:  strings.TrimRight(upstream, "/"),
		client:    &http.Client{Timeout: timeout},
		cache:     cacheMgr,
		monitor:   monitor,
		hub:       hub,
		version:   version,
		freshness: freshness,
		now:       time.Now,
	}
}

// SetClock injects a deterministic clock for tests.
func (g *Gateway) SetClock(now func() time.Time) {
	g.mu.Lock()
	g.now = now
	g.mu.Unlock()
}

// clock reads the injectable clock under the lock, since SetClock can
// race with in-flight requests.
func (g *Gateway) clock() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.now()
}

// CollectStaleVersions removes cached responses written under an older
// cache version. Run once at startup, the activate step of the cache
// lifecycle.
func (g *Gateway) CollectStaleVersions() {
	prefix := g.version + ":"
	removed := 0

	for _, rt := range models.ResourceTypes() {
		entries, err := g.cache.ListByAge(rt, 0)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			_, id, ok := splitCacheKey(entry.Key)
			if !ok || strings.Contains(id, ":") && !strings.HasPrefix(id, prefix) {
				if err := g.cache.DeleteKey(entry.Key); err == nil {
					removed++
				}
			}
		}
	}

	if removed > 0 {
		logging.Info("Collected stale cache versions", map[string]interface{}{
			"removed": removed,
			"version": g.version,
		})
	}
}

// WatchConnectivity broadcasts SYNC_QUEUE to clients whenever
// connectivity is restored. The gateway cannot drain the queue itself;
// the sync engine lives on the other side of the message boundary.
func (g *Gateway) WatchConnectivity(ctx context.Context) {
	transitions := g.monitor.Subscribe()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case online, ok := <-transitions:
				if !ok {
					return
				}
				if online {
					g.hub.BroadcastSyncQueue()
				}
			}
		}
	}()
}

// HandleMessage processes typed control messages from shell clients.
func (g *Gateway) HandleMessage(msg models.Message) {
	switch msg.Type {
	case models.MsgClearCache:
		if err := g.cache.Clear(); err != nil {
			logging.Error("Failed to clear gateway cache", err)
		}

	case models.MsgCacheURLs:
		urls, _ := msg.Data["urls"].([]interface{})
		for _, u := range urls {
			if path, ok := u.(string); ok {
				g.prefetch(path)
			}
		}

	case models.MsgSkipWaiting:
		// Single-process daemon; there is no waiting version to skip.
		logging.Debug("SKIP_WAITING acknowledged")
	}
}

// prefetch warms the cache for one path.
func (g *Gateway) prefetch(path string) {
	resp, err := g.fetchUpstream(path)
	if err != nil {
		logging.Debug("Prefetch failed", map[string]interface{}{
			"path": path, "error": err.Error(),
		})
		return
	}
	if resp.Status == http.StatusOK {
		g.store(path, resp)
	}
}

// ServeHTTP implements the per-fetch flow:
// cache-check -> fresh-hit | stale-or-miss -> upstream -> cache-store,
// with stale fallback when the upstream is unreachable.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		g.passThrough(w, r)
		return
	}

	path := r.URL.Path
	if r.URL.RawQuery != "" {
		path += "?" + r.URL.RawQuery
	}

	window, whitelisted := g.windowFor(r.URL.Path)

	if entry, err := g.lookup(path); err == nil {
		age := time.Duration(g.clock().Unix()-entry.CachedAt) * time.Second
		// Non-whitelisted static resources are reused indefinitely.
		if !whitelisted || age < window {
			g.writeCached(w, entry.Value, "HIT")
			return
		}
	}

	resp, err := g.fetchUpstream(path)
	if err != nil {
		g.markOffline()
		// Freshness lost its vote: a stale body beats no body.
		if entry, lerr := g.lookup(path); lerr == nil {
			g.writeCached(w, entry.Value, "STALE")
			return
		}
		g.writeOffline(w)
		return
	}

	g.markOnline()

	if resp.Status == http.StatusOK {
		g.store(path, resp)
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// passThrough proxies non-GET requests without caching.
func (g *Gateway) passThrough(w http.ResponseWriter, r *http.Request) {
	url := g.upstream + r.URL.Path
	if r.URL.RawQuery != "" {
		url += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(r.Context(), r.Method, url, r.Body)
	if err != nil {
		http.Error(w, "bad gateway request", http.StatusInternalServerError)
		return
	}
	req.Header = r.Header.Clone()

	resp, err := g.client.Do(req)
	if err != nil {
		g.markOffline()
		g.writeOffline(w)
		return
	}
	defer resp.Body.Close()

	g.markOnline()

	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	io.Copy(w, resp.Body)
}

// windowFor returns the freshness window for a path and whether the
// path is a whitelisted API route.
func (g *Gateway) windowFor(path string) (time.Duration, bool) {
	best := ""
	for prefix := range g.freshness {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0, false
	}
	return g.freshness[best], true
}

// resourceFor maps a path to the resource type it is cached under.
func resourceFor(path string) models.ResourceType {
	best := ""
	rt := models.ResourceStaticAsset
	for prefix, t := range routeResources {
		if strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
			rt = t
		}
	}
	return rt
}

func (g *Gateway) cacheID(path string) string {
	return g.version + ":" + path
}

func (g *Gateway) lookup(path string) (*models.CacheEntry, error) {
	return g.cache.Get(resourceFor(path), g.cacheID(path))
}

func (g *Gateway) store(path string, resp *cachedResponse) {
	raw, err := json.Marshal(resp)
	if err != nil {
		return
	}
	if err := g.cache.Put(resourceFor(path), g.cacheID(path), raw); err != nil {
		if apperr.Is(err, apperr.ErrStorageFull) {
			logging.Warn("Gateway cache write skipped, storage full", map[string]interface{}{
				"path": path,
			})
			return
		}
		logging.Error("Failed to cache response", err)
	}
}

func (g *Gateway) fetchUpstream(path string) (*cachedResponse, error) {
	resp, err := g.client.Get(g.upstream + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &cachedResponse{
		Status:      resp.StatusCode,
		ContentType: resp.Header.Get("Content-Type"),
		Body:        body,
	}, nil
}

func (g *Gateway) writeCached(w http.ResponseWriter, raw []byte, verdict string) {
	var resp cachedResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		g.writeOffline(w)
		return
	}

	w.Header().Set("Content-Type", resp.ContentType)
	w.Header().Set("X-Cache", verdict)
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

// writeOffline returns the structured 503 body the shell renders as an
// offline state.
func (g *Gateway) writeOffline(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   "offline",
		"code":    string(apperr.ErrNetworkUnavailable),
		"message": "backend unreachable and no cached copy available",
	})
}

func (g *Gateway) markOffline() {
	g.monitor.SetOnline(false)
}

func (g *Gateway) markOnline() {
	g.monitor.SetOnline(true)
}

// splitCacheKey splits a stored key into resource type and id.
func splitCacheKey(key string) (models.ResourceType, string, bool) {
	i := strings.Index(key, ":")
	if i < 0 {
		return "", "", false
	}
	return models.ResourceType(key[:i]), key[i+1:], true
}
