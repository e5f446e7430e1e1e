// Package backend is the typed client for the remote companion API.
// The sync engine replays queued operations through it; it owns the
// mapping from transport and HTTP failures into the offline core's
// error taxonomy.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/viyoga/companion/offline/internal/apperr"
	"github.com/viyoga/companion/offline/internal/models"
)

// endpoints is the closed dispatch table from resource type to API route.
// Every mutable member of the resource enum must appear here.
var endpoints = map[models.ResourceType]string{
	models.ResourceConversation: "/api/conversations",
	models.ResourceJournalEntry: "/api/journal",
	models.ResourceMoodCheckIn:  "/api/mood",
	models.ResourceSettings:     "/api/settings",
}

// singleton marks resource types with exactly one instance per user;
// their update route carries no resource ID.
var singleton = map[models.ResourceType]bool{
	models.ResourceSettings: true,
}

// Client issues create/update/delete requests against the backend.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient creates a backend client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// BaseURL returns the configured backend base URL.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StaleError carries the server's updated-at timestamp from a 409
// response. The sync engine uses it for the conflict log.
type StaleError struct {
	ServerTimestamp int64
}

func (e *StaleError) Error() string {
	return fmt.Sprintf("server state newer (updated_at=%d)", e.ServerTimestamp)
}

// Replay issues the HTTP request for one queued operation.
// The returned error is always coded:
//   - NETWORK_UNAVAILABLE / TIMEOUT: transient, retry later
//   - CONFLICT_STALE: server holds newer state, discard the op
//   - SERVER_REJECTED: non-retryable application rejection
func (c *Client) Replay(ctx context.Context, op *models.QueuedOperation) error {
	path, ok := endpoints[op.ResourceType]
	if !ok {
		return apperr.Newf(apperr.ErrInvalid, "no endpoint for resource type %q", op.ResourceType)
	}

	var method, url string
	var body io.Reader

	switch op.Kind {
	case models.OpCreate:
		method = http.MethodPost
		url = c.baseURL + path
		body = bytes.NewReader(op.Payload)
	case models.OpUpdate:
		method = http.MethodPut
		if singleton[op.ResourceType] {
			url = c.baseURL + path
		} else {
			url = c.baseURL + path + "/" + op.ResourceID
		}
		body = bytes.NewReader(op.Payload)
	case models.OpDelete:
		method = http.MethodDelete
		url = c.baseURL + path + "/" + op.ResourceID
	default:
		return apperr.Newf(apperr.ErrInvalid, "unknown operation kind %q", op.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return apperr.Wrap(apperr.ErrInternal, "failed to build request", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	// Replays are idempotent on the server keyed by operation ID.
	req.Header.Set("X-Operation-ID", op.ID.String())

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()

	return c.statusError(resp)
}

// Fetch retrieves the current server copy of a resource. Used by the
// cache warmup path after successful syncs.
func (c *Client) Fetch(ctx context.Context, resourceType models.ResourceType, id string) ([]byte, error) {
	path, ok := endpoints[resourceType]
	if !ok {
		if resourceType == models.ResourceWisdomVerse {
			path = "/api/wisdom"
		} else {
			return nil, apperr.Newf(apperr.ErrInvalid, "no endpoint for resource type %q", resourceType)
		}
	}

	url := c.baseURL + path
	if id != "" && !singleton[resourceType] {
		url += "/" + id
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrInternal, "failed to build request", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, transportError(err)
	}
	defer resp.Body.Close()

	if err := c.statusError(resp); err != nil {
		return nil, err
	}

	return io.ReadAll(resp.Body)
}

// statusError maps a response status into the error taxonomy.
func (c *Client) statusError(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil

	case resp.StatusCode == http.StatusConflict:
		serverTS := parseServerTimestamp(resp.Body)
		return apperr.Wrap(apperr.ErrConflictStale,
			"server holds newer state", &StaleError{ServerTimestamp: serverTS})

	case resp.StatusCode == http.StatusRequestTimeout,
		resp.StatusCode == http.StatusTooManyRequests,
		resp.StatusCode >= 500:
		return apperr.Newf(apperr.ErrNetworkUnavailable,
			"backend returned %d", resp.StatusCode)

	default: // remaining 4xx
		return apperr.Newf(apperr.ErrServerRejected,
			"backend rejected request with %d", resp.StatusCode)
	}
}

// transportError classifies a client-side failure.
func transportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.ErrTimeout, "request timed out", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.ErrTimeout, "request timed out", err)
	}
	return apperr.Wrap(apperr.ErrNetworkUnavailable, "backend unreachable", err)
}

// parseServerTimestamp extracts updated_at from a 409 body, tolerating
// bodies that carry none.
func parseServerTimestamp(r io.Reader) int64 {
	var body struct {
		UpdatedAt int64 `json:"updated_at"`
	}
	if err := json.NewDecoder(r).Decode(&body); err != nil {
		return 0
	}
	return body.UpdatedAt
}
