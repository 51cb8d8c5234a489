// Package client provides a REST client for the botforge server.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/botforge-io/botforge/internal/models"
)

// Client talks to the botforge HTTP API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new API client.
// If baseURL is empty, uses BOTFORGE_SERVER_URL env var or defaults to localhost:8585.
// Timeout can be configured via BOTFORGE_CLIENT_TIMEOUT env var (default 1m).
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = os.Getenv("BOTFORGE_SERVER_URL")
	}
	if baseURL == "" {
		baseURL = "http://localhost:8585"
	}
	baseURL = strings.TrimRight(baseURL, "/")

	timeout := time.Minute
	if t := os.Getenv("BOTFORGE_CLIENT_TIMEOUT"); t != "" {
		if d, err := time.ParseDuration(t); err == nil {
			timeout = d
		}
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// do sends a JSON request and decodes the JSON response into result.
func (c *Client) do(ctx context.Context, method, path string, reqBody, result any) error {
	var body io.Reader
	if reqBody != nil {
		encoded, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("server error: %s - %s", resp.Status, apiErr.Error)
		}
		return fmt.Errorf("server error: %s - %s", resp.Status, string(raw))
	}

	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}

// =============================================================================
// DRAFT OPERATIONS
// =============================================================================

// CreateDraftResult is the response of a draft creation.
type CreateDraftResult struct {
	DraftID    string            `json:"draft_id"`
	EntityType models.EntityType `json:"entity_type"`
	ExpiresAt  time.Time         `json:"expires_at"`
}

// CreateDraft opens a new draft of the given entity type.
func (c *Client) CreateDraft(ctx context.Context, entityType models.EntityType, ownerScope string, payload map[string]any) (*CreateDraftResult, error) {
	body := map[string]any{
		"entity_type": entityType,
		"owner_scope": ownerScope,
		"payload":     payload,
	}
	var result CreateDraftResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/drafts", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetDraft retrieves a draft by type and id.
func (c *Client) GetDraft(ctx context.Context, entityType models.EntityType, id string) (*models.Draft, error) {
	var result models.Draft
	if err := c.do(ctx, http.MethodGet, c.draftPath(entityType, id, ""), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// UpdateDraft replaces the draft payload wholesale.
func (c *Client) UpdateDraft(ctx context.Context, entityType models.EntityType, id string, payload map[string]any) error {
	body := map[string]any{"payload": payload}
	return c.do(ctx, http.MethodPatch, c.draftPath(entityType, id, ""), body, nil)
}

// DeleteDraft discards a draft.
func (c *Client) DeleteDraft(ctx context.Context, entityType models.EntityType, id string) error {
	return c.do(ctx, http.MethodDelete, c.draftPath(entityType, id, ""), nil, nil)
}

// ValidationResult is the outcome of validating a draft.
type ValidationResult struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// ValidateDraft runs validation without finalizing.
func (c *Client) ValidateDraft(ctx context.Context, entityType models.EntityType, id string) (*ValidationResult, error) {
	var result ValidationResult
	if err := c.do(ctx, http.MethodPost, c.draftPath(entityType, id, "/validate"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// PreviewDraft renders the draft's current configuration.
func (c *Client) PreviewDraft(ctx context.Context, entityType models.EntityType, id, input string) (map[string]any, error) {
	body := map[string]any{"input": input}
	var result map[string]any
	if err := c.do(ctx, http.MethodPost, c.draftPath(entityType, id, "/preview"), body, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// FinalizeResult is the response of a finalize call. Valid is only set on
// validation failures.
type FinalizeResult struct {
	EntityID   string                             `json:"entity_id"`
	PipelineID string                             `json:"pipeline_id,omitempty"`
	Channels   map[string]models.ActivationResult `json:"channels,omitempty"`
	Valid      *bool                              `json:"valid,omitempty"`
	Errors     []string                           `json:"errors,omitempty"`
	Warnings   []string                           `json:"warnings,omitempty"`
}

// FinalizeDraft converts the draft into its persistent entity. A validation
// failure is returned as an error listing every violation.
func (c *Client) FinalizeDraft(ctx context.Context, entityType models.EntityType, id string) (*FinalizeResult, error) {
	var result FinalizeResult
	if err := c.do(ctx, http.MethodPost, c.draftPath(entityType, id, "/finalize"), nil, &result); err != nil {
		return nil, err
	}
	if result.Valid != nil && !*result.Valid {
		return nil, fmt.Errorf("draft is not valid: %s", strings.Join(result.Errors, "; "))
	}
	return &result, nil
}

func (c *Client) draftPath(entityType models.EntityType, id, suffix string) string {
	return fmt.Sprintf("/api/v1/drafts/%s/%s%s", entityType, id, suffix)
}

// =============================================================================
// SEARCH OPERATIONS
// =============================================================================

// SearchResult is one retrieval hit from a knowledge base.
type SearchResult struct {
	Source   string  `json:"source"`
	Position int     `json:"position"`
	Content  string  `json:"content"`
	Score    float64 `json:"score,omitempty"`
}

// SearchKnowledge queries an indexed knowledge base for the most relevant
// chunks. limit <= 0 uses the server default.
func (c *Client) SearchKnowledge(ctx context.Context, knowledgeID, query string, limit int) ([]SearchResult, error) {
	path := fmt.Sprintf("/api/v1/knowledge-bases/%s/search?q=%s", knowledgeID, url.QueryEscape(query))
	if limit > 0 {
		path = fmt.Sprintf("%s&limit=%d", path, limit)
	}

	var result struct {
		Results []SearchResult `json:"results"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Results, nil
}

// =============================================================================
// PIPELINE OPERATIONS
// =============================================================================

// RunStatus retrieves the status view of a pipeline run.
func (c *Client) RunStatus(ctx context.Context, id string) (*models.RunView, error) {
	var result models.RunView
	if err := c.do(ctx, http.MethodGet, "/api/v1/pipelines/"+id, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// RunLogs retrieves up to limit log entries, newest first. limit <= 0
// returns all entries.
func (c *Client) RunLogs(ctx context.Context, id string, limit int) ([]models.LogEntry, error) {
	path := "/api/v1/pipelines/" + id + "/logs"
	if limit > 0 {
		path = fmt.Sprintf("%s?limit=%d", path, limit)
	}
	var result struct {
		Logs []models.LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, err
	}
	return result.Logs, nil
}

// CancelRun requests cooperative cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/v1/pipelines/"+id+"/cancel", nil, nil)
}

// WatchRun subscribes to the websocket status stream of a run. The
// onSnapshot callback is invoked for each snapshot; return an error from it
// to abort. WatchRun returns nil once the run reaches a terminal state.
func (c *Client) WatchRun(ctx context.Context, id string, onSnapshot func(models.RunView) error) error {
	wsURL := c.baseURL + "/api/v1/pipelines/" + id + "/ws"
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL = strings.Replace(wsURL, "https://", "wss://", 1)

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return fmt.Errorf("pipeline run %s not found", id)
		}
		return fmt.Errorf("websocket connect: %w", err)
	}

	var mu sync.Mutex
	closed := false
	closeConn := func() {
		mu.Lock()
		defer mu.Unlock()
		if !closed {
			closed = true
			conn.Close()
		}
	}
	defer closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			closeConn()
		case <-done:
		}
	}()

	for {
		var snapshot models.RunView
		if err := conn.ReadJSON(&snapshot); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("read snapshot: %w", err)
		}
		if err := onSnapshot(snapshot); err != nil {
			return err
		}
		if snapshot.Status.Terminal() {
			return nil
		}
	}
}

// =============================================================================
// SERVER OPERATIONS
// =============================================================================

// OperationStats holds timing metrics for a single operation type.
type OperationStats struct {
	Count       int64   `json:"count"`
	Items       int64   `json:"items,omitempty"`
	Failures    int64   `json:"failures,omitempty"`
	TotalTimeMs int64   `json:"total_time_ms"`
	AvgTimeMs   float64 `json:"avg_time_ms"`
	MinTimeMs   int64   `json:"min_time_ms"`
	MaxTimeMs   int64   `json:"max_time_ms"`
}

// OperationsSnapshot holds in-memory runtime statistics (resets on server restart).
type OperationsSnapshot struct {
	UptimeSeconds float64         `json:"uptime_seconds"`
	Fetch         *OperationStats `json:"fetch,omitempty"`
	Chunk         *OperationStats `json:"chunk,omitempty"`
	Embed         *OperationStats `json:"embed,omitempty"`
	Index         *OperationStats `json:"index,omitempty"`
	DBQuery       *OperationStats `json:"db_query,omitempty"`
	Channel       *OperationStats `json:"channel,omitempty"`
}

// ServerStats holds the /stats response.
type ServerStats struct {
	Entities   map[string]int      `json:"entities"`
	Operations *OperationsSnapshot `json:"operations"`
}

// GetStats returns entity counts and operation metrics.
func (c *Client) GetStats(ctx context.Context) (*ServerStats, error) {
	var result ServerStats
	if err := c.do(ctx, http.MethodGet, "/api/v1/stats", nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Health checks server and store reachability.
func (c *Client) Health(ctx context.Context) error {
	var result struct {
		Status string `json:"status"`
		Store  string `json:"store"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &result); err != nil {
		return err
	}
	if result.Status != "ok" {
		return fmt.Errorf("server is %s: %s", result.Status, result.Store)
	}
	return nil
}
