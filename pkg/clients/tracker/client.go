// Package tracker provides a REST client for an external issue-tracking
// service. Agents use it as an ordinary dependency; the orchestration core
// never sees it.
package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"agentmesh/pkg/logx"
)

// Issue is one ticket in the tracking system.
type Issue struct {
	Key         string            `json:"key,omitempty"`
	Summary     string            `json:"summary"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// IssueUpdate carries partial changes to an existing issue.
type IssueUpdate struct {
	Summary     string            `json:"summary,omitempty"`
	Description string            `json:"description,omitempty"`
	Status      string            `json:"status,omitempty"`
	Labels      []string          `json:"labels,omitempty"`
	Fields      map[string]string `json:"fields,omitempty"`
}

// BulkResult reports the outcome of one slot of a bulk create.
type BulkResult struct {
	Key   string `json:"key,omitempty"`
	Error string `json:"error,omitempty"`
}

// TrackerClient defines the operations agents need from a ticketing system.
// The interface enables testing with mock implementations.
type TrackerClient interface {
	CreateIssue(ctx context.Context, issue Issue) (*Issue, error)
	UpdateIssue(ctx context.Context, key string, update IssueUpdate) (*Issue, error)
	SearchIssues(ctx context.Context, query string, limit int) ([]Issue, error)
	BulkCreate(ctx context.Context, issues []Issue) ([]BulkResult, error)
}

// Client talks to the tracker's HTTP API. Client implements TrackerClient.
type Client struct {
	baseURL  string
	apiToken string
	http     *http.Client
	logger   *logx.Logger
}

// NewClient creates a tracker client for the given base URL.
func NewClient(baseURL, apiToken string) *Client {
	return &Client{
		baseURL:  baseURL,
		apiToken: apiToken,
		http:     &http.Client{Timeout: 30 * time.Second},
		logger:   logx.NewLogger("tracker"),
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	clone := *c
	clone.http = h
	return &clone
}

// CreateIssue creates one issue and returns it with its assigned key.
func (c *Client) CreateIssue(ctx context.Context, issue Issue) (*Issue, error) {
	var created Issue
	if err := c.do(ctx, http.MethodPost, "/api/issues", issue, &created); err != nil {
		return nil, fmt.Errorf("failed to create issue: %w", err)
	}
	c.logger.Debug("Created issue %s", created.Key)
	return &created, nil
}

// UpdateIssue applies a partial update to an existing issue.
func (c *Client) UpdateIssue(ctx context.Context, key string, update IssueUpdate) (*Issue, error) {
	var updated Issue
	path := "/api/issues/" + url.PathEscape(key)
	if err := c.do(ctx, http.MethodPatch, path, update, &updated); err != nil {
		return nil, fmt.Errorf("failed to update issue %s: %w", key, err)
	}
	return &updated, nil
}

// SearchIssues runs a query and returns up to limit matches.
func (c *Client) SearchIssues(ctx context.Context, query string, limit int) ([]Issue, error) {
	if limit <= 0 {
		limit = 50
	}
	path := fmt.Sprintf("/api/issues/search?q=%s&limit=%d", url.QueryEscape(query), limit)

	var issues []Issue
	if err := c.do(ctx, http.MethodGet, path, nil, &issues); err != nil {
		return nil, fmt.Errorf("failed to search issues: %w", err)
	}
	return issues, nil
}

// BulkCreate creates many issues in one call. Per-slot failures are reported
// in the result list, not as a call-level error.
func (c *Client) BulkCreate(ctx context.Context, issues []Issue) ([]BulkResult, error) {
	var results []BulkResult
	if err := c.do(ctx, http.MethodPost, "/api/issues/bulk", issues, &results); err != nil {
		return nil, fmt.Errorf("failed to bulk-create issues: %w", err)
	}
	if len(results) != len(issues) {
		return nil, fmt.Errorf("bulk create returned %d results for %d issues", len(results), len(issues))
	}
	return results, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("tracker returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
