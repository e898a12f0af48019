// Package graphdb provides an HTTP client for an external graph database.
// Like the tracker client, it is an agent dependency invisible to the
// orchestration core.
package graphdb

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

// Node is one vertex in the graph.
type Node struct {
	ID         string         `json:"id,omitempty"`
	Labels     []string       `json:"labels,omitempty"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Relationship is one directed edge between two nodes.
type Relationship struct {
	ID         string         `json:"id,omitempty"`
	Type       string         `json:"type"`
	FromID     string         `json:"from_id"`
	ToID       string         `json:"to_id"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Path is an ordered traversal through nodes and the relationships linking
// them.
type Path struct {
	Nodes         []Node         `json:"nodes"`
	Relationships []Relationship `json:"relationships"`
}

// QueryResult holds rows returned by a raw query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// GraphClient defines the graph operations agents consume. The interface
// enables testing with mock implementations.
type GraphClient interface {
	CreateNode(ctx context.Context, node Node) (*Node, error)
	CreateRelationship(ctx context.Context, rel Relationship) (*Relationship, error)
	ShortestPath(ctx context.Context, fromID, toID string) (*Path, error)
	Query(ctx context.Context, query string, params map[string]any) (*QueryResult, error)
}

// Client talks to the graph database's HTTP API. Client implements
// GraphClient.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *logx.Logger
}

// NewClient creates a graph client for the given base URL.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		logger:  logx.NewLogger("graphdb"),
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	clone := *c
	clone.http = h
	return &clone
}

// CreateNode stores a node and returns it with its assigned id.
func (c *Client) CreateNode(ctx context.Context, node Node) (*Node, error) {
	var created Node
	if err := c.do(ctx, http.MethodPost, "/graph/nodes", node, &created); err != nil {
		return nil, fmt.Errorf("failed to create node: %w", err)
	}
	c.logger.Debug("Created node %s", created.ID)
	return &created, nil
}

// CreateRelationship stores a directed edge between two existing nodes.
func (c *Client) CreateRelationship(ctx context.Context, rel Relationship) (*Relationship, error) {
	if rel.FromID == "" || rel.ToID == "" || rel.Type == "" {
		return nil, fmt.Errorf("relationship requires type, from_id and to_id")
	}
	var created Relationship
	if err := c.do(ctx, http.MethodPost, "/graph/relationships", rel, &created); err != nil {
		return nil, fmt.Errorf("failed to create relationship: %w", err)
	}
	return &created, nil
}

// ShortestPath returns the shortest path between two nodes, or an error when
// no path exists.
func (c *Client) ShortestPath(ctx context.Context, fromID, toID string) (*Path, error) {
	path := fmt.Sprintf("/graph/paths/shortest?from=%s&to=%s",
		url.QueryEscape(fromID), url.QueryEscape(toID))

	var result Path
	if err := c.do(ctx, http.MethodGet, path, nil, &result); err != nil {
		return nil, fmt.Errorf("failed to query shortest path %s -> %s: %w", fromID, toID, err)
	}
	return &result, nil
}

// Query executes a raw query with named parameters.
func (c *Client) Query(ctx context.Context, query string, params map[string]any) (*QueryResult, error) {
	body := map[string]any{"query": query}
	if len(params) > 0 {
		body["params"] = params
	}

	var result QueryResult
	if err := c.do(ctx, http.MethodPost, "/graph/query", body, &result); err != nil {
		return nil, fmt.Errorf("failed to run query: %w", err)
	}
	return &result, nil
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

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("graphdb returned %d: %s", resp.StatusCode, bytes.TrimSpace(data))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
