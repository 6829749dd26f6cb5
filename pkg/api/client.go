// Package api is the HTTP client for the control plane's request
// endpoints: agent control, snapshot fallback, and tool execution.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sentinelops/console/internal/protocol"
)

type Client struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient overrides the underlying *http.Client (tests, proxies).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func NewClient(baseURL, authToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:   baseURL,
		authToken: authToken,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type controlRequest struct {
	Action protocol.AgentAction `json:"action"`
}

// Control issues a fire-and-forget lifecycle command. A nil error means
// the control plane accepted the command for processing; it says nothing
// about whether the command was applied. There is no retry: the
// operator re-issues on failure.
func (c *Client) Control(ctx context.Context, agentID string, action protocol.AgentAction) error {
	if !action.Valid() {
		return fmt.Errorf("invalid agent action %q", action)
	}
	path := fmt.Sprintf("/api/v1/agents/%s/control", url.PathEscape(agentID))

	if err := c.postJSON(ctx, path, controlRequest{Action: action}, nil); err != nil {
		return fmt.Errorf("control %s for agent %s: %w", action, agentID, err)
	}
	return nil
}

// SnapshotResponse is the body of the snapshot fallback endpoint.
type SnapshotResponse struct {
	Agents []protocol.AgentSnapshot `json:"agents"`
}

// Snapshot fetches the current agent roster, polled as a safety net
// against missed stream events.
func (c *Client) Snapshot(ctx context.Context) (*SnapshotResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/snapshot", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var snap SnapshotResponse
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	return &snap, nil
}

// ToolResult is the outcome of a one-shot tool execution.
type ToolResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Logs    []string        `json:"logs,omitempty"`
}

type toolRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
}

// ExecuteTool runs a named analysis tool. The non-core panels (OSINT,
// compliance, patching) consume this as a plain request/response call.
func (c *Client) ExecuteTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	var result ToolResult
	if err := c.postJSON(ctx, "/mcp/tools/execute", toolRequest{ToolName: name, Arguments: args}, &result); err != nil {
		return nil, fmt.Errorf("execute tool %s: %w", name, err)
	}
	if !result.Success && result.Error != "" {
		return &result, fmt.Errorf("tool %s failed: %s", name, result.Error)
	}
	return &result, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

func statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if len(body) > 0 {
		return fmt.Errorf("request failed with status %d: %s", resp.StatusCode, string(body))
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}
