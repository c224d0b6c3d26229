// Package platform calls the hosted integration platform's "run action" RPC.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// RunOptions carries the optional parameters of an action call.
type RunOptions struct {
	// ConnectionID selects the stored connection to run the action through.
	ConnectionID string
}

// Runner executes one platform action and returns its raw response.
type Runner interface {
	Run(ctx context.Context, token, actionID string, input map[string]any, opts RunOptions) (map[string]any, error)
}

// StatusError is returned when the platform answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("platform returned %d: %s", e.StatusCode, e.Body)
}

const (
	defaultTimeout      = 60 * time.Second
	maxErrorBody        = 4 * 1024
	maxResponseBody     = 10 * 1024 * 1024
	connectionIDHeader  = "X-Connection-Id"
	executeActionFormat = "%s/v1/actions/%s/execute"
)

// Client is the HTTP implementation of Runner.
type Client struct {
	baseURL string
	http    *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a platform client rooted at baseURL.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run POSTs input as JSON to the action's execute endpoint.
func (c *Client) Run(ctx context.Context, token, actionID string, input map[string]any, opts RunOptions) (map[string]any, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("platform base URL is not configured")
	}
	if input == nil {
		input = map[string]any{}
	}
	body, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshal action input: %w", err)
	}

	endpoint := fmt.Sprintf(executeActionFormat, c.baseURL, url.PathEscape(actionID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create platform request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if opts.ConnectionID != "" {
		req.Header.Set(connectionIDHeader, opts.ConnectionID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("platform request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read platform response: %w", err)
	}
	out := map[string]any{}
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, fmt.Errorf("decode platform response: %w", err)
	}
	if m, ok := decoded.(map[string]any); ok {
		return m, nil
	}
	// Non-object responses are wrapped so output stays an object.
	out["data"] = decoded
	return out, nil
}

var _ Runner = (*Client)(nil)
