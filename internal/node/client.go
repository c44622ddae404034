// Package node implements the HTTP client for the remote workflow
// execution node. The node receives a concrete workflow document, runs it,
// and exposes a polling endpoint plus a small configuration query.
package node

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the execution node REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// SubmitResult contains the opaque handle returned for a submitted workflow.
type SubmitResult struct {
	Handle string `json:"intent_id"`
}

// ExecutorConfig is the configuration payload exposed by the node.
type ExecutorConfig struct {
	ExecutorAddress string `json:"executor_address"`
	Network         string `json:"network,omitempty"`
}

// APIError represents server side validation or internal errors. The HTTP
// status code is carried alongside the decoded body and never serialized.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("execution node api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("execution node api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the execution node API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, errors.New("execution node base url must include scheme and host")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// ExecuteWorkflow submits a concrete workflow document and returns the opaque
// workflow handle assigned by the node.
func (c *Client) ExecuteWorkflow(ctx context.Context, dsl json.RawMessage) (string, error) {
	var result SubmitResult
	if err := c.post(ctx, "/api/v1/workflows/execute", dsl, &result); err != nil {
		return "", err
	}
	if result.Handle == "" {
		return "", errors.New("execution node returned an empty workflow handle")
	}
	return result.Handle, nil
}

// WorkflowStatus fetches the raw status payload for a workflow handle. The
// response shape differs per workflow kind, so the raw document is returned
// for the caller to normalize.
func (c *Client) WorkflowStatus(ctx context.Context, handle string) (map[string]any, error) {
	if strings.TrimSpace(handle) == "" {
		return nil, errors.New("workflow handle is required")
	}
	endpoint := fmt.Sprintf("/api/v1/workflows/status?handle=%s", url.QueryEscape(handle))
	var raw map[string]any
	if err := c.get(ctx, endpoint, &raw); err != nil {
		return nil, err
	}
	return raw, nil
}

// ExecutorAddress queries the node for the executor/network address used when
// binding intents.
func (c *Client) ExecutorAddress(ctx context.Context) (string, error) {
	var cfg ExecutorConfig
	if err := c.get(ctx, "/api/v1/config/executor", &cfg); err != nil {
		return "", err
	}
	if strings.TrimSpace(cfg.ExecutorAddress) == "" {
		return "", errors.New("execution node returned an empty executor address")
	}
	return cfg.ExecutorAddress, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload json.RawMessage, out any) error {
	body := payload
	if body == nil {
		body = json.RawMessage("{}")
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	parsed, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel := &url.URL{Path: path.Join(c.baseURL.Path, parsed.Path), RawQuery: parsed.RawQuery}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr APIError
		apiErr.StatusCode = resp.StatusCode
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &struct {
				Error *APIError `json:"error"`
			}{Error: &apiErr}); err != nil {
				_ = json.Unmarshal(data, &apiErr)
			}
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return &apiErr
	}

	if out == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
