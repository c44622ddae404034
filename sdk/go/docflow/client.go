// Package docflow provides a small Go client for the DocFlow Chain REST
// API: starting workflow sessions, polling or reading their status, and
// minting and verifying document access tokens.
package docflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. It is intentionally short to avoid hanging network calls.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the DocFlow Chain REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// StartRequest represents the payload required to start a workflow session.
type StartRequest struct {
	Kind         string `json:"kind"`
	DocumentHash string `json:"document_hash"`
	RecordID     string `json:"record_id,omitempty"`
	UserID       string `json:"user_id,omitempty"`
	AccessType   string `json:"access_type,omitempty"`
	AccessToken  string `json:"access_token,omitempty"`
}

// StartResult contains the identifiers assigned to a started session.
type StartResult struct {
	SessionID      string `json:"session_id"`
	WorkflowHandle string `json:"workflow_handle"`
	Status         string `json:"status"`
}

// SessionStatus is a point-in-time snapshot of a workflow session.
type SessionStatus struct {
	SessionID  string         `json:"session_id"`
	Status     string         `json:"status"`
	Result     map[string]any `json:"result,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	DocumentID string         `json:"document_id,omitempty"`
	AccessHash string         `json:"access_hash,omitempty"`
	UpdatedAt  int64          `json:"updated_at"`
	Progress   int            `json:"progress"`
}

// AccessToken is a short-lived token minted for a completed session.
type AccessToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expires_at"`
}

// TokenClaims is the decoded claim set returned by token verification.
type TokenClaims struct {
	DocumentHash string `json:"document_hash"`
	StoragePath  string `json:"storage_path,omitempty"`
	RecordID     string `json:"record_id,omitempty"`
	UserID       string `json:"user_id"`
	SessionID    string `json:"session_id"`
	AccessType   string `json:"access_type"`
	AccessHash   string `json:"access_hash"`
	DocumentID   string `json:"document_id"`
	IssuedAt     int64  `json:"iat"`
	ExpiresAt    int64  `json:"exp"`
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
		return fmt.Sprintf("docflow api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("docflow api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the DocFlow Chain API. When httpClient
// is nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) *Client {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		panic(fmt.Sprintf("invalid base url: %v", err))
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}
}

// StartWorkflow starts a new workflow session and blocks until the server
// reports a terminal state or an error.
func (c *Client) StartWorkflow(ctx context.Context, request StartRequest) (StartResult, error) {
	var result StartResult
	if err := c.post(ctx, "/api/v1/workflows", request, &result); err != nil {
		return StartResult{}, err
	}
	return result, nil
}

// SessionStatus fetches the current snapshot of a session.
func (c *Client) SessionStatus(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	if err := c.get(ctx, "/api/v1/workflows/"+url.PathEscape(sessionID), &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}

// MintToken requests a short-lived access token for a completed session.
func (c *Client) MintToken(ctx context.Context, sessionID string) (AccessToken, error) {
	var token AccessToken
	payload := struct {
		SessionID string `json:"session_id"`
	}{SessionID: sessionID}
	if err := c.post(ctx, "/api/v1/tokens", payload, &token); err != nil {
		return AccessToken{}, err
	}
	return token, nil
}

// VerifyToken validates a token and returns its claims.
func (c *Client) VerifyToken(ctx context.Context, token string) (TokenClaims, error) {
	var claims TokenClaims
	endpoint := "/api/v1/tokens/verify?token=" + url.QueryEscape(token)
	if err := c.get(ctx, endpoint, &claims); err != nil {
		return TokenClaims{}, err
	}
	return claims, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
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
