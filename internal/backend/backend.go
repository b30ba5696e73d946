package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/msageha/toolgate/internal/model"
)

// ErrUnreachable wraps transport-level failures (connection refused, DNS,
// timeout). Callers distinguish these from backend-reported errors, which
// surface as *Error.
var ErrUnreachable = errors.New("backend unreachable")

// Error is a backend-reported failure: a non-2xx response with a structured
// error envelope. The gateway wraps it, never retries it.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("backend error %d %s: %s", e.Status, e.Code, e.Message)
}

// Receipt is a caller-supplied provenance claim that an equivalent step was
// already performed. The gateway checks its shape and forwards it; only the
// backend interprets its meaning.
type Receipt struct {
	Step     string `json:"step"`
	Digest   string `json:"digest"`
	IssuedAt string `json:"issued_at,omitempty"`
}

// InvokeRequest is the outbound invocation call, keyed by canonical identity.
type InvokeRequest struct {
	Capability  string          `json:"capability"`
	WorkspaceID string          `json:"workspace_id"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Receipts    []Receipt       `json:"receipts,omitempty"`
}

// InvokeResponse is the backend's result. Long-running invocations return an
// execution ID instead of an inline result; the caller collects the outcome
// through the task dispatch protocol.
type InvokeResponse struct {
	Result      json.RawMessage `json:"result,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
}

// Workspace is the backend's resolution of an external workspace key.
type Workspace struct {
	WorkspaceID string `json:"workspace_id"`
	Created     bool   `json:"created"`
}

// CatalogEntry describes one callable capability as the backend exports it.
type CatalogEntry struct {
	Pack        string `json:"pack"`
	Action      string `json:"action"`
	Description string `json:"description,omitempty"`
	Macro       bool   `json:"macro"` // multi-step composition, not a single action
}

// LensProfile is a workspace's style profile, opaque to the gateway.
type LensProfile struct {
	Name    string          `json:"name"`
	Profile json.RawMessage `json:"profile,omitempty"`
}

// Client talks to the backend execution engine over HTTP. Every call carries
// the caller's context plus the configured request timeout; the client never
// retries on its own.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg model.BackendConfig) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid backend base URL %q: %w", cfg.BaseURL, err)
	}
	timeout := cfg.TimeoutSec
	if timeout <= 0 {
		timeout = 30
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: &http.Client{
			Timeout: time.Duration(timeout) * time.Second,
		},
	}, nil
}

// Invoke forwards a capability invocation.
func (c *Client) Invoke(ctx context.Context, req InvokeRequest) (*InvokeResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/invoke", req)
	if err != nil {
		return nil, err
	}
	var resp InvokeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse invoke response: %w", err)
	}
	return &resp, nil
}

// ResolveWorkspace maps an external workspace key to a workspace ID,
// provisioning one if it does not exist yet.
func (c *Client) ResolveWorkspace(ctx context.Context, externalKey string) (*Workspace, error) {
	if externalKey == "" {
		return nil, fmt.Errorf("external workspace key is required")
	}
	body, err := c.doRequest(ctx, http.MethodPost, "/api/v1/workspaces/resolve", map[string]string{
		"external_key": externalKey,
	})
	if err != nil {
		return nil, err
	}
	var ws Workspace
	if err := json.Unmarshal(body, &ws); err != nil {
		return nil, fmt.Errorf("parse workspace response: %w", err)
	}
	if ws.WorkspaceID == "" {
		return nil, fmt.Errorf("backend returned empty workspace ID for key %q", externalKey)
	}
	return &ws, nil
}

// ListCatalog fetches the capability catalog.
func (c *Client) ListCatalog(ctx context.Context) ([]CatalogEntry, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/capabilities", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Capabilities []CatalogEntry `json:"capabilities"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parse catalog response: %w", err)
	}
	return resp.Capabilities, nil
}

// ResolveLens fetches the style profile bound to a workspace.
func (c *Client) ResolveLens(ctx context.Context, workspaceID string) (*LensProfile, error) {
	if workspaceID == "" {
		return nil, fmt.Errorf("workspace ID is required")
	}
	body, err := c.doRequest(ctx, http.MethodGet, "/api/v1/workspaces/"+url.PathEscape(workspaceID)+"/lens", nil)
	if err != nil {
		return nil, err
	}
	var lens LensProfile
	if err := json.Unmarshal(body, &lens); err != nil {
		return nil, fmt.Errorf("parse lens response: %w", err)
	}
	return &lens, nil
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnreachable, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var envelope errorEnvelope
		if err := json.Unmarshal(body, &envelope); err != nil || envelope.Error.Code == "" {
			return nil, &Error{
				Status:  resp.StatusCode,
				Code:    fmt.Sprintf("HTTP_%d", resp.StatusCode),
				Message: strings.TrimSpace(string(body)),
			}
		}
		return nil, &Error{
			Status:  resp.StatusCode,
			Code:    envelope.Error.Code,
			Message: envelope.Error.Message,
		}
	}
	return body, nil
}
