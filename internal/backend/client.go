// Package backend is the HTTP client for the session backend. It covers the
// request/response half of the contract; the event stream lives in the
// stream package.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashureev/agentsync/internal/domain"
)

// Client issues authenticated JSON requests against the backend API.
type Client struct {
	baseURL string
	token   string
	org     string
	hc      *http.Client
}

// New creates a backend client. org scopes requests to an organization and
// may be empty for personal sessions.
func New(baseURL, token, org string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		org:     org,
		hc:      &http.Client{},
	}
}

// SessionRef identifies a remote session returned by the session-starting
// calls.
type SessionRef struct {
	RemoteSessionID string `json:"remote_session_id"`
}

// StartSessionRequest starts a brand-new remote session with its first turn.
type StartSessionRequest struct {
	SessionID string               `json:"session_id"`
	Text      string               `json:"text"`
	Images    []string             `json:"images,omitempty"`
	Model     string               `json:"model,omitempty"`
	Resume    *domain.ResumeConfig `json:"resume,omitempty"`
}

// SendMessageRequest sends a follow-up turn to an existing remote session.
type SendMessageRequest struct {
	Text   string   `json:"text"`
	Images []string `json:"images,omitempty"`
	Model  string   `json:"model,omitempty"`
}

// PrepareLegacyRequest performs the one-time prepare+send for sessions
// created before server-side preparation existed.
type PrepareLegacyRequest struct {
	SessionID string   `json:"session_id"`
	Text      string   `json:"text"`
	Images    []string `json:"images,omitempty"`
	Model     string   `json:"model,omitempty"`
}

// PreviewResult is the build/preview status for a session.
type PreviewResult struct {
	Status     domain.PreviewStatus `json:"status"`
	PreviewURL string               `json:"preview_url,omitempty"`
}

// DeployResult is the outcome of a deploy request.
type DeployResult struct {
	Success      bool   `json:"success"`
	DeploymentID string `json:"deployment_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Ticket is a short-lived streaming credential, independent of the client's
// primary API token.
type Ticket struct {
	Value     string    `json:"ticket"`
	ExpiresAt time.Time `json:"expires_at"`
}

// StartSession starts a new remote session and returns its id.
func (c *Client) StartSession(ctx context.Context, req StartSessionRequest) (SessionRef, error) {
	var ref SessionRef
	err := c.do(ctx, http.MethodPost, "/v1/sessions", req, &ref)
	return ref, err
}

// SendMessage sends a turn to an existing remote session.
func (c *Client) SendMessage(ctx context.Context, remoteID string, req SendMessageRequest) (SessionRef, error) {
	var ref SessionRef
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+remoteID+"/messages", req, &ref)
	if err == nil && ref.RemoteSessionID == "" {
		ref.RemoteSessionID = remoteID
	}
	return ref, err
}

// PrepareLegacySession issues the combined prepare+send call for a legacy
// session and returns the remote id it now lives under.
func (c *Client) PrepareLegacySession(ctx context.Context, req PrepareLegacyRequest) (SessionRef, error) {
	var ref SessionRef
	err := c.do(ctx, http.MethodPost, "/v1/sessions/prepare", req, &ref)
	return ref, err
}

// InterruptSession asks the backend to stop the session's execution.
func (c *Client) InterruptSession(ctx context.Context, remoteID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+remoteID+"/interrupt", nil, nil)
}

// GetPreviewURL fetches the current build/preview status for a session.
func (c *Client) GetPreviewURL(ctx context.Context, sessionID string) (PreviewResult, error) {
	var res PreviewResult
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+sessionID+"/preview", nil, &res)
	return res, err
}

// TriggerBuild kicks off a build for a session.
func (c *Client) TriggerBuild(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/build", nil, nil)
}

// DeployProject deploys the session's project.
func (c *Client) DeployProject(ctx context.Context, sessionID string) (DeployResult, error) {
	var res DeployResult
	err := c.do(ctx, http.MethodPost, "/v1/sessions/"+sessionID+"/deploy", nil, &res)
	return res, err
}

// GetStreamTicket fetches a short-lived credential for the event stream of
// the given remote session.
func (c *Client) GetStreamTicket(ctx context.Context, remoteID string) (Ticket, error) {
	var t Ticket
	err := c.do(ctx, http.MethodGet, "/v1/sessions/"+remoteID+"/ticket", nil, &t)
	return t, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.org != "" {
		req.Header.Set("X-Org-Context", c.org)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode}
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && json.Unmarshal(data, &payload) == nil {
		apiErr.Code = payload.Code
		apiErr.Message = payload.Error
	}
	return apiErr
}
