// Copyright 2025 The Gobby Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package client is the CLI's typed view of the daemon's HTTP surface.
// Transport failures come back as external errors so callers can tell a
// missing daemon from a daemon that said no.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Client talks to one gobbyd instance over loopback HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the given port.
func New(port int) *Client {
	return &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// NewWithBase returns a client for an explicit base URL, for tests.
func NewWithBase(base string) *Client {
	return &Client{baseURL: base, http: &http.Client{Timeout: 30 * time.Second}}
}

// Ping reports whether a daemon answers on the configured port.
func (c *Client) Ping(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodGet, "/", nil, &out)
}

// ExecuteHook forwards a native hook payload and returns the native response.
func (c *Client) ExecuteHook(ctx context.Context, native map[string]any) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodPost, "/hooks/execute", native, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterSession registers or revives a session for an external agent id.
func (c *Client) RegisterSession(ctx context.Context, externalID, machineID, source, cwd string) (*store.Session, error) {
	var out store.Session
	err := c.do(ctx, http.MethodPost, "/sessions/register", map[string]any{
		"external_id": externalID,
		"machine_id":  machineID,
		"source":      source,
		"cwd":         cwd,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSession resolves a session by any reference form.
func (c *Client) GetSession(ctx context.Context, ref string) (*store.Session, error) {
	var out store.Session
	if err := c.do(ctx, http.MethodGet, "/sessions/"+ref, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FindCurrent locates the live session for an external agent id.
func (c *Client) FindCurrent(ctx context.Context, externalID, machineID, source string) (*store.Session, error) {
	var out store.Session
	err := c.do(ctx, http.MethodPost, "/sessions/find_current", map[string]any{
		"external_id": externalID,
		"machine_id":  machineID,
		"source":      source,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// UpdateSessionStatus moves a session through its lifecycle.
func (c *Client) UpdateSessionStatus(ctx context.Context, sessionID, status string) error {
	var out map[string]any
	return c.do(ctx, http.MethodPost, "/sessions/update_status", map[string]any{
		"session_id": sessionID,
		"status":     status,
	}, &out)
}

// UpdateSessionSummary stores summary text on a session.
func (c *Client) UpdateSessionSummary(ctx context.Context, sessionID, summary, compact string) error {
	var out map[string]any
	return c.do(ctx, http.MethodPost, "/sessions/update_summary", map[string]any{
		"session_id": sessionID,
		"summary":    summary,
		"compact":    compact,
	}, &out)
}

// ToolInfo is one tool's listing entry.
type ToolInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	InputSchema any    `json:"input_schema"`
}

// ListTools lists the tools of one MCP server.
func (c *Client) ListTools(ctx context.Context, server string) ([]ToolInfo, error) {
	var out struct {
		Tools []ToolInfo `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/mcp/"+server+"/tools", nil, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

// CallTool invokes one tool through the HTTP bridge. Tool-level failures are
// internal errors carrying the daemon's message.
func (c *Client) CallTool(ctx context.Context, server, tool string, args map[string]any) (any, error) {
	var out struct {
		Success bool   `json:"success"`
		Result  any    `json:"result"`
		Error   string `json:"error"`
	}
	path := fmt.Sprintf("/mcp/%s/tools/%s", server, tool)
	if err := c.do(ctx, http.MethodPost, path, args, &out); err != nil {
		return nil, err
	}
	if !out.Success {
		return nil, &gerrors.InternalError{Message: out.Error}
	}
	return out.Result, nil
}

// Status returns the daemon's status document.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/admin/status", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Config returns the daemon's effective configuration.
func (c *Client) Config(ctx context.Context) (map[string]any, error) {
	var out map[string]any
	if err := c.do(ctx, http.MethodGet, "/admin/config", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Metrics returns the prometheus text exposition.
func (c *Client) Metrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/admin/metrics", nil)
	if err != nil {
		return "", &gerrors.InternalError{Message: "building request", Cause: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", &gerrors.ExternalError{
			System:  "daemon",
			Message: "daemon unreachable; is gobbyd running?",
			Cause:   err,
		}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &gerrors.ExternalError{System: "daemon", Message: "malformed response", Cause: err}
	}
	return string(data), nil
}

// Shutdown asks the daemon to stop.
func (c *Client) Shutdown(ctx context.Context) error {
	var out map[string]any
	return c.do(ctx, http.MethodPost, "/admin/shutdown", nil, &out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return &gerrors.InternalError{Message: "encoding request", Cause: err}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return &gerrors.InternalError{Message: "building request", Cause: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &gerrors.ExternalError{
			System:  "daemon",
			Message: "daemon unreachable; is gobbyd running?",
			Cause:   err,
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &gerrors.ExternalError{System: "daemon", Message: "malformed response", Cause: err}
	}
	return nil
}

// apiError keeps the daemon's message verbatim while classifying as the
// kind the HTTP status implies, so exit codes survive the round trip.
type apiError struct {
	msg  string
	kind error
}

func (e *apiError) Error() string { return e.msg }
func (e *apiError) Unwrap() error { return e.kind }

// decodeError rebuilds a typed error from the daemon's status and body.
func decodeError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)
	msg := body.Error
	if msg == "" {
		msg = resp.Status
	}

	var kind error
	switch resp.StatusCode {
	case http.StatusBadRequest:
		kind = &gerrors.ValidationError{}
	case http.StatusNotFound:
		kind = &gerrors.NotFoundError{}
	case http.StatusConflict, http.StatusTooManyRequests:
		kind = &gerrors.ConflictError{}
	case http.StatusUnprocessableEntity:
		kind = &gerrors.InvalidStateError{}
	case http.StatusGatewayTimeout:
		kind = &gerrors.TimeoutError{}
	default:
		kind = &gerrors.InternalError{}
	}
	return &apiError{msg: msg, kind: kind}
}
