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

package daemon

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/dispatch"
	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/mcptools"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
)

type routerFixture struct {
	router   *Router
	store    *store.Store
	sessions *session.Registry
	shutdown chan struct{}
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	sessions := session.NewRegistry(st, b, nil)
	engine := workflow.New(st, workflow.NewLoader(t.TempDir()), sessions, b, nil, workflow.Config{})
	dispatcher := dispatch.New(hook.NewAdapters(), sessions, engine, b, nil, dispatch.Config{Enabled: true})
	registry := mcptools.New(st, sessions, engine, nil, mcptools.Deps{})

	shutdown := make(chan struct{})
	router := NewRouter(dispatcher, sessions, st, registry, nil, NewMetrics(), config.Default(), nil, "test", func() { close(shutdown) })
	return &routerFixture{router: router, store: st, sessions: sessions, shutdown: shutdown}
}

func (f *routerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestHooksExecuteAlwaysAnswers200(t *testing.T) {
	f := newRouterFixture(t)

	// A well-formed event from an unregistered session still allows.
	rec := f.do(t, http.MethodPost, "/hooks/execute", map[string]any{
		"hook_event_name": "PreToolUse",
		"session_id":      "ext-123",
		"tool_name":       "Bash",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	// Garbage never turns into a non-200; a broken body reads as continue.
	req := httptest.NewRequest(http.MethodPost, "/hooks/execute", bytes.NewBufferString("{not json"))
	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["continue"])
}

func TestSessionRegisterAndGet(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodPost, "/sessions/register", map[string]any{
		"external_id": "ext-42",
		"machine_id":  "m1",
		"source":      "claude",
		"cwd":         t.TempDir(),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)
	id, _ := created["id"].(string)
	require.NotEmpty(t, id)

	rec = f.do(t, http.MethodGet, "/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, id, got["id"])

	rec = f.do(t, http.MethodGet, "/sessions/no-such-session", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionFindCurrent(t *testing.T) {
	f := newRouterFixture(t)

	reg := f.do(t, http.MethodPost, "/sessions/register", map[string]any{
		"external_id": "ext-77", "machine_id": "m1", "source": "claude", "cwd": t.TempDir(),
	})
	require.Equal(t, http.StatusOK, reg.Code)

	rec := f.do(t, http.MethodPost, "/sessions/find_current", map[string]any{
		"external_id": "ext-77", "machine_id": "m1", "source": "claude",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody(t, rec)
	assert.Equal(t, "ext-77", got["external_id"])

	rec = f.do(t, http.MethodPost, "/sessions/find_current", map[string]any{
		"external_id": "nobody", "machine_id": "m1", "source": "claude",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMCPListAndCall(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/mcp/memories/tools", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "memories", body["server"])
	tools, _ := body["tools"].([]any)
	assert.NotEmpty(t, tools)

	rec = f.do(t, http.MethodPost, "/mcp/memories/tools/save_memory", map[string]any{
		"content": "router test memory",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, true, body["success"], rec.Body.String())

	// Tool failures keep the transport happy and flag the body.
	rec = f.do(t, http.MethodPost, "/mcp/memories/tools/save_memory", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, false, body["success"])
	assert.NotEmpty(t, body["error"])

	rec = f.do(t, http.MethodGet, "/mcp/nope/tools", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminStatusAndShutdown(t *testing.T) {
	f := newRouterFixture(t)

	rec := f.do(t, http.MethodGet, "/admin/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "test", body["version"])
	assert.Contains(t, body, "active_sessions")

	rec = f.do(t, http.MethodGet, "/admin/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gobby_hook_dispatch_seconds")

	rec = f.do(t, http.MethodPost, "/admin/shutdown", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	select {
	case <-f.shutdown:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestSessionUpdateStatus(t *testing.T) {
	f := newRouterFixture(t)

	reg := f.do(t, http.MethodPost, "/sessions/register", map[string]any{
		"external_id": "ext-s", "machine_id": "m1", "source": "claude", "cwd": t.TempDir(),
	})
	require.Equal(t, http.StatusOK, reg.Code)
	id, _ := decodeBody(t, reg)["id"].(string)

	rec := f.do(t, http.MethodPost, "/sessions/update_status", map[string]any{
		"session_id": id, "status": "paused",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	got := f.do(t, http.MethodGet, "/sessions/"+id, nil)
	assert.Equal(t, "paused", decodeBody(t, got)["status"])
}
