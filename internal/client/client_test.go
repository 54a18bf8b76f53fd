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

package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func TestDaemonUnreachableIsExternal(t *testing.T) {
	// Port 1 is never listening.
	c := New(1)
	err := c.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, gerrors.IsExternal(err))
	assert.Equal(t, 3, gerrors.ExitCode(err))
}

func TestErrorKindsSurviveRoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/sessions/missing":
			w.WriteHeader(http.StatusNotFound)
			json.NewEncoder(w).Encode(map[string]string{"error": "session not found: missing"})
		case "/sessions/update_status":
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]string{"error": "task t1: already claimed"})
		default:
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "body: invalid JSON"})
		}
	}))
	defer srv.Close()
	c := NewWithBase(srv.URL)

	_, err := c.GetSession(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, gerrors.IsNotFound(err))
	assert.Equal(t, "session not found: missing", err.Error())
	assert.Equal(t, 4, gerrors.ExitCode(err))

	err = c.UpdateSessionStatus(context.Background(), "s", "active")
	require.Error(t, err)
	assert.True(t, gerrors.IsConflict(err))
	assert.Equal(t, 5, gerrors.ExitCode(err))
}

func TestCallToolUnwrapsEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/mcp/tasks/tools/create_task", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"result":  map[string]any{"id": "t-1"},
		})
	}))
	defer srv.Close()

	result, err := NewWithBase(srv.URL).CallTool(context.Background(), "tasks", "create_task", map[string]any{"title": "x"})
	require.NoError(t, err)
	m, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "t-1", m["id"])
}

func TestCallToolFailureCarriesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "title: required"})
	}))
	defer srv.Close()

	_, err := NewWithBase(srv.URL).CallTool(context.Background(), "tasks", "create_task", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "title: required")
}
