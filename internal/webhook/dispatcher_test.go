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

package webhook

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/store"
)

type capture struct {
	mu     sync.Mutex
	bodies []map[string]any
	fails  int // respond 500 this many times first
	hits   int
}

func (c *capture) handler(w http.ResponseWriter, r *http.Request) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits++
	if c.hits <= c.fails {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	raw, _ := io.ReadAll(r.Body)
	var m map[string]any
	json.Unmarshal(raw, &m)
	c.bodies = append(c.bodies, m)
	w.WriteHeader(http.StatusOK)
}

func (c *capture) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.bodies)
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func start(t *testing.T, st *store.Store, b *bus.Bus, eps []Endpoint) *Dispatcher {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	d := New(st, eps, nil, Config{RetryBase: time.Millisecond})
	d.Attach(ctx, b)
	return d
}

func TestDeliversMatchingEventWithTransform(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	st := newStore(t)
	b := bus.New()
	start(t, st, b, []Endpoint{{
		URL:       srv.URL,
		Events:    []string{string(bus.PipelineFinished)},
		Transform: `{text: .payload.pipeline, status: .payload.status}`,
	}})

	b.Publish(bus.Event{
		Type:    bus.PipelineFinished,
		Payload: map[string]any{"pipeline": "release", "status": "completed"},
	})

	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "release", c.bodies[0]["text"])
	assert.Equal(t, "completed", c.bodies[0]["status"])

	recs, err := st.ListWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "delivered", recs[0].Status)
	assert.Equal(t, 1, recs[0].Attempts)
}

func TestRetriesWithBackoffThenSucceeds(t *testing.T) {
	c := &capture{fails: 2}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	st := newStore(t)
	b := bus.New()
	start(t, st, b, []Endpoint{{
		URL:    srv.URL,
		Events: []string{string(bus.TaskChanged)},
	}})

	b.Publish(bus.Event{Type: bus.TaskChanged, Payload: map[string]any{"id": "t1"}})

	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	recs, err := st.ListWebhookDeliveries(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "delivered", recs[0].Status)
	assert.Equal(t, 3, recs[0].Attempts)
}

func TestGivesUpAfterMaxRetries(t *testing.T) {
	c := &capture{fails: 100}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	st := newStore(t)
	b := bus.New()
	start(t, st, b, []Endpoint{{
		URL:        srv.URL,
		Events:     []string{string(bus.TaskChanged)},
		MaxRetries: 2,
	}})

	b.Publish(bus.Event{Type: bus.TaskChanged})

	var recs []*store.WebhookDelivery
	assert.Eventually(t, func() bool {
		recs, _ = st.ListWebhookDeliveries(context.Background(), 10)
		return len(recs) == 1 && recs[0].Status == "failed"
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 3, recs[0].Attempts)
	assert.Contains(t, recs[0].LastError, "unexpected status 500")
}

func TestOutcomeAliasesFilterBySuccess(t *testing.T) {
	c := &capture{}
	srv := httptest.NewServer(http.HandlerFunc(c.handler))
	defer srv.Close()

	st := newStore(t)
	b := bus.New()
	start(t, st, b, []Endpoint{{
		URL:    srv.URL,
		Events: []string{EventOnFailure},
	}})

	// Successful outcomes and unrelated events never match on_failure.
	b.Publish(bus.Event{
		Type:    bus.PipelineFinished,
		Payload: map[string]any{"status": string(store.PipelineCompleted)},
	})
	b.Publish(bus.Event{Type: bus.TaskChanged})
	b.Publish(bus.Event{
		Type:    bus.AgentCompleted,
		Payload: map[string]any{"status": string(store.RunError)},
	})

	assert.Eventually(t, func() bool { return c.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, c.count())

	payload, ok := c.bodies[0]["payload"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, string(store.RunError), payload["status"])
}
