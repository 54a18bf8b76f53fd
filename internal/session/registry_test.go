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

package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func newTestRegistry(t *testing.T) (*Registry, *store.Store, *bus.Bus) {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	b := bus.New()
	return NewRegistry(s, b, nil), s, b
}

func register(t *testing.T, r *Registry, externalID string) *store.Session {
	t.Helper()
	sess, err := r.Register(context.Background(), RegisterInput{
		ExternalID: externalID, MachineID: "m1", Source: "vendor-a",
	})
	require.NoError(t, err)
	return sess
}

func TestRegisterRequiresIdentity(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	_, err := r.Register(context.Background(), RegisterInput{ExternalID: "x"})
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
}

func TestRegisterBindsProjectFromMarker(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()

	dir := t.TempDir()
	marker, err := project.Init(dir, "demo")
	require.NoError(t, err)

	sess, err := r.Register(ctx, RegisterInput{
		ExternalID: "e1", MachineID: "m1", Source: "vendor-a",
		Cwd: filepath.Join(dir, "src"),
	})
	require.NoError(t, err)
	assert.Equal(t, marker.ID, sess.ProjectID)

	proj, err := s.GetProject(ctx, marker.ID)
	require.NoError(t, err)
	assert.Equal(t, "demo", proj.Name)
	assert.Equal(t, dir, proj.RepoPath)
}

func TestStatusTransitions(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		path []store.SessionStatus
		ok   bool
	}{
		{"pause and resume", []store.SessionStatus{store.SessionPaused, store.SessionActive}, true},
		{"handoff then archive", []store.SessionStatus{store.SessionHandoffReady, store.SessionArchived}, true},
		{"active cannot archive directly", []store.SessionStatus{store.SessionArchived}, false},
		{"paused cannot handoff", []store.SessionStatus{store.SessionPaused, store.SessionHandoffReady}, false},
		{"archived is terminal", []store.SessionStatus{store.SessionArchived, store.SessionActive}, false},
		{"expired is terminal", []store.SessionStatus{store.SessionExpired, store.SessionActive}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := register(t, r, "st-"+tt.name)
			var err error
			for _, status := range tt.path {
				err = r.SetStatus(ctx, sess.ID, status)
				if err != nil {
					break
				}
			}
			if tt.ok {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.True(t, gerrors.IsInvalidState(err))
			}
		})
	}
}

func TestSetStatusSameStatusIsNoOp(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	sess := register(t, r, "noop")
	require.NoError(t, r.SetStatus(context.Background(), sess.ID, store.SessionActive))
}

func TestSetStatusPublishesEvent(t *testing.T) {
	r, _, b := newTestRegistry(t)
	var events []bus.Event
	b.SubscribeFunc(func(e bus.Event) { events = append(events, e) }, bus.SessionStatusChanged)

	sess := register(t, r, "ev")
	require.NoError(t, r.SetStatus(context.Background(), sess.ID, store.SessionPaused))

	require.Len(t, events, 1)
	assert.Equal(t, sess.ID, events[0].SessionID)
	assert.Equal(t, "paused", events[0].Payload["to"])
}

func TestResolve(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	first := register(t, r, "res-1")
	second := register(t, r, "res-2")

	byOrdinal, err := r.Resolve(ctx, "#1", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byOrdinal.ID)

	byBareInt, err := r.Resolve(ctx, "2", "")
	require.NoError(t, err)
	assert.Equal(t, second.ID, byBareInt.ID)

	byUUID, err := r.Resolve(ctx, first.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byUUID.ID)

	byPrefix, err := r.Resolve(ctx, first.ID[:8], "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, byPrefix.ID)

	_, err = r.Resolve(ctx, "ab", "")
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))

	_, err = r.Resolve(ctx, "ffffffff", "")
	require.Error(t, err)
	assert.True(t, gerrors.IsNotFound(err))

	_, err = r.Resolve(ctx, "#99", "")
	require.Error(t, err)
	assert.True(t, gerrors.IsNotFound(err))
}

func TestDepthWalk(t *testing.T) {
	r, s, _ := newTestRegistry(t)
	ctx := context.Background()

	root := register(t, r, "depth-root")
	child := &store.Session{
		ExternalID: "depth-child", MachineID: "m1", Source: "vendor-a",
		ParentSessionID: root.ID, AgentDepth: 1,
	}
	run := &store.AgentRun{ParentSessionID: root.ID, Prompt: "p", Mode: store.ModeHeadless, TimeoutMinutes: 5}
	require.NoError(t, s.CreateChildSessionAndRun(ctx, child, run))

	d, err := r.Depth(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, d)

	d, err = r.Depth(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, d)

	kids, err := r.Children(ctx, root.ID)
	require.NoError(t, err)
	require.Len(t, kids, 1)
	assert.Equal(t, child.ID, kids[0].ID)
}

func TestLatestHandoff(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	old := register(t, r, "ho-1")
	require.NoError(t, r.UpdateSummary(ctx, old.ID, "# did things", ""))
	require.NoError(t, r.SetStatus(ctx, old.ID, store.SessionHandoffReady))

	found, err := r.LatestHandoff(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, old.ID, found.ID)
	assert.Equal(t, "# did things", found.SummaryMarkdown)
}
