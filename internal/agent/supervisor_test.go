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

package agent

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

type fixture struct {
	sv    *Supervisor
	store *store.Store
	bus   *bus.Bus
	wfDir string
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	wfDir := t.TempDir()
	engine := workflow.New(st, workflow.NewLoader(wfDir), session.NewRegistry(st, b, nil), b, nil, workflow.Config{})
	return &fixture{
		sv:    New(st, engine, b, nil, cfg),
		store: st,
		bus:   b,
		wfDir: wfDir,
	}
}

func (f *fixture) seedParent(t *testing.T, mutate func(*store.Session)) *store.Session {
	t.Helper()
	sess := &store.Session{
		ExternalID: "parent-" + t.Name(),
		MachineID:  "m1",
		Source:     "claude",
		Status:     store.SessionActive,
	}
	if mutate != nil {
		mutate(sess)
	}
	out, err := f.store.UpsertSession(context.Background(), sess)
	require.NoError(t, err)
	return out
}

// fakeProvider uses /usr/bin/true so the launched "CLI" always exits zero.
func fakeProvider() map[string]ProviderSpec {
	return map[string]ProviderSpec{
		"fake": {Name: "fake", Command: "true"},
	}
}

func TestSpawnDepthLimit(t *testing.T) {
	f := newFixture(t, Config{MaxAgentDepth: 1, Providers: fakeProvider(), DefaultProvider: "fake"})
	deep := f.seedParent(t, func(s *store.Session) { s.AgentDepth = 1 })

	_, err := f.sv.Spawn(context.Background(), SpawnRequest{
		ParentSessionID: deep.ID,
		Prompt:          "go deeper",
	})
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))
	assert.Contains(t, err.Error(), "max agent depth")
}

func TestSpawnCreatesChildAndRun(t *testing.T) {
	f := newFixture(t, Config{Providers: fakeProvider(), DefaultProvider: "fake"})
	parent := f.seedParent(t, nil)

	spawned := f.bus.Subscribe(bus.AgentSpawned)
	defer spawned.Close()

	run, err := f.sv.Spawn(context.Background(), SpawnRequest{
		ParentSessionID: parent.ID,
		Name:            "helper",
		Prompt:          "summarize the diff",
	})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, run.ParentSessionID)
	assert.NotEmpty(t, run.ChildSessionID)

	child, err := f.store.GetSession(context.Background(), run.ChildSessionID)
	require.NoError(t, err)
	assert.Equal(t, 1, child.AgentDepth)
	assert.Equal(t, parent.ID, child.ParentSessionID)
	assert.Equal(t, "helper", child.Title)
	assert.Equal(t, run.ID, child.SpawnedByAgentID)

	select {
	case e := <-spawned.C:
		assert.Equal(t, run.ID, e.Payload["run_id"])
	default:
		t.Fatal("expected agent_spawned on the bus")
	}

	// The fake CLI exits immediately; the run finishes on its own.
	assert.Eventually(t, func() bool {
		got, err := f.store.GetAgentRun(context.Background(), run.ID)
		return err == nil && got.Status == store.RunSuccess
	}, 5*time.Second, 20*time.Millisecond)
}

func TestProviderResolutionOrder(t *testing.T) {
	f := newFixture(t, Config{
		DefaultProvider: "configured",
		Providers: map[string]ProviderSpec{
			"configured": {Command: "true"},
			"fromwf":     {Command: "true"},
			"explicit":   {Command: "true"},
		},
	})
	require.NoError(t, os.WriteFile(filepath.Join(f.wfDir, "build.yaml"), []byte(`
name: build
variables:
  provider: fromwf
steps:
  - name: work
`), 0o644))
	// Loader caches per Get; a fresh write before first use is visible.

	explicit, err := f.sv.resolveProvider(SpawnRequest{Provider: "explicit", Workflow: "build"})
	require.NoError(t, err)
	assert.Equal(t, "explicit", explicit.Name)

	fromWorkflow, err := f.sv.resolveProvider(SpawnRequest{Workflow: "build"})
	require.NoError(t, err)
	assert.Equal(t, "fromwf", fromWorkflow.Name)

	configured, err := f.sv.resolveProvider(SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, "configured", configured.Name)

	_, err = f.sv.resolveProvider(SpawnRequest{Provider: "nope"})
	assert.True(t, gerrors.IsValidation(err))
}

func TestBuiltinProviderFallback(t *testing.T) {
	f := newFixture(t, Config{})
	spec, err := f.sv.resolveProvider(SpawnRequest{})
	require.NoError(t, err)
	assert.Equal(t, "claude", spec.Name)
}

type fakeRunner struct {
	result string
	err    error
}

func (r *fakeRunner) Run(ctx context.Context, run *store.AgentRun, prompt string) (string, error) {
	return r.result, r.err
}

func TestInProcessMode(t *testing.T) {
	f := newFixture(t, Config{Providers: fakeProvider(), DefaultProvider: "fake"})
	parent := f.seedParent(t, nil)

	// Without a registered backend the mode is rejected.
	_, err := f.sv.Spawn(context.Background(), SpawnRequest{
		ParentSessionID: parent.ID,
		Prompt:          "think",
		Mode:            store.ModeInProcess,
	})
	assert.True(t, gerrors.IsInvalidState(err))

	f.sv.SetInProcessRunner(&fakeRunner{result: "done thinking"})
	run, err := f.sv.Spawn(context.Background(), SpawnRequest{
		ParentSessionID: parent.ID,
		Prompt:          "think",
		Mode:            store.ModeInProcess,
	})
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		got, err := f.store.GetAgentRun(context.Background(), run.ID)
		return err == nil && got.Status == store.RunSuccess && got.Result == "done thinking"
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCancelSignalsAndPublishes(t *testing.T) {
	f := newFixture(t, Config{Providers: fakeProvider(), DefaultProvider: "fake"})
	parent := f.seedParent(t, nil)

	stops := f.bus.Subscribe(bus.SubagentStop)
	defer stops.Close()

	child := &store.Session{
		ExternalID: "child-1", MachineID: "m1", Source: "fake",
		ParentSessionID: parent.ID, AgentDepth: 1,
	}
	run := &store.AgentRun{
		ParentSessionID: parent.ID, Prompt: "p",
		Mode: store.ModeHeadless, TimeoutMinutes: 30,
	}
	require.NoError(t, f.store.CreateChildSessionAndRun(context.Background(), child, run))

	require.NoError(t, f.sv.Cancel(context.Background(), run.ID))

	got, err := f.store.GetAgentRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunCancelled, got.Status)

	select {
	case e := <-stops.C:
		assert.Equal(t, "cancelled", e.Payload["status"])
	default:
		t.Fatal("expected subagent_stop on the bus")
	}

	// Cancelling a terminal run is an invalid state, not a silent no-op.
	err = f.sv.Cancel(context.Background(), run.ID)
	assert.True(t, gerrors.IsInvalidState(err))
}

func TestReaperFinalizesStaleRuns(t *testing.T) {
	f := newFixture(t, Config{
		Providers: fakeProvider(), DefaultProvider: "fake",
		PendingCutoff: time.Nanosecond,
	})
	parent := f.seedParent(t, nil)
	ctx := context.Background()

	pendingChild := &store.Session{ExternalID: "c-pend", MachineID: "m1", Source: "fake", ParentSessionID: parent.ID, AgentDepth: 1}
	pending := &store.AgentRun{ParentSessionID: parent.ID, Prompt: "p", Mode: store.ModeHeadless, TimeoutMinutes: 30}
	require.NoError(t, f.store.CreateChildSessionAndRun(ctx, pendingChild, pending))

	runningChild := &store.Session{ExternalID: "c-run", MachineID: "m1", Source: "fake", ParentSessionID: parent.ID, AgentDepth: 1}
	running := &store.AgentRun{ParentSessionID: parent.ID, Prompt: "p", Mode: store.ModeHeadless, TimeoutMinutes: 0}
	require.NoError(t, f.store.CreateChildSessionAndRun(ctx, runningChild, running))
	require.NoError(t, f.store.MarkRunStarted(ctx, running.ID))

	time.Sleep(5 * time.Millisecond)
	reaped, err := f.sv.ReapStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, reaped)

	gotPending, err := f.store.GetAgentRun(ctx, pending.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunError, gotPending.Status)

	gotRunning, err := f.store.GetAgentRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, store.RunTimeout, gotRunning.Status)
}

func TestCountersTrackBusEvents(t *testing.T) {
	f := newFixture(t, Config{Providers: fakeProvider(), DefaultProvider: "fake"})
	parent := f.seedParent(t, nil)
	ctx := context.Background()

	child := &store.Session{ExternalID: "c-1", MachineID: "m1", Source: "fake", ParentSessionID: parent.ID, AgentDepth: 1}
	run := &store.AgentRun{ParentSessionID: parent.ID, Prompt: "p", Mode: store.ModeHeadless, TimeoutMinutes: 30}
	require.NoError(t, f.store.CreateChildSessionAndRun(ctx, child, run))
	require.NoError(t, f.store.MarkRunStarted(ctx, run.ID))

	f.bus.Publish(bus.Event{Type: bus.AfterTool, SessionID: child.ID})
	f.bus.Publish(bus.Event{Type: bus.AfterTool, SessionID: child.ID})
	f.bus.Publish(bus.Event{Type: bus.AfterAgent, SessionID: child.ID})

	assert.Eventually(t, func() bool {
		got, err := f.store.GetAgentRun(ctx, run.ID)
		return err == nil && got.ToolCallsCount == 2 && got.TurnsUsed == 1
	}, 5*time.Second, 20*time.Millisecond)
}
