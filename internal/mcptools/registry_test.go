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

package mcptools

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/expression"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

type fixture struct {
	registry *Registry
	store    *store.Store
	engine   *workflow.Engine
	wfDir    string
}

func newFixture(t *testing.T, deps Deps) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.New()
	sessions := session.NewRegistry(st, b, nil)
	wfDir := t.TempDir()
	engine := workflow.New(st, workflow.NewLoader(wfDir), sessions, b, nil, workflow.Config{})
	return &fixture{
		registry: New(st, sessions, engine, nil, deps),
		store:    st,
		engine:   engine,
		wfDir:    wfDir,
	}
}

func (f *fixture) seedSession(t *testing.T, externalID string, mutate func(*store.Session)) *store.Session {
	t.Helper()
	sess := &store.Session{
		ExternalID: externalID,
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

func TestClaimTaskSemantics(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	holder := f.seedSession(t, "ext-holder", nil)
	rival := f.seedSession(t, "ext-rival", nil)

	created, err := f.registry.Call(ctx, "tasks", "create_task", holder.ID, map[string]any{
		"title": "wire the parser",
	})
	require.NoError(t, err)
	task := created.(*store.Task)

	claimed, err := f.registry.Call(ctx, "tasks", "claim_task", holder.ID, map[string]any{
		"task_id": task.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, store.TaskInProgress, claimed.(*store.Task).Status)
	assert.Equal(t, holder.ID, claimed.(*store.Task).Assignee)

	// Re-claim by the same session is a no-op success.
	_, err = f.registry.Call(ctx, "tasks", "claim_task", holder.ID, map[string]any{
		"task_id": task.ID,
	})
	require.NoError(t, err)

	// A rival loses with a conflict naming the holder.
	_, err = f.registry.Call(ctx, "tasks", "claim_task", rival.ID, map[string]any{
		"task_id": task.ID,
	})
	require.Error(t, err)
	assert.True(t, gerrors.IsConflict(err))
	assert.Contains(t, err.Error(), holder.ID)

	// force steals the claim.
	stolen, err := f.registry.Call(ctx, "tasks", "claim_task", rival.ID, map[string]any{
		"task_id": task.ID, "force": true,
	})
	require.NoError(t, err)
	assert.Equal(t, rival.ID, stolen.(*store.Task).Assignee)
}

func TestTaskReferenceForms(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	first, err := f.store.CreateTask(ctx, &store.Task{Title: "first"})
	require.NoError(t, err)
	_, err = f.store.CreateTask(ctx, &store.Task{Title: "second"})
	require.NoError(t, err)

	for _, ref := range []string{"#1", "1", first.ID, first.ID[:8]} {
		got, err := f.registry.resolveTask(ctx, ref, "")
		require.NoError(t, err, "ref %q", ref)
		assert.Equal(t, first.ID, got.ID, "ref %q", ref)
	}

	_, err = f.registry.resolveTask(ctx, "no-such-task-ref", "")
	assert.True(t, gerrors.IsNotFound(err))

	_, err = f.registry.resolveTask(ctx, "ab", "")
	assert.True(t, gerrors.IsValidation(err))
}

func TestSearchEmptyQueryReturnsEmpty(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	sess := f.seedSession(t, "ext-1", nil)

	_, err := f.registry.Call(ctx, "artifacts", "save_artifact", sess.ID, map[string]any{
		"content": "diff --git a/main.go b/main.go",
	})
	require.NoError(t, err)

	out, err := f.registry.Call(ctx, "search", "search_artifacts", "", map[string]any{
		"query": "   ",
	})
	require.NoError(t, err)
	assert.Empty(t, out.([]*store.Artifact))

	hits, err := f.registry.Call(ctx, "search", "search_artifacts", "", map[string]any{
		"query": "main",
	})
	require.NoError(t, err)
	assert.Len(t, hits.([]*store.Artifact), 1)
}

func TestMessagingLineage(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	parent := f.seedSession(t, "ext-parent", nil)
	activeChild := f.seedSession(t, "ext-child-a", func(s *store.Session) {
		s.ParentSessionID = parent.ID
		s.AgentDepth = 1
	})
	f.seedSession(t, "ext-child-b", func(s *store.Session) {
		s.ParentSessionID = parent.ID
		s.AgentDepth = 1
		s.Status = store.SessionPaused
	})
	stranger := f.seedSession(t, "ext-stranger", nil)

	// A root session has no parent to message.
	_, err := f.registry.Call(ctx, "messaging", "send_to_parent", parent.ID, map[string]any{
		"content": "hello",
	})
	assert.True(t, gerrors.IsInvalidState(err))

	// Children reach their direct parent.
	out, err := f.registry.Call(ctx, "messaging", "send_to_parent", activeChild.ID, map[string]any{
		"content": "done with the subtask",
	})
	require.NoError(t, err)
	assert.Equal(t, parent.ID, out.(map[string]any)["to"])

	// A session that is not a direct child is rejected.
	_, err = f.registry.Call(ctx, "messaging", "send_to_child", parent.ID, map[string]any{
		"child_session_id": stranger.ID,
		"content":          "nope",
	})
	assert.True(t, gerrors.IsValidation(err))

	// Broadcast hits the active child and skips the paused one.
	counts, err := f.registry.Call(ctx, "messaging", "broadcast_to_children", parent.ID, map[string]any{
		"content": "wrap up",
	})
	require.NoError(t, err)
	assert.Equal(t, 1, counts.(map[string]any)["sent"])
	assert.Equal(t, 1, counts.(map[string]any)["skipped"])

	inbox, err := f.registry.Call(ctx, "messaging", "check_inbox", activeChild.ID, map[string]any{})
	require.NoError(t, err)
	assert.Len(t, inbox.([]*store.SessionMessage), 1)
}

func TestActivityRecordedIntoWorkflowVariables(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	sess := f.seedSession(t, "ext-wf", nil)

	require.NoError(t, os.WriteFile(filepath.Join(f.wfDir, "track.yaml"), []byte(`
name: track
steps:
  - name: work
`), 0o644))
	_, _, err := f.engine.Activate(ctx, "track", sess.ID, nil, "", false)
	require.NoError(t, err)

	_, err = f.registry.Call(ctx, "memories", "save_memory", sess.ID, map[string]any{
		"content": "prefer table-driven tests",
	})
	require.NoError(t, err)

	// A failing call lands in mcp_failures instead of mcp_results.
	_, err = f.registry.Call(ctx, "tasks", "get_task", sess.ID, map[string]any{
		"task_id": "#99",
	})
	require.Error(t, err)

	state, err := f.store.GetWorkflowState(ctx, sess.ID, "track")
	require.NoError(t, err)

	calls := state.Variables[expression.VarMCPCalls].(map[string]any)
	assert.Contains(t, calls["memories"], "save_memory")
	assert.Contains(t, calls["tasks"], "get_task")

	results := state.Variables[expression.VarMCPResults].(map[string]any)
	saved := results["memories"].(map[string]any)["save_memory"].(map[string]any)
	assert.Equal(t, "prefer table-driven tests", saved["content"])

	failures := state.Variables[expression.VarMCPFailures].(map[string]any)
	assert.Contains(t, failures["tasks"].(map[string]any)["get_task"], "not found")
}

type fakeLauncher struct {
	st *store.Store
}

func (f *fakeLauncher) Launch(ctx context.Context, name string, inputs map[string]any, sessionID string) (*store.PipelineExecution, error) {
	exec, err := f.st.CreatePipelineExecution(ctx, &store.PipelineExecution{
		PipelineName: name,
		SessionID:    sessionID,
		Inputs:       inputs,
	})
	if err != nil {
		return nil, err
	}
	exec.Status = store.PipelineWaitingApproval
	exec.ResumeToken = "resume-tok-1"
	if err := f.st.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := f.st.PutStepExecution(ctx, &store.StepExecution{
		ExecutionID:   exec.ID,
		StepID:        "deploy",
		Status:        store.StepWaitingApproval,
		ApprovalToken: "approval-tok-1",
	}); err != nil {
		return nil, err
	}
	return f.st.GetPipelineExecution(ctx, exec.ID)
}

func (f *fakeLauncher) Resume(ctx context.Context, token string, approved bool) (*store.PipelineExecution, error) {
	exec, err := f.st.GetExecutionByResumeToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if approved {
		exec.Status = store.PipelineCompleted
	} else {
		exec.Status = store.PipelineFailed
	}
	exec.ResumeToken = ""
	if err := f.st.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}
	return exec, nil
}

func TestRunPipelineReturnsApprovalPayload(t *testing.T) {
	f := newFixture(t, Deps{})
	f.registry.deps.Pipelines = &fakeLauncher{st: f.store}
	ctx := context.Background()

	out, err := f.registry.Call(ctx, "pipelines", "run_pipeline", "", map[string]any{
		"pipeline": "release",
	})
	require.NoError(t, err)
	payload := out.(map[string]any)
	assert.Equal(t, true, payload["needs_approval"])
	assert.Equal(t, "resume-tok-1", payload["resume_token"])
	assert.Equal(t, "deploy", payload["waiting_step"])
	assert.Equal(t, "approval-tok-1", payload["approval_token"])

	resumed, err := f.registry.Call(ctx, "pipelines", "resume_pipeline", "", map[string]any{
		"resume_token": "resume-tok-1",
		"decision":     "approved",
	})
	require.NoError(t, err)
	exec := resumed.(map[string]any)["execution"].(*store.PipelineExecution)
	assert.Equal(t, store.PipelineCompleted, exec.Status)

	_, err = f.registry.Call(ctx, "pipelines", "resume_pipeline", "", map[string]any{
		"resume_token": "resume-tok-1",
		"decision":     "maybe",
	})
	assert.True(t, gerrors.IsValidation(err))
}

func TestMissingComponentsReportInvalidState(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	sess := f.seedSession(t, "ext-1", nil)

	_, err := f.registry.Call(ctx, "agents", "spawn_agent", sess.ID, map[string]any{
		"prompt": "do the thing",
	})
	assert.True(t, gerrors.IsInvalidState(err))

	_, err = f.registry.Call(ctx, "worktrees", "create_worktree", sess.ID, map[string]any{
		"branch": "feat/x",
	})
	assert.True(t, gerrors.IsInvalidState(err))
}

func TestUnknownServerAndTool(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()

	_, err := f.registry.Call(ctx, "nope", "anything", "", nil)
	assert.True(t, gerrors.IsNotFound(err))

	_, err = f.registry.Call(ctx, "tasks", "no_such_tool", "", nil)
	assert.True(t, gerrors.IsNotFound(err))
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	f := newFixture(t, Deps{})
	srv, err := f.registry.Server("tasks")
	require.NoError(t, err)
	srv.add(&Tool{
		Name:        "explode",
		InputSchema: schema(nil, nil),
		Handler: func(context.Context, *Call) (any, error) {
			panic("boom")
		},
	})

	_, err = f.registry.Call(context.Background(), "tasks", "explode", "", nil)
	require.Error(t, err)
	assert.True(t, gerrors.IsInternal(err))
}

func TestWorkflowToolsDriveEngine(t *testing.T) {
	f := newFixture(t, Deps{})
	ctx := context.Background()
	sess := f.seedSession(t, "ext-wf2", nil)

	require.NoError(t, os.WriteFile(filepath.Join(f.wfDir, "review.yaml"), []byte(`
name: review
description: gated review flow
steps:
  - name: plan
  - name: execute
`), 0o644))

	out, err := f.registry.Call(ctx, "workflows", "activate_workflow", sess.ID, map[string]any{
		"workflow": "review",
	})
	require.NoError(t, err)
	assert.Equal(t, false, out.(map[string]any)["resumed"])

	moved, err := f.registry.Call(ctx, "workflows", "transition_workflow", sess.ID, map[string]any{
		"workflow": "review", "to": "execute",
	})
	require.NoError(t, err)
	assert.Equal(t, "execute", moved.(*store.WorkflowState).CurrentStep)

	listed, err := f.registry.Call(ctx, "workflows", "list_workflows", "", nil)
	require.NoError(t, err)
	defs := listed.([]map[string]any)
	require.Len(t, defs, 1)
	assert.Equal(t, "review", defs[0]["name"])

	_, err = f.registry.Call(ctx, "workflows", "end_workflow", sess.ID, map[string]any{
		"workflow": "review",
	})
	require.NoError(t, err)
	states, err := f.store.ListWorkflowStates(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, states)
}
