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

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestSession(t *testing.T, s *Store, externalID string) *Session {
	t.Helper()
	sess, err := s.UpsertSession(context.Background(), &Session{
		ExternalID: externalID,
		MachineID:  "m1",
		Source:     "vendor-a",
	})
	require.NoError(t, err)
	return sess
}

func TestMigrationsAreIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gobby.db")
	s1, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	// Re-open runs migrate again over the same file.
	s2, err := Open(Config{Path: path}, nil)
	require.NoError(t, err)
	require.NoError(t, s2.Close())
}

func TestSessionUpsertAndFindCurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.UpsertSession(ctx, &Session{
		ExternalID: "X", MachineID: "M", Source: "vendor-a", Cwd: "/tmp/p",
	})
	require.NoError(t, err)
	assert.Equal(t, SessionActive, created.Status)
	assert.Equal(t, 1, created.Ordinal)
	assert.Equal(t, 0, created.AgentDepth)

	found, err := s.FindCurrent(ctx, "X", "M", "vendor-a")
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)

	// Upsert with the same composite key updates, not duplicates.
	again, err := s.UpsertSession(ctx, &Session{
		ExternalID: "X", MachineID: "M", Source: "vendor-a", Cwd: "/tmp/q",
	})
	require.NoError(t, err)
	assert.Equal(t, created.ID, again.ID)
	assert.Equal(t, "/tmp/q", again.Cwd)

	// Ordinals increment per scope.
	second, err := s.UpsertSession(ctx, &Session{
		ExternalID: "Y", MachineID: "M", Source: "vendor-a",
	})
	require.NoError(t, err)
	assert.Equal(t, 2, second.Ordinal)
}

func TestSessionStatusAndExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "exp-1")

	require.NoError(t, s.SetSessionStatus(ctx, sess.ID, SessionPaused))
	got, err := s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionPaused, got.Status)

	ids, err := s.ExpireIdleSessions(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Contains(t, ids, sess.ID)

	got, err = s.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionExpired, got.Status)
}

func TestClaimTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s1 := newTestSession(t, s, "c1")
	s2 := newTestSession(t, s, "c2")

	task, err := s.CreateTask(ctx, &Task{Title: "implement parser"})
	require.NoError(t, err)

	claimed, err := s.ClaimTask(ctx, task.ID, s1.ID, false)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, claimed.Assignee)
	assert.Equal(t, TaskInProgress, claimed.Status)

	// Same-session re-claim is a no-op success.
	_, err = s.ClaimTask(ctx, task.ID, s1.ID, false)
	require.NoError(t, err)

	// Another session loses and sees the holder.
	_, err = s.ClaimTask(ctx, task.ID, s2.ID, false)
	require.Error(t, err)
	var conflict *gerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, s1.ID, conflict.Holder)

	// force takes it over.
	forced, err := s.ClaimTask(ctx, task.ID, s2.ID, true)
	require.NoError(t, err)
	assert.Equal(t, s2.ID, forced.Assignee)
}

func TestCloseTaskRequiresClosedSubtasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	parent, err := s.CreateTask(ctx, &Task{Title: "epic"})
	require.NoError(t, err)
	child, err := s.CreateTask(ctx, &Task{Title: "subtask", ParentTaskID: parent.ID})
	require.NoError(t, err)

	err = s.CloseTask(ctx, parent.ID)
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))

	require.NoError(t, s.CloseTask(ctx, child.ID))
	require.NoError(t, s.CloseTask(ctx, parent.ID))

	complete, err := s.TaskTreeComplete(ctx, parent.ID, false)
	require.NoError(t, err)
	assert.True(t, complete)
}

func TestTaskDependencyCycleRejected(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a, err := s.CreateTask(ctx, &Task{Title: "a"})
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, &Task{Title: "b"})
	require.NoError(t, err)

	require.NoError(t, s.AddTaskDependency(ctx, a.ID, b.ID, "blocks"))
	err = s.AddTaskDependency(ctx, b.ID, a.ID, "blocks")
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))

	err = s.AddTaskDependency(ctx, a.ID, a.ID, "blocks")
	require.Error(t, err)
}

func TestSearchTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.CreateTask(ctx, &Task{Title: "fix websocket reconnect"})
	require.NoError(t, err)
	_, err = s.CreateTask(ctx, &Task{Title: "add sqlite index", Description: "performance"})
	require.NoError(t, err)

	// Empty query returns empty, not everything.
	results, err := s.SearchTasks(ctx, "  ", TaskSearchFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.SearchTasks(ctx, "websocket", TaskSearchFilter{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "fix websocket reconnect", results[0].Title)

	// Status filter applies after the FTS match.
	results, err = s.SearchTasks(ctx, "websocket", TaskSearchFilter{Status: TaskClosed})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestArtifactsSearchAndClassification(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "art-1")

	a, err := s.CreateArtifact(ctx, &Artifact{
		SessionID: sess.ID,
		Content:   "diff --git a/main.go b/main.go",
		Tags:      []string{"refactor"},
	})
	require.NoError(t, err)
	assert.Equal(t, "diff", a.ArtifactType)
	assert.Equal(t, []string{"refactor"}, a.Tags)

	results, err := s.SearchArtifacts(ctx, "main", ArtifactFilter{SessionID: sess.ID})
	require.NoError(t, err)
	require.Len(t, results, 1)

	results, err = s.SearchArtifacts(ctx, "main", ArtifactFilter{Tag: "nonexistent"})
	require.NoError(t, err)
	assert.Empty(t, results)

	results, err = s.SearchArtifacts(ctx, "", ArtifactFilter{})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMemoryDedupByContentHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	m1, err := s.CreateMemory(ctx, &Memory{Content: "prefer table-driven tests"})
	require.NoError(t, err)
	m2, err := s.CreateMemory(ctx, &Memory{Content: "prefer table-driven tests"})
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)

	memories, err := s.ListMemories(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, memories, 1)
}

func TestSkillUpsertIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sk1, err := s.UpsertSkill(ctx, &Skill{Name: "review", Content: "check error paths"})
	require.NoError(t, err)
	sk2, err := s.UpsertSkill(ctx, &Skill{Name: "review", Content: "check error paths"})
	require.NoError(t, err)
	assert.Equal(t, sk1.ID, sk2.ID)
	assert.Equal(t, sk1.UpdatedAt, sk2.UpdatedAt)

	sk3, err := s.UpsertSkill(ctx, &Skill{Name: "review", Content: "check error paths twice"})
	require.NoError(t, err)
	assert.Equal(t, sk1.ID, sk3.ID)
	assert.NotEqual(t, sk1.ContentHash, sk3.ContentHash)
}

func TestWorktreeClaim(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	s1 := newTestSession(t, s, "wt-1")
	s2 := newTestSession(t, s, "wt-2")

	proj, err := s.UpsertProject(ctx, &Project{Name: "p", RepoPath: "/tmp/repo"})
	require.NoError(t, err)

	wt, err := s.CreateWorktree(ctx, &Worktree{
		ProjectID: proj.ID, BranchName: "feat/x", BaseBranch: "main",
		WorktreePath: "/tmp/wt/feat-x",
	})
	require.NoError(t, err)

	require.NoError(t, s.ClaimWorktree(ctx, wt.ID, s1.ID))
	// Idempotent re-claim by the same session.
	require.NoError(t, s.ClaimWorktree(ctx, wt.ID, s1.ID))

	err = s.ClaimWorktree(ctx, wt.ID, s2.ID)
	require.Error(t, err)
	var conflict *gerrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, s1.ID, conflict.Holder)

	require.NoError(t, s.ReleaseWorktree(ctx, wt.ID))
	require.NoError(t, s.ClaimWorktree(ctx, wt.ID, s2.ID))
}

func TestPipelineExecutionRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec, err := s.CreatePipelineExecution(ctx, &PipelineExecution{
		PipelineName: "deploy",
		Inputs:       map[string]any{"env": "staging"},
	})
	require.NoError(t, err)
	assert.Equal(t, PipelinePending, exec.Status)

	exec.Status = PipelineWaitingApproval
	exec.ResumeToken = "tok-123"
	require.NoError(t, s.UpdatePipelineExecution(ctx, exec))

	byToken, err := s.GetExecutionByResumeToken(ctx, "tok-123")
	require.NoError(t, err)
	assert.Equal(t, exec.ID, byToken.ID)
	assert.Equal(t, "staging", byToken.Inputs["env"])

	require.NoError(t, s.PutStepExecution(ctx, &StepExecution{
		ExecutionID: exec.ID, StepID: "build", Status: StepCompleted,
		Output: map[string]any{"output": "ok"},
	}))
	steps, err := s.ListStepExecutions(ctx, exec.ID)
	require.NoError(t, err)
	require.Len(t, steps, 1)
	assert.Equal(t, StepCompleted, steps[0].Status)
}

func TestWorkflowStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newTestSession(t, s, "wf-1")

	w := &WorkflowState{
		SessionID:    sess.ID,
		WorkflowName: "plan-execute",
		Kind:         "step",
		Enabled:      true,
		CurrentStep:  "plan",
		Variables:    map[string]any{"retries": float64(2)},
	}
	w.StepEnteredAt = time.Now().UTC()
	require.NoError(t, s.PutWorkflowState(ctx, w))

	got, err := s.GetWorkflowState(ctx, sess.ID, "plan-execute")
	require.NoError(t, err)
	assert.Equal(t, "plan", got.CurrentStep)
	assert.Equal(t, float64(2), got.Variables["retries"])
	assert.True(t, got.Enabled)

	require.NoError(t, s.DeleteWorkflowState(ctx, sess.ID, "plan-execute"))
	_, err = s.GetWorkflowState(ctx, sess.ID, "plan-execute")
	assert.True(t, gerrors.IsNotFound(err))
}

func TestChangeListenersFireAfterCommit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var changes []Change
	s.Subscribe("tasks", func(ch Change) { changes = append(changes, ch) })

	task, err := s.CreateTask(ctx, &Task{Title: "observed"})
	require.NoError(t, err)

	require.Len(t, changes, 1)
	assert.Equal(t, OpInsert, changes[0].Op)
	assert.Equal(t, task.ID, changes[0].ID)
}

func TestStaleRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := newTestSession(t, s, "run-parent")

	child := &Session{
		ExternalID: "run-child", MachineID: "m1", Source: "vendor-a",
		ParentSessionID: parent.ID, AgentDepth: 1,
	}
	run := &AgentRun{
		ParentSessionID: parent.ID, Prompt: "do the thing",
		Mode: ModeHeadless, TimeoutMinutes: 30,
	}
	require.NoError(t, s.CreateChildSessionAndRun(ctx, child, run))

	// Not yet stale.
	stale, err := s.StaleRuns(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Empty(t, stale)

	// Pending past the cutoff.
	stale, err = s.StaleRuns(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, run.ID, stale[0].ID)

	require.NoError(t, s.MarkRunStarted(ctx, run.ID))
	require.NoError(t, s.CompleteRun(ctx, run.ID, RunSuccess, "done", ""))
	got, err := s.GetAgentRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, RunSuccess, got.Status)
	assert.False(t, got.CompletedAt.IsZero())

	// Terminal runs reject further transitions.
	err = s.CompleteRun(ctx, run.ID, RunError, "", "late")
	assert.True(t, gerrors.IsInvalidState(err))
}

func TestMailboxAndStopSignals(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	parent := newTestSession(t, s, "mb-parent")
	child := newTestSession(t, s, "mb-child")

	_, err := s.SendSessionMessage(ctx, &SessionMessage{
		FromSessionID: parent.ID, ToSessionID: child.ID,
		Content: "wrap up", Priority: "urgent",
	})
	require.NoError(t, err)
	_, err = s.SendSessionMessage(ctx, &SessionMessage{
		FromSessionID: parent.ID, ToSessionID: child.ID, Content: "fyi",
	})
	require.NoError(t, err)

	inbox, err := s.Inbox(ctx, child.ID)
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "urgent", inbox[0].Priority)

	require.NoError(t, s.MarkMessageRead(ctx, inbox[0].ID))
	inbox, err = s.Inbox(ctx, child.ID)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)

	has, err := s.HasStopSignal(ctx, child.ID)
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, s.SetStopSignal(ctx, child.ID, "user requested"))
	has, err = s.HasStopSignal(ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, has)
	require.NoError(t, s.ClearStopSignal(ctx, child.ID))
}
