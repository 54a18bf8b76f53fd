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

package workflow

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

type engineFixture struct {
	engine  *Engine
	store   *store.Store
	bus     *bus.Bus
	session *store.Session
	dir     string
}

func newEngineFixture(t *testing.T, cfg Config) *engineFixture {
	t.Helper()
	s, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	b := bus.New()
	reg := session.NewRegistry(s, b, nil)
	dir := t.TempDir()
	engine := New(s, NewLoader(dir), reg, b, nil, cfg)

	sess, err := reg.Register(context.Background(), session.RegisterInput{
		ExternalID: "ext", MachineID: "m1", Source: "vendor-a",
	})
	require.NoError(t, err)

	return &engineFixture{engine: engine, store: s, bus: b, session: sess, dir: dir}
}

func (f *engineFixture) write(t *testing.T, name, body string) {
	t.Helper()
	writeWorkflow(t, f.dir, name, body)
	f.engine.loader.Invalidate()
}

func (f *engineFixture) event(eventType bus.EventType, data map[string]any) *hook.Event {
	return &hook.Event{
		Type:      eventType,
		SessionID: f.session.ID,
		Source:    "vendor-a",
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

const planExecute = `
name: plan-execute
steps:
  - name: plan
    blocked_tools: [Bash]
    transitions:
      - {when: "variables.plan_done", to: execute}
  - name: execute
    allowed_tools: all
`

func TestActivateIdempotence(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)
	ctx := context.Background()

	state, resumed, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.NoError(t, err)
	assert.False(t, resumed)
	assert.Equal(t, "plan", state.CurrentStep)
	assert.True(t, state.Enabled)

	again, resumed, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", true)
	require.NoError(t, err)
	assert.True(t, resumed)
	assert.Equal(t, state.CurrentStep, again.CurrentStep)

	_, _, err = f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))
}

func TestActivateSecondStepWorkflowRejected(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)
	f.write(t, "review-loop", `
name: review-loop
steps:
  - name: review
`)
	ctx := context.Background()

	_, _, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.NoError(t, err)

	_, _, err = f.engine.Activate(ctx, "review-loop", f.session.ID, nil, "", false)
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))
	assert.Contains(t, err.Error(), "plan-execute")

	require.NoError(t, f.engine.End(ctx, "plan-execute", f.session.ID))
	_, _, err = f.engine.Activate(ctx, "review-loop", f.session.ID, nil, "", false)
	require.NoError(t, err)
}

func TestArchiveSessionActionReachesArchived(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "wrap-up", `
name: wrap-up
steps:
  - name: finish
    on_enter:
      - action: archive_session
`)
	ctx := context.Background()

	_, _, err := f.engine.Activate(ctx, "wrap-up", f.session.ID, nil, "", false)
	require.NoError(t, err)

	sess, err := f.store.GetSession(ctx, f.session.ID)
	require.NoError(t, err)
	assert.Equal(t, store.SessionArchived, sess.Status)
}

func TestActivateUnknownInitialStep(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)

	_, _, err := f.engine.Activate(context.Background(), "plan-execute", f.session.ID, nil, "bogus", false)
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
}

func TestActivateRejectsLifecycle(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "lc", `
name: lc
kind: lifecycle
triggers:
  on_session_start:
    - action: set_variable
      name: seen
      value: true
`)
	_, _, err := f.engine.Activate(context.Background(), "lc", f.session.ID, nil, "", false)
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))

	err = f.engine.End(context.Background(), "lc", f.session.ID)
	require.Error(t, err) // no state yet -> not found
}

func TestToolGating(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)
	ctx := context.Background()

	_, _, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.NoError(t, err)

	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Bash"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Deny, resp.Decision)
	assert.Contains(t, resp.Reason, "blocked in step 'plan'")

	resp, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Read"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)
}

func TestAllowedToolsWhitelist(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "narrow", `
name: narrow
steps:
  - name: read-only
    allowed_tools: [Read, "mcp__gobby__*"]
`)
	ctx := context.Background()
	_, _, err := f.engine.Activate(ctx, "narrow", f.session.ID, nil, "", false)
	require.NoError(t, err)

	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Edit"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Deny, resp.Decision)

	resp, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Read"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)

	// Glob patterns match tool families.
	resp, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "mcp__gobby__list_tasks"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)
}

func TestTransitionResetsCounters(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)
	ctx := context.Background()

	state, _, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.NoError(t, err)
	entered := state.StepEnteredAt

	// Tool results bump counters.
	_, err = f.engine.HandleEvent(ctx, f.event(bus.AfterTool, map[string]any{"tool_name": "Read"}))
	require.NoError(t, err)
	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "plan-execute")
	require.NoError(t, err)
	assert.Equal(t, 1, state.StepActionCount)
	assert.Equal(t, 1, state.TotalActionCount)

	// Setting the variable triggers the transition on the next event.
	state.Variables["plan_done"] = true
	require.NoError(t, f.store.PutWorkflowState(ctx, state))

	time.Sleep(2 * time.Millisecond)
	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, nil))
	require.NoError(t, err)

	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "plan-execute")
	require.NoError(t, err)
	assert.Equal(t, "execute", state.CurrentStep)
	assert.Equal(t, 0, state.StepActionCount)
	assert.Equal(t, 1, state.TotalActionCount)
	assert.False(t, state.ContextInjected)
	assert.True(t, state.StepEnteredAt.After(entered))
}

func TestExitConditionsAdvanceAndEnd(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "linear", `
name: linear
steps:
  - name: first
    exit_conditions: ["variables.first_done"]
  - name: last
    exit_conditions: ["variables.last_done"]
`)
	ctx := context.Background()
	state, _, err := f.engine.Activate(ctx, "linear", f.session.ID, nil, "", false)
	require.NoError(t, err)

	state.Variables["first_done"] = true
	require.NoError(t, f.store.PutWorkflowState(ctx, state))
	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, nil))
	require.NoError(t, err)

	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "linear")
	require.NoError(t, err)
	assert.Equal(t, "last", state.CurrentStep)

	// Exiting the final step ends the workflow.
	state.Variables["last_done"] = true
	require.NoError(t, f.store.PutWorkflowState(ctx, state))
	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, nil))
	require.NoError(t, err)

	_, err = f.store.GetWorkflowState(ctx, f.session.ID, "linear")
	assert.True(t, gerrors.IsNotFound(err))
}

func TestRuleBlock(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "guarded", `
name: guarded
steps:
  - name: only
    rules:
      - when: 'tool_name == "Write"'
        do: block
        reason: writing is not allowed yet
`)
	ctx := context.Background()
	_, _, err := f.engine.Activate(ctx, "guarded", f.session.ID, nil, "", false)
	require.NoError(t, err)

	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Write"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Deny, resp.Decision)
	assert.Equal(t, "writing is not allowed yet", resp.Reason)
}

func TestApprovalFlow(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "gated", `
name: gated
steps:
  - name: deploy
    rules:
      - id: deploy
        when: 'tool_name == "Bash"'
        do: require_approval
        prompt: Deploy to production?
`)
	ctx := context.Background()
	_, _, err := f.engine.Activate(ctx, "gated", f.session.ID, nil, "", false)
	require.NoError(t, err)

	// First matching event blocks and records the pending approval.
	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Bash"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Block, resp.Decision)
	assert.Equal(t, "Deploy to production?", resp.Reason)

	state, err := f.store.GetWorkflowState(ctx, f.session.ID, "gated")
	require.NoError(t, err)
	assert.True(t, state.ApprovalPending)
	assert.Equal(t, "deploy", state.ApprovalID)
	assert.False(t, state.ApprovalDeadline.IsZero())

	// The next before_agent prompt with an affirmative token grants it.
	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, map[string]any{"prompt": "yes, go"}))
	require.NoError(t, err)

	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "gated")
	require.NoError(t, err)
	assert.False(t, state.ApprovalPending)
	assert.Equal(t, true, state.Variables["_approval_deploy_granted"])

	// With the grant recorded the rule no longer fires.
	resp, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Bash"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)
}

func TestApprovalDeadlineAutoRejects(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "gated", `
name: gated
steps:
  - name: deploy
    rules:
      - id: deploy
        when: 'tool_name == "Bash"'
        do: require_approval
        prompt: Sure?
`)
	ctx := context.Background()
	_, _, err := f.engine.Activate(ctx, "gated", f.session.ID, nil, "", false)
	require.NoError(t, err)

	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Bash"}))
	require.NoError(t, err)

	// Force the deadline into the past.
	state, err := f.store.GetWorkflowState(ctx, f.session.ID, "gated")
	require.NoError(t, err)
	state.ApprovalDeadline = time.Now().Add(-time.Minute)
	require.NoError(t, f.store.PutWorkflowState(ctx, state))

	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, map[string]any{"prompt": "anything"}))
	require.NoError(t, err)

	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "gated")
	require.NoError(t, err)
	assert.False(t, state.ApprovalPending)
	assert.Equal(t, true, state.Variables["_approval_deploy_rejected"])
}

func TestManualTransitionGating(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "plan-execute", planExecute)
	ctx := context.Background()

	_, _, err := f.engine.Activate(ctx, "plan-execute", f.session.ID, nil, "", false)
	require.NoError(t, err)

	// execute is the target of a condition-gated transition.
	err = f.engine.ManualTransition(ctx, f.session.ID, "plan-execute", "execute", false)
	require.Error(t, err)
	assert.True(t, gerrors.IsInvalidState(err))

	require.NoError(t, f.engine.ManualTransition(ctx, f.session.ID, "plan-execute", "execute", true))
	state, err := f.store.GetWorkflowState(ctx, f.session.ID, "plan-execute")
	require.NoError(t, err)
	assert.Equal(t, "execute", state.CurrentStep)

	err = f.engine.ManualTransition(ctx, f.session.ID, "plan-execute", "nowhere", true)
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
}

func TestStuckDetection(t *testing.T) {
	f := newEngineFixture(t, Config{StuckStepTimeout: time.Minute})
	f.write(t, "stuckable", `
name: stuckable
steps:
  - name: work
  - name: reflect
`)
	ctx := context.Background()
	state, _, err := f.engine.Activate(ctx, "stuckable", f.session.ID, nil, "", false)
	require.NoError(t, err)

	state.StepEnteredAt = time.Now().Add(-2 * time.Minute)
	require.NoError(t, f.store.PutWorkflowState(ctx, state))

	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, nil))
	require.NoError(t, err)
	assert.Equal(t, hook.Modify, resp.Decision)
	assert.Contains(t, resp.SystemMessage, "reflect")

	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "stuckable")
	require.NoError(t, err)
	assert.Equal(t, "reflect", state.CurrentStep)
}

func TestLifecycleAutoActivationAndContextInjection(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "reminder", `
name: reminder
kind: lifecycle
triggers:
  on_prompt_submit:
    - action: inject_context
      text: remember to run the tests
`)
	ctx := context.Background()

	resp, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeAgent, map[string]any{"prompt": "do stuff"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Modify, resp.Decision)
	assert.Equal(t, "remember to run the tests", resp.Context)

	// The trigger created a state row without manual activation.
	state, err := f.store.GetWorkflowState(ctx, f.session.ID, "reminder")
	require.NoError(t, err)
	assert.Equal(t, string(KindLifecycle), state.Kind)
}

func TestLifecycleGatedAction(t *testing.T) {
	f := newEngineFixture(t, Config{})
	f.write(t, "counter", `
name: counter
kind: lifecycle
triggers:
  on_before_tool:
    - action: set_variable
      when: 'tool_name == "Bash"'
      name: saw_bash
      value: true
`)
	ctx := context.Background()

	_, err := f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Read"}))
	require.NoError(t, err)
	state, err := f.store.GetWorkflowState(ctx, f.session.ID, "counter")
	require.NoError(t, err)
	assert.Nil(t, state.Variables["saw_bash"])

	_, err = f.engine.HandleEvent(ctx, f.event(bus.BeforeTool, map[string]any{"tool_name": "Bash"}))
	require.NoError(t, err)
	state, err = f.store.GetWorkflowState(ctx, f.session.ID, "counter")
	require.NoError(t, err)
	assert.Equal(t, true, state.Variables["saw_bash"])
}

func TestActionPanicDoesNotPropagate(t *testing.T) {
	f := newEngineFixture(t, Config{})
	require.NoError(t, f.engine.Actions().Register("explode", func(context.Context, *ActionInput) (*ActionResult, error) {
		panic("boom")
	}))
	f.write(t, "volatile", `
name: volatile
kind: lifecycle
triggers:
  on_before_tool:
    - action: explode
`)
	resp, err := f.engine.HandleEvent(context.Background(),
		f.event(bus.BeforeTool, map[string]any{"tool_name": "Read"}))
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)
}

func TestEventWithoutSessionIsIgnored(t *testing.T) {
	f := newEngineFixture(t, Config{})
	resp, err := f.engine.HandleEvent(context.Background(), &hook.Event{Type: bus.BeforeTool})
	require.NoError(t, err)
	assert.Equal(t, hook.Allow, resp.Decision)
}
