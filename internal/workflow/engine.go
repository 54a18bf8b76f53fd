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
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/expression"
	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Config tunes engine behavior.
type Config struct {
	// StuckStepTimeout forces a transition to a recovery step when a
	// session lingers in one step too long. Zero disables.
	StuckStepTimeout time.Duration
	// ApprovalDeadline is the default window for require_approval rules.
	ApprovalDeadline time.Duration
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		StuckStepTimeout: 30 * time.Minute,
		ApprovalDeadline: 10 * time.Minute,
	}
}

// recoverySteps are tried in order by stuck detection.
var recoverySteps = []string{"reflect", "recover"}

// Engine runs step machines and lifecycle trigger sets for sessions.
// Events for the same session are processed strictly one at a time.
type Engine struct {
	store    *store.Store
	loader   *Loader
	sessions *session.Registry
	eval     *expression.Evaluator
	helpers  *expression.Helpers
	actions  *ActionRegistry
	bus      *bus.Bus
	logger   *slog.Logger
	cfg      Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an engine and installs the built-in actions.
func New(s *store.Store, loader *Loader, sessions *session.Registry, b *bus.Bus, logger *slog.Logger, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StuckStepTimeout == 0 {
		cfg.StuckStepTimeout = DefaultConfig().StuckStepTimeout
	}
	if cfg.ApprovalDeadline == 0 {
		cfg.ApprovalDeadline = DefaultConfig().ApprovalDeadline
	}
	e := &Engine{
		store:    s,
		loader:   loader,
		sessions: sessions,
		eval:     expression.New(),
		helpers:  expression.NewHelpers(s),
		actions:  NewActionRegistry(),
		bus:      b,
		logger:   log.WithComponent(logger, "workflow"),
		cfg:      cfg,
	}
	e.registerBuiltins()
	return e
}

// Actions exposes the registry so daemon wiring can add component-backed
// actions.
func (e *Engine) Actions() *ActionRegistry { return e.actions }

// Evaluator exposes the expression evaluator for plugin predicates.
func (e *Engine) Evaluator() *expression.Evaluator { return e.eval }

// Definitions exposes the loader for surfaces that list or inspect
// workflow definitions.
func (e *Engine) Definitions() *Loader { return e.loader }

// RecordMCPActivity folds one tool-call outcome into every enabled workflow
// state of the session, so conditions can reason about what the agent has
// called and what came back. Held under the session lock to not race hook
// handling.
func (e *Engine) RecordMCPActivity(ctx context.Context, sessionID, server, tool string, result any, callErr error) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	states, err := e.store.ListWorkflowStates(ctx, sessionID)
	if err != nil {
		return err
	}
	for _, state := range states {
		if !state.Enabled {
			continue
		}
		if state.Variables == nil {
			state.Variables = map[string]any{}
		}
		calls, _ := state.Variables[expression.VarMCPCalls].(map[string]any)
		if calls == nil {
			calls = map[string]any{}
		}
		names, _ := calls[server].([]any)
		calls[server] = append(names, tool)
		state.Variables[expression.VarMCPCalls] = calls

		if callErr != nil {
			failures, _ := state.Variables[expression.VarMCPFailures].(map[string]any)
			if failures == nil {
				failures = map[string]any{}
			}
			byTool, _ := failures[server].(map[string]any)
			if byTool == nil {
				byTool = map[string]any{}
			}
			byTool[tool] = callErr.Error()
			failures[server] = byTool
			state.Variables[expression.VarMCPFailures] = failures
		} else {
			results, _ := state.Variables[expression.VarMCPResults].(map[string]any)
			if results == nil {
				results = map[string]any{}
			}
			byTool, _ := results[server].(map[string]any)
			if byTool == nil {
				byTool = map[string]any{}
			}
			byTool[tool] = result
			results[server] = byTool
			state.Variables[expression.VarMCPResults] = results
		}

		if err := e.store.PutWorkflowState(ctx, state); err != nil {
			return err
		}
	}
	return nil
}

// sessionLock returns the mutex serializing one session's events.
func (e *Engine) sessionLock(sessionID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.locks == nil {
		e.locks = make(map[string]*sync.Mutex)
	}
	if _, ok := e.locks[sessionID]; !ok {
		e.locks[sessionID] = &sync.Mutex{}
	}
	return e.locks[sessionID]
}

// Activate binds a step workflow to a session. With resume=true an existing
// binding is returned unchanged; with resume=false an active binding is an
// error. Lifecycle workflows cannot be activated manually.
func (e *Engine) Activate(ctx context.Context, name, sessionID string, vars map[string]any, initialStep string, resume bool) (*store.WorkflowState, bool, error) {
	def, err := e.loader.Get(name)
	if err != nil {
		return nil, false, err
	}
	if def.Kind == KindLifecycle {
		return nil, false, &gerrors.InvalidStateError{
			Resource:    "workflow",
			State:       string(KindLifecycle),
			Message:     fmt.Sprintf("workflow %q is lifecycle-only and auto-activates", name),
			Remediation: "lifecycle workflows run on their triggers; activate a step workflow instead",
		}
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if existing, err := e.store.GetWorkflowState(ctx, sessionID, name); err == nil && existing.Enabled {
		if resume {
			return existing, true, nil
		}
		return nil, false, &gerrors.InvalidStateError{
			Resource:    "workflow",
			State:       "active",
			Message:     fmt.Sprintf("workflow %q is already active on this session", name),
			Remediation: "pass resume=true to reattach, or end the workflow first",
		}
	}

	// One step workflow per session; lifecycle workflows coexist freely.
	states, err := e.store.ListWorkflowStates(ctx, sessionID)
	if err != nil {
		return nil, false, err
	}
	for _, st := range states {
		if st.Enabled && st.Kind == string(KindStep) && st.WorkflowName != name {
			return nil, false, &gerrors.InvalidStateError{
				Resource:    "workflow",
				State:       "active",
				Message:     fmt.Sprintf("step workflow %q is already active on this session", st.WorkflowName),
				Remediation: fmt.Sprintf("end %q before activating %q", st.WorkflowName, name),
			}
		}
	}

	if initialStep == "" {
		initialStep = def.Steps[0].Name
	}
	step := def.Step(initialStep)
	if step == nil {
		return nil, false, &gerrors.ValidationError{
			Field:   "initial_step",
			Message: fmt.Sprintf("unknown step %q in workflow %q", initialStep, name),
		}
	}

	variables := mergeMaps(def.Variables, vars)
	if variables == nil {
		variables = make(map[string]any)
	}
	state := &store.WorkflowState{
		SessionID:     sessionID,
		WorkflowName:  name,
		Kind:          string(def.Kind),
		Enabled:       true,
		CurrentStep:   step.Name,
		StepEnteredAt: time.Now().UTC(),
		Variables:     variables,
		Observations:  []string{},
	}
	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		return nil, false, err
	}

	sess, _ := e.store.GetSession(ctx, sessionID)
	projectID := ""
	if sess != nil {
		projectID = sess.ProjectID
	}
	in := &ActionInput{SessionID: sessionID, ProjectID: projectID, State: state}
	e.runActions(ctx, step.OnEnter, in, e.env(ctx, sessionID, state, nil))
	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		return nil, false, err
	}

	e.bus.Publish(bus.Event{
		Type:      bus.WorkflowActivated,
		SessionID: sessionID,
		ProjectID: projectID,
		Payload:   map[string]any{"workflow": name, "step": step.Name},
	})
	return state, false, nil
}

// End disables and removes a step workflow binding. Lifecycle workflows
// cannot be ended manually.
func (e *Engine) End(ctx context.Context, name, sessionID string) error {
	state, err := e.store.GetWorkflowState(ctx, sessionID, name)
	if err != nil {
		return err
	}
	if state.Kind == string(KindLifecycle) {
		return &gerrors.InvalidStateError{
			Resource: "workflow",
			State:    string(KindLifecycle),
			Message:  fmt.Sprintf("workflow %q is lifecycle-only and cannot be ended manually", name),
		}
	}

	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	return e.endLocked(ctx, name, state)
}

// endLocked finishes a workflow; the caller holds the session lock.
func (e *Engine) endLocked(ctx context.Context, name string, state *store.WorkflowState) error {
	if def, err := e.loader.Get(name); err == nil {
		if step := def.Step(state.CurrentStep); step != nil {
			in := &ActionInput{SessionID: state.SessionID, State: state}
			e.runActions(ctx, step.OnExit, in, e.env(ctx, state.SessionID, state, nil))
		}
	}
	if err := e.store.DeleteWorkflowState(ctx, state.SessionID, name); err != nil {
		return err
	}
	e.bus.Publish(bus.Event{
		Type:      bus.WorkflowEnded,
		SessionID: state.SessionID,
		Payload:   map[string]any{"workflow": name},
	})
	return nil
}

// ManualTransition moves a step workflow to a named step on user request.
// Targets of condition-gated auto-transitions are protected: jumping to one
// requires force, otherwise the gate could be circumvented.
func (e *Engine) ManualTransition(ctx context.Context, sessionID, name, target string, force bool) error {
	lock := e.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	state, err := e.store.GetWorkflowState(ctx, sessionID, name)
	if err != nil {
		return err
	}
	def, err := e.loader.Get(name)
	if err != nil {
		return err
	}
	if def.Step(target) == nil {
		return &gerrors.ValidationError{
			Field:   "step",
			Message: fmt.Sprintf("unknown step %q in workflow %q", target, name),
		}
	}
	if !force && e.isGatedTarget(def, target) {
		return &gerrors.InvalidStateError{
			Resource:    "workflow",
			State:       state.CurrentStep,
			Message:     fmt.Sprintf("step %q is reached by a conditional transition", target),
			Remediation: "satisfy the transition condition, or pass force=true",
		}
	}
	_, err = e.transition(ctx, def, state, target, nil)
	return err
}

// isGatedTarget reports whether any step declares a conditional transition
// aimed at target.
func (e *Engine) isGatedTarget(def *Definition, target string) bool {
	for _, step := range def.Steps {
		for _, tr := range step.Transitions {
			if tr.To == target && tr.When != "" {
				return true
			}
		}
	}
	return false
}

// HandleEvent runs one hook event through every workflow bound to its
// session and returns the folded response. The caller owns fail-open
// downgrading; this method reports errors truthfully.
func (e *Engine) HandleEvent(ctx context.Context, ev *hook.Event) (*hook.Response, error) {
	if ev.SessionID == "" {
		return hook.AllowResponse(), nil
	}

	lock := e.sessionLock(ev.SessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := e.store.GetSession(ctx, ev.SessionID)
	if err != nil {
		return hook.AllowResponse(), nil
	}

	var responses []*hook.Response

	// Lifecycle workflows auto-activate on their first matching trigger.
	lifecycle, err := e.lifecycleDefinitions()
	if err != nil {
		return nil, err
	}
	states, err := e.store.ListWorkflowStates(ctx, ev.SessionID)
	if err != nil {
		return nil, err
	}
	byName := make(map[string]*store.WorkflowState, len(states))
	for _, st := range states {
		byName[st.WorkflowName] = st
	}

	for _, def := range lifecycle {
		specs := def.TriggersFor(ev.Type)
		if len(specs) == 0 {
			continue
		}
		state := byName[def.Name]
		if state == nil {
			state = &store.WorkflowState{
				SessionID:    ev.SessionID,
				WorkflowName: def.Name,
				Kind:         string(KindLifecycle),
				Enabled:      true,
				Variables:    mergeMaps(def.Variables, def.SessionVariables),
				Observations: []string{},
			}
			if state.Variables == nil {
				state.Variables = make(map[string]any)
			}
			if err := e.store.PutWorkflowState(ctx, state); err != nil {
				return nil, err
			}
			byName[def.Name] = state
		}
		if !state.Enabled {
			continue
		}
		in := &ActionInput{SessionID: ev.SessionID, ProjectID: sess.ProjectID, Event: ev, State: state}
		responses = append(responses, e.runActions(ctx, specs, in, e.env(ctx, ev.SessionID, state, ev))...)
		if err := e.store.PutWorkflowState(ctx, state); err != nil {
			return nil, err
		}
	}

	for _, state := range states {
		if !state.Enabled || state.Kind != string(KindStep) {
			continue
		}
		resp, err := e.handleStepEvent(ctx, sess, state, ev)
		if err != nil {
			return nil, err
		}
		responses = append(responses, resp)
	}

	return hook.Combine(responses...), nil
}

// handleStepEvent runs the documented per-event order for one step machine.
func (e *Engine) handleStepEvent(ctx context.Context, sess *store.Session, state *store.WorkflowState, ev *hook.Event) (*hook.Response, error) {
	def, err := e.loader.Get(state.WorkflowName)
	if err != nil {
		e.logger.Warn("workflow definition missing for active state",
			log.WorkflowKey, state.WorkflowName, log.SessionIDKey, state.SessionID)
		return hook.AllowResponse(), nil
	}

	var responses []*hook.Response

	// Stuck detection.
	if e.cfg.StuckStepTimeout > 0 && !state.StepEnteredAt.IsZero() &&
		time.Since(state.StepEnteredAt) > e.cfg.StuckStepTimeout {
		if target := e.recoveryStep(def, state.CurrentStep); target != "" {
			resp, err := e.transition(ctx, def, state, target, ev)
			if err != nil {
				return nil, err
			}
			resp = hook.Combine(resp, &hook.Response{
				Decision: hook.Modify,
				SystemMessage: fmt.Sprintf(
					"Step %q exceeded its time ceiling; moved to %q to reassess.",
					state.CurrentStep, target),
			})
			return resp, nil
		}
	}

	step := def.Step(state.CurrentStep)
	if step == nil {
		return hook.AllowResponse(), nil
	}

	env := e.env(ctx, state.SessionID, state, ev)

	// Pending approval resolves on the next before_agent prompt.
	if state.ApprovalPending && ev.Type == bus.BeforeAgent {
		e.resolveApproval(ctx, state, ev)
		env = e.env(ctx, state.SessionID, state, ev)
	}

	// Tool gating.
	if ev.Type == bus.BeforeTool {
		if resp := e.gateTool(step, state.CurrentStep, ev.ToolName()); resp != nil {
			if err := e.store.PutWorkflowState(ctx, state); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}

	// Rules: first match determines the response.
	for _, rule := range step.Rules {
		ok, err := e.eval.EvaluateBool(rule.When, env)
		if err != nil {
			e.logger.Warn("rule condition failed", log.WorkflowKey, def.Name, "rule", rule.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		resp := e.applyRule(state, rule)
		if resp != nil {
			responses = append(responses, resp)
		}
		break
	}

	// Transitions: first match wins.
	transitioned := false
	for _, tr := range step.Transitions {
		ok, err := e.eval.EvaluateBool(tr.When, env)
		if err != nil {
			e.logger.Warn("transition condition failed", log.WorkflowKey, def.Name, "error", err)
			continue
		}
		if ok {
			resp, err := e.transition(ctx, def, state, tr.To, ev)
			if err != nil {
				return nil, err
			}
			responses = append(responses, resp)
			transitioned = true
			break
		}
	}

	// Exit conditions advance linearly when every one passes.
	if !transitioned && len(step.ExitConditions) > 0 {
		allPass := true
		for _, cond := range step.ExitConditions {
			ok, err := e.eval.EvaluateBool(cond, env)
			if err != nil || !ok {
				allPass = false
				break
			}
		}
		if allPass {
			if next := def.NextStep(step.Name); next != nil {
				resp, err := e.transition(ctx, def, state, next.Name, ev)
				if err != nil {
					return nil, err
				}
				responses = append(responses, resp)
			} else {
				if err := e.endLocked(ctx, def.Name, state); err != nil {
					e.logger.Warn("ending workflow failed", log.WorkflowKey, def.Name, "error", err)
				}
				return hook.Combine(responses...), nil
			}
		}
	}

	// Counters track tool results.
	if ev.Type == bus.AfterTool {
		state.StepActionCount++
		state.TotalActionCount++
	}

	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		return nil, err
	}
	return hook.Combine(responses...), nil
}

// gateTool applies blocked_tools then the allowed_tools whitelist.
func (e *Engine) gateTool(step *StepDefinition, stepName, tool string) *hook.Response {
	if tool == "" {
		return nil
	}
	for _, blocked := range step.BlockedTools {
		if matchTool(blocked, tool) {
			return &hook.Response{
				Decision: hook.Deny,
				Reason:   fmt.Sprintf("tool %q is blocked in step '%s'", tool, stepName),
			}
		}
	}
	if !step.AllowedTools.IsZero() && !step.AllowedTools.All {
		for _, allowed := range step.AllowedTools.Names {
			if matchTool(allowed, tool) {
				return nil
			}
		}
		return &hook.Response{
			Decision: hook.Deny,
			Reason:   fmt.Sprintf("tool %q is not in the allowed list for step '%s'", tool, stepName),
		}
	}
	return nil
}

// applyRule turns a matched rule into a response, handling approval
// bookkeeping.
func (e *Engine) applyRule(state *store.WorkflowState, rule Rule) *hook.Response {
	switch rule.Do {
	case RuleBlock:
		return &hook.Response{Decision: hook.Deny, Reason: rule.Reason}
	case RuleWarn:
		return &hook.Response{Decision: hook.Modify, SystemMessage: rule.Reason, Context: rule.Context}
	case RuleModify:
		return &hook.Response{Decision: hook.Modify, Context: rule.Context, Reason: rule.Reason}
	case RuleRequireApproval:
		id := rule.ID
		if id == "" {
			id = uuid.New().String()[:8]
		}
		if expression.Truthy(state.Variables["_approval_"+id+"_granted"]) {
			return nil
		}
		if expression.Truthy(state.Variables["_approval_"+id+"_rejected"]) {
			return &hook.Response{Decision: hook.Deny, Reason: "approval was rejected"}
		}
		deadline := time.Duration(rule.DeadlineMinutes) * time.Minute
		if deadline == 0 {
			deadline = e.cfg.ApprovalDeadline
		}
		state.ApprovalPending = true
		state.ApprovalID = id
		state.ApprovalPrompt = rule.Prompt
		state.ApprovalDeadline = time.Now().UTC().Add(deadline)
		e.bus.Publish(bus.Event{
			Type:      bus.ApprovalRequested,
			SessionID: state.SessionID,
			Payload:   map[string]any{"approval_id": id, "prompt": rule.Prompt},
		})
		prompt := rule.Prompt
		if prompt == "" {
			prompt = "This operation requires approval."
		}
		return &hook.Response{Decision: hook.Block, Reason: prompt}
	}
	return nil
}

// affirmative/negative tokens accepted in an approval-resolving prompt.
var (
	affirmativeTokens = []string{"yes", "y", "approve", "approved", "ok", "confirm", "go ahead"}
	negativeTokens    = []string{"no", "n", "reject", "rejected", "deny", "denied", "cancel"}
)

// resolveApproval settles a pending approval from the incoming prompt. A
// missed deadline rejects automatically.
func (e *Engine) resolveApproval(ctx context.Context, state *store.WorkflowState, ev *hook.Event) {
	id := state.ApprovalID
	granted := false
	resolved := false

	if !state.ApprovalDeadline.IsZero() && time.Now().After(state.ApprovalDeadline) {
		resolved = true
	} else {
		prompt, _ := ev.Data["prompt"].(string)
		lower := strings.ToLower(strings.TrimSpace(prompt))
		for _, token := range affirmativeTokens {
			if lower == token || strings.HasPrefix(lower, token+" ") || strings.HasPrefix(lower, token+",") {
				granted, resolved = true, true
				break
			}
		}
		if !resolved {
			for _, token := range negativeTokens {
				if lower == token || strings.HasPrefix(lower, token+" ") || strings.HasPrefix(lower, token+",") {
					resolved = true
					break
				}
			}
		}
	}
	if !resolved {
		return
	}

	if state.Variables == nil {
		state.Variables = make(map[string]any)
	}
	if granted {
		state.Variables["_approval_"+id+"_granted"] = true
	} else {
		state.Variables["_approval_"+id+"_rejected"] = true
	}
	state.ApprovalPending = false
	state.ApprovalID = ""
	state.ApprovalPrompt = ""
	state.ApprovalDeadline = time.Time{}

	e.bus.Publish(bus.Event{
		Type:      bus.ApprovalResolved,
		SessionID: state.SessionID,
		Payload:   map[string]any{"approval_id": id, "granted": granted},
	})
	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		e.logger.Warn("persisting approval resolution failed", "error", err)
	}
}

// transition performs the step change protocol: on_exit, swap step, reset
// per-step counters and flags, persist, on_enter.
func (e *Engine) transition(ctx context.Context, def *Definition, state *store.WorkflowState, target string, ev *hook.Event) (*hook.Response, error) {
	targetStep := def.Step(target)
	if targetStep == nil {
		return nil, &gerrors.ValidationError{
			Field:   "step",
			Message: fmt.Sprintf("unknown step %q in workflow %q", target, def.Name),
		}
	}

	var responses []*hook.Response
	in := &ActionInput{SessionID: state.SessionID, Event: ev, State: state}

	if current := def.Step(state.CurrentStep); current != nil {
		responses = append(responses, e.runActions(ctx, current.OnExit, in, e.env(ctx, state.SessionID, state, ev))...)
	}

	from := state.CurrentStep
	state.CurrentStep = target
	state.StepEnteredAt = time.Now().UTC()
	state.StepActionCount = 0
	state.ContextInjected = false
	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		return nil, err
	}

	responses = append(responses, e.runActions(ctx, targetStep.OnEnter, in, e.env(ctx, state.SessionID, state, ev))...)
	if err := e.store.PutWorkflowState(ctx, state); err != nil {
		return nil, err
	}

	e.bus.Publish(bus.Event{
		Type:      bus.WorkflowTransition,
		SessionID: state.SessionID,
		Payload:   map[string]any{"workflow": def.Name, "from": from, "to": target},
	})
	return hook.Combine(responses...), nil
}

// matchTool compares a declared tool pattern against a tool name. Patterns
// support glob syntax ("mcp__gobby__*"); a bare name matches exactly.
func matchTool(pattern, tool string) bool {
	if pattern == tool {
		return true
	}
	ok, err := doublestar.Match(pattern, tool)
	return err == nil && ok
}

// recoveryStep picks the stuck-recovery target, skipping the current step.
func (e *Engine) recoveryStep(def *Definition, current string) string {
	for _, name := range recoverySteps {
		if name != current && def.Step(name) != nil {
			return name
		}
	}
	return ""
}

// env assembles the expression environment for one evaluation.
func (e *Engine) env(ctx context.Context, sessionID string, state *store.WorkflowState, ev *hook.Event) map[string]any {
	vars := map[string]any{}
	if state != nil && state.Variables != nil {
		vars = state.Variables
	}
	env := e.helpers.Env(ctx, sessionID, vars)
	env["variables"] = vars
	if state != nil {
		env["step"] = state.CurrentStep
		env["step_action_count"] = state.StepActionCount
		env["total_action_count"] = state.TotalActionCount
	}
	if ev != nil {
		env["event"] = map[string]any{
			"type": string(ev.Type),
			"data": ev.Data,
		}
		env["tool_name"] = ev.ToolName()
	}
	return env
}

// lifecycleDefinitions lists every visible lifecycle workflow, priority
// descending.
func (e *Engine) lifecycleDefinitions() ([]*Definition, error) {
	names, err := e.loader.List()
	if err != nil {
		return nil, err
	}
	var defs []*Definition
	for _, name := range names {
		def, err := e.loader.Get(name)
		if err != nil {
			e.logger.Warn("skipping unloadable workflow", log.WorkflowKey, name, "error", err)
			continue
		}
		if def.Kind == KindLifecycle {
			defs = append(defs, def)
		}
	}
	for i := 1; i < len(defs); i++ {
		for j := i; j > 0 && defs[j].Priority > defs[j-1].Priority; j-- {
			defs[j], defs[j-1] = defs[j-1], defs[j]
		}
	}
	return defs, nil
}
