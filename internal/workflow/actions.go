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
	"sync"

	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// ActionInput is what an action sees: the triggering event, the owning
// workflow state, and its declared parameters.
type ActionInput struct {
	SessionID string
	ProjectID string
	Event     *hook.Event
	State     *store.WorkflowState
	Params    map[string]any
}

// ActionResult is what an action may contribute to the pending hook
// response. Variables are merged into the workflow state's bag.
type ActionResult struct {
	Decision      hook.Decision
	Reason        string
	Context       string
	SystemMessage string
	Variables     map[string]any
}

// ActionFunc executes one named action.
type ActionFunc func(ctx context.Context, in *ActionInput) (*ActionResult, error)

// ActionRegistry is the typed dispatch table for workflow actions. Built-ins
// are installed by the engine; daemon wiring adds the ones that need other
// components (call_tool, spawn_agent, execute_pipeline, emit_webhook).
type ActionRegistry struct {
	mu sync.RWMutex
	m  map[string]ActionFunc
}

// NewActionRegistry returns an empty registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{m: make(map[string]ActionFunc)}
}

// Register installs an action, rejecting duplicate names.
func (r *ActionRegistry) Register(name string, fn ActionFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.m[name]; dup {
		return &gerrors.ConflictError{Resource: "action", ID: name, Message: "already registered"}
	}
	r.m[name] = fn
	return nil
}

// Get looks an action up by name.
func (r *ActionRegistry) Get(name string) (ActionFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.m[name]
	return fn, ok
}

// Names lists registered action names.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.m))
	for name := range r.m {
		names = append(names, name)
	}
	return names
}

// registerBuiltins installs the actions the engine can serve with only the
// store and session registry.
func (e *Engine) registerBuiltins() {
	must := func(name string, fn ActionFunc) {
		if err := e.actions.Register(name, fn); err != nil {
			panic(err)
		}
	}

	must("inject_context", func(_ context.Context, in *ActionInput) (*ActionResult, error) {
		text, _ := in.Params["text"].(string)
		if text == "" {
			text, _ = in.Params["context"].(string)
		}
		if text == "" {
			return nil, &gerrors.ValidationError{Field: "text", Message: "inject_context requires text"}
		}
		return &ActionResult{Decision: hook.Modify, Context: text}, nil
	})

	must("set_variable", func(_ context.Context, in *ActionInput) (*ActionResult, error) {
		name, _ := in.Params["name"].(string)
		if name == "" {
			return nil, &gerrors.ValidationError{Field: "name", Message: "set_variable requires a name"}
		}
		return &ActionResult{Variables: map[string]any{name: in.Params["value"]}}, nil
	})

	must("send_message", func(ctx context.Context, in *ActionInput) (*ActionResult, error) {
		content, _ := in.Params["content"].(string)
		if content == "" {
			return nil, &gerrors.ValidationError{Field: "content", Message: "send_message requires content"}
		}
		to, _ := in.Params["to"].(string)
		if to == "" || to == "parent" {
			sess, err := e.store.GetSession(ctx, in.SessionID)
			if err != nil {
				return nil, err
			}
			if sess.ParentSessionID == "" {
				return nil, &gerrors.InvalidStateError{
					Resource: "session", State: "root",
					Message: "session has no parent to message",
				}
			}
			to = sess.ParentSessionID
		}
		priority, _ := in.Params["priority"].(string)
		if priority == "" {
			priority = "normal"
		}
		_, err := e.store.SendSessionMessage(ctx, &store.SessionMessage{
			FromSessionID: in.SessionID,
			ToSessionID:   to,
			Content:       content,
			Priority:      priority,
		})
		return nil, err
	})

	must("archive_session", func(ctx context.Context, in *ActionInput) (*ActionResult, error) {
		// Archiving goes through handoff_ready; the transition table has
		// no direct active to archived edge.
		sess, err := e.store.GetSession(ctx, in.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.Status == store.SessionActive || sess.Status == store.SessionPaused {
			if sess.Status == store.SessionPaused {
				if err := e.sessions.SetStatus(ctx, in.SessionID, store.SessionActive); err != nil {
					return nil, err
				}
			}
			if err := e.sessions.SetStatus(ctx, in.SessionID, store.SessionHandoffReady); err != nil {
				return nil, err
			}
		}
		return nil, e.sessions.SetStatus(ctx, in.SessionID, store.SessionArchived)
	})

	must("create_task", func(ctx context.Context, in *ActionInput) (*ActionResult, error) {
		title, _ := in.Params["title"].(string)
		if title == "" {
			return nil, &gerrors.ValidationError{Field: "title", Message: "create_task requires a title"}
		}
		desc, _ := in.Params["description"].(string)
		task, err := e.store.CreateTask(ctx, &store.Task{
			ProjectID:   in.ProjectID,
			Title:       title,
			Description: desc,
		})
		if err != nil {
			return nil, err
		}
		return &ActionResult{Variables: map[string]any{"last_created_task": task.ID}}, nil
	})
}

// runActions executes a spec list in order, folding results. A failing
// action is recorded and skipped; actions are best-effort by policy.
func (e *Engine) runActions(ctx context.Context, specs []ActionSpec, in *ActionInput, env map[string]any) []*hook.Response {
	var responses []*hook.Response
	for _, spec := range specs {
		if spec.When != "" {
			ok, err := e.eval.EvaluateBool(spec.When, env)
			if err != nil {
				e.logger.Warn("action condition failed", "action", spec.Action, "error", err)
				continue
			}
			if !ok {
				continue
			}
		}
		fn, ok := e.actions.Get(spec.Action)
		if !ok {
			e.logger.Warn("unknown action", "action", spec.Action)
			continue
		}
		result, err := e.execAction(ctx, fn, &ActionInput{
			SessionID: in.SessionID,
			ProjectID: in.ProjectID,
			Event:     in.Event,
			State:     in.State,
			Params:    spec.Params,
		})
		if err != nil {
			e.logger.Warn("action failed", "action", spec.Action, "error", err)
			continue
		}
		if result == nil {
			continue
		}
		if len(result.Variables) > 0 && in.State != nil {
			if in.State.Variables == nil {
				in.State.Variables = make(map[string]any)
			}
			for k, v := range result.Variables {
				in.State.Variables[k] = v
				env[k] = v
			}
		}
		if result.Decision != "" || result.Context != "" || result.SystemMessage != "" {
			resp := &hook.Response{
				Decision:      result.Decision,
				Reason:        result.Reason,
				Context:       result.Context,
				SystemMessage: result.SystemMessage,
			}
			if resp.Decision == "" {
				resp.Decision = hook.Allow
			}
			responses = append(responses, resp)
		}
	}
	return responses
}

// execAction isolates a panicking action; the panic becomes an Internal
// error instead of taking down the dispatch goroutine.
func (e *Engine) execAction(ctx context.Context, fn ActionFunc, in *ActionInput) (result *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = &gerrors.InternalError{Message: fmt.Sprintf("action panic: %v", r)}
		}
	}()
	return fn(ctx, in)
}
