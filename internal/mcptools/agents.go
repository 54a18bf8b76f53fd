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

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func notConfigured(component string) error {
	return &gerrors.InvalidStateError{
		Resource:    component,
		Message:     component + " is not configured on this daemon",
		Remediation: "enable the component in the daemon configuration",
	}
}

func (r *Registry) agentsServer() *Server {
	s := newServer("agents", "Spawn, inspect and cancel subagent runs.")

	s.add(&Tool{
		Name:        "spawn_agent",
		Description: "Spawn a subagent as a child of the calling session. Depth limits apply.",
		InputSchema: schema([]string{"prompt"}, map[string]any{
			"prompt":          prop("string", "The task prompt for the child"),
			"name":            prop("string", "Display name for the child session"),
			"mode":            prop("string", "in_process | headless | terminal | embedded; default headless"),
			"workflow":        prop("string", "Workflow to activate on the child"),
			"provider":        prop("string", "Provider override"),
			"model":           prop("string", "Model override"),
			"context_source":  prop("string", "summary_markdown | compact_markdown | session_id:<id> | transcript:<n> | file:<path>"),
			"timeout_minutes": prop("integer", "Per-run timeout, default 30"),
			"max_turns":       prop("integer", "Turn ceiling for the child"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Agents == nil {
				return nil, notConfigured("agent supervisor")
			}
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			prompt, err := requireString(c.Args, "prompt")
			if err != nil {
				return nil, err
			}
			mode := store.ExecutionMode(optString(c.Args, "mode"))
			if mode == "" {
				mode = store.ModeHeadless
			}
			return r.deps.Agents.Spawn(ctx, SpawnParams{
				ParentSessionID: sess.ID,
				Name:            optString(c.Args, "name"),
				Prompt:          prompt,
				Mode:            mode,
				Workflow:        optString(c.Args, "workflow"),
				Provider:        optString(c.Args, "provider"),
				Model:           optString(c.Args, "model"),
				ContextSource:   optString(c.Args, "context_source"),
				TimeoutMinutes:  optInt(c.Args, "timeout_minutes", 0),
				MaxTurns:        optInt(c.Args, "max_turns", 0),
			})
		},
	})

	s.add(&Tool{
		Name:        "cancel_agent",
		Description: "Cancel a run and signal its process. Cleanup is finished by the reaper.",
		InputSchema: schema([]string{"run_id"}, map[string]any{
			"run_id": prop("string", "Agent run id"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Agents == nil {
				return nil, notConfigured("agent supervisor")
			}
			id, err := requireString(c.Args, "run_id")
			if err != nil {
				return nil, err
			}
			if err := r.deps.Agents.Cancel(ctx, id); err != nil {
				return nil, err
			}
			return r.store.GetAgentRun(ctx, id)
		},
	})

	s.add(&Tool{
		Name:        "get_agent_run",
		Description: "Fetch one agent run.",
		InputSchema: schema([]string{"run_id"}, map[string]any{
			"run_id": prop("string", "Agent run id"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := requireString(c.Args, "run_id")
			if err != nil {
				return nil, err
			}
			return r.store.GetAgentRun(ctx, id)
		},
	})

	s.add(&Tool{
		Name:        "list_agent_runs",
		Description: "List the calling session's agent runs, optionally by status.",
		InputSchema: schema(nil, map[string]any{
			"status": prop("string", "pending | running | success | error | timeout | cancelled"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			return r.store.ListAgentRuns(ctx, sess.ID, store.AgentRunStatus(optString(c.Args, "status")))
		},
	})

	return s
}
