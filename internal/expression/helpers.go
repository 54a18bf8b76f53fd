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

package expression

import (
	"context"
	"fmt"

	"github.com/gobbyhq/gobby/internal/store"
)

// Variable keys under which the daemon records MCP activity per workflow
// state.
const (
	// VarMCPCalls maps server name to the list of tool names called.
	VarMCPCalls = "mcp_calls"
	// VarMCPResults maps server name to tool name to the last result value.
	VarMCPResults = "mcp_results"
	// VarMCPFailures maps server name to tool name to the last error string.
	VarMCPFailures = "mcp_failures"
)

// Helpers builds per-session predicate environments. The returned closures
// hit the store at evaluation time so conditions always see current state.
type Helpers struct {
	store *store.Store
}

// NewHelpers wires the predicate builder.
func NewHelpers(s *store.Store) *Helpers {
	return &Helpers{store: s}
}

// Env returns the helper functions for one (session, variables) scope.
// Store-backed predicates swallow lookup errors as false: a condition that
// cannot be answered must not block a hook decision.
func (h *Helpers) Env(ctx context.Context, sessionID string, vars map[string]any) map[string]any {
	return map[string]any{
		// True when the task and its whole subtree are closed. A null/empty
		// id is vacuously complete.
		"task_tree_complete": func(taskID any) bool {
			id, ok := taskID.(string)
			if !ok || id == "" {
				return true
			}
			done, err := h.store.TaskTreeComplete(ctx, id, false)
			return err == nil && done
		},
		"task_needs_user_review": func(taskID any) bool {
			id, ok := taskID.(string)
			if !ok || id == "" {
				return false
			}
			task, err := h.store.GetTask(ctx, id)
			return err == nil && (task.Status == store.TaskNeedsReview || task.NeedsReview)
		},
		// Defaults to the session this environment is bound to.
		"has_stop_signal": func(sid ...string) bool {
			target := sessionID
			if len(sid) > 0 && sid[0] != "" {
				target = sid[0]
			}
			ok, err := h.store.HasStopSignal(ctx, target)
			return err == nil && ok
		},
		"mcp_called": func(server string, tool ...string) bool {
			calls, _ := vars[VarMCPCalls].(map[string]any)
			names, called := calls[server]
			if !called {
				return false
			}
			if len(tool) == 0 {
				return Truthy(names)
			}
			return containsFunc(names, tool[0])
		},
		"mcp_result_is_null": func(server, tool string) bool {
			results, _ := vars[VarMCPResults].(map[string]any)
			byTool, ok := results[server].(map[string]any)
			if !ok {
				return false
			}
			v, called := byTool[tool]
			return called && v == nil
		},
		"mcp_failed": func(server, tool string) bool {
			failures, _ := vars[VarMCPFailures].(map[string]any)
			byTool, ok := failures[server].(map[string]any)
			if !ok {
				return false
			}
			_, failed := byTool[tool]
			return failed
		},
		"mcp_result_has": func(server, tool, field string, value any) bool {
			results, _ := vars[VarMCPResults].(map[string]any)
			byTool, ok := results[server].(map[string]any)
			if !ok {
				return false
			}
			m, ok := byTool[tool].(map[string]any)
			if !ok {
				return false
			}
			got, present := m[field]
			if !present {
				return false
			}
			return fmt.Sprint(got) == fmt.Sprint(value)
		},
	}
}
