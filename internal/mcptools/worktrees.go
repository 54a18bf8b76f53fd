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
	"time"

	"github.com/gobbyhq/gobby/internal/store"
)

func (r *Registry) worktreesServer() *Server {
	s := newServer("worktrees", "Isolated git working directories mapped to branches.")

	s.add(&Tool{
		Name:        "create_worktree",
		Description: "Create a worktree for a branch, creating the branch from base when missing.",
		InputSchema: schema([]string{"branch"}, map[string]any{
			"branch":      prop("string", "Branch name"),
			"base_branch": prop("string", "Base when the branch must be created; default main"),
			"task_id":     prop("string", "Associated task reference"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Worktrees == nil {
				return nil, notConfigured("worktree manager")
			}
			branch, err := requireString(c.Args, "branch")
			if err != nil {
				return nil, err
			}
			taskID := ""
			if ref := optString(c.Args, "task_id"); ref != "" {
				task, err := r.resolveTask(ctx, ref, c.ProjectID())
				if err != nil {
					return nil, err
				}
				taskID = task.ID
			}
			return r.deps.Worktrees.Create(ctx, c.ProjectID(), branch, optString(c.Args, "base_branch"), taskID)
		},
	})

	s.add(&Tool{
		Name:        "claim_worktree",
		Description: "Claim a worktree for the calling session. Fails with conflict when another session holds it.",
		InputSchema: schema([]string{"worktree"}, map[string]any{
			"worktree": prop("string", "Worktree id or branch name"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			wt, err := r.worktreeArg(ctx, c)
			if err != nil {
				return nil, err
			}
			if err := r.store.ClaimWorktree(ctx, wt.ID, sess.ID); err != nil {
				return nil, err
			}
			return r.store.GetWorktree(ctx, wt.ID)
		},
	})

	s.add(&Tool{
		Name:        "release_worktree",
		Description: "Release the claim on a worktree.",
		InputSchema: schema([]string{"worktree"}, map[string]any{
			"worktree": prop("string", "Worktree id or branch name"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			wt, err := r.worktreeArg(ctx, c)
			if err != nil {
				return nil, err
			}
			if err := r.store.ReleaseWorktree(ctx, wt.ID); err != nil {
				return nil, err
			}
			return r.store.GetWorktree(ctx, wt.ID)
		},
	})

	s.add(&Tool{
		Name:        "sync_worktree",
		Description: "Pull the source branch's commits into the worktree branch.",
		InputSchema: schema([]string{"worktree"}, map[string]any{
			"worktree":      prop("string", "Worktree id or branch name"),
			"source_branch": prop("string", "Defaults to the worktree's base branch"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Worktrees == nil {
				return nil, notConfigured("worktree manager")
			}
			wt, err := r.worktreeArg(ctx, c)
			if err != nil {
				return nil, err
			}
			source := optString(c.Args, "source_branch")
			if source == "" {
				source = wt.BaseBranch
			}
			return r.deps.Worktrees.Sync(ctx, wt.ID, source)
		},
	})

	s.add(&Tool{
		Name:        "delete_worktree",
		Description: "Remove the worktree directory and mark the record abandoned. force overrides an active claim.",
		InputSchema: schema([]string{"worktree"}, map[string]any{
			"worktree": prop("string", "Worktree id or branch name"),
			"force":    prop("boolean", "Delete even while claimed"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Worktrees == nil {
				return nil, notConfigured("worktree manager")
			}
			wt, err := r.worktreeArg(ctx, c)
			if err != nil {
				return nil, err
			}
			if err := r.deps.Worktrees.Delete(ctx, wt.ID, optBool(c.Args, "force")); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": wt.ID, "branch": wt.BranchName}, nil
		},
	})

	s.add(&Tool{
		Name:        "list_worktrees",
		Description: "List worktrees in the caller's project.",
		InputSchema: schema(nil, map[string]any{
			"status": prop("string", "active | stale | merged | abandoned"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListWorktrees(ctx, c.ProjectID(), store.WorktreeStatus(optString(c.Args, "status")))
		},
	})

	s.add(&Tool{
		Name:        "stale_worktrees",
		Description: "List worktrees not updated within the threshold.",
		InputSchema: schema(nil, map[string]any{
			"threshold_minutes": prop("integer", "Default 1440 (one day)"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			threshold := time.Duration(optInt(c.Args, "threshold_minutes", 1440)) * time.Minute
			return r.store.StaleWorktrees(ctx, time.Now().Add(-threshold))
		},
	})

	return s
}

func (r *Registry) worktreeArg(ctx context.Context, c *Call) (*store.Worktree, error) {
	ref, err := requireString(c.Args, "worktree")
	if err != nil {
		return nil, err
	}
	return r.resolveWorktree(ctx, ref, c.ProjectID())
}
