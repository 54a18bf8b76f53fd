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

package commands

import (
	"github.com/spf13/cobra"
)

func (a *app) worktreesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "worktrees",
		Aliases: []string{"worktree", "wt"},
		Short:   "Isolated git working directories mapped to branches",
	}

	var base, taskID string
	create := &cobra.Command{
		Use:   "create <branch>",
		Short: "Create a worktree for a branch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"branch": args[0]}
			if base != "" {
				in["base_branch"] = base
			}
			if taskID != "" {
				in["task_id"] = taskID
			}
			return a.call(cmd, "worktrees", "create_worktree", in)
		},
	}
	create.Flags().StringVar(&base, "base", "", "Base branch when creating, default main")
	create.Flags().StringVar(&taskID, "task", "", "Associated task reference")

	var listStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List worktrees",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]any{}
			if listStatus != "" {
				in["status"] = listStatus
			}
			return a.call(cmd, "worktrees", "list_worktrees", in)
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "active | stale | merged | abandoned")

	var sourceBranch string
	sync := &cobra.Command{
		Use:   "sync <worktree>",
		Short: "Merge or rebase the base branch into a worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"worktree": args[0]}
			if sourceBranch != "" {
				in["source_branch"] = sourceBranch
			}
			return a.call(cmd, "worktrees", "sync_worktree", in)
		},
	}
	sync.Flags().StringVar(&sourceBranch, "from", "", "Source branch, default the worktree's base")

	var force bool
	del := &cobra.Command{
		Use:   "delete <worktree>",
		Short: "Delete a worktree",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "worktrees", "delete_worktree", map[string]any{
				"worktree": args[0],
				"force":    force,
			})
		},
	}
	del.Flags().BoolVar(&force, "force", false, "Delete even while claimed")

	var thresholdMinutes int
	stale := &cobra.Command{
		Use:   "stale",
		Short: "List worktrees with no recent activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]any{}
			if thresholdMinutes > 0 {
				in["threshold_minutes"] = thresholdMinutes
			}
			return a.call(cmd, "worktrees", "stale_worktrees", in)
		},
	}
	stale.Flags().IntVar(&thresholdMinutes, "threshold", 0, "Minutes without activity, default 1440")

	cmd.AddCommand(create, list, sync, del, stale)
	return cmd
}
