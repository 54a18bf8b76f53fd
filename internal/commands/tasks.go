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

func (a *app) tasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "tasks",
		Aliases: []string{"task"},
		Short:   "Create, inspect, claim and close tasks",
	}

	var createDesc, createType, createParent string
	var createPriority int
	create := &cobra.Command{
		Use:   "create <title>",
		Short: "Create a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"title": args[0]}
			if createDesc != "" {
				in["description"] = createDesc
			}
			if createType != "" {
				in["task_type"] = createType
			}
			if createParent != "" {
				in["parent_task_id"] = createParent
			}
			if createPriority != 0 {
				in["priority"] = createPriority
			}
			return a.call(cmd, "tasks", "create_task", in)
		},
	}
	create.Flags().StringVarP(&createDesc, "description", "d", "", "Longer description")
	create.Flags().StringVar(&createType, "type", "", "Type label (feature, bug, ...)")
	create.Flags().StringVar(&createParent, "parent", "", "Parent task reference")
	create.Flags().IntVar(&createPriority, "priority", 0, "Higher runs first")

	var listStatus, listParent string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]any{}
			if listStatus != "" {
				in["status"] = listStatus
			}
			if listParent != "" {
				in["parent_task_id"] = listParent
			}
			return a.call(cmd, "tasks", "list_tasks", in)
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "open | in_progress | needs_review | closed")
	list.Flags().StringVar(&listParent, "parent", "", "Restrict to subtasks of this task")

	show := &cobra.Command{
		Use:   "show <ref>",
		Short: "Show a task by #n, id, or id prefix",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "tasks", "get_task", map[string]any{"task_id": args[0]})
		},
	}

	var claimForce bool
	claim := &cobra.Command{
		Use:   "claim <ref>",
		Short: "Claim a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "tasks", "claim_task", map[string]any{"task_id": args[0], "force": claimForce})
		},
	}
	claim.Flags().BoolVar(&claimForce, "force", false, "Steal an existing claim")

	closeCmd := &cobra.Command{
		Use:   "close <ref>",
		Short: "Close a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "tasks", "close_task", map[string]any{"task_id": args[0]})
		},
	}

	var depType string
	dep := &cobra.Command{
		Use:   "depend <ref> <on-ref>",
		Short: "Make one task depend on another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"task_id": args[0], "depends_on": args[1]}
			if depType != "" {
				in["dep_type"] = depType
			}
			return a.call(cmd, "tasks", "add_task_dependency", in)
		},
	}
	dep.Flags().StringVar(&depType, "type", "", "Dependency type, default blocks")

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "search", "search_tasks", map[string]any{"query": args[0]})
		},
	}

	cmd.AddCommand(create, list, show, claim, closeCmd, dep, search)
	return cmd
}
