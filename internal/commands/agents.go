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

func (a *app) agentsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "agents",
		Aliases: []string{"agent"},
		Short:   "Spawn and inspect subagent runs",
	}

	var parent, name, mode, workflowName, provider, model, contextSource string
	var timeoutMinutes, maxTurns int
	spawn := &cobra.Command{
		Use:   "spawn <prompt>",
		Short: "Spawn a subagent under a parent session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{
				"prompt":     args[0],
				"session_id": parent,
			}
			if name != "" {
				in["name"] = name
			}
			if mode != "" {
				in["mode"] = mode
			}
			if workflowName != "" {
				in["workflow"] = workflowName
			}
			if provider != "" {
				in["provider"] = provider
			}
			if model != "" {
				in["model"] = model
			}
			if contextSource != "" {
				in["context_source"] = contextSource
			}
			if timeoutMinutes > 0 {
				in["timeout_minutes"] = timeoutMinutes
			}
			if maxTurns > 0 {
				in["max_turns"] = maxTurns
			}
			return a.call(cmd, "agents", "spawn_agent", in)
		},
	}
	spawn.Flags().StringVar(&parent, "parent", "", "Parent session reference")
	spawn.Flags().StringVar(&name, "name", "", "Display name for the child session")
	spawn.Flags().StringVar(&mode, "mode", "", "in_process | headless | terminal | embedded")
	spawn.Flags().StringVar(&workflowName, "workflow", "", "Workflow to activate on the child")
	spawn.Flags().StringVar(&provider, "provider", "", "Provider override")
	spawn.Flags().StringVar(&model, "model", "", "Model override")
	spawn.Flags().StringVar(&contextSource, "context", "", "Context source for the child")
	spawn.Flags().IntVar(&timeoutMinutes, "timeout", 0, "Per-run timeout in minutes")
	spawn.Flags().IntVar(&maxTurns, "max-turns", 0, "Turn ceiling for the child")
	cobra.CheckErr(spawn.MarkFlagRequired("parent"))

	var listStatus string
	list := &cobra.Command{
		Use:   "list",
		Short: "List agent runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			in := map[string]any{}
			if listStatus != "" {
				in["status"] = listStatus
			}
			return a.call(cmd, "agents", "list_agent_runs", in)
		},
	}
	list.Flags().StringVar(&listStatus, "status", "", "pending | running | success | error | timeout | cancelled")

	show := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show one agent run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "agents", "get_agent_run", map[string]any{"run_id": args[0]})
		},
	}

	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a pending or running agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "agents", "cancel_agent", map[string]any{"run_id": args[0]})
		},
	}

	cmd.AddCommand(spawn, list, show, cancel)
	return cmd
}
