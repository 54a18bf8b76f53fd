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
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func (a *app) workflowsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "workflows",
		Aliases: []string{"workflow", "wf"},
		Short:   "Activate and steer workflow state machines",
	}

	var session, variablesJSON, initialStep string
	var resume bool
	activate := &cobra.Command{
		Use:   "activate <name>",
		Short: "Bind a workflow to a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{
				"workflow":   args[0],
				"session_id": session,
			}
			if variablesJSON != "" {
				var vars map[string]any
				if err := json.Unmarshal([]byte(variablesJSON), &vars); err != nil {
					return &gerrors.ValidationError{Field: "variables", Message: "not a JSON object: " + err.Error()}
				}
				in["variables"] = vars
			}
			if initialStep != "" {
				in["initial_step"] = initialStep
			}
			if resume {
				in["resume"] = true
			}
			return a.call(cmd, "workflows", "activate_workflow", in)
		},
	}
	activate.Flags().StringVar(&session, "session", "", "Session reference")
	activate.Flags().StringVar(&variablesJSON, "variables", "", "Initial variables as JSON")
	activate.Flags().StringVar(&initialStep, "step", "", "Start at this step")
	activate.Flags().BoolVar(&resume, "resume", false, "Reuse an existing binding")
	cobra.CheckErr(activate.MarkFlagRequired("session"))

	var endSession string
	end := &cobra.Command{
		Use:   "end <name>",
		Short: "End a workflow binding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "workflows", "end_workflow", map[string]any{
				"workflow":   args[0],
				"session_id": endSession,
			})
		},
	}
	end.Flags().StringVar(&endSession, "session", "", "Session reference")
	cobra.CheckErr(end.MarkFlagRequired("session"))

	var trSession string
	var force bool
	transition := &cobra.Command{
		Use:   "transition <name> <target-step>",
		Short: "Force a workflow to a step",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "workflows", "transition_workflow", map[string]any{
				"workflow":   args[0],
				"to":         args[1],
				"session_id": trSession,
				"force":      force,
			})
		},
	}
	transition.Flags().StringVar(&trSession, "session", "", "Session reference")
	transition.Flags().BoolVar(&force, "force", false, "Cross an approval gate without approval")
	cobra.CheckErr(transition.MarkFlagRequired("session"))

	var stSession string
	status := &cobra.Command{
		Use:   "status",
		Short: "Show active workflow state for a session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "workflows", "workflow_status", map[string]any{"session_id": stSession})
		},
	}
	status.Flags().StringVar(&stSession, "session", "", "Session reference")
	cobra.CheckErr(status.MarkFlagRequired("session"))

	list := &cobra.Command{
		Use:   "list",
		Short: "List available workflow definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "workflows", "list_workflows", map[string]any{})
		},
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a workflow definition file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			loader := workflow.NewLoader(filepath.Dir(args[0]))
			def, err := loader.Get(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}

	cmd.AddCommand(activate, end, transition, status, list, validate)
	return cmd
}
