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

	"github.com/gobbyhq/gobby/internal/pipeline"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func (a *app) pipelinesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "pipelines",
		Aliases: []string{"pipeline"},
		Short:   "Run pipeline DAGs and resume approval gates",
	}

	var inputsJSON string
	var session string
	run := &cobra.Command{
		Use:   "run <name>",
		Short: "Launch a pipeline until completion or the first approval gate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"pipeline": args[0]}
			if inputsJSON != "" {
				var inputs map[string]any
				if err := json.Unmarshal([]byte(inputsJSON), &inputs); err != nil {
					return &gerrors.ValidationError{Field: "inputs", Message: "not a JSON object: " + err.Error()}
				}
				in["inputs"] = inputs
			}
			if session != "" {
				in["session_id"] = session
			}
			return a.call(cmd, "pipelines", "run_pipeline", in)
		},
	}
	run.Flags().StringVar(&inputsJSON, "inputs", "", `Pipeline inputs as JSON, e.g. '{"env":"prod"}'`)
	run.Flags().StringVar(&session, "session", "", "Owning session reference")

	var reject bool
	resume := &cobra.Command{
		Use:   "resume <resume-token>",
		Short: "Approve or reject a waiting execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			decision := "approved"
			if reject {
				decision = "rejected"
			}
			return a.call(cmd, "pipelines", "resume_pipeline", map[string]any{
				"resume_token": args[0],
				"decision":     decision,
			})
		},
	}
	resume.Flags().BoolVar(&reject, "reject", false, "Reject instead of approving")

	show := &cobra.Command{
		Use:   "show <execution-id>",
		Short: "Show an execution with its step rows",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "pipelines", "get_pipeline_execution", map[string]any{"execution_id": args[0]})
		},
	}

	validate := &cobra.Command{
		Use:   "validate <file>",
		Short: "Validate a pipeline definition without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
			loader := pipeline.NewLoader(filepath.Dir(args[0]))
			def, err := loader.Get(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d steps)\n", def.Name, len(def.Steps))
			return nil
		},
	}

	cmd.AddCommand(run, resume, show, validate)
	return cmd
}
