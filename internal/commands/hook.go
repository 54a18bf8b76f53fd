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
	"io"

	"github.com/spf13/cobra"
)

// hookCommand is what agent hook configurations invoke: native event JSON on
// stdin, native response JSON on stdout. It never exits non-zero and never
// prints a blocking response on its own failure; a broken CLI must not stall
// the agent.
func (a *app) hookCommand() *cobra.Command {
	var source string

	cmd := &cobra.Command{
		Use:   "hook [event-name]",
		Short: "Forward a hook event from an agent to the daemon",
		Long: `Hook reads one native hook event as JSON from stdin, forwards it to the
daemon and writes the daemon's response to stdout. Wire it into the agent's
hook configuration, for example in Claude Code settings:

  {"hooks": {"PreToolUse": [{"hooks": [{"type": "command", "command": "gobby hook"}]}]}}

Any failure, including an unreachable daemon, produces an allow response.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			allow := func() error {
				return json.NewEncoder(out).Encode(map[string]any{"continue": true})
			}

			data, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return allow()
			}
			var native map[string]any
			if err := json.Unmarshal(data, &native); err != nil {
				return allow()
			}
			if len(args) == 1 && native["hook_event_name"] == nil {
				native["hook_event_name"] = args[0]
			}
			if source != "" {
				native["source"] = source
			}

			c, err := a.api()
			if err != nil {
				return allow()
			}
			resp, err := c.ExecuteHook(cmd.Context(), native)
			if err != nil {
				return allow()
			}
			return json.NewEncoder(out).Encode(resp)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "Agent source (claude, generic)")
	return cmd
}
