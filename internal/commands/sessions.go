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
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func (a *app) sessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "Inspect and steer agent sessions",
	}
	cmd.AddCommand(
		a.sessionsShow(),
		a.sessionsRegister(),
		a.sessionsSetStatus(),
		a.sessionsSummarize(),
	)
	return cmd
}

func (a *app) sessionsShow() *cobra.Command {
	return &cobra.Command{
		Use:   "show <ref>",
		Short: "Show one session by id, #n shorthand, or name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			sess, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, sess)
		},
	}
}

func (a *app) sessionsRegister() *cobra.Command {
	var externalID, machineID, source, cwd string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register a session for an external agent id",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cwd == "" {
				cwd, _ = os.Getwd()
			}
			c, err := a.api()
			if err != nil {
				return err
			}
			sess, err := c.RegisterSession(cmd.Context(), externalID, machineID, source, cwd)
			if err != nil {
				return err
			}
			return a.print(cmd, sess)
		},
	}
	cmd.Flags().StringVar(&externalID, "external-id", "", "Agent-side session id")
	cmd.Flags().StringVar(&machineID, "machine-id", "", "Machine id (defaults to hostname)")
	cmd.Flags().StringVar(&source, "source", "claude", "Agent source")
	cmd.Flags().StringVar(&cwd, "cwd", "", "Working directory (defaults to current)")
	cobra.CheckErr(cmd.MarkFlagRequired("external-id"))
	return cmd
}

func (a *app) sessionsSetStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <ref> <status>",
		Short: "Move a session to active, paused, completed, archived or expired",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			sess, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := c.UpdateSessionStatus(cmd.Context(), sess.ID, args[1]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "session %s is now %s\n", sess.ID, args[1])
			return nil
		},
	}
}

func (a *app) sessionsSummarize() *cobra.Command {
	var compact string

	cmd := &cobra.Command{
		Use:   "summarize <ref> <summary>",
		Short: "Store a summary on a session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			sess, err := c.GetSession(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return c.UpdateSessionSummary(cmd.Context(), sess.ID, args[1], compact)
		},
	}
	cmd.Flags().StringVar(&compact, "compact", "", "Compact summary for handoffs")
	return cmd
}
