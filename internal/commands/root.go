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

// Package commands implements the gobby CLI on top of the daemon's HTTP
// surface. Most subcommands are thin wrappers over MCP tools, so the CLI
// and an agent session see identical behavior.
package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/gobbyhq/gobby/internal/client"
	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/project"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// app carries the state shared by every subcommand.
type app struct {
	version string
	port    int
	jsonOut bool
}

// NewRoot builds the gobby command tree.
func NewRoot(version string) *cobra.Command {
	a := &app{version: version}

	root := &cobra.Command{
		Use:   "gobby",
		Short: "Supervise AI coding agent sessions",
		Long: `gobby runs a local daemon that supervises coding agent sessions:
hook decisions, workflow state machines, tasks, memories, subagents,
worktrees and pipelines. The CLI talks to that daemon.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().IntVar(&a.port, "port", 0, "Daemon port (default from config)")
	root.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "Machine-readable JSON output")
	root.SetGlobalNormalizationFunc(normalizeFlag)

	root.AddCommand(
		a.daemonCommand(),
		a.hookCommand(),
		a.sessionsCommand(),
		a.tasksCommand(),
		a.memoriesCommand(),
		a.skillsCommand(),
		a.agentsCommand(),
		a.worktreesCommand(),
		a.pipelinesCommand(),
		a.workflowsCommand(),
		a.mcpCommand(),
		a.adminCommand(),
	)
	return root
}

// Execute runs the CLI and returns the process exit code.
func Execute(version string) int {
	root := NewRoot(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		if gerrors.KindOf(err) == gerrors.KindInternal && isUsageError(err) {
			return 2
		}
		return gerrors.ExitCode(err)
	}
	return 0
}

// normalizeFlag accepts underscore spellings so tool argument names work
// as flags unchanged, for example --machine_id and --machine-id.
func normalizeFlag(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// isUsageError spots cobra's own parse failures, which arrive untyped.
func isUsageError(err error) bool {
	msg := err.Error()
	return strings.HasPrefix(msg, "unknown command") ||
		strings.HasPrefix(msg, "unknown flag") ||
		strings.HasPrefix(msg, "unknown shorthand flag") ||
		strings.Contains(msg, "accepts") ||
		strings.Contains(msg, "requires at least") ||
		strings.HasPrefix(msg, "invalid argument")
}

// loadConfig resolves configuration against the enclosing project, if any.
func (a *app) loadConfig() (*config.Config, string, error) {
	projectDir := ""
	cwd, err := os.Getwd()
	if err == nil {
		if _, rootDir, found, ferr := project.Find(cwd); ferr == nil && found {
			projectDir = rootDir
		}
	}
	cfg, err := config.Load(projectDir)
	if err != nil {
		return nil, "", err
	}
	return cfg, projectDir, nil
}

// api builds the daemon client, honoring the --port override.
func (a *app) api() (*client.Client, error) {
	if a.port > 0 {
		return client.New(a.port), nil
	}
	cfg, _, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	return client.New(cfg.DaemonPort), nil
}

// call invokes one MCP tool through the daemon and prints the result.
func (a *app) call(cmd *cobra.Command, server, tool string, args map[string]any) error {
	c, err := a.api()
	if err != nil {
		return err
	}
	result, err := c.CallTool(cmd.Context(), server, tool, args)
	if err != nil {
		return err
	}
	return a.print(cmd, result)
}

// print writes a result as indented JSON. Human formatting stays close to
// the wire format on purpose; scripts and eyes read the same shape.
func (a *app) print(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
