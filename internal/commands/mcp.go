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
	"context"
	"encoding/json"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/agent"
	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/mcptools"
	"github.com/gobbyhq/gobby/internal/pipeline"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	"github.com/gobbyhq/gobby/internal/worktree"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func (a *app) mcpCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "MCP tool surface: stdio server and HTTP bridge",
	}
	cmd.AddCommand(a.mcpServe(), a.mcpTools(), a.mcpCall())
	return cmd
}

// mcpServe runs the full tool registry over stdio for agents configured with
// a local MCP server. It opens the shared store directly; SQLite's WAL mode
// lets it coexist with a running daemon.
func (a *app) mcpServe() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve all gobby tools over stdio (MCP)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, projectDir, err := a.loadConfig()
			if err != nil {
				return err
			}

			logger := log.New(log.FromEnv())
			st, err := store.Open(store.Config{Path: config.StorePath()}, logger)
			if err != nil {
				return err
			}
			defer st.Close()

			b := bus.New()
			defer b.Close()
			sessions := session.NewRegistry(st, b, logger)

			wfDirs := []string{config.WorkflowsDir()}
			plDirs := []string{filepath.Join(config.UserDir(), "pipelines")}
			if projectDir != "" {
				wfDirs = append([]string{filepath.Join(projectDir, ".gobby", "workflows")}, wfDirs...)
				plDirs = append([]string{filepath.Join(projectDir, ".gobby", "pipelines")}, plDirs...)
			}
			engine := workflow.New(st, workflow.NewLoader(wfDirs...), sessions, b, logger, workflow.Config{
				StuckStepTimeout: time.Duration(cfg.Workflow.StuckStepTimeout) * time.Minute,
			})
			pipelines := pipeline.New(st, pipeline.NewLoader(plDirs...), engine.Evaluator(), b, logger, pipeline.Config{})
			agents := agent.New(st, engine, b, logger, agent.Config{
				MaxAgentDepth:         cfg.Agents.MaxDepth,
				DefaultProvider:       cfg.Agents.DefaultProvider,
				DefaultTimeoutMinutes: cfg.Agents.RunTimeout,
				Terminal:              cfg.Agents.Terminal,
			})
			worktrees := worktree.New(st, logger, worktree.Config{
				BaseDir:        cfg.Worktrees.BasePath,
				SyncStrategy:   cfg.Worktrees.SyncStrategy,
				StaleThreshold: time.Duration(cfg.Worktrees.StaleAfter) * time.Hour,
			})

			reg := mcptools.New(st, sessions, engine, logger, mcptools.Deps{
				Agents:    stdioAgentBridge{sup: agents},
				Worktrees: worktrees,
				Pipelines: pipelines,
			})
			srv := mcptools.NewStdioServer(reg, logger, mcptools.StdioConfig{Version: a.version})
			return srv.Run(cmd.Context())
		},
	}
}

// stdioAgentBridge adapts the supervisor to the tool-surface interface.
type stdioAgentBridge struct {
	sup *agent.Supervisor
}

func (s stdioAgentBridge) Spawn(ctx context.Context, p mcptools.SpawnParams) (*store.AgentRun, error) {
	return s.sup.Spawn(ctx, agent.SpawnRequest{
		ParentSessionID: p.ParentSessionID,
		Name:            p.Name,
		Prompt:          p.Prompt,
		Mode:            p.Mode,
		Workflow:        p.Workflow,
		Provider:        p.Provider,
		Model:           p.Model,
		ContextSource:   p.ContextSource,
		TimeoutMinutes:  p.TimeoutMinutes,
		MaxTurns:        p.MaxTurns,
	})
}

func (s stdioAgentBridge) Cancel(ctx context.Context, runID string) error {
	return s.sup.Cancel(ctx, runID)
}

func (a *app) mcpTools() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <server>",
		Short: "List the tools of one MCP server via the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			tools, err := c.ListTools(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.print(cmd, tools)
		},
	}
}

func (a *app) mcpCall() *cobra.Command {
	var argsJSON string

	cmd := &cobra.Command{
		Use:   "call <server> <tool>",
		Short: "Invoke one tool through the daemon",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var toolArgs map[string]any
			if argsJSON != "" {
				if err := json.Unmarshal([]byte(argsJSON), &toolArgs); err != nil {
					return &gerrors.ValidationError{Field: "args", Message: "not a JSON object: " + err.Error()}
				}
			}
			return a.call(cmd, args[0], args[1], toolArgs)
		},
	}
	cmd.Flags().StringVar(&argsJSON, "args", "", "Tool arguments as a JSON object")
	return cmd
}
