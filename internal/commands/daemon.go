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
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/daemon"
	"github.com/gobbyhq/gobby/internal/log"
)

func (a *app) daemonCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run and control the gobby daemon",
	}
	cmd.AddCommand(a.daemonStart(), a.daemonStop(), a.daemonStatus())
	return cmd
}

func (a *app) daemonStart() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Run the daemon in the foreground",
		Long: `Start runs gobbyd in the foreground until interrupted. Agent hook
configurations point at this process; run it under your service manager
or a terminal you keep open.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, projectDir, err := a.loadConfig()
			if err != nil {
				return err
			}
			if a.port > 0 {
				cfg.DaemonPort = a.port
			}

			logger := log.New(log.FromEnv())
			daemon.Version = a.version
			d, err := daemon.New(cfg, projectDir, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() { errCh <- d.Start(ctx) }()

			select {
			case <-ctx.Done():
				fmt.Fprintln(cmd.OutOrStdout(), "shutting down...")
				return d.Shutdown(context.Background())
			case err := <-errCh:
				return err
			}
		},
	}
}

func (a *app) daemonStop() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop a running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			if err := c.Shutdown(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopping")
			return nil
		},
	}
}

func (a *app) daemonStatus() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := a.api()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(cmd, status)
		},
	}
}
