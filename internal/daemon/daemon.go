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

// Package daemon assembles the components into the long-running process:
// store, bus, workflow engine, hook dispatch, tool registry, supervisors,
// projectors, and the HTTP surface that fronts them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gobbyhq/gobby/internal/agent"
	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/dispatch"
	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/mcptools"
	"github.com/gobbyhq/gobby/internal/pipeline"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/syncer"
	"github.com/gobbyhq/gobby/internal/webhook"
	"github.com/gobbyhq/gobby/internal/workflow"
	"github.com/gobbyhq/gobby/internal/worktree"
)

// Version is stamped at build time.
var Version = "dev"

// Daemon owns every long-lived component and the HTTP listener.
type Daemon struct {
	cfg        *config.Config
	projectDir string
	logger     *slog.Logger

	store      *store.Store
	bus        *bus.Bus
	sessions   *session.Registry
	engine     *workflow.Engine
	dispatcher *dispatch.Dispatcher
	agents     *agent.Supervisor
	worktrees  *worktree.Manager
	pipelines  *pipeline.Executor
	registry   *mcptools.Registry
	webhooks   *webhook.Dispatcher
	syncer     *syncer.Syncer
	metrics    *Metrics

	server  *http.Server
	watcher *definitionWatcher
	cancel  context.CancelFunc
	done    chan struct{}
	pidFile string

	wfDirs []string
	plDirs []string
}

// agentBridge narrows the supervisor to the tool-surface interface.
type agentBridge struct {
	sup *agent.Supervisor
}

func (a agentBridge) Spawn(ctx context.Context, p mcptools.SpawnParams) (*store.AgentRun, error) {
	return a.sup.Spawn(ctx, agent.SpawnRequest{
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

func (a agentBridge) Cancel(ctx context.Context, runID string) error {
	return a.sup.Cancel(ctx, runID)
}

// New wires a daemon from configuration. projectDir anchors per-project
// workflow, pipeline, and sync paths; empty means user-global only.
func New(cfg *config.Config, projectDir string, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithComponent(logger, "daemon")

	st, err := store.Open(store.Config{Path: config.StorePath()}, logger)
	if err != nil {
		return nil, err
	}

	b := bus.New()
	sessions := session.NewRegistry(st, b, logger)

	wfDirs := []string{config.WorkflowsDir()}
	if projectDir != "" {
		wfDirs = append([]string{filepath.Join(projectDir, ".gobby", "workflows")}, wfDirs...)
	}
	engine := workflow.New(st, workflow.NewLoader(wfDirs...), sessions, b, logger, workflow.Config{
		StuckStepTimeout: time.Duration(cfg.Workflow.StuckStepTimeout) * time.Minute,
	})

	dispatcher := dispatch.New(hook.NewAdapters(), sessions, engine, b, logger, dispatch.Config{
		Enabled: cfg.Workflow.Enabled,
		Timeout: time.Duration(cfg.Workflow.Timeout) * time.Second,
	})

	plDirs := []string{filepath.Join(config.UserDir(), "pipelines")}
	if projectDir != "" {
		plDirs = append([]string{filepath.Join(projectDir, ".gobby", "pipelines")}, plDirs...)
	}
	pipelines := pipeline.New(st, pipeline.NewLoader(plDirs...), engine.Evaluator(), b, logger, pipeline.Config{})

	agents := agent.New(st, engine, b, logger, agent.Config{
		MaxAgentDepth:         cfg.Agents.MaxDepth,
		DefaultProvider:       cfg.Agents.DefaultProvider,
		DefaultTimeoutMinutes: cfg.Agents.RunTimeout,
		Terminal:              cfg.Agents.Terminal,
		Providers:             providerSpecs(cfg.LLMProviders),
	})

	worktrees := worktree.New(st, logger, worktree.Config{
		BaseDir:        cfg.Worktrees.BasePath,
		SyncStrategy:   cfg.Worktrees.SyncStrategy,
		StaleThreshold: time.Duration(cfg.Worktrees.StaleAfter) * time.Hour,
	})

	registry := mcptools.New(st, sessions, engine, logger, mcptools.Deps{
		Agents:    agentBridge{sup: agents},
		Worktrees: worktrees,
		Pipelines: pipelines,
	})

	if err := registerComponentActions(engine, registry, agentBridge{sup: agents}, pipelines, b); err != nil {
		st.Close()
		return nil, err
	}

	webhooks := webhook.New(st, webhookEndpoints(cfg.HookExtensions.Webhooks), logger, webhook.Config{})

	metrics := NewMetrics()
	metrics.Attach(b)

	// Store-level task changes become bus events so webhooks and WebSocket
	// clients see them without the writer knowing about either.
	st.Subscribe("tasks", func(c store.Change) {
		b.Publish(bus.Event{
			Type:    bus.TaskChanged,
			Payload: map[string]any{"task_id": c.ID, "op": string(c.Op)},
		})
	})

	d := &Daemon{
		cfg:        cfg,
		projectDir: projectDir,
		logger:     logger,
		store:      st,
		bus:        b,
		sessions:   sessions,
		engine:     engine,
		dispatcher: dispatcher,
		agents:     agents,
		worktrees:  worktrees,
		pipelines:  pipelines,
		registry:   registry,
		webhooks:   webhooks,
		metrics:    metrics,
		done:       make(chan struct{}),
		pidFile:    config.PidFilePath(),
		wfDirs:     wfDirs,
		plDirs:     plDirs,
	}
	d.syncer = syncer.New(st, logger, 0, d.projectors()...)
	return d, nil
}

// projectors assembles the enabled file-sync projectors from config.
func (d *Daemon) projectors() []syncer.Projector {
	var ps []syncer.Projector
	if d.cfg.MemorySync.Enabled {
		path := filepath.Join(d.projectDir, ".gobby", "memories.jsonl")
		if d.cfg.MemorySync.Stealth || d.projectDir == "" {
			path = filepath.Join(config.UserDir(), "memories.jsonl")
		}
		ps = append(ps, &syncer.MemoryProjector{Store: d.store, Path: path})
	}
	if d.cfg.SkillSync.Enabled {
		dir := filepath.Join(d.projectDir, ".claude", "skills")
		if d.cfg.SkillSync.Stealth || d.projectDir == "" {
			dir = config.SkillsDir()
		}
		ps = append(ps, &syncer.SkillProjector{Store: d.store, Dir: dir})
	}
	if d.cfg.TaskSync.Enabled {
		path := filepath.Join(d.projectDir, ".gobby", "tasks.jsonl")
		if d.cfg.TaskSync.Stealth || d.projectDir == "" {
			path = filepath.Join(config.UserDir(), "tasks.jsonl")
		}
		ps = append(ps, &syncer.TaskProjector{Store: d.store, Path: path})
	}
	return ps
}

// Start brings up background loops and the HTTP listener, then blocks until
// the listener exits.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer close(d.done)

	if err := d.writePidFile(); err != nil {
		return err
	}
	defer os.Remove(d.pidFile)

	d.webhooks.Attach(ctx, d.bus)
	d.syncer.Start(ctx)

	// Live-reload workflow and pipeline definitions on file changes.
	watchDirs := make(map[string]func())
	for _, dir := range d.wfDirs {
		watchDirs[dir] = d.engine.Definitions().Invalidate
	}
	for _, dir := range d.plDirs {
		watchDirs[dir] = d.pipelines.Definitions().Invalidate
	}
	if w, err := newDefinitionWatcher(watchDirs, d.logger); err != nil {
		d.logger.Warn("definition watcher unavailable", log.Error(err))
	} else {
		d.watcher = w
	}
	// Directories can disappear while the daemon is down; square the
	// records with the filesystem before anything hands them out.
	if n, err := d.worktrees.Reconcile(ctx); err != nil {
		d.logger.Warn("worktree reconciliation failed", log.Error(err))
	} else if n > 0 {
		d.logger.Info("reconciled vanished worktrees", "count", n)
	}

	go d.agents.RunReaper(ctx, time.Minute)
	go d.worktrees.RunJanitor(ctx, time.Hour)
	go d.sessionReaper(ctx)

	hub := NewHub(d.bus, d.registry, d.metrics, d.logger)
	router := NewRouter(
		d.dispatcher, d.sessions, d.store, d.registry, hub,
		d.metrics, d.cfg, d.logger, Version,
		func() { d.Shutdown(context.Background()) },
	)

	ln, err := net.Listen("tcp", d.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen on %s: %w", d.cfg.ListenAddr(), err)
	}
	d.server = &http.Server{
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	d.logger.Info("daemon listening", "addr", d.cfg.ListenAddr(), "version", Version)

	if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the listener, flushes projectors, and closes the store.
// Safe to call once; later calls are no-ops on an already-closed server.
func (d *Daemon) Shutdown(ctx context.Context) error {
	d.logger.Info("daemon shutting down")

	var err error
	if d.server != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		err = d.server.Shutdown(shutdownCtx)
	}

	if d.watcher != nil {
		_ = d.watcher.Close()
	}

	// Pending exports must land before the store closes.
	d.syncer.Flush(ctx)
	if d.cancel != nil {
		d.cancel()
	}
	d.bus.Close()
	if cerr := d.store.Close(); err == nil {
		err = cerr
	}
	return err
}

// Done closes when Start has returned.
func (d *Daemon) Done() <-chan struct{} { return d.done }

// sessionReaper expires sessions idle past the configured window.
func (d *Daemon) sessionReaper(ctx context.Context) {
	window := time.Duration(d.cfg.SessionLifecycle.ExpireAfter) * time.Hour
	if window <= 0 {
		return
	}
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := d.store.ExpireIdleSessions(ctx, time.Now().UTC().Add(-window))
			if err != nil {
				d.logger.Warn("session expiry failed", log.Error(err))
				continue
			}
			for _, id := range expired {
				d.bus.Publish(bus.Event{
					Type:      bus.SessionStatusChanged,
					SessionID: id,
					Payload:   map[string]any{"status": string(store.SessionExpired)},
				})
			}
		}
	}
}

func (d *Daemon) writePidFile() error {
	if err := os.MkdirAll(filepath.Dir(d.pidFile), 0o755); err != nil {
		return err
	}
	return os.WriteFile(d.pidFile, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644)
}

// providerSpecs maps configured LLM providers onto supervisor specs. Only
// command-backed providers are launchable; API-only entries stay resolvable
// for model validation.
func providerSpecs(providers map[string]config.ProviderConfig) map[string]agent.ProviderSpec {
	if len(providers) == 0 {
		return nil
	}
	specs := make(map[string]agent.ProviderSpec, len(providers))
	for name, p := range providers {
		specs[name] = agent.ProviderSpec{
			Name:    name,
			Command: p.Command,
		}
	}
	return specs
}

// webhookEndpoints maps config entries onto dispatcher endpoints.
func webhookEndpoints(hooks []config.WebhookConfig) []webhook.Endpoint {
	eps := make([]webhook.Endpoint, 0, len(hooks))
	for _, h := range hooks {
		eps = append(eps, webhook.Endpoint{
			URL:        h.URL,
			Events:     h.Events,
			Transform:  h.Transform,
			MaxRetries: h.MaxRetries,
		})
	}
	return eps
}
