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

// Package agent spawns and supervises subagent sessions: depth checks,
// provider resolution, context injection, process launch across four
// execution modes, counter tracking from bus events, and reaping of runs
// that outlive their deadlines.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// ProviderSpec describes how one vendor CLI is invoked.
type ProviderSpec struct {
	// Name of the provider.
	Name string
	// Command is the binary for CLI execution modes.
	Command string
	// Args precede the prompt on the command line.
	Args []string
	// ModelFlag, when set, passes the model override (e.g. "--model").
	ModelFlag string
	// MaxTurnsFlag, when set, passes the turn ceiling.
	MaxTurnsFlag string
}

// DefaultProviders are the built-in vendor CLI invocations.
func DefaultProviders() map[string]ProviderSpec {
	return map[string]ProviderSpec{
		"claude": {
			Name:         "claude",
			Command:      "claude",
			Args:         []string{"-p"},
			ModelFlag:    "--model",
			MaxTurnsFlag: "--max-turns",
		},
		"codex": {
			Name:    "codex",
			Command: "codex",
			Args:    []string{"exec"},
		},
		"gemini": {
			Name:      "gemini",
			Command:   "gemini",
			Args:      []string{"-p"},
			ModelFlag: "-m",
		},
	}
}

// InProcessRunner executes a prompt inside the daemon process. It is
// registered by daemon wiring when a provider library is available; without
// one, in_process spawns are rejected.
type InProcessRunner interface {
	Run(ctx context.Context, run *store.AgentRun, prompt string) (string, error)
}

// Config tunes the supervisor.
type Config struct {
	// MaxAgentDepth caps nesting; a spawn whose child would exceed it is
	// rejected. Default 1.
	MaxAgentDepth int
	// DefaultProvider is the last resort of provider resolution.
	DefaultProvider string
	// Providers overrides or extends the built-in provider table.
	Providers map[string]ProviderSpec
	// DefaultTimeoutMinutes bounds a run that did not pick its own.
	DefaultTimeoutMinutes int
	// PendingCutoff reaps runs that never started. Default 60m.
	PendingCutoff time.Duration
	// TranscriptCeiling clamps transcript:<n> context sources.
	TranscriptCeiling int
	// FileSizeCap truncates file:<path> context sources, in bytes.
	FileSizeCap int
	// TmuxSocket is the socket path for embedded mode; empty uses the
	// default tmux server.
	TmuxSocket string
	// Terminal names the terminal emulator for terminal mode; "auto" or
	// empty picks the first available in priority order.
	Terminal string
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		MaxAgentDepth:         1,
		DefaultProvider:       "claude",
		DefaultTimeoutMinutes: 30,
		PendingCutoff:         60 * time.Minute,
		TranscriptCeiling:     50,
		FileSizeCap:           64 * 1024,
	}
}

// SpawnRequest describes one subagent spawn.
type SpawnRequest struct {
	ParentSessionID string
	Name            string
	Prompt          string
	Mode            store.ExecutionMode
	Workflow        string
	Provider        string
	Model           string
	ContextSource   string
	Template        string
	TimeoutMinutes  int
	MaxTurns        int
}

// Supervisor owns the lifecycle of spawned subagents.
type Supervisor struct {
	store  *store.Store
	engine *workflow.Engine
	bus    *bus.Bus
	logger *slog.Logger
	cfg    Config

	inProcess InProcessRunner

	mu    sync.Mutex
	procs map[string]*os.Process       // run id -> launched process
	stops map[string]context.CancelFunc // run id -> in_process cancel
}

// New wires a supervisor and subscribes it to run counters.
func New(s *store.Store, engine *workflow.Engine, b *bus.Bus, logger *slog.Logger, cfg Config) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxAgentDepth <= 0 {
		cfg.MaxAgentDepth = def.MaxAgentDepth
	}
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = def.DefaultProvider
	}
	if cfg.DefaultTimeoutMinutes <= 0 {
		cfg.DefaultTimeoutMinutes = def.DefaultTimeoutMinutes
	}
	if cfg.PendingCutoff <= 0 {
		cfg.PendingCutoff = def.PendingCutoff
	}
	if cfg.TranscriptCeiling <= 0 {
		cfg.TranscriptCeiling = def.TranscriptCeiling
	}
	if cfg.FileSizeCap <= 0 {
		cfg.FileSizeCap = def.FileSizeCap
	}

	sv := &Supervisor{
		store:  s,
		engine: engine,
		bus:    b,
		logger: log.WithComponent(logger, "agent"),
		cfg:    cfg,
		procs:  map[string]*os.Process{},
		stops:  map[string]context.CancelFunc{},
	}
	sv.subscribeCounters()
	return sv
}

// SetInProcessRunner installs the in-process provider backend.
func (sv *Supervisor) SetInProcessRunner(r InProcessRunner) { sv.inProcess = r }

// subscribeCounters increments turns_used and tool_calls_count on runs from
// events carrying the child session id.
func (sv *Supervisor) subscribeCounters() {
	sv.bus.SubscribeFunc(func(e bus.Event) {
		if e.SessionID == "" {
			return
		}
		turns, tools := 0, 0
		switch e.Type {
		case bus.AfterAgent:
			turns = 1
		case bus.AfterTool:
			tools = 1
		default:
			return
		}
		// Cheap no-op for sessions that are not children of a running run.
		if err := sv.store.IncrementRunCounters(context.Background(), e.SessionID, turns, tools); err != nil {
			sv.logger.Debug("counter update skipped", log.SessionIDKey, e.SessionID, log.Error(err))
		}
	}, bus.AfterAgent, bus.AfterTool)
}

// Spawn runs the full pipeline: depth check, provider resolution, context
// build, atomic session+run creation, then mode-specific launch.
func (sv *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*store.AgentRun, error) {
	if req.Prompt == "" {
		return nil, &gerrors.ValidationError{Field: "prompt", Message: "required"}
	}
	parent, err := sv.store.GetSession(ctx, req.ParentSessionID)
	if err != nil {
		return nil, err
	}

	childDepth := parent.AgentDepth + 1
	if childDepth > sv.cfg.MaxAgentDepth {
		return nil, &gerrors.InvalidStateError{
			Resource:    "session",
			State:       fmt.Sprintf("depth %d", parent.AgentDepth),
			Message:     fmt.Sprintf("spawning would exceed max agent depth %d", sv.cfg.MaxAgentDepth),
			Remediation: "raise max_agent_depth or spawn from a shallower session",
		}
	}

	provider, err := sv.resolveProvider(req)
	if err != nil {
		return nil, err
	}

	injected, err := sv.buildContext(ctx, parent, req.ContextSource)
	if err != nil {
		return nil, err
	}
	prompt := renderPrompt(req.Template, injected, req.Prompt)

	mode := req.Mode
	if mode == "" {
		mode = store.ModeHeadless
	}
	timeout := req.TimeoutMinutes
	if timeout <= 0 {
		timeout = sv.cfg.DefaultTimeoutMinutes
	}

	child := &store.Session{
		ExternalID:      "spawn-" + uuid.New().String(),
		MachineID:       parent.MachineID,
		Source:          provider.Name,
		ProjectID:       parent.ProjectID,
		ParentSessionID: parent.ID,
		AgentDepth:      childDepth,
		Title:           req.Name,
		Cwd:             parent.Cwd,
		GitBranch:       parent.GitBranch,
	}
	run := &store.AgentRun{
		ID:              uuid.New().String(),
		ParentSessionID: parent.ID,
		WorkflowName:    req.Workflow,
		Prompt:          req.Prompt,
		Provider:        provider.Name,
		Model:           req.Model,
		Mode:            mode,
		TimeoutMinutes:  timeout,
	}
	child.SpawnedByAgentID = run.ID
	if err := sv.store.CreateChildSessionAndRun(ctx, child, run); err != nil {
		return nil, err
	}

	if req.Workflow != "" {
		if _, _, err := sv.engine.Activate(ctx, req.Workflow, child.ID, nil, "", false); err != nil {
			sv.logger.Warn("child workflow activation failed",
				log.SessionIDKey, child.ID, log.WorkflowKey, req.Workflow, log.Error(err))
		}
	}

	if err := sv.launch(ctx, run, child, provider, prompt, req.MaxTurns); err != nil {
		// The run row survives; the launch failure is its terminal state.
		if cErr := sv.store.CompleteRun(ctx, run.ID, store.RunError, "", err.Error()); cErr != nil {
			sv.logger.Warn("finalizing failed launch", "run_id", run.ID, log.Error(cErr))
		}
		return nil, err
	}

	sv.bus.Publish(bus.Event{
		Type:      bus.AgentSpawned,
		SessionID: parent.ID,
		ProjectID: parent.ProjectID,
		Payload: map[string]any{
			"run_id":           run.ID,
			"child_session_id": child.ID,
			"mode":             string(mode),
			"provider":         provider.Name,
		},
	})
	return sv.store.GetAgentRun(ctx, run.ID)
}

// resolveProvider applies the fixed lookup order: explicit, workflow
// default, configuration, built-in default.
func (sv *Supervisor) resolveProvider(req SpawnRequest) (ProviderSpec, error) {
	name := req.Provider
	if name == "" && req.Workflow != "" {
		if def, err := sv.engine.Definitions().Get(req.Workflow); err == nil {
			if p, ok := def.Variables["provider"].(string); ok {
				name = p
			}
		}
	}
	if name == "" {
		name = sv.cfg.DefaultProvider
	}

	if spec, ok := sv.cfg.Providers[name]; ok {
		if spec.Name == "" {
			spec.Name = name
		}
		return spec, nil
	}
	if spec, ok := DefaultProviders()[name]; ok {
		return spec, nil
	}
	return ProviderSpec{}, &gerrors.ValidationError{
		Field:      "provider",
		Message:    fmt.Sprintf("unknown provider %q", name),
		Suggestion: "configure it under agents.providers",
	}
}

// Cancel marks the run cancelled and signals its process without waiting
// for exit; the reaper handles the rest.
func (sv *Supervisor) Cancel(ctx context.Context, runID string) error {
	run, err := sv.store.GetAgentRun(ctx, runID)
	if err != nil {
		return err
	}
	switch run.Status {
	case store.RunPending, store.RunRunning:
	default:
		return &gerrors.InvalidStateError{
			Resource: "agent_run", State: string(run.Status),
			Message: "run is already terminal",
		}
	}
	if err := sv.store.CompleteRun(ctx, runID, store.RunCancelled, "", "cancelled"); err != nil {
		return err
	}

	sv.mu.Lock()
	proc := sv.procs[runID]
	stop := sv.stops[runID]
	delete(sv.procs, runID)
	delete(sv.stops, runID)
	sv.mu.Unlock()

	if stop != nil {
		stop()
	}
	if proc != nil {
		if err := proc.Kill(); err != nil {
			sv.logger.Debug("signaling cancelled run", "run_id", runID, log.Error(err))
		}
	}
	sv.publishStop(run, store.RunCancelled)
	return nil
}

// ReapStale finalizes runs pending past the cutoff (error) or running past
// their per-run timeout (timeout). Each run commits independently.
func (sv *Supervisor) ReapStale(ctx context.Context) (int, error) {
	stale, err := sv.store.StaleRuns(ctx, time.Now(), sv.cfg.PendingCutoff)
	if err != nil {
		return 0, err
	}
	reaped := 0
	for _, run := range stale {
		status := store.RunTimeout
		msg := fmt.Sprintf("exceeded %d minute timeout", run.TimeoutMinutes)
		if run.Status == store.RunPending {
			status = store.RunError
			msg = "never started"
		}
		if err := sv.store.CompleteRun(ctx, run.ID, status, "", msg); err != nil {
			sv.logger.Warn("reaping run", "run_id", run.ID, log.Error(err))
			continue
		}
		sv.mu.Lock()
		proc := sv.procs[run.ID]
		delete(sv.procs, run.ID)
		delete(sv.stops, run.ID)
		sv.mu.Unlock()
		if proc != nil {
			_ = proc.Kill()
		}
		sv.publishStop(run, status)
		reaped++
	}
	return reaped, nil
}

// RunReaper loops ReapStale until the context ends.
func (sv *Supervisor) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sv.ReapStale(ctx); err != nil {
				sv.logger.Warn("reaper pass failed", log.Error(err))
			} else if n > 0 {
				sv.logger.Info("reaped stale agent runs", "count", n)
			}
		}
	}
}

// publishStop lets dependent workflows advance when a child ends.
func (sv *Supervisor) publishStop(run *store.AgentRun, status store.AgentRunStatus) {
	sv.bus.Publish(bus.Event{
		Type:      bus.SubagentStop,
		SessionID: run.ParentSessionID,
		Payload: map[string]any{
			"run_id":           run.ID,
			"child_session_id": run.ChildSessionID,
			"status":           string(status),
		},
	})
	sv.bus.Publish(bus.Event{
		Type:      bus.AgentCompleted,
		SessionID: run.ParentSessionID,
		Payload:   map[string]any{"run_id": run.ID, "status": string(status)},
	})
}

// finish records a terminal status reached by a launch goroutine.
func (sv *Supervisor) finish(run *store.AgentRun, status store.AgentRunStatus, result, errMsg string) {
	ctx := context.Background()
	if err := sv.store.CompleteRun(ctx, run.ID, status, result, errMsg); err != nil {
		// Cancel or the reaper got there first.
		sv.logger.Debug("run already finalized", "run_id", run.ID, log.Error(err))
		return
	}
	sv.mu.Lock()
	delete(sv.procs, run.ID)
	delete(sv.stops, run.ID)
	sv.mu.Unlock()
	sv.publishStop(run, status)
}
