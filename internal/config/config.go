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

// Package config loads the gobby configuration: a single user-global YAML
// file plus optional per-project overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Config is the root configuration document.
type Config struct {
	// DaemonPort is the loopback TCP port for the HTTP surface.
	DaemonPort int `yaml:"daemon_port"`

	// DaemonHealthCheckInterval is the health probe period in seconds.
	DaemonHealthCheckInterval int `yaml:"daemon_health_check_interval"`

	Workflow         WorkflowConfig            `yaml:"workflow"`
	LLMProviders     map[string]ProviderConfig `yaml:"llm_providers"`
	MemorySync       SyncConfig                `yaml:"memory_sync"`
	SkillSync        SyncConfig                `yaml:"skill_sync"`
	TaskSync         SyncConfig                `yaml:"task_sync"`
	MessageTracking  MessageTrackingConfig     `yaml:"message_tracking"`
	SessionLifecycle SessionLifecycleConfig    `yaml:"session_lifecycle"`
	Tasks            TasksConfig               `yaml:"gobby_tasks"`
	HookExtensions   HookExtensionsConfig      `yaml:"hook_extensions"`
	Agents           AgentsConfig              `yaml:"agents"`
	Worktrees        WorktreesConfig           `yaml:"worktrees"`
}

// WorkflowConfig controls the workflow engine and hook dispatch.
type WorkflowConfig struct {
	// Enabled is the master off-switch. When false the hook dispatcher
	// always returns allow.
	Enabled bool `yaml:"enabled"`

	// Timeout is the per-event deadline in seconds; 0 disables the deadline.
	Timeout int `yaml:"timeout"`

	// StuckStepTimeout is the ceiling in minutes before a session is forced
	// into a reflect/recover step.
	StuckStepTimeout int `yaml:"stuck_step_timeout"`
}

// ProviderConfig configures one LLM provider used by workflow actions and the
// agent supervisor.
type ProviderConfig struct {
	AuthMode string   `yaml:"auth_mode"`
	Models   []string `yaml:"models"`
	APIBase  string   `yaml:"api_base"`
	Command  string   `yaml:"command"`
}

// SyncConfig toggles a file projector (memories or skills).
type SyncConfig struct {
	Enabled bool `yaml:"enabled"`

	// ExportDebounce is the debounce window in seconds (fractions allowed).
	ExportDebounce float64 `yaml:"export_debounce"`

	// Stealth writes to a user-home path rather than the project directory.
	Stealth bool `yaml:"stealth"`
}

// MessageTrackingConfig toggles background transcript ingestion.
type MessageTrackingConfig struct {
	Enabled      bool `yaml:"enabled"`
	PollInterval int  `yaml:"poll_interval"`
}

// SessionLifecycleConfig controls background session state reaping.
type SessionLifecycleConfig struct {
	// ExpireAfter is the idle window in hours before a session expires.
	ExpireAfter int `yaml:"expire_after"`
}

// TasksConfig controls LLM-assisted task operations.
type TasksConfig struct {
	Expansion  TaskExpansionConfig  `yaml:"expansion"`
	Validation TaskValidationConfig `yaml:"validation"`
}

// TaskExpansionConfig controls LLM-assisted task expansion.
type TaskExpansionConfig struct {
	Enabled            bool   `yaml:"enabled"`
	Provider           string `yaml:"provider"`
	Model              string `yaml:"model"`
	Timeout            int    `yaml:"timeout"`
	ResearchTimeout    int    `yaml:"research_timeout"`
	WebResearchEnabled bool   `yaml:"web_research_enabled"`
}

// TaskValidationConfig controls LLM-assisted task validation.
type TaskValidationConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// HookExtensionsConfig lists active webhook endpoints and plugin modules.
type HookExtensionsConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
	Plugins  []string        `yaml:"plugins"`
}

// WebhookConfig is one outbound webhook endpoint.
type WebhookConfig struct {
	URL string `yaml:"url"`

	// Events lists subscribed event types (on_complete, on_failure, or any
	// bus event type).
	Events []string `yaml:"events"`

	// Transform is an optional jq expression applied to the payload before
	// POSTing.
	Transform string `yaml:"transform"`

	// MaxRetries bounds retry attempts (default 3).
	MaxRetries int `yaml:"max_retries"`
}

// AgentsConfig controls the agent supervisor.
type AgentsConfig struct {
	// MaxDepth is the maximum agent nesting depth (default 1).
	MaxDepth int `yaml:"max_depth"`

	// DefaultProvider names the provider used when neither the spawn request
	// nor the workflow specifies one.
	DefaultProvider string `yaml:"default_provider"`

	// RunTimeout is the default running-run reap threshold in minutes.
	RunTimeout int `yaml:"run_timeout"`

	// Terminal selects the terminal app for terminal mode ("auto" picks the
	// first available in the registered priority order).
	Terminal string `yaml:"terminal"`
}

// WorktreesConfig controls the worktree manager.
type WorktreesConfig struct {
	// BasePath is where isolated worktrees are created.
	BasePath string `yaml:"base_path"`

	// SyncStrategy is "merge" or "rebase".
	SyncStrategy string `yaml:"sync_strategy"`

	// StaleAfter is the hours-without-update threshold for stale detection.
	StaleAfter int `yaml:"stale_after"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DaemonPort:                9119,
		DaemonHealthCheckInterval: 30,
		Workflow: WorkflowConfig{
			Enabled:          true,
			Timeout:          30,
			StuckStepTimeout: 30,
		},
		MemorySync:       SyncConfig{ExportDebounce: 1.0},
		SkillSync:        SyncConfig{ExportDebounce: 1.0},
		TaskSync:         SyncConfig{ExportDebounce: 1.0},
		MessageTracking:  MessageTrackingConfig{PollInterval: 15},
		SessionLifecycle: SessionLifecycleConfig{ExpireAfter: 72},
		Agents: AgentsConfig{
			MaxDepth:        1,
			DefaultProvider: "claude",
			RunTimeout:      30,
			Terminal:        "auto",
		},
		Worktrees: WorktreesConfig{
			SyncStrategy: "merge",
			StaleAfter:   72,
		},
	}
}

// Load reads the user-global config and, when projectDir is non-empty, merges
// the per-project override on top. Missing files are not an error; the
// defaults apply.
func Load(projectDir string) (*Config, error) {
	cfg := Default()

	if err := mergeFile(cfg, filepath.Join(UserDir(), "config.yaml")); err != nil {
		return nil, err
	}
	if projectDir != "" {
		if err := mergeFile(cfg, filepath.Join(projectDir, ".gobby", "config.yaml")); err != nil {
			return nil, err
		}
	}

	// Environment overrides for the settings the CLI needs before config
	// is parsed.
	if port := os.Getenv("GOBBY_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, &gerrors.ValidationError{
				Field:      "GOBBY_PORT",
				Message:    fmt.Sprintf("not an integer: %q", port),
				Suggestion: "set GOBBY_PORT to a TCP port number",
			}
		}
		cfg.DaemonPort = p
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return &gerrors.ValidationError{
			Field:      path,
			Message:    fmt.Sprintf("invalid YAML: %s", err),
			Suggestion: "fix the syntax error or remove the file to use defaults",
		}
	}
	return nil
}

// Validate checks invariants that would otherwise surface deep inside
// components.
func (c *Config) Validate() error {
	if c.DaemonPort <= 0 || c.DaemonPort > 65535 {
		return &gerrors.ValidationError{
			Field:   "daemon_port",
			Message: fmt.Sprintf("out of range: %d", c.DaemonPort),
		}
	}
	if c.Workflow.Timeout < 0 {
		return &gerrors.ValidationError{
			Field:   "workflow.timeout",
			Message: "must be >= 0 (0 disables the deadline)",
		}
	}
	if c.Agents.MaxDepth < 0 {
		return &gerrors.ValidationError{
			Field:   "agents.max_depth",
			Message: "must be >= 0",
		}
	}
	switch c.Worktrees.SyncStrategy {
	case "", "merge", "rebase":
	default:
		return &gerrors.ValidationError{
			Field:      "worktrees.sync_strategy",
			Message:    fmt.Sprintf("unknown strategy %q", c.Worktrees.SyncStrategy),
			Suggestion: `use "merge" or "rebase"`,
		}
	}
	return nil
}

// ListenAddr returns the loopback listen address for the HTTP surface.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("127.0.0.1:%d", c.DaemonPort)
}
