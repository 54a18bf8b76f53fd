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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 9119, cfg.DaemonPort)
	assert.True(t, cfg.Workflow.Enabled)
	assert.Equal(t, 30, cfg.Workflow.Timeout)
	assert.Equal(t, 1, cfg.Agents.MaxDepth)
	assert.Equal(t, "merge", cfg.Worktrees.SyncStrategy)
	assert.Equal(t, "127.0.0.1:9119", cfg.ListenAddr())
}

func TestLoadMergesUserAndProject(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOBBY_HOME", home)

	userYAML := `
daemon_port: 9200
workflow:
  timeout: 10
agents:
  max_depth: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte(userYAML), 0o644))

	project := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(project, ".gobby"), 0o755))
	projectYAML := `
workflow:
  timeout: 5
`
	require.NoError(t, os.WriteFile(filepath.Join(project, ".gobby", "config.yaml"), []byte(projectYAML), 0o644))

	cfg, err := Load(project)
	require.NoError(t, err)

	// User-global values survive, project values shadow.
	assert.Equal(t, 9200, cfg.DaemonPort)
	assert.Equal(t, 5, cfg.Workflow.Timeout)
	assert.Equal(t, 2, cfg.Agents.MaxDepth)
}

func TestLoadMissingFilesUsesDefaults(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().DaemonPort, cfg.DaemonPort)
}

func TestLoadEnvPortOverride(t *testing.T) {
	t.Setenv("GOBBY_HOME", t.TempDir())
	t.Setenv("GOBBY_PORT", "9555")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9555, cfg.DaemonPort)
}

func TestLoadRejectsBadYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("GOBBY_HOME", home)
	require.NoError(t, os.WriteFile(filepath.Join(home, "config.yaml"), []byte("daemon_port: [oops"), 0o644))

	_, err := Load("")
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"port zero", func(c *Config) { c.DaemonPort = 0 }, "daemon_port"},
		{"negative timeout", func(c *Config) { c.Workflow.Timeout = -1 }, "workflow.timeout"},
		{"bad sync strategy", func(c *Config) { c.Worktrees.SyncStrategy = "cherry" }, "worktrees.sync_strategy"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			var verr *gerrors.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
		})
	}
}
