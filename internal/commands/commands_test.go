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
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRoot("test")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestRootHasAllCommandGroups(t *testing.T) {
	root := NewRoot("test")
	want := []string{
		"daemon", "hook", "sessions", "tasks", "memories", "skills",
		"agents", "worktrees", "pipelines", "workflows", "mcp", "admin",
	}
	have := map[string]bool{}
	for _, c := range root.Commands() {
		have[c.Name()] = true
	}
	for _, name := range want {
		assert.True(t, have[name], "missing command %q", name)
	}
}

func TestWorkflowValidateAcceptsGoodFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "review.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: review
steps:
  - name: plan
    blocked_tools: [Bash]
  - name: execute
`), 0o644))

	out, err := runCommand(t, "workflows", "validate", path)
	require.NoError(t, err)
	assert.Contains(t, out, "review: valid")
}

func TestWorkflowValidateRejectsBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: [broken\n"), 0o644))

	_, err := runCommand(t, "workflows", "validate", path)
	require.Error(t, err)
}

func TestPipelineValidate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "release.yaml")
	require.NoError(t, os.WriteFile(good, []byte(`
name: release
steps:
  - id: build
    exec: "make build"
  - id: test
    exec: "make test"
    depends_on: [build]
`), 0o644))

	out, err := runCommand(t, "pipelines", "validate", good)
	require.NoError(t, err)
	assert.Contains(t, out, "release: valid (2 steps)")

	bad := filepath.Join(dir, "cyclic.yaml")
	require.NoError(t, os.WriteFile(bad, []byte(`
name: cyclic
steps:
  - id: a
    exec: "echo $b.output"
`), 0o644))
	_, err = runCommand(t, "pipelines", "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown step")
}

func TestUsageErrorsExitWithCode2(t *testing.T) {
	assert.True(t, isUsageError(assert.AnError) == false)
	_, err := runCommand(t, "tasks", "show")
	require.Error(t, err)
	assert.True(t, isUsageError(err), "arg count errors should classify as usage: %v", err)
}
