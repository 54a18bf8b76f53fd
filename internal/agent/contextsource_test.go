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

package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func TestRenderPrompt(t *testing.T) {
	// Empty context passes the prompt through untouched.
	assert.Equal(t, "fix the bug", renderPrompt("", "", "fix the bug"))

	out := renderPrompt("", "the plan", "fix the bug")
	assert.Contains(t, out, "<context>\nthe plan\n</context>")
	assert.Contains(t, out, "fix the bug")

	custom := renderPrompt("CTX={{ context }} TASK={{ prompt }}", "a", "b")
	assert.Equal(t, "CTX=a TASK=b", custom)
}

func TestBuildContextSources(t *testing.T) {
	f := newFixture(t, Config{TranscriptCeiling: 3})
	ctx := context.Background()
	parent := f.seedParent(t, nil)
	require.NoError(t, f.store.UpdateSessionSummary(ctx, parent.ID, "## summary", "compact"))
	parent, err := f.store.GetSession(ctx, parent.ID)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := f.store.AddMessage(ctx, &store.Message{
			SessionID: parent.ID, Role: "user", Content: fmt.Sprintf("msg-%d", i),
		})
		require.NoError(t, err)
	}

	got, err := f.sv.buildContext(ctx, parent, "summary_markdown")
	require.NoError(t, err)
	assert.Equal(t, "## summary", got)

	got, err = f.sv.buildContext(ctx, parent, "compact_markdown")
	require.NoError(t, err)
	assert.Equal(t, "compact", got)

	got, err = f.sv.buildContext(ctx, parent, "session_id:"+parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "## summary", got)

	// transcript:10 clamps to the ceiling of 3.
	got, err = f.sv.buildContext(ctx, parent, "transcript:10")
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(got, "user:"))

	_, err = f.sv.buildContext(ctx, parent, "transcript:zero")
	assert.True(t, gerrors.IsValidation(err))

	_, err = f.sv.buildContext(ctx, parent, "hologram")
	assert.True(t, gerrors.IsValidation(err))

	got, err = f.sv.buildContext(ctx, parent, "")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileContextSource(t *testing.T) {
	f := newFixture(t, Config{FileSizeCap: 16})
	ctx := context.Background()

	root := t.TempDir()
	parent := f.seedParent(t, func(s *store.Session) { s.Cwd = root })

	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.md"), []byte("short note"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "long.md"), []byte(strings.Repeat("x", 100)), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "blob.bin"), []byte{1, 2, 0, 4}, 0o644))

	got, err := f.sv.buildContext(ctx, parent, "file:notes.md")
	require.NoError(t, err)
	assert.Equal(t, "short note", got)

	// Oversized content truncates at the cap.
	got, err = f.sv.buildContext(ctx, parent, "file:long.md")
	require.NoError(t, err)
	assert.Len(t, got, 16)

	_, err = f.sv.buildContext(ctx, parent, "file:blob.bin")
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "binary")

	_, err = f.sv.buildContext(ctx, parent, "file:../outside.txt")
	require.Error(t, err)
	assert.True(t, gerrors.IsValidation(err))
	assert.Contains(t, err.Error(), "path traversal blocked")

	_, err = f.sv.buildContext(ctx, parent, "file:missing.md")
	assert.True(t, gerrors.IsNotFound(err))
}
