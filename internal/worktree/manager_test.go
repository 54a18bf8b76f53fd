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

package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// fakeGit records commands and simulates branch existence without a repo.
type fakeGit struct {
	mu       sync.Mutex
	commands []string
	branches map[string]bool
	failOn   string // substring failing the command
}

func (g *fakeGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cmd := strings.Join(args, " ")
	g.commands = append(g.commands, cmd)

	if g.failOn != "" && strings.Contains(cmd, g.failOn) {
		return "", &gerrors.ExternalError{System: "git", Message: "git " + cmd + ": simulated failure"}
	}
	switch args[0] {
	case "rev-parse":
		branch := strings.TrimPrefix(args[len(args)-1], "refs/heads/")
		if !g.branches[branch] {
			return "", &gerrors.ExternalError{System: "git", Message: "unknown revision"}
		}
		return "abc123", nil
	case "branch":
		if g.branches == nil {
			g.branches = map[string]bool{}
		}
		g.branches[args[1]] = true
	}
	return "", nil
}

func (g *fakeGit) ran(substr string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, c := range g.commands {
		if strings.Contains(c, substr) {
			return true
		}
	}
	return false
}

type fixture struct {
	m       *Manager
	store   *store.Store
	git     *fakeGit
	project *store.Project
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	proj, err := st.UpsertProject(context.Background(), &store.Project{
		Name: "demo", RepoPath: t.TempDir(),
	})
	require.NoError(t, err)

	git := &fakeGit{branches: map[string]bool{"main": true}}
	return &fixture{
		m:       NewWithGit(st, git, nil, cfg),
		store:   st,
		git:     git,
		project: proj,
	}
}

func TestCreateMakesBranchFromBase(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	wt, err := f.m.Create(ctx, f.project.ID, "feat/login", "main", "")
	require.NoError(t, err)
	assert.Equal(t, "feat/login", wt.BranchName)
	assert.Equal(t, "main", wt.BaseBranch)
	assert.Equal(t, store.WorktreeActive, wt.Status)

	// Missing branch is created from base before the worktree is added.
	assert.True(t, f.git.ran("branch feat/login main"))
	assert.True(t, f.git.ran("worktree add"))

	// Path is stable and slash-safe under the repo.
	assert.Equal(t,
		filepath.Join(f.project.RepoPath, ".gobby", "worktrees", "feat-login"),
		wt.WorktreePath)
}

func TestCreateExistingBranchSkipsBranchCommand(t *testing.T) {
	f := newFixture(t, Config{})
	f.git.branches["feat/x"] = true

	_, err := f.m.Create(context.Background(), f.project.ID, "feat/x", "main", "")
	require.NoError(t, err)
	assert.False(t, f.git.ran("branch feat/x"))
}

func TestCreateIsIdempotentPerBranch(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.m.Create(ctx, f.project.ID, "feat/y", "main", "")
	require.NoError(t, err)
	again, err := f.m.Create(ctx, f.project.ID, "feat/y", "main", "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
}

func TestCreateRequiresProject(t *testing.T) {
	f := newFixture(t, Config{})
	_, err := f.m.Create(context.Background(), "", "feat/z", "", "")
	assert.True(t, gerrors.IsValidation(err))
}

func TestSyncStrategies(t *testing.T) {
	ctx := context.Background()

	merge := newFixture(t, Config{SyncStrategy: "merge"})
	wt, err := merge.m.Create(ctx, merge.project.ID, "feat/a", "main", "")
	require.NoError(t, err)
	synced, err := merge.m.Sync(ctx, wt.ID, "")
	require.NoError(t, err)
	assert.True(t, merge.git.ran("merge main"))
	assert.False(t, synced.LastSyncedAt.IsZero())

	rebase := newFixture(t, Config{SyncStrategy: "rebase"})
	wt, err = rebase.m.Create(ctx, rebase.project.ID, "feat/b", "main", "")
	require.NoError(t, err)
	_, err = rebase.m.Sync(ctx, wt.ID, "develop")
	require.NoError(t, err)
	assert.True(t, rebase.git.ran("rebase develop"))
}

func TestDeleteRespectsClaim(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	wt, err := f.m.Create(ctx, f.project.ID, "feat/held", "main", "")
	require.NoError(t, err)
	require.NoError(t, f.store.ClaimWorktree(ctx, wt.ID, "session-1"))

	err = f.m.Delete(ctx, wt.ID, false)
	require.Error(t, err)
	assert.True(t, gerrors.IsConflict(err))

	require.NoError(t, f.m.Delete(ctx, wt.ID, true))
	assert.True(t, f.git.ran("worktree remove --force"))

	got, err := f.store.GetWorktree(ctx, wt.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorktreeAbandoned, got.Status)
	assert.Empty(t, got.AgentSessionID)
}

func TestDeletePropagatesGitFailureWhenDirExists(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	wt, err := f.m.Create(ctx, f.project.ID, "feat/stuck", "main", "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(wt.WorktreePath, 0o755))
	f.git.failOn = "worktree remove"

	err = f.m.Delete(ctx, wt.ID, true)
	require.Error(t, err)
	assert.True(t, gerrors.IsExternal(err))
}

func TestStaleDetectionAndBoundedCleanup(t *testing.T) {
	f := newFixture(t, Config{StaleThreshold: time.Nanosecond, CleanupBatch: 2})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.m.Create(ctx, f.project.ID, fmt.Sprintf("feat/s%d", i), "main", "")
		require.NoError(t, err)
	}
	time.Sleep(5 * time.Millisecond)

	marked, err := f.m.MarkStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, marked)

	// One batch cleans at most CleanupBatch worktrees.
	cleaned, err := f.m.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, cleaned)

	cleaned, err = f.m.CleanupStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
}

func TestReconcileMarksVanishedDirectories(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	alive, err := f.m.Create(ctx, f.project.ID, "feat/alive", "main", "")
	require.NoError(t, err)
	require.NoError(t, os.MkdirAll(alive.WorktreePath, 0o755))

	sess, err := f.store.UpsertSession(ctx, &store.Session{
		ExternalID: "e1", MachineID: "m1", Source: "vendor-a",
	})
	require.NoError(t, err)
	gone, err := f.m.Create(ctx, f.project.ID, "feat/gone", "main", "")
	require.NoError(t, err)
	require.NoError(t, f.store.ClaimWorktree(ctx, gone.ID, sess.ID))

	n, err := f.m.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	kept, err := f.store.GetWorktree(ctx, alive.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorktreeActive, kept.Status)

	dropped, err := f.store.GetWorktree(ctx, gone.ID)
	require.NoError(t, err)
	assert.Equal(t, store.WorktreeAbandoned, dropped.Status)
	assert.Empty(t, dropped.AgentSessionID)
}
