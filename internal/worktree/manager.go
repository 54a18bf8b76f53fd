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

// Package worktree maps logical branch names to isolated git working
// directories. Claim and release are store-level CAS operations; everything
// that touches git goes through here, serialized per worktree.
package worktree

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Config tunes the manager.
type Config struct {
	// BaseDir holds the worktree directories; default <repo>/.gobby/worktrees.
	BaseDir string
	// SyncStrategy is "merge" or "rebase". Default merge.
	SyncStrategy string
	// StaleThreshold marks worktrees untouched this long. Default 24h.
	StaleThreshold time.Duration
	// CleanupBatch bounds one cleanup pass. Default 10.
	CleanupBatch int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{
		SyncStrategy:   "merge",
		StaleThreshold: 24 * time.Hour,
		CleanupBatch:   10,
	}
}

// Manager owns the branch-to-directory map.
type Manager struct {
	store  *store.Store
	git    GitRunner
	logger *slog.Logger
	cfg    Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires a manager with the real git binary.
func New(s *store.Store, logger *slog.Logger, cfg Config) *Manager {
	return NewWithGit(s, ExecGit{}, logger, cfg)
}

// NewWithGit wires a manager with an explicit git runner.
func NewWithGit(s *store.Store, git GitRunner, logger *slog.Logger, cfg Config) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.SyncStrategy == "" {
		cfg.SyncStrategy = def.SyncStrategy
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = def.StaleThreshold
	}
	if cfg.CleanupBatch <= 0 {
		cfg.CleanupBatch = def.CleanupBatch
	}
	return &Manager{
		store:  s,
		git:    git,
		logger: log.WithComponent(logger, "worktree"),
		cfg:    cfg,
		locks:  map[string]*sync.Mutex{},
	}
}

// lock serializes git operations on one worktree.
func (m *Manager) lock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.locks[id]; !ok {
		m.locks[id] = &sync.Mutex{}
	}
	return m.locks[id]
}

// Create ensures the branch exists (created from base when missing), adds a
// worktree at a stable path derived from project and branch, and records the
// row. Creating a branch that already has a worktree returns the existing
// record.
func (m *Manager) Create(ctx context.Context, projectID, branch, base, taskID string) (*store.Worktree, error) {
	if projectID == "" {
		return nil, &gerrors.ValidationError{
			Field:      "project_id",
			Message:    "worktrees need a project scope",
			Suggestion: "call from a session registered inside a project",
		}
	}
	if branch == "" {
		return nil, &gerrors.ValidationError{Field: "branch", Message: "required"}
	}
	if base == "" {
		base = "main"
	}

	if existing, err := m.store.GetWorktreeByBranch(ctx, projectID, branch); err == nil {
		return existing, nil
	} else if !gerrors.IsNotFound(err) {
		return nil, err
	}

	proj, err := m.store.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	repo := proj.RepoPath

	// Branch may not exist yet.
	if _, err := m.git.Run(ctx, repo, "rev-parse", "--verify", "refs/heads/"+branch); err != nil {
		if _, err := m.git.Run(ctx, repo, "branch", branch, base); err != nil {
			return nil, err
		}
	}

	path := m.worktreePath(repo, branch)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, &gerrors.ExternalError{System: "filesystem", Message: err.Error(), Cause: err}
	}
	if _, err := m.git.Run(ctx, repo, "worktree", "add", path, branch); err != nil {
		return nil, err
	}

	return m.store.CreateWorktree(ctx, &store.Worktree{
		ProjectID:    projectID,
		BranchName:   branch,
		BaseBranch:   base,
		WorktreePath: path,
		TaskID:       taskID,
	})
}

// worktreePath is stable for a (repo, branch) pair so re-creation lands in
// the same place.
func (m *Manager) worktreePath(repo, branch string) string {
	base := m.cfg.BaseDir
	if base == "" {
		base = filepath.Join(repo, ".gobby", "worktrees")
	}
	safe := strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(branch)
	return filepath.Join(base, safe)
}

// Sync pulls the source branch's commits into the worktree branch, by merge
// or rebase per configuration, and stamps the sync time.
func (m *Manager) Sync(ctx context.Context, id, sourceBranch string) (*store.Worktree, error) {
	wt, err := m.store.GetWorktree(ctx, id)
	if err != nil {
		return nil, err
	}
	if sourceBranch == "" {
		sourceBranch = wt.BaseBranch
	}

	l := m.lock(wt.ID)
	l.Lock()
	defer l.Unlock()

	verb := "merge"
	if m.cfg.SyncStrategy == "rebase" {
		verb = "rebase"
	}
	if _, err := m.git.Run(ctx, wt.WorktreePath, verb, sourceBranch); err != nil {
		return nil, err
	}
	if err := m.store.TouchWorktreeSynced(ctx, wt.ID); err != nil {
		return nil, err
	}
	return m.store.GetWorktree(ctx, wt.ID)
}

// Delete removes the git worktree and marks the record abandoned. An active
// claim blocks deletion unless force is set.
func (m *Manager) Delete(ctx context.Context, id string, force bool) error {
	wt, err := m.store.GetWorktree(ctx, id)
	if err != nil {
		return err
	}
	if wt.AgentSessionID != "" && !force {
		return &gerrors.ConflictError{
			Resource: "worktree", ID: id,
			Message: "claimed by a session", Holder: wt.AgentSessionID,
		}
	}

	l := m.lock(wt.ID)
	l.Lock()
	defer l.Unlock()

	proj, err := m.store.GetProject(ctx, wt.ProjectID)
	if err != nil {
		return err
	}
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, wt.WorktreePath)
	if _, err := m.git.Run(ctx, proj.RepoPath, args...); err != nil {
		// A directory already gone is not a failure worth keeping the row for.
		if _, statErr := os.Stat(wt.WorktreePath); statErr == nil {
			return err
		}
		m.logger.Debug("worktree directory already removed", "path", wt.WorktreePath)
	}

	if err := m.store.ReleaseWorktree(ctx, wt.ID); err != nil {
		return err
	}
	return m.store.SetWorktreeStatus(ctx, wt.ID, store.WorktreeAbandoned)
}

// Reconcile compares recorded directories against the filesystem. A row
// whose directory vanished while the daemon was down is released and marked
// abandoned; the git metadata is already gone with the directory.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	active, err := m.store.ListWorktrees(ctx, "", store.WorktreeActive)
	if err != nil {
		return 0, err
	}
	stale, err := m.store.ListWorktrees(ctx, "", store.WorktreeStale)
	if err != nil {
		return 0, err
	}

	reconciled := 0
	for _, wt := range append(active, stale...) {
		if _, err := os.Stat(wt.WorktreePath); err == nil || !os.IsNotExist(err) {
			continue
		}
		if wt.AgentSessionID != "" {
			if err := m.store.ReleaseWorktree(ctx, wt.ID); err != nil {
				m.logger.Warn("releasing vanished worktree", "worktree", wt.ID, log.Error(err))
				continue
			}
		}
		if err := m.store.SetWorktreeStatus(ctx, wt.ID, store.WorktreeAbandoned); err != nil {
			m.logger.Warn("reconciling worktree", "worktree", wt.ID, log.Error(err))
			continue
		}
		m.logger.Info("worktree directory missing, marked abandoned",
			"worktree", wt.ID, "branch", wt.BranchName, "path", wt.WorktreePath)
		reconciled++
	}
	return reconciled, nil
}

// MarkStale flags active worktrees untouched past the threshold.
func (m *Manager) MarkStale(ctx context.Context) (int, error) {
	stale, err := m.store.StaleWorktrees(ctx, time.Now().Add(-m.cfg.StaleThreshold))
	if err != nil {
		return 0, err
	}
	marked := 0
	for _, wt := range stale {
		if err := m.store.SetWorktreeStatus(ctx, wt.ID, store.WorktreeStale); err != nil {
			m.logger.Warn("marking stale worktree", "worktree", wt.ID, log.Error(err))
			continue
		}
		marked++
	}
	return marked, nil
}

// CleanupStale deletes stale worktrees, at most one batch per call, each
// item committing independently so a bad worktree cannot wedge the pass.
func (m *Manager) CleanupStale(ctx context.Context) (int, error) {
	stale, err := m.store.ListWorktrees(ctx, "", store.WorktreeStale)
	if err != nil {
		return 0, err
	}
	if len(stale) > m.cfg.CleanupBatch {
		stale = stale[:m.cfg.CleanupBatch]
	}
	cleaned := 0
	for _, wt := range stale {
		if err := m.Delete(ctx, wt.ID, true); err != nil {
			m.logger.Warn("cleanup failed", "worktree", wt.ID, "branch", wt.BranchName, log.Error(err))
			continue
		}
		cleaned++
	}
	return cleaned, nil
}

// RunJanitor loops stale detection and cleanup until the context ends.
func (m *Manager) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := m.MarkStale(ctx); err != nil {
				m.logger.Warn("stale scan failed", log.Error(err))
			} else if n > 0 {
				m.logger.Info("marked stale worktrees", "count", n)
			}
			if n, err := m.CleanupStale(ctx); err != nil {
				m.logger.Warn("cleanup pass failed", log.Error(err))
			} else if n > 0 {
				m.logger.Info("cleaned stale worktrees", "count", n)
			}
		}
	}
}
