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

package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

const worktreeColumns = `id, project_id, branch_name, base_branch, worktree_path, status,
	agent_session_id, task_id, last_synced_at, created_at, updated_at`

// CreateWorktree inserts a worktree record.
func (s *Store) CreateWorktree(ctx context.Context, wt *Worktree) (*Worktree, error) {
	if wt.ID == "" {
		wt.ID = uuid.New().String()
	}
	if wt.Status == "" {
		wt.Status = WorktreeActive
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO worktrees (`+worktreeColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			wt.ID, wt.ProjectID, wt.BranchName, wt.BaseBranch, wt.WorktreePath,
			string(wt.Status), strArg(wt.AgentSessionID), strArg(wt.TaskID),
			timeArg(wt.LastSyncedAt), ts, ts)
		if err != nil {
			return mapSQLError(err, "worktree", wt.BranchName)
		}
		rec.record("worktrees", OpInsert, wt.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetWorktree(ctx, wt.ID)
}

// GetWorktree retrieves a worktree by id.
func (s *Store) GetWorktree(ctx context.Context, id string) (*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	wts, err := scanWorktrees(rows)
	if err != nil {
		return nil, err
	}
	if len(wts) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "worktree", ID: id}
	}
	return wts[0], nil
}

// GetWorktreeByBranch retrieves a worktree by (project, branch).
func (s *Store) GetWorktreeByBranch(ctx context.Context, projectID, branch string) (*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE project_id = ? AND branch_name = ?`,
		projectID, branch)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	wts, err := scanWorktrees(rows)
	if err != nil {
		return nil, err
	}
	if len(wts) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "worktree", ID: branch}
	}
	return wts[0], nil
}

// ListWorktrees returns worktrees for a project, optionally by status.
func (s *Store) ListWorktrees(ctx context.Context, projectID string, status WorktreeStatus) ([]*Worktree, error) {
	q := `SELECT ` + worktreeColumns + ` FROM worktrees WHERE 1=1`
	var args []any
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorktrees(rows)
}

// ClaimWorktree CASes agent_session_id from NULL to sessionID. A lost race
// returns Conflict carrying the holder.
func (s *Store) ClaimWorktree(ctx context.Context, id, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE worktrees SET agent_session_id = ?, updated_at = ?
			 WHERE id = ? AND agent_session_id IS NULL AND status = 'active'`,
			sessionID, now(), id)
		if err != nil {
			return mapSQLError(err, "worktree", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			var holder sql.NullString
			var status string
			err := tx.QueryRowContext(ctx,
				`SELECT agent_session_id, status FROM worktrees WHERE id = ?`, id).
				Scan(&holder, &status)
			if err != nil {
				return mapSQLError(err, "worktree", id)
			}
			if holder.Valid && holder.String == sessionID {
				return nil // idempotent re-claim
			}
			if holder.Valid {
				return &gerrors.ConflictError{
					Resource: "worktree", ID: id,
					Message: "already claimed", Holder: holder.String,
				}
			}
			return &gerrors.InvalidStateError{
				Resource: "worktree", State: status,
				Message: "only active worktrees can be claimed",
			}
		}
		rec.record("worktrees", OpUpdate, id)
		return nil
	})
}

// ReleaseWorktree clears the claim. Releasing an unclaimed worktree is a
// no-op.
func (s *Store) ReleaseWorktree(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE worktrees SET agent_session_id = NULL, updated_at = ? WHERE id = ?`,
			now(), id)
		if err != nil {
			return mapSQLError(err, "worktree", id)
		}
		rec.record("worktrees", OpUpdate, id)
		return nil
	})
}

// SetWorktreeStatus writes a new status.
func (s *Store) SetWorktreeStatus(ctx context.Context, id string, status WorktreeStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE worktrees SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now(), id)
		if err != nil {
			return mapSQLError(err, "worktree", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "worktree", ID: id}
		}
		rec.record("worktrees", OpUpdate, id)
		return nil
	})
}

// TouchWorktreeSynced stamps last_synced_at after a successful sync.
func (s *Store) TouchWorktreeSynced(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE worktrees SET last_synced_at = ?, updated_at = ? WHERE id = ?`,
			now(), now(), id)
		if err != nil {
			return mapSQLError(err, "worktree", id)
		}
		rec.record("worktrees", OpUpdate, id)
		return nil
	})
}

// StaleWorktrees returns active worktrees not updated since the cutoff.
func (s *Store) StaleWorktrees(ctx context.Context, cutoff time.Time) ([]*Worktree, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+worktreeColumns+` FROM worktrees WHERE status = 'active' AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorktrees(rows)
}

func scanWorktrees(rows *sql.Rows) ([]*Worktree, error) {
	var out []*Worktree
	for rows.Next() {
		var wt Worktree
		var sessionID, taskID, synced sql.NullString
		var created, updated sql.NullString
		err := rows.Scan(&wt.ID, &wt.ProjectID, &wt.BranchName, &wt.BaseBranch,
			&wt.WorktreePath, &wt.Status, &sessionID, &taskID, &synced, &created, &updated)
		if err != nil {
			return nil, err
		}
		wt.AgentSessionID = str(sessionID)
		wt.TaskID = str(taskID)
		wt.LastSyncedAt = parseTime(synced)
		wt.CreatedAt = parseTime(created)
		wt.UpdatedAt = parseTime(updated)
		out = append(out, &wt)
	}
	return out, rows.Err()
}
