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
	"fmt"
	"time"

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

const sessionColumns = `id, external_id, machine_id, source, project_id, ordinal,
	parent_session_id, agent_depth, spawned_by_agent_id, status, title, cwd,
	git_branch, summary_markdown, compact_markdown, created_at, updated_at`

// UpsertSession creates a session or updates the mutable fields of the row
// with the same (external_id, machine_id, source). The per-project ordinal is
// assigned on insert.
func (s *Store) UpsertSession(ctx context.Context, sess *Session) (*Session, error) {
	existing, err := s.FindCurrent(ctx, sess.ExternalID, sess.MachineID, sess.Source)
	if err != nil && !gerrors.IsNotFound(err) {
		return nil, err
	}

	if existing != nil {
		err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE sessions SET cwd = ?, git_branch = ?, title = CASE WHEN ? != '' THEN ? ELSE title END,
				 updated_at = ? WHERE id = ?`,
				strArg(sess.Cwd), strArg(sess.GitBranch), sess.Title, sess.Title, now(), existing.ID)
			if err != nil {
				return mapSQLError(err, "session", existing.ID)
			}
			rec.record("sessions", OpUpdate, existing.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return s.GetSession(ctx, existing.ID)
	}

	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	if sess.Status == "" {
		sess.Status = SessionActive
	}
	ts := now()
	err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		var ordinal int
		if err := tx.QueryRowContext(ctx,
			`SELECT ifnull(max(ordinal), 0) + 1 FROM sessions WHERE project_id IS ?`,
			strArg(sess.ProjectID)).Scan(&ordinal); err != nil {
			return fmt.Errorf("assigning ordinal: %w", err)
		}
		sess.Ordinal = ordinal

		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			sess.ID, sess.ExternalID, sess.MachineID, sess.Source,
			strArg(sess.ProjectID), sess.Ordinal, strArg(sess.ParentSessionID),
			sess.AgentDepth, strArg(sess.SpawnedByAgentID), string(sess.Status),
			strArg(sess.Title), strArg(sess.Cwd), strArg(sess.GitBranch),
			strArg(sess.SummaryMarkdown), strArg(sess.CompactMarkdown), ts, ts)
		if err != nil {
			return mapSQLError(err, "session", sess.ID)
		}
		rec.record("sessions", OpInsert, sess.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSession(ctx, sess.ID)
}

// GetSession retrieves a session by internal id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id), id)
}

// FindCurrent returns the session with the given composite identity.
func (s *Store) FindCurrent(ctx context.Context, externalID, machineID, source string) (*Session, error) {
	key := fmt.Sprintf("%s/%s/%s", externalID, machineID, source)
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE external_id = ? AND machine_id = ? AND source = ?`,
		externalID, machineID, source), key)
}

// FindChildren returns all direct children of a session.
func (s *Store) FindChildren(ctx context.Context, parentID string) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE parent_session_id = ?
		 ORDER BY created_at`, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindLatestHandoff returns the most recent handoff_ready session for a
// project.
func (s *Store) FindLatestHandoff(ctx context.Context, projectID string) (*Session, error) {
	return scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE project_id = ? AND status = 'handoff_ready'
		 ORDER BY updated_at DESC LIMIT 1`, projectID), projectID)
}

// ListSessions returns sessions, optionally filtered by project and status.
func (s *Store) ListSessions(ctx context.Context, projectID string, status SessionStatus, limit int) ([]*Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE 1=1`
	var args []any
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// FindSessionByOrdinal resolves the #N short form within a project.
func (s *Store) FindSessionByOrdinal(ctx context.Context, projectID string, ordinal int) (*Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE ordinal = ?`
	args := []any{ordinal}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	return scanSession(s.db.QueryRowContext(ctx, q, args...), fmt.Sprintf("#%d", ordinal))
}

// FindSessionsByPrefix returns all sessions whose UUID starts with prefix,
// capped so ambiguous-prefix errors can list candidates.
func (s *Store) FindSessionsByPrefix(ctx context.Context, projectID, prefix string, limit int) ([]*Session, error) {
	q := `SELECT ` + sessionColumns + ` FROM sessions WHERE id LIKE ? || '%'`
	args := []any{prefix}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	q += ` LIMIT ?`
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SetSessionStatus writes a new status. Transition legality is enforced by
// the session registry; the store only persists.
func (s *Store) SetSessionStatus(ctx context.Context, id string, status SessionStatus) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), now(), id)
		if err != nil {
			return mapSQLError(err, "session", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "session", ID: id}
		}
		rec.record("sessions", OpUpdate, id)
		return nil
	})
}

// UpdateSessionSummary sets the summary and/or compact markdown.
func (s *Store) UpdateSessionSummary(ctx context.Context, id, summary, compact string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE sessions SET
				summary_markdown = CASE WHEN ? != '' THEN ? ELSE summary_markdown END,
				compact_markdown = CASE WHEN ? != '' THEN ? ELSE compact_markdown END,
				updated_at = ?
			 WHERE id = ?`,
			summary, summary, compact, compact, now(), id)
		if err != nil {
			return mapSQLError(err, "session", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "session", ID: id}
		}
		rec.record("sessions", OpUpdate, id)
		return nil
	})
}

// ExpireIdleSessions moves active/paused sessions idle past the cutoff to
// expired, returning the ids it touched.
func (s *Store) ExpireIdleSessions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM sessions WHERE status IN ('active','paused') AND updated_at < ?`,
		cutoff.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()

	for _, id := range ids {
		if err := s.SetSessionStatus(ctx, id, SessionExpired); err != nil {
			return ids, err
		}
	}
	return ids, nil
}

func scanSession(row *sql.Row, id string) (*Session, error) {
	var sess Session
	var projectID, parentID, spawnedBy, title, cwd, branch, summary, compact, status sql.NullString
	var created, updated sql.NullString
	err := row.Scan(&sess.ID, &sess.ExternalID, &sess.MachineID, &sess.Source,
		&projectID, &sess.Ordinal, &parentID, &sess.AgentDepth, &spawnedBy,
		&status, &title, &cwd, &branch, &summary, &compact, &created, &updated)
	if err != nil {
		return nil, mapSQLError(err, "session", id)
	}
	sess.ProjectID = str(projectID)
	sess.ParentSessionID = str(parentID)
	sess.SpawnedByAgentID = str(spawnedBy)
	sess.Status = SessionStatus(str(status))
	sess.Title = str(title)
	sess.Cwd = str(cwd)
	sess.GitBranch = str(branch)
	sess.SummaryMarkdown = str(summary)
	sess.CompactMarkdown = str(compact)
	sess.CreatedAt = parseTime(created)
	sess.UpdatedAt = parseTime(updated)
	return &sess, nil
}

func scanSessions(rows *sql.Rows) ([]*Session, error) {
	var out []*Session
	for rows.Next() {
		var sess Session
		var projectID, parentID, spawnedBy, title, cwd, branch, summary, compact, status sql.NullString
		var created, updated sql.NullString
		err := rows.Scan(&sess.ID, &sess.ExternalID, &sess.MachineID, &sess.Source,
			&projectID, &sess.Ordinal, &parentID, &sess.AgentDepth, &spawnedBy,
			&status, &title, &cwd, &branch, &summary, &compact, &created, &updated)
		if err != nil {
			return nil, err
		}
		sess.ProjectID = str(projectID)
		sess.ParentSessionID = str(parentID)
		sess.SpawnedByAgentID = str(spawnedBy)
		sess.Status = SessionStatus(str(status))
		sess.Title = str(title)
		sess.Cwd = str(cwd)
		sess.GitBranch = str(branch)
		sess.SummaryMarkdown = str(summary)
		sess.CompactMarkdown = str(compact)
		sess.CreatedAt = parseTime(created)
		sess.UpdatedAt = parseTime(updated)
		out = append(out, &sess)
	}
	return out, rows.Err()
}

// CreateChildSessionAndRun inserts the child session row and its agent run in
// one transaction so a crash cannot leave a run without its session.
func (s *Store) CreateChildSessionAndRun(ctx context.Context, child *Session, run *AgentRun) error {
	if child.ID == "" {
		child.ID = uuid.New().String()
	}
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	if child.Status == "" {
		child.Status = SessionActive
	}
	if run.Status == "" {
		run.Status = RunPending
	}
	run.ChildSessionID = child.ID
	ts := now()

	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		var ordinal int
		if err := tx.QueryRowContext(ctx,
			`SELECT ifnull(max(ordinal), 0) + 1 FROM sessions WHERE project_id IS ?`,
			strArg(child.ProjectID)).Scan(&ordinal); err != nil {
			return fmt.Errorf("assigning ordinal: %w", err)
		}
		child.Ordinal = ordinal

		_, err := tx.ExecContext(ctx,
			`INSERT INTO sessions (`+sessionColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			child.ID, child.ExternalID, child.MachineID, child.Source,
			strArg(child.ProjectID), child.Ordinal, strArg(child.ParentSessionID),
			child.AgentDepth, strArg(child.SpawnedByAgentID), string(child.Status),
			strArg(child.Title), strArg(child.Cwd), strArg(child.GitBranch),
			nil, nil, ts, ts)
		if err != nil {
			return mapSQLError(err, "session", child.ID)
		}
		rec.record("sessions", OpInsert, child.ID)

		_, err = tx.ExecContext(ctx,
			`INSERT INTO agent_runs (id, parent_session_id, child_session_id, workflow_name,
				prompt, provider, model, mode, status, timeout_minutes, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.ParentSessionID, run.ChildSessionID, strArg(run.WorkflowName),
			run.Prompt, strArg(run.Provider), strArg(run.Model), string(run.Mode),
			string(run.Status), run.TimeoutMinutes, ts)
		if err != nil {
			return mapSQLError(err, "agent_run", run.ID)
		}
		rec.record("agent_runs", OpInsert, run.ID)
		return nil
	})
}
