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

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

const agentRunColumns = `id, parent_session_id, child_session_id, workflow_name, prompt,
	provider, model, mode, status, turns_used, tool_calls_count, timeout_minutes,
	result, error, created_at, started_at, completed_at`

// GetAgentRun retrieves a run by id.
func (s *Store) GetAgentRun(ctx context.Context, id string) (*AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanAgentRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "agent_run", ID: id}
	}
	return runs[0], nil
}

// GetAgentRunByChildSession retrieves the run that spawned a child session.
func (s *Store) GetAgentRunByChildSession(ctx context.Context, childSessionID string) (*AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE child_session_id = ?
		 ORDER BY created_at DESC LIMIT 1`, childSessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanAgentRuns(rows)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "agent_run", ID: childSessionID}
	}
	return runs[0], nil
}

// ListAgentRuns returns runs for a parent session (all when empty).
func (s *Store) ListAgentRuns(ctx context.Context, parentSessionID string, status AgentRunStatus) ([]*AgentRun, error) {
	q := `SELECT ` + agentRunColumns + ` FROM agent_runs WHERE 1=1`
	var args []any
	if parentSessionID != "" {
		q += ` AND parent_session_id = ?`
		args = append(args, parentSessionID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY created_at DESC`
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanAgentRuns(rows)
}

// MarkRunStarted moves pending -> running and stamps started_at.
func (s *Store) MarkRunStarted(ctx context.Context, id string) error {
	return s.transitionRun(ctx, id,
		`UPDATE agent_runs SET status = 'running', started_at = ? WHERE id = ? AND status = 'pending'`,
		now(), id)
}

// CompleteRun finalizes a run with a terminal status.
func (s *Store) CompleteRun(ctx context.Context, id string, status AgentRunStatus, result, errMsg string) error {
	switch status {
	case RunSuccess, RunError, RunTimeout, RunCancelled:
	default:
		return &gerrors.ValidationError{Field: "status", Message: "not a terminal status: " + string(status)}
	}
	return s.transitionRun(ctx, id,
		`UPDATE agent_runs SET status = ?, result = ?, error = ?, completed_at = ?
		 WHERE id = ? AND status IN ('pending','running')`,
		string(status), strArg(result), strArg(errMsg), now(), id)
}

// IncrementRunCounters bumps turn/tool counters from observed events.
func (s *Store) IncrementRunCounters(ctx context.Context, childSessionID string, turns, toolCalls int) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`UPDATE agent_runs SET turns_used = turns_used + ?, tool_calls_count = tool_calls_count + ?
			 WHERE child_session_id = ? AND status = 'running'`,
			turns, toolCalls, childSessionID)
		if err != nil {
			return mapSQLError(err, "agent_run", childSessionID)
		}
		rec.record("agent_runs", OpUpdate, childSessionID)
		return nil
	})
}

// StaleRuns returns runs eligible for reaping: pending past pendingCutoff, or
// running past their per-run timeout.
func (s *Store) StaleRuns(ctx context.Context, nowT time.Time, pendingCutoff time.Duration) ([]*AgentRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+agentRunColumns+` FROM agent_runs WHERE status IN ('pending','running')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	runs, err := scanAgentRuns(rows)
	if err != nil {
		return nil, err
	}

	var stale []*AgentRun
	for _, r := range runs {
		switch r.Status {
		case RunPending:
			if nowT.Sub(r.CreatedAt) > pendingCutoff {
				stale = append(stale, r)
			}
		case RunRunning:
			timeout := time.Duration(r.TimeoutMinutes) * time.Minute
			start := r.StartedAt
			if start.IsZero() {
				start = r.CreatedAt
			}
			if nowT.Sub(start) > timeout {
				stale = append(stale, r)
			}
		}
	}
	return stale, nil
}

func (s *Store) transitionRun(ctx context.Context, id, query string, args ...any) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return mapSQLError(err, "agent_run", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			// Either missing or already in a terminal state. Check on the
			// same connection; the writer holds the pool's only one.
			var exists int
			if err := tx.QueryRowContext(ctx,
				`SELECT count(*) FROM agent_runs WHERE id = ?`, id).Scan(&exists); err != nil {
				return err
			}
			if exists == 0 {
				return &gerrors.NotFoundError{Resource: "agent_run", ID: id}
			}
			return &gerrors.InvalidStateError{
				Resource: "agent_run",
				Message:  "run is not in a state that allows this transition",
			}
		}
		rec.record("agent_runs", OpUpdate, id)
		return nil
	})
}

func scanAgentRuns(rows *sql.Rows) ([]*AgentRun, error) {
	var out []*AgentRun
	for rows.Next() {
		var r AgentRun
		var child, wf, provider, model, result, errMsg sql.NullString
		var created, started, completed sql.NullString
		err := rows.Scan(&r.ID, &r.ParentSessionID, &child, &wf, &r.Prompt,
			&provider, &model, &r.Mode, &r.Status, &r.TurnsUsed, &r.ToolCallsCount,
			&r.TimeoutMinutes, &result, &errMsg, &created, &started, &completed)
		if err != nil {
			return nil, err
		}
		r.ChildSessionID = str(child)
		r.WorkflowName = str(wf)
		r.Provider = str(provider)
		r.Model = str(model)
		r.Result = str(result)
		r.Error = str(errMsg)
		r.CreatedAt = parseTime(created)
		r.StartedAt = parseTime(started)
		r.CompletedAt = parseTime(completed)
		out = append(out, &r)
	}
	return out, rows.Err()
}
