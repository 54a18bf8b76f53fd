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

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

const workflowStateColumns = `session_id, workflow_name, kind, enabled, current_step,
	step_entered_at, step_action_count, total_action_count, observations,
	reflection_pending, context_injected, variables, task_list, current_task_index,
	approval_pending, approval_id, approval_prompt, approval_deadline,
	created_at, updated_at`

// PutWorkflowState inserts or fully replaces the state row for
// (session, workflow). Variables persist across process restarts because this
// is the only copy.
func (s *Store) PutWorkflowState(ctx context.Context, w *WorkflowState) error {
	ts := now()
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO workflow_states (`+workflowStateColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(session_id, workflow_name) DO UPDATE SET
				kind = excluded.kind, enabled = excluded.enabled,
				current_step = excluded.current_step,
				step_entered_at = excluded.step_entered_at,
				step_action_count = excluded.step_action_count,
				total_action_count = excluded.total_action_count,
				observations = excluded.observations,
				reflection_pending = excluded.reflection_pending,
				context_injected = excluded.context_injected,
				variables = excluded.variables,
				task_list = excluded.task_list,
				current_task_index = excluded.current_task_index,
				approval_pending = excluded.approval_pending,
				approval_id = excluded.approval_id,
				approval_prompt = excluded.approval_prompt,
				approval_deadline = excluded.approval_deadline,
				updated_at = excluded.updated_at`,
			w.SessionID, w.WorkflowName, w.Kind, boolInt(w.Enabled),
			strArg(w.CurrentStep), timeArg(w.StepEnteredAt),
			w.StepActionCount, w.TotalActionCount,
			jsonText(w.Observations, "[]"), boolInt(w.ReflectionPending),
			boolInt(w.ContextInjected), jsonText(w.Variables, "{}"),
			taskListArg(w.TaskList), intPtrArg(w.CurrentTaskIndex),
			boolInt(w.ApprovalPending), strArg(w.ApprovalID),
			strArg(w.ApprovalPrompt), timeArg(w.ApprovalDeadline), ts, ts)
		if err != nil {
			return mapSQLError(err, "workflow_state", w.WorkflowName)
		}
		rec.record("workflow_states", OpUpdate, w.SessionID+"/"+w.WorkflowName)
		return nil
	})
}

// GetWorkflowState retrieves the state for (session, workflow).
func (s *Store) GetWorkflowState(ctx context.Context, sessionID, workflowName string) (*WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowStateColumns+` FROM workflow_states
		 WHERE session_id = ? AND workflow_name = ?`, sessionID, workflowName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	states, err := scanWorkflowStates(rows)
	if err != nil {
		return nil, err
	}
	if len(states) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "workflow_state", ID: sessionID + "/" + workflowName}
	}
	return states[0], nil
}

// ListWorkflowStates returns all workflow states bound to a session.
func (s *Store) ListWorkflowStates(ctx context.Context, sessionID string) ([]*WorkflowState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+workflowStateColumns+` FROM workflow_states
		 WHERE session_id = ? ORDER BY workflow_name`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanWorkflowStates(rows)
}

// DeleteWorkflowState removes the binding. Lifecycle-owned variables survive
// in their own workflow rows; only this workflow's row is cleared.
func (s *Store) DeleteWorkflowState(ctx context.Context, sessionID, workflowName string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM workflow_states WHERE session_id = ? AND workflow_name = ?`,
			sessionID, workflowName)
		if err != nil {
			return mapSQLError(err, "workflow_state", workflowName)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "workflow_state", ID: sessionID + "/" + workflowName}
		}
		rec.record("workflow_states", OpDelete, sessionID+"/"+workflowName)
		return nil
	})
}

func scanWorkflowStates(rows *sql.Rows) ([]*WorkflowState, error) {
	var out []*WorkflowState
	for rows.Next() {
		var w WorkflowState
		var enabled, reflectionPending, contextInjected, approvalPending int
		var currentStep, observations, variables, taskList, approvalID, approvalPrompt sql.NullString
		var taskIndex sql.NullInt64
		var entered, deadline, created, updated sql.NullString
		err := rows.Scan(&w.SessionID, &w.WorkflowName, &w.Kind, &enabled, &currentStep,
			&entered, &w.StepActionCount, &w.TotalActionCount, &observations,
			&reflectionPending, &contextInjected, &variables, &taskList, &taskIndex,
			&approvalPending, &approvalID, &approvalPrompt, &deadline, &created, &updated)
		if err != nil {
			return nil, err
		}
		w.Enabled = enabled != 0
		w.CurrentStep = str(currentStep)
		w.StepEnteredAt = parseTime(entered)
		w.Observations = []string{}
		fromJSON(str(observations), &w.Observations)
		w.ReflectionPending = reflectionPending != 0
		w.ContextInjected = contextInjected != 0
		w.Variables = map[string]any{}
		fromJSON(str(variables), &w.Variables)
		if tl := str(taskList); tl != "" {
			fromJSON(tl, &w.TaskList)
		}
		if taskIndex.Valid {
			idx := int(taskIndex.Int64)
			w.CurrentTaskIndex = &idx
		}
		w.ApprovalPending = approvalPending != 0
		w.ApprovalID = str(approvalID)
		w.ApprovalPrompt = str(approvalPrompt)
		w.ApprovalDeadline = parseTime(deadline)
		w.CreatedAt = parseTime(created)
		w.UpdatedAt = parseTime(updated)
		out = append(out, &w)
	}
	return out, rows.Err()
}

func intPtrArg(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

func taskListArg(list []string) any {
	if list == nil {
		return nil
	}
	return jsonText(list, "[]")
}
