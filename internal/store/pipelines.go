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

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// CreatePipelineExecution inserts an execution row in status pending.
func (s *Store) CreatePipelineExecution(ctx context.Context, e *PipelineExecution) (*PipelineExecution, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Status == "" {
		e.Status = PipelinePending
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO pipeline_executions (id, pipeline_name, session_id, status, inputs, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			e.ID, e.PipelineName, strArg(e.SessionID), string(e.Status),
			jsonText(e.Inputs, "{}"), ts)
		if err != nil {
			return mapSQLError(err, "pipeline_execution", e.ID)
		}
		rec.record("pipeline_executions", OpInsert, e.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetPipelineExecution(ctx, e.ID)
}

// GetPipelineExecution retrieves an execution by id.
func (s *Store) GetPipelineExecution(ctx context.Context, id string) (*PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_name, session_id, status, inputs, outputs, error, resume_token,
			created_at, started_at, completed_at
		 FROM pipeline_executions WHERE id = ?`, id)
	return scanPipelineExecution(row, id)
}

// GetExecutionByResumeToken retrieves the execution holding a resume token.
func (s *Store) GetExecutionByResumeToken(ctx context.Context, token string) (*PipelineExecution, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, pipeline_name, session_id, status, inputs, outputs, error, resume_token,
			created_at, started_at, completed_at
		 FROM pipeline_executions WHERE resume_token = ?`, token)
	return scanPipelineExecution(row, token)
}

// UpdatePipelineExecution writes status, outputs, error and resume token.
func (s *Store) UpdatePipelineExecution(ctx context.Context, e *PipelineExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE pipeline_executions SET status = ?, outputs = ?, error = ?, resume_token = ?,
				started_at = ?, completed_at = ?
			 WHERE id = ?`,
			string(e.Status), strArg(jsonTextOrEmpty(e.Outputs)), strArg(e.Error),
			strArg(e.ResumeToken), timeArg(e.StartedAt), timeArg(e.CompletedAt), e.ID)
		if err != nil {
			return mapSQLError(err, "pipeline_execution", e.ID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "pipeline_execution", ID: e.ID}
		}
		rec.record("pipeline_executions", OpUpdate, e.ID)
		return nil
	})
}

// PutStepExecution inserts or replaces a step execution row.
func (s *Store) PutStepExecution(ctx context.Context, se *StepExecution) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO step_executions (execution_id, step_id, status, output, error,
				approval_token, started_at, completed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(execution_id, step_id) DO UPDATE SET
				status = excluded.status, output = excluded.output, error = excluded.error,
				approval_token = excluded.approval_token,
				started_at = excluded.started_at, completed_at = excluded.completed_at`,
			se.ExecutionID, se.StepID, string(se.Status),
			strArg(jsonTextOrEmpty(se.Output)), strArg(se.Error),
			strArg(se.ApprovalToken), timeArg(se.StartedAt), timeArg(se.CompletedAt))
		if err != nil {
			return mapSQLError(err, "step_execution", se.StepID)
		}
		rec.record("step_executions", OpUpdate, se.ExecutionID+"/"+se.StepID)
		return nil
	})
}

// ListStepExecutions returns all step rows for an execution.
func (s *Store) ListStepExecutions(ctx context.Context, executionID string) ([]*StepExecution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, status, output, error, approval_token, started_at, completed_at
		 FROM step_executions WHERE execution_id = ?`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepExecution
	for rows.Next() {
		var se StepExecution
		var output, errMsg, token sql.NullString
		var started, completed sql.NullString
		if err := rows.Scan(&se.ExecutionID, &se.StepID, &se.Status, &output, &errMsg,
			&token, &started, &completed); err != nil {
			return nil, err
		}
		fromJSON(str(output), &se.Output)
		se.Error = str(errMsg)
		se.ApprovalToken = str(token)
		se.StartedAt = parseTime(started)
		se.CompletedAt = parseTime(completed)
		out = append(out, &se)
	}
	return out, rows.Err()
}

// RecordWebhookDelivery upserts the outcome row for an outbound webhook.
func (s *Store) RecordWebhookDelivery(ctx context.Context, d *WebhookDelivery) error {
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	ts := now()
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO webhook_deliveries (id, url, event_type, status, attempts, last_error, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(id) DO UPDATE SET
				status = excluded.status, attempts = excluded.attempts,
				last_error = excluded.last_error, updated_at = excluded.updated_at`,
			d.ID, d.URL, d.EventType, d.Status, d.Attempts, strArg(d.LastError), ts, ts)
		if err != nil {
			return mapSQLError(err, "webhook_delivery", d.ID)
		}
		rec.record("webhook_deliveries", OpUpdate, d.ID)
		return nil
	})
}

// ListWebhookDeliveries returns recent delivery records, newest first.
func (s *Store) ListWebhookDeliveries(ctx context.Context, limit int) ([]*WebhookDelivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, url, event_type, status, attempts, last_error, created_at, updated_at
		 FROM webhook_deliveries ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		var lastErr sql.NullString
		var created, updated sql.NullString
		if err := rows.Scan(&d.ID, &d.URL, &d.EventType, &d.Status, &d.Attempts,
			&lastErr, &created, &updated); err != nil {
			return nil, err
		}
		d.LastError = str(lastErr)
		d.CreatedAt = parseTime(created)
		d.UpdatedAt = parseTime(updated)
		out = append(out, &d)
	}
	return out, rows.Err()
}

func scanPipelineExecution(row *sql.Row, id string) (*PipelineExecution, error) {
	var e PipelineExecution
	var sessionID, inputs, outputs, errMsg, token sql.NullString
	var created, started, completed sql.NullString
	err := row.Scan(&e.ID, &e.PipelineName, &sessionID, &e.Status, &inputs, &outputs,
		&errMsg, &token, &created, &started, &completed)
	if err != nil {
		return nil, mapSQLError(err, "pipeline_execution", id)
	}
	e.SessionID = str(sessionID)
	fromJSON(str(inputs), &e.Inputs)
	fromJSON(str(outputs), &e.Outputs)
	e.Error = str(errMsg)
	e.ResumeToken = str(token)
	e.CreatedAt = parseTime(created)
	e.StartedAt = parseTime(started)
	e.CompletedAt = parseTime(completed)
	return &e, nil
}

// jsonTextOrEmpty marshals v, returning "" for nil so the column stays NULL.
func jsonTextOrEmpty(v map[string]any) string {
	if v == nil {
		return ""
	}
	return jsonText(v, "{}")
}
