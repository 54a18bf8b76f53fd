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

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

const taskColumns = `id, project_id, title, description, status, task_type, priority,
	parent_task_id, assignee, labels, test_strategy, needs_review, ordinal,
	created_at, updated_at`

// CreateTask inserts a task.
func (s *Store) CreateTask(ctx context.Context, t *Task) (*Task, error) {
	if t.Title == "" {
		return nil, &gerrors.ValidationError{Field: "title", Message: "required"}
	}
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Status == "" {
		t.Status = TaskOpen
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		var ordinal int
		if err := tx.QueryRowContext(ctx,
			`SELECT ifnull(max(ordinal), 0) + 1 FROM tasks WHERE project_id IS ?`,
			strArg(t.ProjectID)).Scan(&ordinal); err != nil {
			return fmt.Errorf("assigning ordinal: %w", err)
		}
		t.Ordinal = ordinal

		_, err := tx.ExecContext(ctx,
			`INSERT INTO tasks (`+taskColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, strArg(t.ProjectID), t.Title, strArg(t.Description), string(t.Status),
			strArg(t.TaskType), t.Priority, strArg(t.ParentTaskID), strArg(t.Assignee),
			jsonText(t.Labels, "[]"), strArg(t.TestStrategy), boolInt(t.NeedsReview),
			t.Ordinal, ts, ts)
		if err != nil {
			return mapSQLError(err, "task", t.ID)
		}
		rec.record("tasks", OpInsert, t.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, t.ID)
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "task", ID: id}
	}
	return tasks[0], nil
}

// ListTasks returns tasks with optional filters.
func (s *Store) ListTasks(ctx context.Context, projectID string, status TaskStatus, parentID string, limit int) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	if status != "" {
		q += ` AND status = ?`
		args = append(args, string(status))
	}
	if parentID != "" {
		q += ` AND parent_task_id = ?`
		args = append(args, parentID)
	}
	q += ` ORDER BY priority DESC, created_at`
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// FindTaskByOrdinal resolves the #N short form within a project.
func (s *Store) FindTaskByOrdinal(ctx context.Context, projectID string, ordinal int) (*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE ordinal = ?`
	args := []any{ordinal}
	if projectID != "" {
		q += ` AND project_id = ?`
		args = append(args, projectID)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tasks, err := scanTasks(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, &gerrors.NotFoundError{Resource: "task", ID: fmt.Sprintf("#%d", ordinal)}
	}
	return tasks[0], nil
}

// FindTasksByPrefix returns tasks whose UUID starts with prefix.
func (s *Store) FindTasksByPrefix(ctx context.Context, projectID, prefix string, limit int) ([]*Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE id LIKE ? || '%'`
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
	return scanTasks(rows)
}

// UpdateTask writes mutable task fields.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET title = ?, description = ?, status = ?, task_type = ?,
				priority = ?, assignee = ?, labels = ?, test_strategy = ?,
				needs_review = ?, updated_at = ?
			 WHERE id = ?`,
			t.Title, strArg(t.Description), string(t.Status), strArg(t.TaskType),
			t.Priority, strArg(t.Assignee), jsonText(t.Labels, "[]"),
			strArg(t.TestStrategy), boolInt(t.NeedsReview), now(), t.ID)
		if err != nil {
			return mapSQLError(err, "task", t.ID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "task", ID: t.ID}
		}
		rec.record("tasks", OpUpdate, t.ID)
		return nil
	})
}

// ClaimTask atomically sets the assignee and moves open -> in_progress.
// A same-session re-claim is a no-op success. A claim held by another session
// fails with Conflict unless force is set.
func (s *Store) ClaimTask(ctx context.Context, taskID, sessionID string, force bool) (*Task, error) {
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		var assignee sql.NullString
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT assignee, status FROM tasks WHERE id = ?`, taskID).Scan(&assignee, &status)
		if err != nil {
			return mapSQLError(err, "task", taskID)
		}

		if assignee.Valid && assignee.String != "" {
			if assignee.String == sessionID {
				return nil // idempotent re-claim
			}
			if !force {
				return &gerrors.ConflictError{
					Resource: "task", ID: taskID,
					Message: "already claimed", Holder: assignee.String,
				}
			}
		}
		if TaskStatus(status) == TaskClosed {
			return &gerrors.InvalidStateError{
				Resource: "task", State: status,
				Message: "cannot claim a closed task",
			}
		}

		// Assignee and status move together, one UPDATE.
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET assignee = ?, status = 'in_progress', updated_at = ? WHERE id = ?`,
			sessionID, now(), taskID)
		if err != nil {
			return mapSQLError(err, "task", taskID)
		}
		rec.record("tasks", OpUpdate, taskID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetTask(ctx, taskID)
}

// CloseTask closes a task after verifying every subtask in its tree is
// closed.
func (s *Store) CloseTask(ctx context.Context, taskID string) error {
	complete, err := s.TaskTreeComplete(ctx, taskID, true)
	if err != nil {
		return err
	}
	if !complete {
		return &gerrors.InvalidStateError{
			Resource:    "task",
			Message:     "open subtasks remain",
			Remediation: "close all subtasks first",
		}
	}
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE tasks SET status = 'closed', updated_at = ? WHERE id = ?`, now(), taskID)
		if err != nil {
			return mapSQLError(err, "task", taskID)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "task", ID: taskID}
		}
		rec.record("tasks", OpUpdate, taskID)
		return nil
	})
}

// TaskTreeComplete reports whether a task's whole subtree is closed. When
// subtreeOnly is true the root task's own status is ignored (used by
// CloseTask); otherwise the root must be closed too. A missing task id is
// treated as complete, matching the helper predicate contract.
func (s *Store) TaskTreeComplete(ctx context.Context, taskID string, subtreeOnly bool) (bool, error) {
	if taskID == "" {
		return true, nil
	}
	t, err := s.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !subtreeOnly && t.Status != TaskClosed {
		return false, nil
	}
	children, err := s.ListTasks(ctx, "", "", taskID, 0)
	if err != nil {
		return false, err
	}
	for _, child := range children {
		ok, err := s.TaskTreeComplete(ctx, child.ID, false)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// AddTaskDependency records task -> depends_on, rejecting cycles.
func (s *Store) AddTaskDependency(ctx context.Context, taskID, dependsOn, depType string) error {
	if taskID == dependsOn {
		return &gerrors.ValidationError{Field: "depends_on", Message: "a task cannot depend on itself"}
	}
	if depType == "" {
		depType = "blocks"
	}

	// Cycle check: walk the dependency graph from dependsOn looking for
	// taskID.
	visited := map[string]bool{}
	frontier := []string{dependsOn}
	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		if visited[cur] {
			continue
		}
		visited[cur] = true
		deps, err := s.ListTaskDependencies(ctx, cur)
		if err != nil {
			return err
		}
		for _, d := range deps {
			if d == taskID {
				return &gerrors.ValidationError{
					Field:   "depends_on",
					Message: fmt.Sprintf("dependency cycle through %s", cur),
				}
			}
			frontier = append(frontier, d)
		}
	}

	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO task_dependencies (task_id, depends_on, dep_type) VALUES (?, ?, ?)`,
			taskID, dependsOn, depType)
		if err != nil {
			return mapSQLError(err, "task_dependency", taskID)
		}
		rec.record("task_dependencies", OpInsert, taskID)
		return nil
	})
}

// ListTaskDependencies returns the ids a task depends on.
func (s *Store) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = ?`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func scanTasks(rows *sql.Rows) ([]*Task, error) {
	var out []*Task
	for rows.Next() {
		var t Task
		var projectID, description, taskType, parentID, assignee, testStrategy, status, labels sql.NullString
		var needsReview int
		var created, updated sql.NullString
		err := rows.Scan(&t.ID, &projectID, &t.Title, &description, &status, &taskType,
			&t.Priority, &parentID, &assignee, &labels, &testStrategy, &needsReview,
			&t.Ordinal, &created, &updated)
		if err != nil {
			return nil, err
		}
		t.ProjectID = str(projectID)
		t.Description = str(description)
		t.Status = TaskStatus(str(status))
		t.TaskType = str(taskType)
		t.ParentTaskID = str(parentID)
		t.Assignee = str(assignee)
		t.TestStrategy = str(testStrategy)
		t.NeedsReview = needsReview != 0
		t.Labels = []string{}
		fromJSON(str(labels), &t.Labels)
		t.CreatedAt = parseTime(created)
		t.UpdatedAt = parseTime(updated)
		out = append(out, &t)
	}
	return out, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
