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

package mcptools

import (
	"context"

	"github.com/gobbyhq/gobby/internal/store"
)

func (r *Registry) tasksServer() *Server {
	s := newServer("tasks", "Create, inspect, claim and close units of work.")

	s.add(&Tool{
		Name:        "create_task",
		Description: "Create a task in the caller's project. Subtasks reference a parent task.",
		InputSchema: schema([]string{"title"}, map[string]any{
			"title":          prop("string", "Short task title"),
			"description":    prop("string", "Longer description of the work"),
			"task_type":      prop("string", "Free-form type label (e.g. 'feature', 'bug')"),
			"priority":       prop("integer", "Higher runs first; default 0"),
			"parent_task_id": prop("string", "Parent task reference (#N, id, or prefix)"),
			"labels":         map[string]any{"type": "array", "items": prop("string", ""), "description": "Labels"},
			"test_strategy":  prop("string", "How completion is verified"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			title, err := requireString(c.Args, "title")
			if err != nil {
				return nil, err
			}
			t := &store.Task{
				ProjectID:    c.ProjectID(),
				Title:        title,
				Description:  optString(c.Args, "description"),
				TaskType:     optString(c.Args, "task_type"),
				Priority:     optInt(c.Args, "priority", 0),
				Labels:       optStrings(c.Args, "labels"),
				TestStrategy: optString(c.Args, "test_strategy"),
			}
			if ref := optString(c.Args, "parent_task_id"); ref != "" {
				parent, err := r.resolveTask(ctx, ref, c.ProjectID())
				if err != nil {
					return nil, err
				}
				t.ParentTaskID = parent.ID
			}
			return r.store.CreateTask(ctx, t)
		},
	})

	s.add(&Tool{
		Name:        "get_task",
		Description: "Fetch one task with its dependency list.",
		InputSchema: schema([]string{"task_id"}, map[string]any{
			"task_id": prop("string", "Task reference (#N, id, or prefix)"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ref, err := requireString(c.Args, "task_id")
			if err != nil {
				return nil, err
			}
			task, err := r.resolveTask(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			deps, err := r.store.ListTaskDependencies(ctx, task.ID)
			if err != nil {
				return nil, err
			}
			return map[string]any{"task": task, "depends_on": deps}, nil
		},
	})

	s.add(&Tool{
		Name:        "list_tasks",
		Description: "List tasks in the caller's project, optionally filtered.",
		InputSchema: schema(nil, map[string]any{
			"status":         prop("string", "open | in_progress | needs_review | closed"),
			"parent_task_id": prop("string", "Restrict to subtasks of this task"),
			"limit":          prop("integer", "Maximum rows, default 50"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			parentID := ""
			if ref := optString(c.Args, "parent_task_id"); ref != "" {
				parent, err := r.resolveTask(ctx, ref, c.ProjectID())
				if err != nil {
					return nil, err
				}
				parentID = parent.ID
			}
			return r.store.ListTasks(ctx, c.ProjectID(),
				store.TaskStatus(optString(c.Args, "status")), parentID,
				optInt(c.Args, "limit", 50))
		},
	})

	s.add(&Tool{
		Name:        "update_task",
		Description: "Update mutable task fields. Omitted fields keep their value.",
		InputSchema: schema([]string{"task_id"}, map[string]any{
			"task_id":      prop("string", "Task reference"),
			"title":        prop("string", ""),
			"description":  prop("string", ""),
			"status":       prop("string", "open | in_progress | needs_review | closed"),
			"priority":     prop("integer", ""),
			"assignee":     prop("string", ""),
			"needs_review": prop("boolean", ""),
			"labels":       map[string]any{"type": "array", "items": prop("string", "")},
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ref, err := requireString(c.Args, "task_id")
			if err != nil {
				return nil, err
			}
			task, err := r.resolveTask(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			if v, ok := c.Args["title"].(string); ok && v != "" {
				task.Title = v
			}
			if v, ok := c.Args["description"].(string); ok {
				task.Description = v
			}
			if v, ok := c.Args["status"].(string); ok && v != "" {
				task.Status = store.TaskStatus(v)
			}
			if _, ok := c.Args["priority"]; ok {
				task.Priority = optInt(c.Args, "priority", task.Priority)
			}
			if v, ok := c.Args["assignee"].(string); ok {
				task.Assignee = v
			}
			if v, ok := c.Args["needs_review"].(bool); ok {
				task.NeedsReview = v
			}
			if v := optStrings(c.Args, "labels"); v != nil {
				task.Labels = v
			}
			if err := r.store.UpdateTask(ctx, task); err != nil {
				return nil, err
			}
			return r.store.GetTask(ctx, task.ID)
		},
	})

	s.add(&Tool{
		Name:        "claim_task",
		Description: "Atomically assign a task to the calling session and move it to in_progress. Re-claiming your own task is a no-op; someone else's claim fails unless force is set.",
		InputSchema: schema([]string{"task_id"}, map[string]any{
			"task_id": prop("string", "Task reference"),
			"force":   prop("boolean", "Steal an existing claim"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			ref, err := requireString(c.Args, "task_id")
			if err != nil {
				return nil, err
			}
			task, err := r.resolveTask(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			return r.store.ClaimTask(ctx, task.ID, sess.ID, optBool(c.Args, "force"))
		},
	})

	s.add(&Tool{
		Name:        "close_task",
		Description: "Close a task. Fails while any subtask in its tree is still open.",
		InputSchema: schema([]string{"task_id"}, map[string]any{
			"task_id": prop("string", "Task reference"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ref, err := requireString(c.Args, "task_id")
			if err != nil {
				return nil, err
			}
			task, err := r.resolveTask(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			if err := r.store.CloseTask(ctx, task.ID); err != nil {
				return nil, err
			}
			return r.store.GetTask(ctx, task.ID)
		},
	})

	s.add(&Tool{
		Name:        "add_task_dependency",
		Description: "Declare that one task depends on another. Cycles are rejected.",
		InputSchema: schema([]string{"task_id", "depends_on"}, map[string]any{
			"task_id":    prop("string", "Dependent task reference"),
			"depends_on": prop("string", "Prerequisite task reference"),
			"dep_type":   prop("string", "Dependency type, default 'blocks'"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			ref, err := requireString(c.Args, "task_id")
			if err != nil {
				return nil, err
			}
			depRef, err := requireString(c.Args, "depends_on")
			if err != nil {
				return nil, err
			}
			task, err := r.resolveTask(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			dep, err := r.resolveTask(ctx, depRef, c.ProjectID())
			if err != nil {
				return nil, err
			}
			depType := optString(c.Args, "dep_type")
			if depType == "" {
				depType = "blocks"
			}
			if err := r.store.AddTaskDependency(ctx, task.ID, dep.ID, depType); err != nil {
				return nil, err
			}
			return map[string]any{"task_id": task.ID, "depends_on": dep.ID, "dep_type": depType}, nil
		},
	})

	return s
}
