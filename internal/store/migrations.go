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
)

// migration is one forward-only schema step. Statements in a migration run in
// a single transaction; a failure rolls back that migration only.
type migration struct {
	version    int
	statements []string
}

var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS projects (
				id TEXT PRIMARY KEY,
				name TEXT NOT NULL,
				repo_path TEXT NOT NULL,
				parent_project_path TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_projects_repo_path ON projects(repo_path)`,

			`CREATE TABLE IF NOT EXISTS sessions (
				id TEXT PRIMARY KEY,
				external_id TEXT NOT NULL,
				machine_id TEXT NOT NULL,
				source TEXT NOT NULL,
				project_id TEXT REFERENCES projects(id),
				ordinal INTEGER NOT NULL DEFAULT 0,
				parent_session_id TEXT REFERENCES sessions(id),
				agent_depth INTEGER NOT NULL DEFAULT 0,
				spawned_by_agent_id TEXT,
				status TEXT NOT NULL DEFAULT 'active',
				title TEXT,
				cwd TEXT,
				git_branch TEXT,
				summary_markdown TEXT,
				compact_markdown TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_identity
				ON sessions(external_id, machine_id, source)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_project ON sessions(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_parent ON sessions(parent_session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS workflow_states (
				session_id TEXT NOT NULL REFERENCES sessions(id),
				workflow_name TEXT NOT NULL,
				kind TEXT NOT NULL DEFAULT 'step',
				enabled INTEGER NOT NULL DEFAULT 1,
				current_step TEXT,
				step_entered_at TEXT,
				step_action_count INTEGER NOT NULL DEFAULT 0,
				total_action_count INTEGER NOT NULL DEFAULT 0,
				observations TEXT NOT NULL DEFAULT '[]',
				reflection_pending INTEGER NOT NULL DEFAULT 0,
				context_injected INTEGER NOT NULL DEFAULT 0,
				variables TEXT NOT NULL DEFAULT '{}',
				task_list TEXT,
				current_task_index INTEGER,
				approval_pending INTEGER NOT NULL DEFAULT 0,
				approval_id TEXT,
				approval_prompt TEXT,
				approval_deadline TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL,
				PRIMARY KEY (session_id, workflow_name)
			)`,
		},
	},
	{
		version: 3,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				project_id TEXT REFERENCES projects(id),
				title TEXT NOT NULL,
				description TEXT,
				status TEXT NOT NULL DEFAULT 'open',
				task_type TEXT,
				priority INTEGER NOT NULL DEFAULT 0,
				parent_task_id TEXT REFERENCES tasks(id),
				assignee TEXT,
				labels TEXT NOT NULL DEFAULT '[]',
				test_strategy TEXT,
				needs_review INTEGER NOT NULL DEFAULT 0,
				ordinal INTEGER NOT NULL DEFAULT 0,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,

			`CREATE TABLE IF NOT EXISTS task_dependencies (
				task_id TEXT NOT NULL REFERENCES tasks(id),
				depends_on TEXT NOT NULL REFERENCES tasks(id),
				dep_type TEXT NOT NULL DEFAULT 'blocks',
				PRIMARY KEY (task_id, depends_on)
			)`,
		},
	},
	{
		version: 4,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS agent_runs (
				id TEXT PRIMARY KEY,
				parent_session_id TEXT NOT NULL REFERENCES sessions(id),
				child_session_id TEXT REFERENCES sessions(id),
				workflow_name TEXT,
				prompt TEXT NOT NULL,
				provider TEXT,
				model TEXT,
				mode TEXT NOT NULL DEFAULT 'headless',
				status TEXT NOT NULL DEFAULT 'pending',
				turns_used INTEGER NOT NULL DEFAULT 0,
				tool_calls_count INTEGER NOT NULL DEFAULT 0,
				timeout_minutes INTEGER NOT NULL DEFAULT 30,
				result TEXT,
				error TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_parent ON agent_runs(parent_session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_child ON agent_runs(child_session_id)`,
			`CREATE INDEX IF NOT EXISTS idx_agent_runs_status ON agent_runs(status)`,

			`CREATE TABLE IF NOT EXISTS worktrees (
				id TEXT PRIMARY KEY,
				project_id TEXT NOT NULL REFERENCES projects(id),
				branch_name TEXT NOT NULL,
				base_branch TEXT NOT NULL,
				worktree_path TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'active',
				agent_session_id TEXT REFERENCES sessions(id),
				task_id TEXT REFERENCES tasks(id),
				last_synced_at TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_worktrees_branch
				ON worktrees(project_id, branch_name)`,
			`CREATE INDEX IF NOT EXISTS idx_worktrees_status ON worktrees(status)`,
		},
	},
	{
		version: 5,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS artifacts (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				task_id TEXT REFERENCES tasks(id),
				artifact_type TEXT NOT NULL,
				content TEXT NOT NULL,
				source_file TEXT,
				line_start INTEGER,
				line_end INTEGER,
				metadata TEXT NOT NULL DEFAULT '{}',
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id)`,

			`CREATE TABLE IF NOT EXISTS artifact_tags (
				artifact_id TEXT NOT NULL REFERENCES artifacts(id),
				tag TEXT NOT NULL,
				PRIMARY KEY (artifact_id, tag)
			)`,

			`CREATE TABLE IF NOT EXISTS memories (
				id TEXT PRIMARY KEY,
				project_id TEXT REFERENCES projects(id),
				content TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				tags TEXT NOT NULL DEFAULT '[]',
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_memories_hash ON memories(content_hash)`,

			`CREATE TABLE IF NOT EXISTS skills (
				id TEXT PRIMARY KEY,
				project_id TEXT REFERENCES projects(id),
				name TEXT NOT NULL,
				description TEXT,
				content TEXT NOT NULL,
				content_hash TEXT NOT NULL,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_skills_name ON skills(name, ifnull(project_id,''))`,
		},
	},
	{
		version: 6,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT PRIMARY KEY,
				session_id TEXT NOT NULL REFERENCES sessions(id),
				role TEXT NOT NULL,
				content TEXT NOT NULL,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id)`,

			`CREATE TABLE IF NOT EXISTS session_messages (
				id TEXT PRIMARY KEY,
				from_session_id TEXT NOT NULL REFERENCES sessions(id),
				to_session_id TEXT NOT NULL REFERENCES sessions(id),
				content TEXT NOT NULL,
				priority TEXT NOT NULL DEFAULT 'normal',
				read_at TEXT,
				created_at TEXT NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_session_messages_to ON session_messages(to_session_id)`,

			`CREATE TABLE IF NOT EXISTS stop_signals (
				session_id TEXT PRIMARY KEY REFERENCES sessions(id),
				reason TEXT,
				created_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 7,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS pipeline_executions (
				id TEXT PRIMARY KEY,
				pipeline_name TEXT NOT NULL,
				session_id TEXT REFERENCES sessions(id),
				status TEXT NOT NULL DEFAULT 'pending',
				inputs TEXT NOT NULL DEFAULT '{}',
				outputs TEXT,
				error TEXT,
				resume_token TEXT,
				created_at TEXT NOT NULL,
				started_at TEXT,
				completed_at TEXT
			)`,
			`CREATE INDEX IF NOT EXISTS idx_pipeline_executions_status ON pipeline_executions(status)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_pipeline_executions_token
				ON pipeline_executions(resume_token) WHERE resume_token IS NOT NULL`,

			`CREATE TABLE IF NOT EXISTS step_executions (
				execution_id TEXT NOT NULL REFERENCES pipeline_executions(id),
				step_id TEXT NOT NULL,
				status TEXT NOT NULL DEFAULT 'pending',
				output TEXT,
				error TEXT,
				approval_token TEXT,
				started_at TEXT,
				completed_at TEXT,
				PRIMARY KEY (execution_id, step_id)
			)`,

			`CREATE TABLE IF NOT EXISTS webhook_deliveries (
				id TEXT PRIMARY KEY,
				url TEXT NOT NULL,
				event_type TEXT NOT NULL,
				status TEXT NOT NULL,
				attempts INTEGER NOT NULL DEFAULT 0,
				last_error TEXT,
				created_at TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		},
	},
	{
		version: 8,
		statements: []string{
			// FTS5 mirrors for tasks and artifacts. external-content tables
			// kept in sync by triggers; rebuild is idempotent.
			`CREATE VIRTUAL TABLE IF NOT EXISTS tasks_fts USING fts5(
				title, description, content='tasks', content_rowid='rowid'
			)`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_insert AFTER INSERT ON tasks BEGIN
				INSERT INTO tasks_fts(rowid, title, description)
				VALUES (new.rowid, new.title, ifnull(new.description,''));
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_delete AFTER DELETE ON tasks BEGIN
				INSERT INTO tasks_fts(tasks_fts, rowid, title, description)
				VALUES ('delete', old.rowid, old.title, ifnull(old.description,''));
			END`,
			`CREATE TRIGGER IF NOT EXISTS tasks_fts_update AFTER UPDATE ON tasks BEGIN
				INSERT INTO tasks_fts(tasks_fts, rowid, title, description)
				VALUES ('delete', old.rowid, old.title, ifnull(old.description,''));
				INSERT INTO tasks_fts(rowid, title, description)
				VALUES (new.rowid, new.title, ifnull(new.description,''));
			END`,

			`CREATE VIRTUAL TABLE IF NOT EXISTS artifacts_fts USING fts5(
				content, content='artifacts', content_rowid='rowid'
			)`,
			`CREATE TRIGGER IF NOT EXISTS artifacts_fts_insert AFTER INSERT ON artifacts BEGIN
				INSERT INTO artifacts_fts(rowid, content) VALUES (new.rowid, new.content);
			END`,
			`CREATE TRIGGER IF NOT EXISTS artifacts_fts_delete AFTER DELETE ON artifacts BEGIN
				INSERT INTO artifacts_fts(artifacts_fts, rowid, content)
				VALUES ('delete', old.rowid, old.content);
			END`,
		},
	},
}

// migrate applies pending migrations in order, one transaction each.
func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return fmt.Errorf("creating schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx,
		`SELECT ifnull(max(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("migration %d: begin: %w", m.version, err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				_ = tx.Rollback()
				return fmt.Errorf("migration %d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`,
			m.version, now()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %d: record: %w", m.version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("migration %d: commit: %w", m.version, err)
		}
		s.logger.Debug("applied migration", "version", m.version)
	}
	return nil
}

// RebuildSearchIndex rebuilds the FTS mirrors from their content tables.
// Safe to run repeatedly.
func (s *Store) RebuildSearchIndex(ctx context.Context) error {
	return s.withTx(ctx, func(tx *sql.Tx, _ *changeRecorder) error {
		for _, stmt := range []string{
			`INSERT INTO tasks_fts(tasks_fts) VALUES ('rebuild')`,
			`INSERT INTO artifacts_fts(artifacts_fts) VALUES ('rebuild')`,
		} {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("rebuild fts: %w", err)
			}
		}
		return nil
	})
}
