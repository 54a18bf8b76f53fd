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

// UpsertProject creates a project row for a repo path or returns the existing
// one. The project id may be pre-assigned (from .gobby/project.json).
func (s *Store) UpsertProject(ctx context.Context, p *Project) (*Project, error) {
	existing, err := s.GetProjectByPath(ctx, p.RepoPath)
	if err == nil {
		return existing, nil
	}
	if !gerrors.IsNotFound(err) {
		return nil, err
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	ts := now()
	err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO projects (id, name, repo_path, parent_project_path, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			p.ID, p.Name, p.RepoPath, strArg(p.ParentProjectPath), ts, ts)
		if err != nil {
			return mapSQLError(err, "project", p.ID)
		}
		rec.record("projects", OpInsert, p.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetProject(ctx, p.ID)
}

// GetProject retrieves a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, repo_path, parent_project_path, created_at, updated_at
		 FROM projects WHERE id = ?`, id), id)
}

// GetProjectByPath retrieves a project by its repo path.
func (s *Store) GetProjectByPath(ctx context.Context, repoPath string) (*Project, error) {
	return s.scanProject(s.db.QueryRowContext(ctx,
		`SELECT id, name, repo_path, parent_project_path, created_at, updated_at
		 FROM projects WHERE repo_path = ?`, repoPath), repoPath)
}

// DeleteProject removes a project. Sessions referencing it block deletion via
// foreign key.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
		if err != nil {
			return mapSQLError(err, "project", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "project", ID: id}
		}
		rec.record("projects", OpDelete, id)
		return nil
	})
}

func (s *Store) scanProject(row *sql.Row, id string) (*Project, error) {
	var p Project
	var parent sql.NullString
	var created, updated sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.RepoPath, &parent, &created, &updated)
	if err != nil {
		return nil, mapSQLError(err, "project", id)
	}
	p.ParentProjectPath = str(parent)
	p.CreatedAt = parseTime(created)
	p.UpdatedAt = parseTime(updated)
	return &p, nil
}
