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
	"crypto/sha256"
	"database/sql"
	"encoding/hex"

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// ContentHash is the dedup key used by the sync projectors.
func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// CreateMemory inserts a memory, skipping silently if an identical content
// hash already exists in the same scope (returns the existing row).
func (s *Store) CreateMemory(ctx context.Context, m *Memory) (*Memory, error) {
	if m.Content == "" {
		return nil, &gerrors.ValidationError{Field: "content", Message: "required"}
	}
	m.ContentHash = ContentHash(m.Content)

	existing, err := s.findMemoryByHash(ctx, m.ProjectID, m.ContentHash)
	if err == nil {
		return existing, nil
	}
	if !gerrors.IsNotFound(err) {
		return nil, err
	}

	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	ts := now()
	err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO memories (id, project_id, content, content_hash, tags, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			m.ID, strArg(m.ProjectID), m.Content, m.ContentHash,
			jsonText(m.Tags, "[]"), ts, ts)
		if err != nil {
			return mapSQLError(err, "memory", m.ID)
		}
		rec.record("memories", OpInsert, m.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetMemory(ctx, m.ID)
}

func (s *Store) findMemoryByHash(ctx context.Context, projectID, hash string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, content, content_hash, tags, created_at, updated_at
		 FROM memories WHERE content_hash = ? AND project_id IS ?`,
		hash, strArg(projectID))
	return scanMemory(row, hash)
}

// GetMemory retrieves a memory by id.
func (s *Store) GetMemory(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, content, content_hash, tags, created_at, updated_at
		 FROM memories WHERE id = ?`, id)
	return scanMemory(row, id)
}

// ListMemories returns memories scoped to a project (or global on empty id).
func (s *Store) ListMemories(ctx context.Context, projectID string, limit int) ([]*Memory, error) {
	q := `SELECT id, project_id, content, content_hash, tags, created_at, updated_at
		FROM memories WHERE project_id IS ? ORDER BY created_at DESC`
	args := []any{strArg(projectID)}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Memory
	for rows.Next() {
		var m Memory
		var projID, tags sql.NullString
		var created, updated sql.NullString
		if err := rows.Scan(&m.ID, &projID, &m.Content, &m.ContentHash, &tags, &created, &updated); err != nil {
			return nil, err
		}
		m.ProjectID = str(projID)
		m.Tags = []string{}
		fromJSON(str(tags), &m.Tags)
		m.CreatedAt = parseTime(created)
		m.UpdatedAt = parseTime(updated)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// DeleteMemory removes a memory.
func (s *Store) DeleteMemory(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return mapSQLError(err, "memory", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "memory", ID: id}
		}
		rec.record("memories", OpDelete, id)
		return nil
	})
}

func scanMemory(row *sql.Row, id string) (*Memory, error) {
	var m Memory
	var projID, tags sql.NullString
	var created, updated sql.NullString
	err := row.Scan(&m.ID, &projID, &m.Content, &m.ContentHash, &tags, &created, &updated)
	if err != nil {
		return nil, mapSQLError(err, "memory", id)
	}
	m.ProjectID = str(projID)
	m.Tags = []string{}
	fromJSON(str(tags), &m.Tags)
	m.CreatedAt = parseTime(created)
	m.UpdatedAt = parseTime(updated)
	return &m, nil
}

// UpsertSkill creates or updates a skill by (name, project scope). Updates
// are skipped when the content hash is unchanged, so projector imports are
// idempotent.
func (s *Store) UpsertSkill(ctx context.Context, sk *Skill) (*Skill, error) {
	if sk.Name == "" {
		return nil, &gerrors.ValidationError{Field: "name", Message: "required"}
	}
	sk.ContentHash = ContentHash(sk.Content)

	existing, err := s.GetSkillByName(ctx, sk.ProjectID, sk.Name)
	if err != nil && !gerrors.IsNotFound(err) {
		return nil, err
	}

	if existing != nil {
		if existing.ContentHash == sk.ContentHash {
			return existing, nil
		}
		err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE skills SET description = ?, content = ?, content_hash = ?, updated_at = ?
				 WHERE id = ?`,
				strArg(sk.Description), sk.Content, sk.ContentHash, now(), existing.ID)
			if err != nil {
				return mapSQLError(err, "skill", existing.ID)
			}
			rec.record("skills", OpUpdate, existing.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return s.GetSkillByName(ctx, sk.ProjectID, sk.Name)
	}

	if sk.ID == "" {
		sk.ID = uuid.New().String()
	}
	ts := now()
	err = s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO skills (id, project_id, name, description, content, content_hash, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sk.ID, strArg(sk.ProjectID), sk.Name, strArg(sk.Description),
			sk.Content, sk.ContentHash, ts, ts)
		if err != nil {
			return mapSQLError(err, "skill", sk.Name)
		}
		rec.record("skills", OpInsert, sk.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetSkillByName(ctx, sk.ProjectID, sk.Name)
}

// GetSkillByName retrieves a skill by name within a scope.
func (s *Store) GetSkillByName(ctx context.Context, projectID, name string) (*Skill, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, name, description, content, content_hash, created_at, updated_at
		 FROM skills WHERE name = ? AND project_id IS ?`, name, strArg(projectID))
	return scanSkill(row, name)
}

// ListSkills returns skills scoped to a project (or global on empty id).
func (s *Store) ListSkills(ctx context.Context, projectID string) ([]*Skill, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, project_id, name, description, content, content_hash, created_at, updated_at
		 FROM skills WHERE project_id IS ? ORDER BY name`, strArg(projectID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Skill
	for rows.Next() {
		var sk Skill
		var projID, desc sql.NullString
		var created, updated sql.NullString
		if err := rows.Scan(&sk.ID, &projID, &sk.Name, &desc, &sk.Content, &sk.ContentHash, &created, &updated); err != nil {
			return nil, err
		}
		sk.ProjectID = str(projID)
		sk.Description = str(desc)
		sk.CreatedAt = parseTime(created)
		sk.UpdatedAt = parseTime(updated)
		out = append(out, &sk)
	}
	return out, rows.Err()
}

// DeleteSkill removes a skill.
func (s *Store) DeleteSkill(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM skills WHERE id = ?`, id)
		if err != nil {
			return mapSQLError(err, "skill", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "skill", ID: id}
		}
		rec.record("skills", OpDelete, id)
		return nil
	})
}

func scanSkill(row *sql.Row, id string) (*Skill, error) {
	var sk Skill
	var projID, desc sql.NullString
	var created, updated sql.NullString
	err := row.Scan(&sk.ID, &projID, &sk.Name, &desc, &sk.Content, &sk.ContentHash, &created, &updated)
	if err != nil {
		return nil, mapSQLError(err, "skill", id)
	}
	sk.ProjectID = str(projID)
	sk.Description = str(desc)
	sk.CreatedAt = parseTime(created)
	sk.UpdatedAt = parseTime(updated)
	return &sk, nil
}
