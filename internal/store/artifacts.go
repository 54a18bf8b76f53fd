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
	"strings"

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// classifyArtifact guesses an artifact type from its content when the caller
// omitted one.
func classifyArtifact(content string) string {
	trimmed := strings.TrimSpace(content)
	switch {
	case strings.HasPrefix(trimmed, "diff --git"), strings.HasPrefix(trimmed, "--- a/"):
		return "diff"
	case strings.Contains(trimmed, "Traceback (most recent call last)"),
		strings.Contains(trimmed, "panic:"),
		strings.Contains(trimmed, "Error:"):
		return "error_trace"
	case strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "["):
		return "data"
	case strings.Contains(trimmed, "func ") || strings.Contains(trimmed, "def ") ||
		strings.Contains(trimmed, "class "):
		return "code"
	default:
		return "note"
	}
}

// CreateArtifact inserts an artifact and its tags.
func (s *Store) CreateArtifact(ctx context.Context, a *Artifact) (*Artifact, error) {
	if a.SessionID == "" {
		return nil, &gerrors.ValidationError{Field: "session_id", Message: "required"}
	}
	if a.Content == "" {
		return nil, &gerrors.ValidationError{Field: "content", Message: "required"}
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.ArtifactType == "" {
		a.ArtifactType = classifyArtifact(a.Content)
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO artifacts (id, session_id, task_id, artifact_type, content,
				source_file, line_start, line_end, metadata, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			a.ID, a.SessionID, strArg(a.TaskID), a.ArtifactType, a.Content,
			strArg(a.SourceFile), a.LineStart, a.LineEnd, jsonText(a.Metadata, "{}"), ts)
		if err != nil {
			return mapSQLError(err, "artifact", a.ID)
		}
		for _, tag := range a.Tags {
			if _, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO artifact_tags (artifact_id, tag) VALUES (?, ?)`,
				a.ID, tag); err != nil {
				return mapSQLError(err, "artifact_tag", a.ID)
			}
		}
		rec.record("artifacts", OpInsert, a.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s.GetArtifact(ctx, a.ID)
}

// GetArtifact retrieves an artifact and its tags.
func (s *Store) GetArtifact(ctx context.Context, id string) (*Artifact, error) {
	var a Artifact
	var taskID, sourceFile, metadata sql.NullString
	var lineStart, lineEnd sql.NullInt64
	var created sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, session_id, task_id, artifact_type, content, source_file,
			line_start, line_end, metadata, created_at
		 FROM artifacts WHERE id = ?`, id).
		Scan(&a.ID, &a.SessionID, &taskID, &a.ArtifactType, &a.Content,
			&sourceFile, &lineStart, &lineEnd, &metadata, &created)
	if err != nil {
		return nil, mapSQLError(err, "artifact", id)
	}
	a.TaskID = str(taskID)
	a.SourceFile = str(sourceFile)
	a.LineStart = int(lineStart.Int64)
	a.LineEnd = int(lineEnd.Int64)
	fromJSON(str(metadata), &a.Metadata)
	a.CreatedAt = parseTime(created)

	rows, err := s.db.QueryContext(ctx,
		`SELECT tag FROM artifact_tags WHERE artifact_id = ? ORDER BY tag`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var tag string
		if err := rows.Scan(&tag); err != nil {
			return nil, err
		}
		a.Tags = append(a.Tags, tag)
	}
	return &a, rows.Err()
}

// ArtifactFilter narrows full-text search results after the FTS match.
type ArtifactFilter struct {
	SessionID    string
	ArtifactType string
	Tag          string
	Limit        int
}

// SearchArtifacts runs a full-text match and applies filters. An empty query
// returns an empty result set, never "everything".
func (s *Store) SearchArtifacts(ctx context.Context, query string, f ArtifactFilter) ([]*Artifact, error) {
	if strings.TrimSpace(query) == "" {
		return []*Artifact{}, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT a.id FROM artifacts_fts
		JOIN artifacts a ON a.rowid = artifacts_fts.rowid
		WHERE artifacts_fts MATCH ?`
	args := []any{ftsQuery(query)}
	if f.SessionID != "" {
		q += ` AND a.session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.ArtifactType != "" {
		q += ` AND a.artifact_type = ?`
		args = append(args, f.ArtifactType)
	}
	if f.Tag != "" {
		q += ` AND a.id IN (SELECT artifact_id FROM artifact_tags WHERE tag = ?)`
		args = append(args, f.Tag)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
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
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*Artifact, 0, len(ids))
	for _, id := range ids {
		a, err := s.GetArtifact(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// TaskSearchFilter narrows full-text task search results.
type TaskSearchFilter struct {
	ProjectID string
	Status    TaskStatus
	Priority  *int
	Limit     int
}

// SearchTasks runs a full-text match over task titles and descriptions.
// An empty query returns an empty result set.
func (s *Store) SearchTasks(ctx context.Context, query string, f TaskSearchFilter) ([]*Task, error) {
	if strings.TrimSpace(query) == "" {
		return []*Task{}, nil
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}

	q := `SELECT ` + prefixColumns("t", taskColumns) + ` FROM tasks_fts
		JOIN tasks t ON t.rowid = tasks_fts.rowid
		WHERE tasks_fts MATCH ?`
	args := []any{ftsQuery(query)}
	if f.ProjectID != "" {
		q += ` AND t.project_id = ?`
		args = append(args, f.ProjectID)
	}
	if f.Status != "" {
		q += ` AND t.status = ?`
		args = append(args, string(f.Status))
	}
	if f.Priority != nil {
		q += ` AND t.priority = ?`
		args = append(args, *f.Priority)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ftsQuery quotes user input so FTS5 operators in queries cannot break the
// match expression.
func ftsQuery(query string) string {
	terms := strings.Fields(query)
	for i, t := range terms {
		terms[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
	}
	return strings.Join(terms, " ")
}

// prefixColumns rewrites a comma-separated column list with a table alias.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
