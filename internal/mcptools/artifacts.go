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

func (r *Registry) artifactsServer() *Server {
	s := newServer("artifacts", "Content blobs captured from sessions, indexed for full-text search.")

	s.add(&Tool{
		Name:        "save_artifact",
		Description: "Capture a content blob for the calling session. Type is classified from the content when omitted.",
		InputSchema: schema([]string{"content"}, map[string]any{
			"content":       prop("string", "The blob"),
			"artifact_type": prop("string", "e.g. 'diff', 'snippet', 'note'; classified when omitted"),
			"task_id":       prop("string", "Associated task reference"),
			"source_file":   prop("string", "Origin file path"),
			"line_start":    prop("integer", ""),
			"line_end":      prop("integer", ""),
			"tags":          map[string]any{"type": "array", "items": prop("string", "")},
			"metadata":      prop("object", "Free-form metadata"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			a := &store.Artifact{
				SessionID:    sess.ID,
				ArtifactType: optString(c.Args, "artifact_type"),
				Content:      content,
				SourceFile:   optString(c.Args, "source_file"),
				LineStart:    optInt(c.Args, "line_start", 0),
				LineEnd:      optInt(c.Args, "line_end", 0),
				Tags:         optStrings(c.Args, "tags"),
				Metadata:     optMap(c.Args, "metadata"),
			}
			if ref := optString(c.Args, "task_id"); ref != "" {
				task, err := r.resolveTask(ctx, ref, c.ProjectID())
				if err != nil {
					return nil, err
				}
				a.TaskID = task.ID
			}
			return r.store.CreateArtifact(ctx, a)
		},
	})

	s.add(&Tool{
		Name:        "get_artifact",
		Description: "Fetch one artifact by id.",
		InputSchema: schema([]string{"artifact_id"}, map[string]any{
			"artifact_id": prop("string", "Artifact id"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := requireString(c.Args, "artifact_id")
			if err != nil {
				return nil, err
			}
			return r.store.GetArtifact(ctx, id)
		},
	})

	return s
}

func (r *Registry) searchServer() *Server {
	s := newServer("search", "Full-text search over artifacts and tasks. An empty query returns nothing.")

	s.add(&Tool{
		Name:        "search_artifacts",
		Description: "Full-text match over artifact content; filters apply after the match.",
		InputSchema: schema([]string{"query"}, map[string]any{
			"query":         prop("string", "FTS query; empty returns no rows"),
			"session_id":    prop("string", "Restrict to one session (any reference form)"),
			"artifact_type": prop("string", ""),
			"tag":           prop("string", ""),
			"limit":         prop("integer", "Default 20"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			f := store.ArtifactFilter{
				ArtifactType: optString(c.Args, "artifact_type"),
				Tag:          optString(c.Args, "tag"),
				Limit:        optInt(c.Args, "limit", 0),
			}
			if ref := optString(c.Args, "session_id"); ref != "" {
				sess, err := r.sessions.Resolve(ctx, ref, c.ProjectID())
				if err != nil {
					return nil, err
				}
				f.SessionID = sess.ID
			}
			return r.store.SearchArtifacts(ctx, optString(c.Args, "query"), f)
		},
	})

	s.add(&Tool{
		Name:        "search_tasks",
		Description: "Full-text match over task titles and descriptions.",
		InputSchema: schema([]string{"query"}, map[string]any{
			"query":    prop("string", "FTS query; empty returns no rows"),
			"status":   prop("string", "open | in_progress | needs_review | closed"),
			"priority": prop("integer", "Exact priority"),
			"limit":    prop("integer", "Default 20"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			f := store.TaskSearchFilter{
				ProjectID: c.ProjectID(),
				Status:    store.TaskStatus(optString(c.Args, "status")),
				Limit:     optInt(c.Args, "limit", 0),
			}
			if _, ok := c.Args["priority"]; ok {
				p := optInt(c.Args, "priority", 0)
				f.Priority = &p
			}
			return r.store.SearchTasks(ctx, optString(c.Args, "query"), f)
		},
	})

	return s
}
