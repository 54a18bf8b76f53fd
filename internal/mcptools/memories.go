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

func (r *Registry) memoriesServer() *Server {
	s := newServer("memories", "Long-term notes scoped to the project. Duplicate content is deduplicated by hash.")

	s.add(&Tool{
		Name:        "save_memory",
		Description: "Store a note. Saving identical content returns the existing memory.",
		InputSchema: schema([]string{"content"}, map[string]any{
			"content": prop("string", "The note text"),
			"tags":    map[string]any{"type": "array", "items": prop("string", ""), "description": "Tags"},
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			return r.store.CreateMemory(ctx, &store.Memory{
				ProjectID: c.ProjectID(),
				Content:   content,
				Tags:      optStrings(c.Args, "tags"),
			})
		},
	})

	s.add(&Tool{
		Name:        "list_memories",
		Description: "List memories in the caller's project, newest first.",
		InputSchema: schema(nil, map[string]any{
			"limit": prop("integer", "Maximum rows, default 50"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListMemories(ctx, c.ProjectID(), optInt(c.Args, "limit", 50))
		},
	})

	s.add(&Tool{
		Name:        "delete_memory",
		Description: "Delete a memory by id.",
		InputSchema: schema([]string{"memory_id"}, map[string]any{
			"memory_id": prop("string", "Memory id"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := requireString(c.Args, "memory_id")
			if err != nil {
				return nil, err
			}
			if err := r.store.DeleteMemory(ctx, id); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": id}, nil
		},
	})

	return s
}

func (r *Registry) skillsServer() *Server {
	s := newServer("skills", "Reusable instruction fragments, mirrored to disk when the projector is enabled.")

	s.add(&Tool{
		Name:        "upsert_skill",
		Description: "Create or update a skill by name. Unchanged content is a no-op.",
		InputSchema: schema([]string{"name", "content"}, map[string]any{
			"name":        prop("string", "Unique skill name within the project"),
			"content":     prop("string", "Skill body (markdown)"),
			"description": prop("string", "One-line summary"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			name, err := requireString(c.Args, "name")
			if err != nil {
				return nil, err
			}
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			return r.store.UpsertSkill(ctx, &store.Skill{
				ProjectID:   c.ProjectID(),
				Name:        name,
				Description: optString(c.Args, "description"),
				Content:     content,
			})
		},
	})

	s.add(&Tool{
		Name:        "get_skill",
		Description: "Fetch one skill by name.",
		InputSchema: schema([]string{"name"}, map[string]any{
			"name": prop("string", "Skill name"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			name, err := requireString(c.Args, "name")
			if err != nil {
				return nil, err
			}
			return r.store.GetSkillByName(ctx, c.ProjectID(), name)
		},
	})

	s.add(&Tool{
		Name:        "list_skills",
		Description: "List skills in the caller's project.",
		InputSchema: schema(nil, nil),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			return r.store.ListSkills(ctx, c.ProjectID())
		},
	})

	s.add(&Tool{
		Name:        "delete_skill",
		Description: "Delete a skill by name.",
		InputSchema: schema([]string{"name"}, map[string]any{
			"name": prop("string", "Skill name"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			name, err := requireString(c.Args, "name")
			if err != nil {
				return nil, err
			}
			sk, err := r.store.GetSkillByName(ctx, c.ProjectID(), name)
			if err != nil {
				return nil, err
			}
			if err := r.store.DeleteSkill(ctx, sk.ID); err != nil {
				return nil, err
			}
			return map[string]any{"deleted": name}, nil
		},
	})

	return s
}
