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

package commands

import (
	"github.com/spf13/cobra"
)

func (a *app) memoriesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "memories",
		Aliases: []string{"memory"},
		Short:   "Long-term notes scoped to the project",
	}

	var tags []string
	save := &cobra.Command{
		Use:   "save <content>",
		Short: "Store a note; identical content deduplicates",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"content": args[0]}
			if len(tags) > 0 {
				in["tags"] = tags
			}
			return a.call(cmd, "memories", "save_memory", in)
		},
	}
	save.Flags().StringSliceVar(&tags, "tag", nil, "Tags (repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "memories", "list_memories", map[string]any{})
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a memory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "memories", "delete_memory", map[string]any{"memory_id": args[0]})
		},
	}

	cmd.AddCommand(save, list, del)
	return cmd
}

func (a *app) skillsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "skills",
		Aliases: []string{"skill"},
		Short:   "Reusable instruction fragments, mirrored to disk",
	}

	var description, content string
	upsert := &cobra.Command{
		Use:   "upsert <name>",
		Short: "Create or update a skill by name",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := map[string]any{"name": args[0]}
			if description != "" {
				in["description"] = description
			}
			if content != "" {
				in["content"] = content
			}
			return a.call(cmd, "skills", "upsert_skill", in)
		},
	}
	upsert.Flags().StringVarP(&description, "description", "d", "", "One-line description")
	upsert.Flags().StringVarP(&content, "content", "c", "", "Skill body")

	show := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "skills", "get_skill", map[string]any{"name": args[0]})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List skills",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.call(cmd, "skills", "list_skills", map[string]any{})
		},
	}

	del := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.call(cmd, "skills", "delete_skill", map[string]any{"name": args[0]})
		},
	}

	cmd.AddCommand(upsert, show, list, del)
	return cmd
}
