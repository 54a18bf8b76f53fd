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

package syncer

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// MemoryProjector mirrors the memories table to a JSONL file, one memory
// per line.
type MemoryProjector struct {
	Store     *store.Store
	Path      string
	ProjectID string
}

func (p *MemoryProjector) Name() string  { return "memories" }
func (p *MemoryProjector) Table() string { return "memories" }

// Import reads the JSONL file; the store's hash dedup makes this a no-op
// for lines already present.
func (p *MemoryProjector) Import(ctx context.Context) error {
	f, err := os.Open(p.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var m store.Memory
		if err := json.Unmarshal(raw, &m); err != nil {
			return &gerrors.ValidationError{
				Field:   "memories",
				Message: fmt.Sprintf("%s line %d: %s", p.Path, line, err),
			}
		}
		m.ProjectID = p.ProjectID
		if _, err := p.Store.CreateMemory(ctx, &m); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (p *MemoryProjector) Export(ctx context.Context) error {
	memories, err := p.Store.ListMemories(ctx, p.ProjectID, 0)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, m := range memories {
		if err := enc.Encode(m); err != nil {
			return err
		}
	}
	return writeFileAtomic(p.Path, buf.Bytes())
}

// TaskProjector mirrors the tasks table to a JSONL file.
type TaskProjector struct {
	Store     *store.Store
	Path      string
	ProjectID string
}

func (p *TaskProjector) Name() string  { return "tasks" }
func (p *TaskProjector) Table() string { return "tasks" }

// Import creates tasks from the file, skipping ids already in the store.
func (p *TaskProjector) Import(ctx context.Context) error {
	f, err := os.Open(p.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var t store.Task
		if err := json.Unmarshal(raw, &t); err != nil {
			return &gerrors.ValidationError{
				Field:   "tasks",
				Message: fmt.Sprintf("%s line %d: %s", p.Path, line, err),
			}
		}
		if t.ID != "" {
			if _, err := p.Store.GetTask(ctx, t.ID); err == nil {
				continue
			} else if !gerrors.IsNotFound(err) {
				return err
			}
		}
		t.ProjectID = p.ProjectID
		if _, err := p.Store.CreateTask(ctx, &t); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (p *TaskProjector) Export(ctx context.Context) error {
	tasks, err := p.Store.ListTasks(ctx, p.ProjectID, "", "", 0)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, t := range tasks {
		if err := enc.Encode(t); err != nil {
			return err
		}
	}
	return writeFileAtomic(p.Path, buf.Bytes())
}

// SkillProjector mirrors the skills table to the Claude-compatible layout:
// <dir>/<name>/SKILL.md with YAML frontmatter, plus a .gobby-meta.json
// sidecar carrying the store identity.
type SkillProjector struct {
	Store     *store.Store
	Dir       string
	ProjectID string
}

func (p *SkillProjector) Name() string  { return "skills" }
func (p *SkillProjector) Table() string { return "skills" }

type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}

type skillMeta struct {
	ID          string `json:"id"`
	ProjectID   string `json:"project_id,omitempty"`
	ContentHash string `json:"content_hash"`
	UpdatedAt   string `json:"updated_at"`
}

// Import walks the skill directories. UpsertSkill skips unchanged content,
// so a re-import of an exported tree does nothing.
func (p *SkillProjector) Import(ctx context.Context) error {
	entries, err := os.ReadDir(p.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		path := filepath.Join(p.Dir, entry.Name(), "SKILL.md")
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return err
		}
		fm, content, err := splitFrontmatter(data)
		if err != nil {
			return &gerrors.ValidationError{
				Field:   "skills",
				Message: fmt.Sprintf("%s: %s", path, err),
			}
		}
		if fm.Name == "" {
			fm.Name = entry.Name()
		}
		if _, err := p.Store.UpsertSkill(ctx, &store.Skill{
			ProjectID:   p.ProjectID,
			Name:        fm.Name,
			Description: fm.Description,
			Content:     content,
		}); err != nil {
			return err
		}
	}
	return nil
}

// Export writes one directory per skill and prunes directories whose skill
// is gone, leaving foreign directories (no sidecar) alone.
func (p *SkillProjector) Export(ctx context.Context) error {
	skills, err := p.Store.ListSkills(ctx, p.ProjectID)
	if err != nil {
		return err
	}

	keep := make(map[string]bool, len(skills))
	for _, sk := range skills {
		name := safeName(sk.Name)
		keep[name] = true
		dir := filepath.Join(p.Dir, name)

		body, err := renderSkill(sk)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(dir, "SKILL.md"), body); err != nil {
			return err
		}
		meta, err := json.MarshalIndent(skillMeta{
			ID:          sk.ID,
			ProjectID:   sk.ProjectID,
			ContentHash: sk.ContentHash,
			UpdatedAt:   sk.UpdatedAt.UTC().Format(time.RFC3339),
		}, "", "  ")
		if err != nil {
			return err
		}
		if err := writeFileAtomic(filepath.Join(dir, ".gobby-meta.json"), meta); err != nil {
			return err
		}
	}

	entries, err := os.ReadDir(p.Dir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() || keep[entry.Name()] {
			continue
		}
		// Only prune directories this projector wrote.
		if _, err := os.Stat(filepath.Join(p.Dir, entry.Name(), ".gobby-meta.json")); err != nil {
			continue
		}
		if err := os.RemoveAll(filepath.Join(p.Dir, entry.Name())); err != nil {
			return err
		}
	}
	return nil
}

func renderSkill(sk *store.Skill) ([]byte, error) {
	fm, err := yaml.Marshal(skillFrontmatter{Name: sk.Name, Description: sk.Description})
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(sk.Content)
	if !strings.HasSuffix(sk.Content, "\n") {
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

func splitFrontmatter(data []byte) (skillFrontmatter, string, error) {
	var fm skillFrontmatter
	text := string(data)
	if !strings.HasPrefix(text, "---\n") {
		return fm, strings.TrimSpace(text), nil
	}
	rest := text[4:]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return fm, "", fmt.Errorf("unterminated frontmatter")
	}
	if err := yaml.Unmarshal([]byte(rest[:end+1]), &fm); err != nil {
		return fm, "", err
	}
	body := rest[end+4:]
	return fm, strings.TrimSpace(body), nil
}

// safeName keeps skill directory names filesystem-clean.
func safeName(name string) string {
	return strings.NewReplacer("/", "-", "\\", "-", " ", "-").Replace(name)
}
