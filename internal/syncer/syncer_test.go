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
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gobbyhq/gobby/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(store.Config{Path: filepath.Join(t.TempDir(), "gobby.db")}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestMemoryExportAndReimport(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	p := &MemoryProjector{Store: st, Path: path}

	_, err := st.CreateMemory(ctx, &store.Memory{Content: "prefer table-driven tests", Tags: []string{"style"}})
	require.NoError(t, err)
	_, err = st.CreateMemory(ctx, &store.Memory{Content: "daemon listens on 9119"})
	require.NoError(t, err)

	require.NoError(t, p.Export(ctx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	var m store.Memory
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &m))
	assert.NotEmpty(t, m.ContentHash)

	// Re-importing the export changes nothing; the hash dedup swallows it.
	require.NoError(t, p.Import(ctx))
	memories, err := st.ListMemories(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, memories, 2)
}

func TestMemoryImportFromForeignFile(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "memories.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(
		`{"content":"first note"}`+"\n\n"+`{"content":"second note","tags":["infra"]}`+"\n"), 0o644))

	p := &MemoryProjector{Store: st, Path: path}
	require.NoError(t, p.Import(ctx))

	memories, err := st.ListMemories(ctx, "", 0)
	require.NoError(t, err)
	assert.Len(t, memories, 2)
}

func TestSkillRoundTrip(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := &SkillProjector{Store: st, Dir: dir}

	_, err := st.UpsertSkill(ctx, &store.Skill{
		Name:        "code review",
		Description: "how to review a PR",
		Content:     "Read the diff twice before commenting.",
	})
	require.NoError(t, err)
	require.NoError(t, p.Export(ctx))

	// Slash-unsafe characters become dashes in the directory name.
	body, err := os.ReadFile(filepath.Join(dir, "code-review", "SKILL.md"))
	require.NoError(t, err)
	assert.Contains(t, string(body), "name: code review")
	assert.Contains(t, string(body), "Read the diff twice")

	meta, err := os.ReadFile(filepath.Join(dir, "code-review", ".gobby-meta.json"))
	require.NoError(t, err)
	var sm skillMeta
	require.NoError(t, json.Unmarshal(meta, &sm))
	assert.NotEmpty(t, sm.ID)
	assert.NotEmpty(t, sm.ContentHash)

	// Import of our own export is idempotent.
	require.NoError(t, p.Import(ctx))
	skills, err := st.ListSkills(ctx, "")
	require.NoError(t, err)
	require.Len(t, skills, 1)
	assert.Equal(t, sm.ID, skills[0].ID)
}

func TestSkillImportFromHandWrittenFile(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "debugging"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "debugging", "SKILL.md"), []byte(
		"---\nname: debugging\ndescription: narrow first\n---\n\nBisect before you theorize.\n"), 0o644))

	p := &SkillProjector{Store: st, Dir: dir}
	require.NoError(t, p.Import(ctx))

	sk, err := st.GetSkillByName(ctx, "", "debugging")
	require.NoError(t, err)
	assert.Equal(t, "narrow first", sk.Description)
	assert.Equal(t, "Bisect before you theorize.", sk.Content)
}

func TestSkillExportPrunesOnlyOwnDirectories(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := &SkillProjector{Store: st, Dir: dir}

	sk, err := st.UpsertSkill(ctx, &store.Skill{Name: "temp", Content: "x"})
	require.NoError(t, err)
	require.NoError(t, p.Export(ctx))

	// A foreign directory without the sidecar survives pruning.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "handmade"), 0o755))

	require.NoError(t, st.DeleteSkill(ctx, sk.ID))
	require.NoError(t, p.Export(ctx))

	_, err = os.Stat(filepath.Join(dir, "temp"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(dir, "handmade"))
	assert.NoError(t, err)
}

func TestTaskProjectorSkipsExistingIDs(t *testing.T) {
	st := newStore(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tasks.jsonl")
	p := &TaskProjector{Store: st, Path: path}

	created, err := st.CreateTask(ctx, &store.Task{Title: "write docs"})
	require.NoError(t, err)
	require.NoError(t, p.Export(ctx))

	// Importing the same file again creates nothing new.
	require.NoError(t, p.Import(ctx))
	tasks, err := st.ListTasks(ctx, "", "", "", 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, created.ID, tasks[0].ID)
}

func TestDebouncedExportOnStoreChanges(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "memories.jsonl")
	y := New(st, nil, 20*time.Millisecond, &MemoryProjector{Store: st, Path: path})
	y.Start(ctx)

	for i := 0; i < 3; i++ {
		_, err := st.CreateMemory(ctx, &store.Memory{Content: "note " + string(rune('a'+i))})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(path)
		return err == nil && len(strings.Split(strings.TrimSpace(string(data)), "\n")) == 3
	}, 2*time.Second, 10*time.Millisecond)
}

func TestFlushWritesPendingExport(t *testing.T) {
	st := newStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	path := filepath.Join(t.TempDir(), "memories.jsonl")
	y := New(st, nil, time.Hour, &MemoryProjector{Store: st, Path: path})
	y.Start(ctx)

	_, err := st.CreateMemory(ctx, &store.Memory{Content: "pending"})
	require.NoError(t, err)

	y.Flush(ctx)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "pending")
}
