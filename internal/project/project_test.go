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

package project

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindWalksUpward(t *testing.T) {
	root := t.TempDir()
	m, err := Init(root, "demo")
	require.NoError(t, err)

	nested := filepath.Join(root, "pkg", "deep", "dir")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	found, foundRoot, ok, err := Find(nested)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, m.ID, found.ID)
	assert.Equal(t, "demo", found.Name)
	assert.Equal(t, root, foundRoot)
}

func TestFindNoMarker(t *testing.T) {
	_, _, ok, err := Find(t.TempDir())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInitIsIdempotent(t *testing.T) {
	root := t.TempDir()
	m1, err := Init(root, "demo")
	require.NoError(t, err)
	m2, err := Init(root, "demo")
	require.NoError(t, err)
	assert.Equal(t, m1.ID, m2.ID)
}

func TestInitNestedLinksParent(t *testing.T) {
	root := t.TempDir()
	_, err := Init(root, "outer")
	require.NoError(t, err)

	sub := filepath.Join(root, "services", "api")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	child, err := Init(sub, "api")
	require.NoError(t, err)
	assert.Equal(t, root, child.ParentProjectPath)

	found, foundRoot, ok, err := Find(sub)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, child.ID, found.ID)
	assert.Equal(t, sub, foundRoot)
}

func TestFindRejectsCorruptMarker(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, MarkerDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, MarkerDir, "project.json"), []byte("{"), 0o644))

	_, _, _, err := Find(root)
	require.Error(t, err)
}
