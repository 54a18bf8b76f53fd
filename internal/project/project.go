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

// Package project discovers and materializes .gobby/project.json markers.
// A marker pins a directory tree to a stable project identity so sessions
// started anywhere inside it attach to the same project row.
package project

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// MarkerDir is the per-project metadata directory name.
const MarkerDir = ".gobby"

// markerFile sits inside MarkerDir.
const markerFile = "project.json"

// Marker is the on-disk project identity.
type Marker struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	ParentProjectPath string `json:"parent_project_path,omitempty"`
}

// Find walks upward from dir looking for a .gobby/project.json marker. It
// returns the marker and the directory containing it, or ok=false when no
// ancestor carries one.
func Find(dir string) (*Marker, string, bool, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, "", false, err
	}
	for {
		path := filepath.Join(dir, MarkerDir, markerFile)
		data, err := os.ReadFile(path)
		if err == nil {
			var m Marker
			if err := json.Unmarshal(data, &m); err != nil {
				return nil, "", false, fmt.Errorf("parsing %s: %w", path, err)
			}
			if m.ID == "" {
				return nil, "", false, fmt.Errorf("%s: missing project id", path)
			}
			return &m, dir, true, nil
		}
		if !os.IsNotExist(err) {
			return nil, "", false, err
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return nil, "", false, nil
		}
		dir = parent
	}
}

// Init writes a marker into dir, assigning a fresh id unless one exists
// already. When a marker is found in an ancestor (not dir itself), the new
// marker records it as the parent project so nested repos stay linked.
func Init(dir, name string) (*Marker, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if existing, root, ok, err := Find(dir); err != nil {
		return nil, err
	} else if ok && root == dir {
		return existing, nil
	} else if ok {
		m := &Marker{ID: uuid.New().String(), Name: name, ParentProjectPath: root}
		return m, write(dir, m)
	}
	if name == "" {
		name = filepath.Base(dir)
	}
	m := &Marker{ID: uuid.New().String(), Name: name}
	return m, write(dir, m)
}

func write(dir string, m *Marker) error {
	markerDir := filepath.Join(dir, MarkerDir)
	if err := os.MkdirAll(markerDir, 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(markerDir, markerFile), append(data, '\n'), 0o644)
}
