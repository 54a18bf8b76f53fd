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

package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Loader resolves workflow definitions from an ordered search path. Earlier
// directories shadow later ones, so a project-local workflow overrides a
// user-global one of the same name.
type Loader struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewLoader builds a loader over the given directories, most specific first.
// Missing directories are tolerated.
func NewLoader(dirs ...string) *Loader {
	return &Loader{dirs: dirs, cache: make(map[string]*Definition)}
}

// Get returns the resolved (extends applied, validated) definition by name.
func (l *Loader) Get(name string) (*Definition, error) {
	l.mu.RLock()
	if def, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return def, nil
	}
	l.mu.RUnlock()

	def, err := l.resolve(name, map[string]bool{})
	if err != nil {
		return nil, err
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = def
	l.mu.Unlock()
	return def, nil
}

// List returns every workflow name visible on the search path, shadowed
// names appearing once.
func (l *Loader) List() ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	for _, dir := range l.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			ext := filepath.Ext(entry.Name())
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			name := strings.TrimSuffix(entry.Name(), ext)
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				names = append(names, name)
			}
		}
	}
	return names, nil
}

// Invalidate clears the cache; used when workflow files change on disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]*Definition)
	l.mu.Unlock()
}

func (l *Loader) resolve(name string, visiting map[string]bool) (*Definition, error) {
	if visiting[name] {
		return nil, &gerrors.ValidationError{
			Field:   "extends",
			Message: fmt.Sprintf("workflow %q: extends cycle", name),
		}
	}
	visiting[name] = true

	def, err := l.read(name)
	if err != nil {
		return nil, err
	}
	if def.Extends == "" {
		return def, nil
	}
	parent, err := l.resolve(def.Extends, visiting)
	if err != nil {
		return nil, fmt.Errorf("workflow %q extends: %w", name, err)
	}
	return merge(parent, def), nil
}

func (l *Loader) read(name string) (*Definition, error) {
	for _, dir := range l.dirs {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, name+ext)
			data, err := os.ReadFile(path)
			if os.IsNotExist(err) {
				continue
			}
			if err != nil {
				return nil, err
			}
			var def Definition
			if err := yaml.Unmarshal(data, &def); err != nil {
				return nil, &gerrors.ValidationError{
					Field:   "workflow",
					Message: fmt.Sprintf("parsing %s: %s", path, err),
				}
			}
			if def.Name == "" {
				def.Name = name
			}
			if def.Kind == "" {
				def.Kind = KindStep
			}
			return &def, nil
		}
	}
	return nil, &gerrors.NotFoundError{Resource: "workflow", ID: name}
}
