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

// Package pipeline executes acyclic DAGs of named steps. Steps reference
// earlier step outputs as $<step_id>.output[.field] and pipeline inputs as
// $inputs.<field>; the loader rejects forward and unknown references, so
// declaration order is always a valid topological order.
package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// InputSpec declares one pipeline input.
type InputSpec struct {
	Type        string `yaml:"type"`
	Required    bool   `yaml:"required"`
	Default     any    `yaml:"default"`
	Description string `yaml:"description"`
}

// Approval gates a step on a human decision.
type Approval struct {
	Required bool   `yaml:"required"`
	Message  string `yaml:"message"`
}

// Step is one node of the DAG. Exactly one of Exec and Prompt is set.
type Step struct {
	ID              string         `yaml:"id"`
	Exec            string         `yaml:"exec"`
	Prompt          string         `yaml:"prompt"`
	Condition       string         `yaml:"condition"`
	Input           map[string]any `yaml:"input"`
	Approval        Approval       `yaml:"approval"`
	ContinueOnError bool           `yaml:"continue_on_error"`
	DependsOn       []string       `yaml:"depends_on"`
}

// Definition is one loaded pipeline document.
type Definition struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description"`
	Inputs      map[string]InputSpec `yaml:"inputs"`
	Outputs     map[string]string    `yaml:"outputs"`
	Steps       []Step               `yaml:"steps"`
}

// refPattern matches $name followed by an optional dotted path.
var refPattern = regexp.MustCompile(`\$([A-Za-z_][A-Za-z0-9_]*)((?:\.[A-Za-z0-9_]+)*)`)

// Validate checks structural rules: unique step ids, exec xor prompt, and
// every reference naming a declared input or an earlier step.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &gerrors.ValidationError{Field: "name", Message: "pipeline name is required"}
	}
	if len(d.Steps) == 0 {
		return &gerrors.ValidationError{Field: "steps", Message: fmt.Sprintf("pipeline %q has no steps", d.Name)}
	}

	index := make(map[string]int, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID == "" {
			return d.stepErr(i, "id", "step id is required")
		}
		if _, dup := index[s.ID]; dup {
			return d.stepErr(i, "id", fmt.Sprintf("duplicate step id %q", s.ID))
		}
		index[s.ID] = i
	}

	for i, s := range d.Steps {
		if (s.Exec == "") == (s.Prompt == "") {
			return d.stepErr(i, "exec", "exactly one of exec and prompt must be set")
		}
		for _, dep := range s.DependsOn {
			j, ok := index[dep]
			if !ok {
				return d.stepErr(i, "depends_on", fmt.Sprintf("unknown step %q", dep))
			}
			if j >= i {
				return d.stepErr(i, "depends_on", fmt.Sprintf("forward reference to step %q", dep))
			}
		}
		for _, ref := range s.references() {
			if ref.name == "inputs" {
				if len(ref.path) == 0 {
					return d.stepErr(i, "input", "$inputs needs a field, as in $inputs.env")
				}
				if _, ok := d.Inputs[ref.path[0]]; !ok {
					return d.stepErr(i, "input", fmt.Sprintf("undeclared input %q", ref.path[0]))
				}
				continue
			}
			j, ok := index[ref.name]
			if !ok {
				return d.stepErr(i, "input", fmt.Sprintf("unknown step %q", ref.name))
			}
			if j >= i {
				return d.stepErr(i, "input", fmt.Sprintf("forward reference to step %q", ref.name))
			}
			if len(ref.path) == 0 || ref.path[0] != "output" {
				return d.stepErr(i, "input", fmt.Sprintf("step references must use $%s.output", ref.name))
			}
		}
	}

	for name, expr := range d.Outputs {
		for _, ref := range findRefs(expr) {
			if ref.name == "inputs" {
				continue
			}
			if _, ok := index[ref.name]; !ok {
				return &gerrors.ValidationError{
					Field:   "outputs",
					Message: fmt.Sprintf("pipeline %q output %q: unknown step %q", d.Name, name, ref.name),
				}
			}
		}
	}
	return nil
}

func (d *Definition) stepErr(i int, field, msg string) error {
	return &gerrors.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("pipeline %q step %q: %s", d.Name, d.Steps[i].ID, msg),
	}
}

type ref struct {
	name string
	path []string
}

// references collects every $ref appearing in the step's exec, prompt,
// condition and input values.
func (s *Step) references() []ref {
	var out []ref
	out = append(out, findRefs(s.Exec)...)
	out = append(out, findRefs(s.Prompt)...)
	out = append(out, findRefs(s.Condition)...)
	var walk func(v any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			out = append(out, findRefs(t)...)
		case map[string]any:
			for _, e := range t {
				walk(e)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		}
	}
	walk(s.Input)
	return out
}

// deps returns the step ids this step waits on: declared depends_on plus
// every step named in a $ref.
func (s *Step) deps() map[string]bool {
	out := make(map[string]bool)
	for _, d := range s.DependsOn {
		out[d] = true
	}
	for _, r := range s.references() {
		if r.name != "inputs" {
			out[r.name] = true
		}
	}
	return out
}

func findRefs(s string) []ref {
	var out []ref
	for _, m := range refPattern.FindAllStringSubmatch(s, -1) {
		r := ref{name: m[1]}
		if m[2] != "" {
			r.path = strings.Split(strings.TrimPrefix(m[2], "."), ".")
		}
		out = append(out, r)
	}
	return out
}

// waves groups the steps into execution waves: a step joins the earliest
// wave in which all of its dependencies have already run. Declaration order
// is preserved within a wave.
func (d *Definition) waves() [][]*Step {
	done := make(map[string]bool, len(d.Steps))
	remaining := make([]*Step, len(d.Steps))
	for i := range d.Steps {
		remaining[i] = &d.Steps[i]
	}

	var out [][]*Step
	for len(remaining) > 0 {
		var wave []*Step
		var next []*Step
		for _, s := range remaining {
			ready := true
			for dep := range s.deps() {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, s)
			} else {
				next = append(next, s)
			}
		}
		// Validate guarantees progress; an empty wave would mean a cycle.
		if len(wave) == 0 {
			break
		}
		for _, s := range wave {
			done[s.ID] = true
		}
		out = append(out, wave)
		remaining = next
	}
	return out
}

func (d *Definition) step(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Loader resolves pipeline definitions from an ordered search path, project
// directories shadowing global ones.
type Loader struct {
	dirs []string

	mu    sync.RWMutex
	cache map[string]*Definition
}

// NewLoader builds a loader over the given directories, most specific first.
func NewLoader(dirs ...string) *Loader {
	return &Loader{dirs: dirs, cache: make(map[string]*Definition)}
}

// Get returns the validated definition by name.
func (l *Loader) Get(name string) (*Definition, error) {
	l.mu.RLock()
	if def, ok := l.cache[name]; ok {
		l.mu.RUnlock()
		return def, nil
	}
	l.mu.RUnlock()

	def, err := l.read(name)
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

// List returns every pipeline name visible on the search path.
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

// Invalidate clears the cache; used when pipeline files change on disk.
func (l *Loader) Invalidate() {
	l.mu.Lock()
	l.cache = make(map[string]*Definition)
	l.mu.Unlock()
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
					Field:   "pipeline",
					Message: fmt.Sprintf("parsing %s: %s", path, err),
				}
			}
			if def.Name == "" {
				def.Name = name
			}
			return &def, nil
		}
	}
	return nil, &gerrors.NotFoundError{Resource: "pipeline", ID: name}
}
