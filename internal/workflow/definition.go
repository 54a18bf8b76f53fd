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

// Package workflow loads declarative workflow definitions and runs their
// per-session state machines against inbound hook events.
package workflow

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/gobbyhq/gobby/internal/bus"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Kind distinguishes step machines from lifecycle trigger sets.
type Kind string

const (
	KindStep      Kind = "step"
	KindLifecycle Kind = "lifecycle"
)

// Definition is a YAML workflow document. A step workflow declares an
// ordered list of steps; a lifecycle workflow declares triggers keyed by
// event type. The Kind field is optional and defaults to "step".
type Definition struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string `yaml:"version,omitempty" json:"version,omitempty"`
	Kind        Kind   `yaml:"kind,omitempty" json:"kind,omitempty"`

	// Extends names another workflow whose fields this one overrides.
	// Steps and triggers merge by name; scalar fields override.
	Extends string `yaml:"extends,omitempty" json:"extends,omitempty"`

	// Priority orders lifecycle workflows during fan-out; higher runs first.
	Priority int `yaml:"priority,omitempty" json:"priority,omitempty"`

	// Variables seed the WorkflowState variable bag on activation.
	Variables map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`

	// SessionVariables are owned by lifecycle workflows and survive a step
	// workflow being cleared.
	SessionVariables map[string]any `yaml:"session_variables,omitempty" json:"session_variables,omitempty"`

	Steps []StepDefinition `yaml:"steps,omitempty" json:"steps,omitempty"`

	// Triggers maps "on_<event_type>" keys (canonical or alias) to actions.
	Triggers map[string][]ActionSpec `yaml:"triggers,omitempty" json:"triggers,omitempty"`
}

// StepDefinition is one state of a step workflow.
type StepDefinition struct {
	Name           string       `yaml:"name" json:"name"`
	Description    string       `yaml:"description,omitempty" json:"description,omitempty"`
	AllowedTools   ToolList     `yaml:"allowed_tools,omitempty" json:"allowed_tools,omitempty"`
	BlockedTools   []string     `yaml:"blocked_tools,omitempty" json:"blocked_tools,omitempty"`
	Rules          []Rule       `yaml:"rules,omitempty" json:"rules,omitempty"`
	Transitions    []Transition `yaml:"transitions,omitempty" json:"transitions,omitempty"`
	ExitConditions []string     `yaml:"exit_conditions,omitempty" json:"exit_conditions,omitempty"`
	OnEnter        []ActionSpec `yaml:"on_enter,omitempty" json:"on_enter,omitempty"`
	OnExit         []ActionSpec `yaml:"on_exit,omitempty" json:"on_exit,omitempty"`
}

// Rule is a guarded response directive. The first matching rule of a step
// determines the hook response for the event.
type Rule struct {
	ID     string `yaml:"id,omitempty" json:"id,omitempty"`
	When   string `yaml:"when" json:"when"`
	Do     string `yaml:"do" json:"do"` // block, warn, require_approval, modify
	Reason string `yaml:"reason,omitempty" json:"reason,omitempty"`
	// Context is injected for modify/warn rules.
	Context string `yaml:"context,omitempty" json:"context,omitempty"`
	// Prompt and DeadlineMinutes configure require_approval rules.
	Prompt          string `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	DeadlineMinutes int    `yaml:"deadline_minutes,omitempty" json:"deadline_minutes,omitempty"`
}

// Rule verbs.
const (
	RuleBlock           = "block"
	RuleWarn            = "warn"
	RuleRequireApproval = "require_approval"
	RuleModify          = "modify"
)

// Transition moves the machine to another step when its condition holds.
type Transition struct {
	When string `yaml:"when" json:"when"`
	To   string `yaml:"to" json:"to"`
}

// ActionSpec names a registered action with its parameters. The `when`
// condition gates execution.
type ActionSpec struct {
	Action string         `yaml:"action" json:"action"`
	When   string         `yaml:"when,omitempty" json:"when,omitempty"`
	Params map[string]any `yaml:",inline" json:"params,omitempty"`
}

// ToolList is either an explicit whitelist or the "all" sentinel.
type ToolList struct {
	All   bool
	Names []string
}

// UnmarshalYAML accepts the string "all" or a list of tool names.
func (t *ToolList) UnmarshalYAML(node *yaml.Node) error {
	var all string
	if err := node.Decode(&all); err == nil {
		if all == "all" {
			t.All = true
			return nil
		}
		return fmt.Errorf("allowed_tools: expected \"all\" or a list, got %q", all)
	}
	return node.Decode(&t.Names)
}

// MarshalYAML renders the sentinel back out.
func (t ToolList) MarshalYAML() (any, error) {
	if t.All {
		return "all", nil
	}
	return t.Names, nil
}

// IsZero reports an unset list, which means "no whitelist declared".
func (t ToolList) IsZero() bool { return !t.All && len(t.Names) == 0 }

// triggerAliases maps alternate trigger spellings to canonical event types.
var triggerAliases = map[string]bus.EventType{
	"on_session_start":      bus.SessionStart,
	"on_session_end":        bus.SessionEnd,
	"on_before_agent":       bus.BeforeAgent,
	"on_prompt_submit":      bus.BeforeAgent,
	"on_after_agent":        bus.AfterAgent,
	"on_before_tool":        bus.BeforeTool,
	"on_pre_tool_use":       bus.BeforeTool,
	"on_after_tool":         bus.AfterTool,
	"on_post_tool_use":      bus.AfterTool,
	"on_pre_compact":        bus.PreCompact,
	"on_subagent_start":     bus.SubagentStart,
	"on_subagent_stop":      bus.SubagentStop,
	"on_notification":       bus.Notification,
	"on_permission_request": bus.PermissionRequest,
	"on_stop":               bus.Stop,
}

// TriggersFor returns the actions bound to an event type, resolving aliases.
func (d *Definition) TriggersFor(t bus.EventType) []ActionSpec {
	var out []ActionSpec
	for key, actions := range d.Triggers {
		if canonical, ok := triggerAliases[key]; ok && canonical == t {
			out = append(out, actions...)
		}
	}
	return out
}

// Step returns the named step definition, or nil.
func (d *Definition) Step(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i]
		}
	}
	return nil
}

// NextStep returns the step declared after the named one, or nil when it is
// last.
func (d *Definition) NextStep(name string) *StepDefinition {
	for i := range d.Steps {
		if d.Steps[i].Name == name && i+1 < len(d.Steps) {
			return &d.Steps[i+1]
		}
	}
	return nil
}

// Validate checks structural invariants after extends resolution.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &gerrors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	switch d.Kind {
	case KindStep:
		if len(d.Steps) == 0 {
			return &gerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("step workflow %q declares no steps", d.Name),
			}
		}
	case KindLifecycle:
		if len(d.Steps) > 0 {
			return &gerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("lifecycle workflow %q must not declare steps", d.Name),
			}
		}
		for key := range d.Triggers {
			if _, ok := triggerAliases[key]; !ok {
				return &gerrors.ValidationError{
					Field:   "triggers",
					Message: fmt.Sprintf("workflow %q: unknown trigger %q", d.Name, key),
				}
			}
		}
	default:
		return &gerrors.ValidationError{
			Field:   "kind",
			Message: fmt.Sprintf("workflow %q: unknown kind %q", d.Name, d.Kind),
		}
	}

	seen := make(map[string]struct{}, len(d.Steps))
	for _, step := range d.Steps {
		if step.Name == "" {
			return &gerrors.ValidationError{Field: "steps", Message: "step without a name"}
		}
		if _, dup := seen[step.Name]; dup {
			return &gerrors.ValidationError{
				Field:   "steps",
				Message: fmt.Sprintf("duplicate step %q", step.Name),
			}
		}
		seen[step.Name] = struct{}{}
		for _, rule := range step.Rules {
			switch rule.Do {
			case RuleBlock, RuleWarn, RuleRequireApproval, RuleModify:
			default:
				return &gerrors.ValidationError{
					Field:   "rules",
					Message: fmt.Sprintf("step %q: unknown rule verb %q", step.Name, rule.Do),
				}
			}
		}
	}
	for _, step := range d.Steps {
		for _, tr := range step.Transitions {
			if _, ok := seen[tr.To]; !ok {
				return &gerrors.ValidationError{
					Field:   "transitions",
					Message: fmt.Sprintf("step %q: transition to unknown step %q", step.Name, tr.To),
				}
			}
		}
	}
	return nil
}

// merge layers child over parent: scalars override when set, variable maps
// union with child precedence, steps and triggers merge by name.
func merge(parent, child *Definition) *Definition {
	out := *parent
	out.Name = child.Name
	out.Extends = child.Extends
	if child.Description != "" {
		out.Description = child.Description
	}
	if child.Version != "" {
		out.Version = child.Version
	}
	if child.Kind != "" {
		out.Kind = child.Kind
	}
	if child.Priority != 0 {
		out.Priority = child.Priority
	}
	out.Variables = mergeMaps(parent.Variables, child.Variables)
	out.SessionVariables = mergeMaps(parent.SessionVariables, child.SessionVariables)

	if len(child.Steps) > 0 {
		merged := make([]StepDefinition, len(parent.Steps))
		copy(merged, parent.Steps)
		for _, cs := range child.Steps {
			replaced := false
			for i := range merged {
				if merged[i].Name == cs.Name {
					merged[i] = cs
					replaced = true
					break
				}
			}
			if !replaced {
				merged = append(merged, cs)
			}
		}
		out.Steps = merged
	}

	if len(child.Triggers) > 0 {
		merged := make(map[string][]ActionSpec, len(parent.Triggers)+len(child.Triggers))
		for k, v := range parent.Triggers {
			merged[k] = v
		}
		for k, v := range child.Triggers {
			merged[k] = v
		}
		out.Triggers = merged
	}
	return &out
}

func mergeMaps(parent, child map[string]any) map[string]any {
	if parent == nil && child == nil {
		return nil
	}
	out := make(map[string]any, len(parent)+len(child))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range child {
		out[k] = v
	}
	return out
}
