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

package hook

import (
	"fmt"
	"sync"
	"time"

	"github.com/gobbyhq/gobby/internal/bus"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Adapter translates between one vendor CLI's native hook schema and the
// unified types. ToEvent returns nil (no error) for native events the vendor
// emits but the core does not track.
type Adapter interface {
	Source() string
	ToEvent(native map[string]any) (*Event, error)
	FromResponse(resp *Response, nativeHookType string) map[string]any
}

// Adapters is a registry keyed by source tag.
type Adapters struct {
	mu sync.RWMutex
	m  map[string]Adapter
}

// NewAdapters returns a registry with the built-in adapters installed.
func NewAdapters() *Adapters {
	a := &Adapters{m: make(map[string]Adapter)}
	a.MustRegister(&ClaudeAdapter{})
	a.MustRegister(&GenericAdapter{})
	return a
}

// Register adds an adapter, rejecting duplicate sources.
func (a *Adapters) Register(adapter Adapter) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.m[adapter.Source()]; ok {
		return &gerrors.ConflictError{Resource: "adapter", ID: adapter.Source(), Message: "already registered"}
	}
	a.m[adapter.Source()] = adapter
	return nil
}

// MustRegister panics on duplicate registration; used at startup only.
func (a *Adapters) MustRegister(adapter Adapter) {
	if err := a.Register(adapter); err != nil {
		panic(err)
	}
}

// Get returns the adapter for a source, falling back to the generic one.
func (a *Adapters) Get(source string) Adapter {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if adapter, ok := a.m[source]; ok {
		return adapter
	}
	return a.m["generic"]
}

// claudeEventNames maps Claude Code hook names to unified event types.
var claudeEventNames = map[string]bus.EventType{
	"SessionStart":      bus.SessionStart,
	"SessionEnd":        bus.SessionEnd,
	"UserPromptSubmit":  bus.BeforeAgent,
	"PreToolUse":        bus.BeforeTool,
	"PostToolUse":       bus.AfterTool,
	"PreCompact":        bus.PreCompact,
	"SubagentStart":     bus.SubagentStart,
	"SubagentStop":      bus.SubagentStop,
	"Notification":      bus.Notification,
	"PermissionRequest": bus.PermissionRequest,
	"Stop":              bus.Stop,
}

// ClaudeAdapter speaks the Claude Code hook protocol.
type ClaudeAdapter struct{}

func (c *ClaudeAdapter) Source() string { return "claude" }

// ToEvent maps a native Claude hook payload. Unknown hook names return nil.
func (c *ClaudeAdapter) ToEvent(native map[string]any) (*Event, error) {
	hookType, _ := native["hook_event_name"].(string)
	if hookType == "" {
		hookType, _ = native["hook_type"].(string)
	}
	eventType, ok := claudeEventNames[hookType]
	if !ok {
		return nil, nil
	}
	externalID, _ := native["session_id"].(string)
	if externalID == "" {
		return nil, &gerrors.ValidationError{Field: "session_id", Message: "missing in hook payload"}
	}
	cwd, _ := native["cwd"].(string)

	data := make(map[string]any)
	if name, ok := native["tool_name"].(string); ok {
		data["tool_name"] = name
	}
	if input, ok := native["tool_input"].(map[string]any); ok {
		data["tool_input"] = input
	}
	if resp, ok := native["tool_response"]; ok {
		data["tool_result"] = resp
	}
	if prompt, ok := native["prompt"].(string); ok {
		data["prompt"] = prompt
	}

	return &Event{
		Type:       eventType,
		ExternalID: externalID,
		Source:     c.Source(),
		Timestamp:  time.Now().UTC(),
		Cwd:        cwd,
		Data:       data,
		Metadata:   map[string]any{"native_hook_type": hookType},
	}, nil
}

// FromResponse renders the Claude Code response schema. Deny and block both
// map to the native "block" decision; injected context rides on the
// hook-specific output field.
func (c *ClaudeAdapter) FromResponse(resp *Response, nativeHookType string) map[string]any {
	out := map[string]any{"continue": true}
	switch resp.Decision {
	case Deny, Block:
		out["decision"] = "block"
		out["reason"] = resp.Reason
	default:
		out["decision"] = "approve"
	}
	if resp.Context != "" {
		out["hookSpecificOutput"] = map[string]any{
			"hookEventName":     nativeHookType,
			"additionalContext": resp.Context,
		}
	}
	if resp.SystemMessage != "" {
		out["systemMessage"] = resp.SystemMessage
	}
	return out
}

// GenericAdapter accepts payloads already shaped like the unified event.
type GenericAdapter struct{}

func (g *GenericAdapter) Source() string { return "generic" }

func (g *GenericAdapter) ToEvent(native map[string]any) (*Event, error) {
	rawType, _ := native["event_type"].(string)
	eventType := bus.EventType(rawType)
	if _, ok := bus.HookEventTypes[eventType]; !ok {
		return nil, &gerrors.ValidationError{
			Field:   "event_type",
			Message: fmt.Sprintf("unknown event type %q", rawType),
		}
	}
	externalID, _ := native["session_id"].(string)
	if externalID == "" {
		externalID, _ = native["external_id"].(string)
	}
	if externalID == "" {
		return nil, &gerrors.ValidationError{Field: "session_id", Message: "missing in hook payload"}
	}
	cwd, _ := native["cwd"].(string)
	machineID, _ := native["machine_id"].(string)
	data, _ := native["data"].(map[string]any)
	metadata, _ := native["metadata"].(map[string]any)

	return &Event{
		Type:       eventType,
		ExternalID: externalID,
		Source:     g.Source(),
		Timestamp:  time.Now().UTC(),
		MachineID:  machineID,
		Cwd:        cwd,
		Data:       data,
		Metadata:   metadata,
	}, nil
}

func (g *GenericAdapter) FromResponse(resp *Response, _ string) map[string]any {
	out := map[string]any{"decision": string(resp.Decision)}
	if resp.Reason != "" {
		out["reason"] = resp.Reason
	}
	if resp.Context != "" {
		out["context"] = resp.Context
	}
	if resp.SystemMessage != "" {
		out["system_message"] = resp.SystemMessage
	}
	return out
}
