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

// Package hook defines the unified hook event and response types exchanged
// between vendor adapters, the dispatcher and the workflow engine.
package hook

import (
	"strings"
	"time"

	"github.com/gobbyhq/gobby/internal/bus"
)

// Event is the unified inbound hook event. SessionID is the internal id once
// the dispatcher has resolved it; adapters fill ExternalID.
type Event struct {
	Type       bus.EventType  `json:"event_type"`
	SessionID  string         `json:"session_id,omitempty"`
	ExternalID string         `json:"external_id,omitempty"`
	Source     string         `json:"source"`
	Timestamp  time.Time      `json:"timestamp"`
	MachineID  string         `json:"machine_id,omitempty"`
	Cwd        string         `json:"cwd,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// ToolName extracts the tool name for before_tool/after_tool events.
func (e *Event) ToolName() string {
	if e.Data == nil {
		return ""
	}
	name, _ := e.Data["tool_name"].(string)
	return name
}

// Decision is the verdict a hook response carries.
type Decision string

const (
	Allow  Decision = "allow"
	Deny   Decision = "deny"
	Modify Decision = "modify"
	Block  Decision = "block"
)

// Response is the unified hook response returned to adapters.
type Response struct {
	Decision      Decision       `json:"decision"`
	Reason        string         `json:"reason,omitempty"`
	Context       string         `json:"context,omitempty"`
	SystemMessage string         `json:"system_message,omitempty"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// AllowResponse is the default verdict.
func AllowResponse() *Response {
	return &Response{Decision: Allow}
}

// Combine folds responses in order. Any deny/block wins over allow; modify
// merges by concatenating contexts and system messages in the order the
// responses were produced.
func Combine(responses ...*Response) *Response {
	out := AllowResponse()
	var contexts, messages []string
	for _, r := range responses {
		if r == nil {
			continue
		}
		switch r.Decision {
		case Deny, Block:
			// First terminal verdict wins; later context is moot.
			out.Decision = r.Decision
			out.Reason = r.Reason
			if r.SystemMessage != "" {
				out.SystemMessage = r.SystemMessage
			}
			return out
		case Modify:
			out.Decision = Modify
			if r.Reason != "" && out.Reason == "" {
				out.Reason = r.Reason
			}
		}
		if r.Context != "" {
			contexts = append(contexts, r.Context)
		}
		if r.SystemMessage != "" {
			messages = append(messages, r.SystemMessage)
		}
		for k, v := range r.Metadata {
			if out.Metadata == nil {
				out.Metadata = make(map[string]any)
			}
			out.Metadata[k] = v
		}
	}
	out.Context = strings.Join(contexts, "\n\n")
	out.SystemMessage = strings.Join(messages, "\n")
	if out.Context != "" && out.Decision == Allow {
		out.Decision = Modify
	}
	return out
}
