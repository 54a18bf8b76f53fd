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

package daemon

import (
	"context"
	"fmt"
	"time"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/mcptools"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// registerComponentActions installs the workflow actions that need daemon
// components beyond the engine's own store access. The engine registers its
// built-ins first, so a name collision here is a programming error.
func registerComponentActions(
	engine *workflow.Engine,
	registry *mcptools.Registry,
	agents mcptools.AgentSupervisor,
	pipelines mcptools.PipelineLauncher,
	b *bus.Bus,
) error {
	actions := engine.Actions()

	if err := actions.Register("call_tool", func(ctx context.Context, in *workflow.ActionInput) (*workflow.ActionResult, error) {
		server, _ := in.Params["server"].(string)
		tool, _ := in.Params["tool"].(string)
		if server == "" || tool == "" {
			return nil, &gerrors.ValidationError{Field: "tool", Message: "call_tool requires server and tool"}
		}
		args, _ := in.Params["args"].(map[string]any)
		result, err := registry.Call(ctx, server, tool, in.SessionID, args)
		if err != nil {
			return nil, err
		}
		into, _ := in.Params["into"].(string)
		if into == "" {
			into = "last_tool_result"
		}
		return &workflow.ActionResult{Variables: map[string]any{into: result}}, nil
	}); err != nil {
		return err
	}

	if err := actions.Register("spawn_agent", func(ctx context.Context, in *workflow.ActionInput) (*workflow.ActionResult, error) {
		if agents == nil {
			return nil, &gerrors.InvalidStateError{Resource: "agents", State: "disabled", Message: "agent supervisor not configured"}
		}
		prompt, _ := in.Params["prompt"].(string)
		if prompt == "" {
			return nil, &gerrors.ValidationError{Field: "prompt", Message: "spawn_agent requires a prompt"}
		}
		req := mcptools.SpawnParams{
			ParentSessionID: in.SessionID,
			Prompt:          prompt,
		}
		if v, ok := in.Params["name"].(string); ok {
			req.Name = v
		}
		if v, ok := in.Params["mode"].(string); ok {
			req.Mode = store.ExecutionMode(v)
		}
		if v, ok := in.Params["workflow"].(string); ok {
			req.Workflow = v
		}
		if v, ok := in.Params["provider"].(string); ok {
			req.Provider = v
		}
		if v, ok := in.Params["model"].(string); ok {
			req.Model = v
		}
		if v, ok := in.Params["timeout_minutes"].(float64); ok {
			req.TimeoutMinutes = int(v)
		}
		run, err := agents.Spawn(ctx, req)
		if err != nil {
			return nil, err
		}
		return &workflow.ActionResult{
			SystemMessage: fmt.Sprintf("spawned agent %s", run.ID),
			Variables:     map[string]any{"spawned_agent_id": run.ID},
		}, nil
	}); err != nil {
		return err
	}

	if err := actions.Register("execute_pipeline", func(ctx context.Context, in *workflow.ActionInput) (*workflow.ActionResult, error) {
		if pipelines == nil {
			return nil, &gerrors.InvalidStateError{Resource: "pipelines", State: "disabled", Message: "pipeline executor not configured"}
		}
		name, _ := in.Params["pipeline"].(string)
		if name == "" {
			name, _ = in.Params["name"].(string)
		}
		if name == "" {
			return nil, &gerrors.ValidationError{Field: "pipeline", Message: "execute_pipeline requires a pipeline name"}
		}
		inputs, _ := in.Params["inputs"].(map[string]any)
		exec, err := pipelines.Launch(ctx, name, inputs, in.SessionID)
		if err != nil {
			return nil, err
		}
		vars := map[string]any{
			"pipeline_execution_id": exec.ID,
			"pipeline_status":       string(exec.Status),
		}
		if exec.ResumeToken != "" {
			vars["pipeline_resume_token"] = exec.ResumeToken
		}
		return &workflow.ActionResult{Variables: vars}, nil
	}); err != nil {
		return err
	}

	return actions.Register("emit_webhook", func(_ context.Context, in *workflow.ActionInput) (*workflow.ActionResult, error) {
		event, _ := in.Params["event"].(string)
		if event == "" {
			return nil, &gerrors.ValidationError{Field: "event", Message: "emit_webhook requires an event name"}
		}
		payload, _ := in.Params["payload"].(map[string]any)
		b.Publish(bus.Event{
			Type:      bus.EventType(event),
			SessionID: in.SessionID,
			ProjectID: in.ProjectID,
			Timestamp: time.Now().UTC(),
			Payload:   payload,
		})
		return &workflow.ActionResult{}, nil
	})
}
