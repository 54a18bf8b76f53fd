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

package mcptools

import (
	"context"
)

func (r *Registry) workflowsServer() *Server {
	s := newServer("workflows", "Activate, steer and inspect workflow state machines on the calling session.")

	s.add(&Tool{
		Name:        "activate_workflow",
		Description: "Bind a step workflow to the calling session. With resume=true an existing binding is returned unchanged.",
		InputSchema: schema([]string{"workflow"}, map[string]any{
			"workflow":     prop("string", "Workflow definition name"),
			"variables":    prop("object", "Initial variable overrides"),
			"initial_step": prop("string", "Start at this step instead of the first"),
			"resume":       prop("boolean", "Reuse an existing binding instead of failing"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			name, err := requireString(c.Args, "workflow")
			if err != nil {
				return nil, err
			}
			state, resumed, err := r.engine.Activate(ctx, name, sess.ID,
				optMap(c.Args, "variables"), optString(c.Args, "initial_step"),
				optBool(c.Args, "resume"))
			if err != nil {
				return nil, err
			}
			return map[string]any{"state": state, "resumed": resumed}, nil
		},
	})

	s.add(&Tool{
		Name:        "end_workflow",
		Description: "End a workflow on the calling session, running its exit actions.",
		InputSchema: schema([]string{"workflow"}, map[string]any{
			"workflow": prop("string", "Workflow definition name"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			name, err := requireString(c.Args, "workflow")
			if err != nil {
				return nil, err
			}
			if err := r.engine.End(ctx, name, sess.ID); err != nil {
				return nil, err
			}
			return map[string]any{"workflow": name, "ended": true}, nil
		},
	})

	s.add(&Tool{
		Name:        "transition_workflow",
		Description: "Move a workflow to a named step. Steps guarded by conditions need force=true.",
		InputSchema: schema([]string{"workflow", "to"}, map[string]any{
			"workflow": prop("string", "Workflow definition name"),
			"to":       prop("string", "Target step"),
			"force":    prop("boolean", "Override condition-guarded targets"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			name, err := requireString(c.Args, "workflow")
			if err != nil {
				return nil, err
			}
			target, err := requireString(c.Args, "to")
			if err != nil {
				return nil, err
			}
			if err := r.engine.ManualTransition(ctx, sess.ID, name, target, optBool(c.Args, "force")); err != nil {
				return nil, err
			}
			return r.store.GetWorkflowState(ctx, sess.ID, name)
		},
	})

	s.add(&Tool{
		Name:        "workflow_status",
		Description: "List the calling session's workflow states.",
		InputSchema: schema(nil, nil),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			return r.store.ListWorkflowStates(ctx, sess.ID)
		},
	})

	s.add(&Tool{
		Name:        "list_workflows",
		Description: "List the workflow definitions visible to this daemon.",
		InputSchema: schema(nil, nil),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			loader := r.engine.Definitions()
			names, err := loader.List()
			if err != nil {
				return nil, err
			}
			out := make([]map[string]any, 0, len(names))
			for _, name := range names {
				def, err := loader.Get(name)
				if err != nil {
					out = append(out, map[string]any{"name": name, "error": err.Error()})
					continue
				}
				steps := make([]string, 0, len(def.Steps))
				for _, st := range def.Steps {
					steps = append(steps, st.Name)
				}
				out = append(out, map[string]any{
					"name":        def.Name,
					"kind":        string(def.Kind),
					"description": def.Description,
					"steps":       steps,
				})
			}
			return out, nil
		},
	})

	return s
}
