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

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

func (r *Registry) pipelinesServer() *Server {
	s := newServer("pipelines", "Run pipeline DAGs and resume executions waiting on approval.")

	s.add(&Tool{
		Name:        "run_pipeline",
		Description: "Launch a named pipeline. When a step needs approval the call returns immediately with the resume token instead of blocking.",
		InputSchema: schema([]string{"pipeline"}, map[string]any{
			"pipeline": prop("string", "Pipeline definition name"),
			"inputs":   prop("object", "Values for the pipeline's declared inputs"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Pipelines == nil {
				return nil, notConfigured("pipeline executor")
			}
			name, err := requireString(c.Args, "pipeline")
			if err != nil {
				return nil, err
			}
			sessionID := ""
			if c.Session != nil {
				sessionID = c.Session.ID
			}
			exec, err := r.deps.Pipelines.Launch(ctx, name, optMap(c.Args, "inputs"), sessionID)
			if err != nil {
				return nil, err
			}
			return r.executionPayload(ctx, exec)
		},
	})

	s.add(&Tool{
		Name:        "resume_pipeline",
		Description: "Approve or reject the step an execution is waiting on, then continue it.",
		InputSchema: schema([]string{"resume_token", "decision"}, map[string]any{
			"resume_token": prop("string", "Token from the waiting execution"),
			"decision":     prop("string", "approved | rejected"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			if r.deps.Pipelines == nil {
				return nil, notConfigured("pipeline executor")
			}
			token, err := requireString(c.Args, "resume_token")
			if err != nil {
				return nil, err
			}
			decision, err := requireString(c.Args, "decision")
			if err != nil {
				return nil, err
			}
			if decision != "approved" && decision != "rejected" {
				return nil, &gerrors.ValidationError{Field: "decision", Message: `must be "approved" or "rejected"`}
			}
			exec, err := r.deps.Pipelines.Resume(ctx, token, decision == "approved")
			if err != nil {
				return nil, err
			}
			return r.executionPayload(ctx, exec)
		},
	})

	s.add(&Tool{
		Name:        "get_pipeline_execution",
		Description: "Fetch an execution with its step states.",
		InputSchema: schema([]string{"execution_id"}, map[string]any{
			"execution_id": prop("string", "Execution id"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			id, err := requireString(c.Args, "execution_id")
			if err != nil {
				return nil, err
			}
			exec, err := r.store.GetPipelineExecution(ctx, id)
			if err != nil {
				return nil, err
			}
			return r.executionPayload(ctx, exec)
		},
	})

	return s
}

// executionPayload joins the execution row with its steps. A waiting
// execution carries needs_approval plus the tokens the caller must hold to
// continue.
func (r *Registry) executionPayload(ctx context.Context, exec *store.PipelineExecution) (any, error) {
	steps, err := r.store.ListStepExecutions(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	out := map[string]any{
		"execution": exec,
		"steps":     steps,
	}
	if exec.Status == store.PipelineWaitingApproval {
		out["needs_approval"] = true
		out["resume_token"] = exec.ResumeToken
		for _, st := range steps {
			if st.Status == store.StepWaitingApproval {
				out["waiting_step"] = st.StepID
				out["approval_token"] = st.ApprovalToken
				break
			}
		}
	}
	return out, nil
}
