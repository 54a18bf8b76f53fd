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

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/expression"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// PromptRunner sends a prompt step to an LLM and returns its result.
type PromptRunner interface {
	Complete(ctx context.Context, prompt string, input map[string]any) (any, error)
}

// Config tunes the executor.
type Config struct {
	// StepTimeout bounds one step. Default 10m.
	StepTimeout time.Duration
	// Parallelism bounds concurrent steps inside a wave. Default 4.
	Parallelism int
}

// Executor runs pipeline definitions against the store. Launch and Resume
// run synchronously until completion or the first unapproved gate; they
// never block on a human.
type Executor struct {
	store     *store.Store
	loader    *Loader
	evaluator *expression.Evaluator
	bus       *bus.Bus
	logger    *slog.Logger
	cfg       Config

	shell   CommandRunner
	prompts PromptRunner
}

// New wires an executor. The prompt runner may be nil, in which case prompt
// steps fail with an invalid-state error.
func New(s *store.Store, loader *Loader, evaluator *expression.Evaluator, b *bus.Bus, logger *slog.Logger, cfg Config) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 10 * time.Minute
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 4
	}
	return &Executor{
		store:     s,
		loader:    loader,
		evaluator: evaluator,
		bus:       b,
		logger:    log.WithComponent(logger, "pipeline"),
		cfg:       cfg,
		shell:     ShellRunner{},
	}
}

// SetShell swaps the command runner; tests use this.
func (x *Executor) SetShell(r CommandRunner) { x.shell = r }

// SetPromptRunner attaches the LLM backend for prompt steps.
func (x *Executor) SetPromptRunner(r PromptRunner) { x.prompts = r }

// Definitions exposes the loader.
func (x *Executor) Definitions() *Loader { return x.loader }

// Launch validates inputs, creates the execution row and runs the DAG. The
// returned execution is completed, failed, or waiting_approval with a resume
// token.
func (x *Executor) Launch(ctx context.Context, name string, inputs map[string]any, sessionID string) (*store.PipelineExecution, error) {
	def, err := x.loader.Get(name)
	if err != nil {
		return nil, err
	}
	inputs, err = applyInputSpecs(def, inputs)
	if err != nil {
		return nil, err
	}

	exec, err := x.store.CreatePipelineExecution(ctx, &store.PipelineExecution{
		PipelineName: name,
		SessionID:    sessionID,
		Inputs:       inputs,
	})
	if err != nil {
		return nil, err
	}

	exec.Status = store.PipelineRunning
	exec.StartedAt = time.Now().UTC()
	if err := x.store.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}
	x.bus.Publish(bus.Event{
		Type:      bus.PipelineStarted,
		SessionID: sessionID,
		Payload:   map[string]any{"execution_id": exec.ID, "pipeline": name},
	})

	return x.run(ctx, def, exec)
}

// Resume consumes a resume token. Approved executes the waiting step and
// continues the DAG; rejected fails the execution.
func (x *Executor) Resume(ctx context.Context, token string, approved bool) (*store.PipelineExecution, error) {
	exec, err := x.store.GetExecutionByResumeToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if exec.Status != store.PipelineWaitingApproval {
		return nil, &gerrors.InvalidStateError{
			Resource: "pipeline_execution",
			State:    string(exec.Status),
			Message:  "execution is not waiting for approval",
		}
	}
	def, err := x.loader.Get(exec.PipelineName)
	if err != nil {
		return nil, err
	}

	states, err := x.stepStates(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	var waiting *store.StepExecution
	for _, se := range states {
		if se.Status == store.StepWaitingApproval {
			waiting = se
			break
		}
	}
	if waiting == nil {
		return nil, &gerrors.InvalidStateError{
			Resource: "pipeline_execution",
			State:    string(exec.Status),
			Message:  "no step is waiting for approval",
		}
	}
	step := def.step(waiting.StepID)
	if step == nil {
		return nil, &gerrors.InternalError{Message: fmt.Sprintf("step %q missing from pipeline %q", waiting.StepID, def.Name)}
	}

	x.bus.Publish(bus.Event{
		Type:      bus.ApprovalResolved,
		SessionID: exec.SessionID,
		Payload: map[string]any{
			"execution_id": exec.ID,
			"step_id":      waiting.StepID,
			"approved":     approved,
		},
	})

	// The token is one-shot either way.
	exec.ResumeToken = ""

	if !approved {
		waiting.Status = store.StepFailed
		waiting.Error = "approval rejected"
		waiting.CompletedAt = time.Now().UTC()
		if err := x.store.PutStepExecution(ctx, waiting); err != nil {
			return nil, err
		}
		x.skipUnreached(ctx, def, exec, states)
		return x.finish(ctx, exec, store.PipelineFailed,
			fmt.Sprintf("step %q: approval rejected", waiting.StepID), nil)
	}

	exec.Status = store.PipelineRunning
	if err := x.store.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}

	outputs := outputsFromStates(states)
	out, stepErr := x.runStepAction(ctx, step, exec, outputs)
	if stepErr != nil && !step.ContinueOnError {
		x.skipUnreached(ctx, def, exec, states)
		return x.finish(ctx, exec, store.PipelineFailed,
			fmt.Sprintf("step %q: %s", step.ID, stepErr.Error()), nil)
	}
	if stepErr == nil {
		outputs[step.ID] = out
	}
	return x.run(ctx, def, exec)
}

// run walks the waves, skipping steps that already have a terminal row, and
// pauses at the first unapproved gate.
func (x *Executor) run(ctx context.Context, def *Definition, exec *store.PipelineExecution) (*store.PipelineExecution, error) {
	states, err := x.stepStates(ctx, exec.ID)
	if err != nil {
		return nil, err
	}
	outputs := outputsFromStates(states)

	for _, wave := range def.waves() {
		var runnable []*Step
		var gated *Step
		for _, s := range wave {
			if se, ok := states[s.ID]; ok && stepDone(se.Status) {
				continue
			}
			if s.Approval.Required {
				if gated == nil {
					gated = s
				}
				continue
			}
			runnable = append(runnable, s)
		}

		failure := x.runWave(ctx, def, exec, runnable, outputs)
		if failure != "" {
			x.skipUnreached(ctx, def, exec, states)
			return x.finish(ctx, exec, store.PipelineFailed, failure, nil)
		}

		if gated != nil {
			return x.pauseForApproval(ctx, exec, gated)
		}
		for _, s := range runnable {
			states[s.ID] = &store.StepExecution{StepID: s.ID, Status: store.StepCompleted}
		}
	}

	final, err := materializeOutputs(def, exec.Inputs, outputs)
	if err != nil {
		return x.finish(ctx, exec, store.PipelineFailed, err.Error(), nil)
	}
	return x.finish(ctx, exec, store.PipelineCompleted, "", final)
}

// runWave executes the runnable steps of one wave, concurrency bounded by
// config. It returns a failure message when a non-tolerated step failed.
func (x *Executor) runWave(ctx context.Context, def *Definition, exec *store.PipelineExecution, steps []*Step, outputs map[string]any) string {
	if len(steps) == 0 {
		return ""
	}

	var mu sync.Mutex
	failure := ""

	// Sibling steps never depend on each other, so they resolve against a
	// frozen copy while completions write to the live map under mu.
	snapshot := make(map[string]any, len(outputs))
	for k, v := range outputs {
		snapshot[k] = v
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(x.cfg.Parallelism)
	for _, s := range steps {
		s := s
		g.Go(func() error {
			out, err := x.runStepAction(gctx, s, exec, snapshot)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if !s.ContinueOnError && failure == "" {
					failure = fmt.Sprintf("step %q: %s", s.ID, err.Error())
				}
				return nil
			}
			if out != nil {
				outputs[s.ID] = out
			}
			return nil
		})
	}
	g.Wait()
	return failure
}

// runStepAction evaluates the condition, resolves inputs and runs exec or
// prompt, persisting the step row through its lifecycle.
func (x *Executor) runStepAction(ctx context.Context, s *Step, exec *store.PipelineExecution, outputs map[string]any) (map[string]any, error) {
	if s.Condition != "" {
		ok, err := x.evalCondition(s.Condition, exec.Inputs, outputs)
		if err != nil {
			x.putStep(ctx, &store.StepExecution{
				ExecutionID: exec.ID, StepID: s.ID,
				Status: store.StepFailed, Error: err.Error(),
				CompletedAt: time.Now().UTC(),
			})
			return nil, err
		}
		if !ok {
			x.putStep(ctx, &store.StepExecution{
				ExecutionID: exec.ID, StepID: s.ID,
				Status:      store.StepSkipped,
				CompletedAt: time.Now().UTC(),
			})
			return nil, nil
		}
	}

	row := &store.StepExecution{
		ExecutionID: exec.ID,
		StepID:      s.ID,
		Status:      store.StepRunning,
		StartedAt:   time.Now().UTC(),
	}
	x.putStep(ctx, row)

	sctx, cancel := context.WithTimeout(ctx, x.cfg.StepTimeout)
	defer cancel()

	out, err := x.invoke(sctx, s, exec.Inputs, outputs)
	if err != nil {
		if sctx.Err() == context.DeadlineExceeded {
			err = &gerrors.TimeoutError{
				Operation: "pipeline step " + s.ID,
				Message:   fmt.Sprintf("exceeded %s", x.cfg.StepTimeout),
			}
		}
		row.Status = store.StepFailed
		row.Error = err.Error()
		row.CompletedAt = time.Now().UTC()
		x.putStep(ctx, row)
		x.logger.Warn("step failed",
			"pipeline", exec.PipelineName, "execution", exec.ID, "step", s.ID, log.Error(err))
		return nil, err
	}

	row.Status = store.StepCompleted
	row.Output = out
	row.CompletedAt = time.Now().UTC()
	x.putStep(ctx, row)
	return out, nil
}

// invoke runs the step body and wraps its result as {"output": value}.
func (x *Executor) invoke(ctx context.Context, s *Step, inputs map[string]any, outputs map[string]any) (map[string]any, error) {
	input, err := resolveMap(s.Input, inputs, outputs)
	if err != nil {
		return nil, err
	}

	if s.Exec != "" {
		cmd, err := resolveString(s.Exec, inputs, outputs)
		if err != nil {
			return nil, err
		}
		stdout, err := x.shell.Run(ctx, cmd, input)
		if err != nil {
			return nil, err
		}
		return map[string]any{"output": parseOutput(stdout)}, nil
	}

	if x.prompts == nil {
		return nil, &gerrors.InvalidStateError{
			Resource:    "pipeline",
			State:       "no_prompt_runner",
			Message:     "prompt steps need an LLM backend",
			Remediation: "configure a provider for pipeline prompt steps",
		}
	}
	prompt, err := resolveString(s.Prompt, inputs, outputs)
	if err != nil {
		return nil, err
	}
	result, err := x.prompts.Complete(ctx, prompt, input)
	if err != nil {
		return nil, err
	}
	return map[string]any{"output": result}, nil
}

// pauseForApproval parks the execution: approval token on the step, resume
// token on the execution, ApprovalRequested on the bus.
func (x *Executor) pauseForApproval(ctx context.Context, exec *store.PipelineExecution, s *Step) (*store.PipelineExecution, error) {
	approvalToken := uuid.New().String()
	if err := x.store.PutStepExecution(ctx, &store.StepExecution{
		ExecutionID:   exec.ID,
		StepID:        s.ID,
		Status:        store.StepWaitingApproval,
		ApprovalToken: approvalToken,
	}); err != nil {
		return nil, err
	}

	exec.Status = store.PipelineWaitingApproval
	exec.ResumeToken = uuid.New().String()
	if err := x.store.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}

	x.bus.Publish(bus.Event{
		Type:      bus.ApprovalRequested,
		SessionID: exec.SessionID,
		Payload: map[string]any{
			"execution_id":   exec.ID,
			"pipeline":       exec.PipelineName,
			"step_id":        s.ID,
			"message":        s.Approval.Message,
			"approval_token": approvalToken,
			"resume_token":   exec.ResumeToken,
		},
	})
	return x.store.GetPipelineExecution(ctx, exec.ID)
}

// skipUnreached marks every step without a row as skipped so the record
// shows which waves never ran.
func (x *Executor) skipUnreached(ctx context.Context, def *Definition, exec *store.PipelineExecution, states map[string]*store.StepExecution) {
	fresh, err := x.stepStates(ctx, exec.ID)
	if err == nil {
		states = fresh
	}
	for i := range def.Steps {
		id := def.Steps[i].ID
		if _, ok := states[id]; ok {
			continue
		}
		x.putStep(ctx, &store.StepExecution{
			ExecutionID: exec.ID, StepID: id,
			Status:      store.StepSkipped,
			CompletedAt: time.Now().UTC(),
		})
	}
}

func (x *Executor) finish(ctx context.Context, exec *store.PipelineExecution, status store.PipelineStatus, errMsg string, outputs map[string]any) (*store.PipelineExecution, error) {
	exec.Status = status
	exec.Error = errMsg
	exec.Outputs = outputs
	exec.CompletedAt = time.Now().UTC()
	if err := x.store.UpdatePipelineExecution(ctx, exec); err != nil {
		return nil, err
	}
	x.bus.Publish(bus.Event{
		Type:      bus.PipelineFinished,
		SessionID: exec.SessionID,
		Payload: map[string]any{
			"execution_id": exec.ID,
			"pipeline":     exec.PipelineName,
			"status":       string(status),
			"error":        errMsg,
		},
	})
	return x.store.GetPipelineExecution(ctx, exec.ID)
}

func (x *Executor) putStep(ctx context.Context, se *store.StepExecution) {
	if err := x.store.PutStepExecution(ctx, se); err != nil {
		x.logger.Warn("recording step state", "step", se.StepID, log.Error(err))
	}
}

func (x *Executor) stepStates(ctx context.Context, executionID string) (map[string]*store.StepExecution, error) {
	rows, err := x.store.ListStepExecutions(ctx, executionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*store.StepExecution, len(rows))
	for _, se := range rows {
		out[se.StepID] = se
	}
	return out, nil
}

// evalCondition rewrites $refs into evaluator variables: $inputs.x becomes
// inputs.x, $build.output becomes steps.build.output.
func (x *Executor) evalCondition(cond string, inputs, outputs map[string]any) (bool, error) {
	rewritten := refPattern.ReplaceAllStringFunc(cond, func(m string) string {
		sub := refPattern.FindStringSubmatch(m)
		if sub[1] == "inputs" {
			return "inputs" + sub[2]
		}
		return "steps." + sub[1] + sub[2]
	})
	return x.evaluator.EvaluateBool(rewritten, map[string]any{
		"inputs": inputs,
		"steps":  outputs,
	})
}

func stepDone(s store.StepStatus) bool {
	return s == store.StepCompleted || s == store.StepFailed || s == store.StepSkipped
}

func outputsFromStates(states map[string]*store.StepExecution) map[string]any {
	out := make(map[string]any, len(states))
	for id, se := range states {
		if se.Status == store.StepCompleted && se.Output != nil {
			out[id] = se.Output
		}
	}
	return out
}

// applyInputSpecs validates required inputs, fills defaults and rejects
// obvious type mismatches.
func applyInputSpecs(def *Definition, given map[string]any) (map[string]any, error) {
	inputs := make(map[string]any, len(given))
	for k, v := range given {
		inputs[k] = v
	}
	for name, spec := range def.Inputs {
		v, ok := inputs[name]
		if !ok {
			if spec.Default != nil {
				inputs[name] = spec.Default
				continue
			}
			if spec.Required {
				return nil, &gerrors.ValidationError{
					Field:      name,
					Message:    fmt.Sprintf("pipeline %q requires input %q", def.Name, name),
					Suggestion: "pass it in the inputs map",
				}
			}
			continue
		}
		if !inputTypeOK(spec.Type, v) {
			return nil, &gerrors.ValidationError{
				Field:   name,
				Message: fmt.Sprintf("input %q must be a %s", name, spec.Type),
			}
		}
	}
	return inputs, nil
}

func inputTypeOK(typ string, v any) bool {
	switch typ {
	case "", "any":
		return true
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		switch v.(type) {
		case int, int64, float64, json.Number:
			return true
		}
		return false
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]any)
		return ok
	case "array":
		_, ok := v.([]any)
		return ok
	}
	return true
}

// materializeOutputs resolves the declared outputs mapping against recorded
// step outputs.
func materializeOutputs(def *Definition, inputs, outputs map[string]any) (map[string]any, error) {
	if len(def.Outputs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(def.Outputs))
	for name, expr := range def.Outputs {
		v, err := resolveValue(expr, inputs, outputs)
		if err != nil {
			return nil, fmt.Errorf("materializing output %q: %w", name, err)
		}
		out[name] = v
	}
	return out, nil
}

// parseOutput turns JSON-object stdout into a map so fields can be
// referenced as $step.output.field; anything else stays a string.
func parseOutput(stdout string) any {
	trimmed := stdout
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var m map[string]any
		if err := json.Unmarshal([]byte(trimmed), &m); err == nil {
			return m
		}
	}
	return stdout
}
