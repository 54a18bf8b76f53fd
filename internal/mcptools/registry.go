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

// Package mcptools is the tool registry agents call over MCP: named tools
// grouped into servers (tasks, memories, skills, artifacts, agents,
// worktrees, workflows, pipelines, messaging, search), each with a declared
// input schema. Unlike hook dispatch, tool calls are fail-closed: errors
// reach the caller.
package mcptools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Handler executes one tool call.
type Handler func(ctx context.Context, c *Call) (any, error)

// Call carries one tool invocation. Session is the resolved caller session,
// nil when the caller is not bound to one.
type Call struct {
	Server  string
	Tool    string
	Session *store.Session
	Args    map[string]any
}

// ProjectID is the caller's project scope, empty for unscoped callers.
func (c *Call) ProjectID() string {
	if c.Session != nil {
		return c.Session.ProjectID
	}
	s, _ := c.Args["project_id"].(string)
	return s
}

// requireSession rejects calls from unbound callers.
func (c *Call) requireSession() (*store.Session, error) {
	if c.Session == nil {
		return nil, &gerrors.ValidationError{
			Field:      "session_id",
			Message:    fmt.Sprintf("%s.%s requires a calling session", c.Server, c.Tool),
			Suggestion: "pass session_id with the call",
		}
	}
	return c.Session, nil
}

// Tool is one named operation with a declared input schema.
type Tool struct {
	Name        string              `json:"name"`
	Description string              `json:"description"`
	InputSchema mcp.ToolInputSchema `json:"input_schema"`
	Handler     Handler             `json:"-"`
}

// Server is a namespace of tools.
type Server struct {
	Name        string
	Description string

	tools []*Tool
	index map[string]*Tool
}

func newServer(name, description string) *Server {
	return &Server{Name: name, Description: description, index: map[string]*Tool{}}
}

func (s *Server) add(t *Tool) {
	s.tools = append(s.tools, t)
	s.index[t.Name] = t
}

// Tools lists the server's tools in registration order.
func (s *Server) Tools() []*Tool { return s.tools }

// Tool looks up one tool by name.
func (s *Server) Tool(name string) (*Tool, error) {
	t, ok := s.index[name]
	if !ok {
		return nil, &gerrors.NotFoundError{Resource: "tool", ID: s.Name + "." + name}
	}
	return t, nil
}

// AgentSupervisor is the slice of the agent supervisor the tool surface
// needs.
type AgentSupervisor interface {
	Spawn(ctx context.Context, req SpawnParams) (*store.AgentRun, error)
	Cancel(ctx context.Context, runID string) error
}

// SpawnParams describes one subagent spawn request.
type SpawnParams struct {
	ParentSessionID string
	Name            string
	Prompt          string
	Mode            store.ExecutionMode
	Workflow        string
	Provider        string
	Model           string
	ContextSource   string
	TimeoutMinutes  int
	MaxTurns        int
}

// WorktreeManager is the slice of the worktree manager the tool surface
// needs. Claim and release go straight to the store; everything touching
// git goes through here.
type WorktreeManager interface {
	Create(ctx context.Context, projectID, branch, base, taskID string) (*store.Worktree, error)
	Sync(ctx context.Context, id, sourceBranch string) (*store.Worktree, error)
	Delete(ctx context.Context, id string, force bool) error
}

// PipelineLauncher is the slice of the pipeline executor the tool surface
// needs. Launch runs until completion or the first approval gate and never
// blocks on a human.
type PipelineLauncher interface {
	Launch(ctx context.Context, name string, inputs map[string]any, sessionID string) (*store.PipelineExecution, error)
	Resume(ctx context.Context, token string, approved bool) (*store.PipelineExecution, error)
}

// Deps are the component-backed dependencies of the registry. Nil entries
// disable the corresponding tools with an invalid-state error rather than
// hiding them.
type Deps struct {
	Agents    AgentSupervisor
	Worktrees WorktreeManager
	Pipelines PipelineLauncher
}

// Registry is the full tool surface.
type Registry struct {
	store    *store.Store
	sessions *session.Registry
	engine   *workflow.Engine
	logger   *slog.Logger
	deps     Deps

	servers map[string]*Server
	order   []string
}

// New builds the registry with every core server registered.
func New(s *store.Store, sessions *session.Registry, engine *workflow.Engine, logger *slog.Logger, deps Deps) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:    s,
		sessions: sessions,
		engine:   engine,
		logger:   log.WithComponent(logger, "mcptools"),
		deps:     deps,
		servers:  map[string]*Server{},
	}
	r.register(r.tasksServer())
	r.register(r.memoriesServer())
	r.register(r.skillsServer())
	r.register(r.artifactsServer())
	r.register(r.agentsServer())
	r.register(r.worktreesServer())
	r.register(r.workflowsServer())
	r.register(r.pipelinesServer())
	r.register(r.messagingServer())
	r.register(r.searchServer())
	return r
}

func (r *Registry) register(s *Server) {
	r.servers[s.Name] = s
	r.order = append(r.order, s.Name)
}

// Servers lists server names in registration order.
func (r *Registry) Servers() []string { return r.order }

// Server looks up a server by name.
func (r *Registry) Server(name string) (*Server, error) {
	s, ok := r.servers[name]
	if !ok {
		return nil, &gerrors.NotFoundError{Resource: "mcp server", ID: name}
	}
	return s, nil
}

// Call executes one tool fail-closed. sessionRef, when non-empty, binds the
// call to a session (any reference form); the outcome is then folded into
// that session's workflow variables so conditions can see it.
func (r *Registry) Call(ctx context.Context, serverName, toolName, sessionRef string, args map[string]any) (any, error) {
	srv, err := r.Server(serverName)
	if err != nil {
		return nil, err
	}
	tool, err := srv.Tool(toolName)
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	c := &Call{Server: serverName, Tool: toolName, Args: args}
	if sessionRef != "" {
		sess, err := r.sessions.Resolve(ctx, sessionRef, "")
		if err != nil {
			return nil, err
		}
		c.Session = sess
	}

	result, err := r.invoke(ctx, tool, c)
	if err != nil {
		r.logger.Debug("tool call failed",
			"server", serverName, "tool", toolName, log.Error(err))
	}

	if c.Session != nil {
		if recErr := r.engine.RecordMCPActivity(ctx, c.Session.ID, serverName, toolName, normalizeResult(result), err); recErr != nil {
			r.logger.Warn("recording tool activity failed",
				log.SessionIDKey, c.Session.ID, log.Error(recErr))
		}
	}
	return result, err
}

// invoke converts handler panics into internal errors instead of taking the
// daemon down with a bad tool.
func (r *Registry) invoke(ctx context.Context, tool *Tool, c *Call) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			result = nil
			err = &gerrors.InternalError{Message: fmt.Sprintf("tool %s.%s panicked: %v", c.Server, c.Tool, rec)}
		}
	}()
	return tool.Handler(ctx, c)
}

// normalizeResult round-trips the result through JSON so workflow variables
// hold plain maps and slices, the shapes the condition helpers inspect.
func normalizeResult(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return string(data)
	}
	return out
}

// resolveTask accepts "#N", a decimal ordinal, a full id, or a unique id
// prefix, mirroring session reference resolution.
func (r *Registry) resolveTask(ctx context.Context, ref, projectID string) (*store.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &gerrors.ValidationError{Field: "task_id", Message: "empty task reference"}
	}

	ordRef := strings.TrimPrefix(ref, "#")
	if n, err := strconv.Atoi(ordRef); err == nil {
		return r.store.FindTaskByOrdinal(ctx, projectID, n)
	}

	if len(ref) == 36 && strings.Count(ref, "-") == 4 {
		return r.store.GetTask(ctx, ref)
	}

	if len(ref) < 4 {
		return nil, &gerrors.ValidationError{
			Field:      "task_id",
			Message:    fmt.Sprintf("reference %q is too short", ref),
			Suggestion: "use #N, a full id, or a prefix of at least 4 characters",
		}
	}
	matches, err := r.store.FindTasksByPrefix(ctx, projectID, ref, 10)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &gerrors.NotFoundError{Resource: "task", ID: ref}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID[:8])
		}
		return nil, &gerrors.ValidationError{
			Field:      "task_id",
			Message:    fmt.Sprintf("reference %q is ambiguous: %s", ref, strings.Join(ids, ", ")),
			Suggestion: "use more characters or the #N ordinal form",
		}
	}
}

// resolveWorktree accepts a full id or a branch name within the project.
func (r *Registry) resolveWorktree(ctx context.Context, ref, projectID string) (*store.Worktree, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &gerrors.ValidationError{Field: "worktree", Message: "empty worktree reference"}
	}
	if len(ref) == 36 && strings.Count(ref, "-") == 4 {
		return r.store.GetWorktree(ctx, ref)
	}
	return r.store.GetWorktreeByBranch(ctx, projectID, ref)
}

// schema declares an object input schema.
func schema(required []string, props map[string]any) mcp.ToolInputSchema {
	if props == nil {
		props = map[string]any{}
	}
	return mcp.ToolInputSchema{Type: "object", Properties: props, Required: required}
}

// prop declares one schema property.
func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func requireString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", &gerrors.ValidationError{Field: key, Message: "required"}
	}
	return v, nil
}

func optString(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func optBool(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

// optInt tolerates the float64 that JSON decoding produces.
func optInt(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

func optMap(args map[string]any, key string) map[string]any {
	v, _ := args[key].(map[string]any)
	return v
}

func optStrings(args map[string]any, key string) []string {
	switch v := args[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
