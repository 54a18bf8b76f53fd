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

package store

import "time"

// Project is a workspace root, created on first session registration in a
// directory and destroyed only by explicit user action.
type Project struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	RepoPath          string    `json:"repo_path"`
	ParentProjectPath string    `json:"parent_project_path,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// SessionStatus enumerates session lifecycle states.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionPaused       SessionStatus = "paused"
	SessionHandoffReady SessionStatus = "handoff_ready"
	SessionArchived     SessionStatus = "archived"
	SessionExpired      SessionStatus = "expired"
)

// Session is a single conversation with one agent CLI, uniquely keyed by
// (external_id, machine_id, source).
type Session struct {
	ID               string        `json:"id"`
	ExternalID       string        `json:"external_id"`
	MachineID        string        `json:"machine_id"`
	Source           string        `json:"source"`
	ProjectID        string        `json:"project_id,omitempty"`
	Ordinal          int           `json:"ordinal"`
	ParentSessionID  string        `json:"parent_session_id,omitempty"`
	AgentDepth       int           `json:"agent_depth"`
	SpawnedByAgentID string        `json:"spawned_by_agent_id,omitempty"`
	Status           SessionStatus `json:"status"`
	Title            string        `json:"title,omitempty"`
	Cwd              string        `json:"cwd,omitempty"`
	GitBranch        string        `json:"git_branch,omitempty"`
	SummaryMarkdown  string        `json:"summary_markdown,omitempty"`
	CompactMarkdown  string        `json:"compact_markdown,omitempty"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// WorkflowState is the runtime binding of one workflow definition to one
// session.
type WorkflowState struct {
	SessionID         string         `json:"session_id"`
	WorkflowName      string         `json:"workflow_name"`
	Kind              string         `json:"kind"`
	Enabled           bool           `json:"enabled"`
	CurrentStep       string         `json:"current_step,omitempty"`
	StepEnteredAt     time.Time      `json:"step_entered_at"`
	StepActionCount   int            `json:"step_action_count"`
	TotalActionCount  int            `json:"total_action_count"`
	Observations      []string       `json:"observations"`
	ReflectionPending bool           `json:"reflection_pending"`
	ContextInjected   bool           `json:"context_injected"`
	Variables         map[string]any `json:"variables"`
	TaskList          []string       `json:"task_list,omitempty"`
	CurrentTaskIndex  *int           `json:"current_task_index,omitempty"`
	ApprovalPending   bool           `json:"approval_pending"`
	ApprovalID        string         `json:"approval_id,omitempty"`
	ApprovalPrompt    string         `json:"approval_prompt,omitempty"`
	ApprovalDeadline  time.Time      `json:"approval_deadline,omitzero"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

// TaskStatus enumerates task states.
type TaskStatus string

const (
	TaskOpen        TaskStatus = "open"
	TaskInProgress  TaskStatus = "in_progress"
	TaskNeedsReview TaskStatus = "needs_review"
	TaskClosed      TaskStatus = "closed"
)

// Task is a unit of work. Subtasks form a tree via ParentTaskID; dependencies
// live in a separate many-to-many table.
type Task struct {
	ID           string     `json:"id"`
	ProjectID    string     `json:"project_id,omitempty"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Status       TaskStatus `json:"status"`
	TaskType     string     `json:"task_type,omitempty"`
	Priority     int        `json:"priority"`
	ParentTaskID string     `json:"parent_task_id,omitempty"`
	Assignee     string     `json:"assignee,omitempty"`
	Labels       []string   `json:"labels"`
	TestStrategy string     `json:"test_strategy,omitempty"`
	NeedsReview  bool       `json:"needs_review"`
	Ordinal      int        `json:"ordinal"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AgentRunStatus enumerates agent run states.
type AgentRunStatus string

const (
	RunPending   AgentRunStatus = "pending"
	RunRunning   AgentRunStatus = "running"
	RunSuccess   AgentRunStatus = "success"
	RunError     AgentRunStatus = "error"
	RunTimeout   AgentRunStatus = "timeout"
	RunCancelled AgentRunStatus = "cancelled"
)

// ExecutionMode is how a spawned agent runs.
type ExecutionMode string

const (
	ModeInProcess ExecutionMode = "in_process"
	ModeTerminal  ExecutionMode = "terminal"
	ModeEmbedded  ExecutionMode = "embedded"
	ModeHeadless  ExecutionMode = "headless"
)

// AgentRun records one spawned subagent invocation.
type AgentRun struct {
	ID              string         `json:"id"`
	ParentSessionID string         `json:"parent_session_id"`
	ChildSessionID  string         `json:"child_session_id,omitempty"`
	WorkflowName    string         `json:"workflow_name,omitempty"`
	Prompt          string         `json:"prompt"`
	Provider        string         `json:"provider,omitempty"`
	Model           string         `json:"model,omitempty"`
	Mode            ExecutionMode  `json:"mode"`
	Status          AgentRunStatus `json:"status"`
	TurnsUsed       int            `json:"turns_used"`
	ToolCallsCount  int            `json:"tool_calls_count"`
	TimeoutMinutes  int            `json:"timeout_minutes"`
	Result          string         `json:"result,omitempty"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	StartedAt       time.Time      `json:"started_at,omitzero"`
	CompletedAt     time.Time      `json:"completed_at,omitzero"`
}

// WorktreeStatus enumerates worktree states.
type WorktreeStatus string

const (
	WorktreeActive    WorktreeStatus = "active"
	WorktreeStale     WorktreeStatus = "stale"
	WorktreeMerged    WorktreeStatus = "merged"
	WorktreeAbandoned WorktreeStatus = "abandoned"
)

// Worktree links a logical branch to a physical isolated working directory.
type Worktree struct {
	ID             string         `json:"id"`
	ProjectID      string         `json:"project_id"`
	BranchName     string         `json:"branch_name"`
	BaseBranch     string         `json:"base_branch"`
	WorktreePath   string         `json:"worktree_path"`
	Status         WorktreeStatus `json:"status"`
	AgentSessionID string         `json:"agent_session_id,omitempty"`
	TaskID         string         `json:"task_id,omitempty"`
	LastSyncedAt   time.Time      `json:"last_synced_at,omitzero"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Artifact is a content blob captured from a session, indexed for full-text
// search.
type Artifact struct {
	ID           string         `json:"id"`
	SessionID    string         `json:"session_id"`
	TaskID       string         `json:"task_id,omitempty"`
	ArtifactType string         `json:"artifact_type"`
	Content      string         `json:"content"`
	SourceFile   string         `json:"source_file,omitempty"`
	LineStart    int            `json:"line_start,omitempty"`
	LineEnd      int            `json:"line_end,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Memory is a free-form long-term note, scoped by project or global.
type Memory struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Skill is a reusable instruction fragment, optionally mirrored to disk as
// SKILL.md.
type Skill struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id,omitempty"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Content     string    `json:"content"`
	ContentHash string    `json:"content_hash"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Message is one transcript entry for a session.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SessionMessage is a mailbox message between sessions.
type SessionMessage struct {
	ID            string    `json:"id"`
	FromSessionID string    `json:"from_session_id"`
	ToSessionID   string    `json:"to_session_id"`
	Content       string    `json:"content"`
	Priority      string    `json:"priority"`
	ReadAt        time.Time `json:"read_at,omitzero"`
	CreatedAt     time.Time `json:"created_at"`
}

// PipelineStatus enumerates pipeline execution states.
type PipelineStatus string

const (
	PipelinePending         PipelineStatus = "pending"
	PipelineRunning         PipelineStatus = "running"
	PipelineWaitingApproval PipelineStatus = "waiting_approval"
	PipelineCompleted       PipelineStatus = "completed"
	PipelineFailed          PipelineStatus = "failed"
)

// PipelineExecution records one run of a pipeline DAG.
type PipelineExecution struct {
	ID           string         `json:"id"`
	PipelineName string         `json:"pipeline_name"`
	SessionID    string         `json:"session_id,omitempty"`
	Status       PipelineStatus `json:"status"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs,omitempty"`
	Error        string         `json:"error,omitempty"`
	ResumeToken  string         `json:"resume_token,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    time.Time      `json:"started_at,omitzero"`
	CompletedAt  time.Time      `json:"completed_at,omitzero"`
}

// StepStatus enumerates pipeline step states.
type StepStatus string

const (
	StepPending         StepStatus = "pending"
	StepRunning         StepStatus = "running"
	StepCompleted       StepStatus = "completed"
	StepFailed          StepStatus = "failed"
	StepWaitingApproval StepStatus = "waiting_approval"
	StepSkipped         StepStatus = "skipped"
)

// StepExecution records one step of a pipeline execution.
type StepExecution struct {
	ExecutionID   string         `json:"execution_id"`
	StepID        string         `json:"step_id"`
	Status        StepStatus     `json:"status"`
	Output        map[string]any `json:"output,omitempty"`
	Error         string         `json:"error,omitempty"`
	ApprovalToken string         `json:"approval_token,omitempty"`
	StartedAt     time.Time      `json:"started_at,omitzero"`
	CompletedAt   time.Time      `json:"completed_at,omitzero"`
}

// WebhookDelivery records the outcome of one outbound webhook notification.
type WebhookDelivery struct {
	ID        string    `json:"id"`
	URL       string    `json:"url"`
	EventType string    `json:"event_type"`
	Status    string    `json:"status"`
	Attempts  int       `json:"attempts"`
	LastError string    `json:"last_error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
