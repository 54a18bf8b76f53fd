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

// Package errors defines the typed error kinds used throughout gobby and the
// policies attached to them: hook dispatch is fail-open, tool calls are
// fail-closed, background tasks are fail-durable.
package errors

import "fmt"

// Kind classifies an error for propagation and exit-code mapping.
type Kind string

const (
	KindValidation   Kind = "validation"
	KindNotFound     Kind = "not_found"
	KindConflict     Kind = "conflict"
	KindInvalidState Kind = "invalid_state"
	KindTimeout      Kind = "timeout"
	KindExternal     Kind = "external"
	KindInternal     Kind = "internal"
)

// ValidationError represents user input validation failures.
// Use this for bad references, missing required arguments, or malformed
// workflow definitions.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource that does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "session", "task", "worktree")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ConflictError represents a lost race or duplicate: a task already claimed,
// a worktree already held, a duplicate session registration.
type ConflictError struct {
	// Resource is the type of resource in conflict
	Resource string

	// ID is the identifier of the contested resource
	ID string

	// Message describes the conflict
	Message string

	// Holder identifies the current owner when known (e.g., the claiming
	// session id), so losers can see who won.
	Holder string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Resource, e.ID, e.Message)
	if e.Holder != "" {
		msg = fmt.Sprintf("%s (held by %s)", msg, e.Holder)
	}
	return msg
}

// InvalidStateError represents an operation applied to an entity in the wrong
// state: activating a lifecycle-only workflow, an illegal status transition.
// These are never retried automatically.
type InvalidStateError struct {
	// Resource is the type of resource
	Resource string

	// State is the state the resource is currently in
	State string

	// Message describes why the operation is not allowed
	Message string

	// Remediation provides actionable guidance
	Remediation string
}

// Error implements the error interface.
func (e *InvalidStateError) Error() string {
	if e.State != "" {
		return fmt.Sprintf("%s in state %s: %s", e.Resource, e.State, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Resource, e.Message)
}

// TimeoutError represents a deadline miss: workflow evaluation past its
// ceiling, a stale agent run, a pipeline step timeout.
type TimeoutError struct {
	// Operation is what timed out
	Operation string

	// Message adds detail
	Message string
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s timed out: %s", e.Operation, e.Message)
	}
	return fmt.Sprintf("%s timed out", e.Operation)
}

// ExternalError represents a failure in something gobby shells out to or
// calls over the network: git, a child process, a webhook endpoint.
type ExternalError struct {
	// System names the external system ("git", "webhook", "provider")
	System string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *ExternalError) Error() string {
	return fmt.Sprintf("%s error: %s", e.System, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ExternalError) Unwrap() error {
	return e.Cause
}

// InternalError represents a bug: an unhandled failure inside an action or
// evaluator. Only the process's outer boundaries construct these (converting
// panics); everything else returns a more specific kind.
type InternalError struct {
	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("internal error: %s", e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *InternalError) Unwrap() error {
	return e.Cause
}
