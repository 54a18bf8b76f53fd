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

package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "validation with field",
			err:  &ValidationError{Field: "session_id", Message: "ambiguous prefix"},
			want: "validation failed on session_id: ambiguous prefix",
		},
		{
			name: "validation without field",
			err:  &ValidationError{Message: "empty query"},
			want: "validation failed: empty query",
		},
		{
			name: "not found",
			err:  &NotFoundError{Resource: "task", ID: "t-42"},
			want: "task not found: t-42",
		},
		{
			name: "conflict with holder",
			err:  &ConflictError{Resource: "task", ID: "t-1", Message: "already claimed", Holder: "s-9"},
			want: "task t-1: already claimed (held by s-9)",
		},
		{
			name: "invalid state",
			err:  &InvalidStateError{Resource: "session", State: "archived", Message: "cannot resume"},
			want: "session in state archived: cannot resume",
		},
		{
			name: "timeout",
			err:  &TimeoutError{Operation: "hook dispatch"},
			want: "hook dispatch timed out",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, ""},
		{"validation", &ValidationError{Message: "x"}, KindValidation},
		{"not found", &NotFoundError{Resource: "session", ID: "s"}, KindNotFound},
		{"conflict", &ConflictError{Resource: "worktree", ID: "w", Message: "claimed"}, KindConflict},
		{"invalid state", &InvalidStateError{Resource: "workflow", Message: "lifecycle-only"}, KindInvalidState},
		{"timeout", &TimeoutError{Operation: "eval"}, KindTimeout},
		{"external", &ExternalError{System: "git", Message: "exit 128"}, KindExternal},
		{"plain error", errors.New("boom"), KindInternal},
		{
			"wrapped not found",
			fmt.Errorf("resolving: %w", &NotFoundError{Resource: "task", ID: "t"}),
			KindNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := &ExternalError{System: "git", Message: "worktree add failed", Cause: cause}
	assert.True(t, errors.Is(err, cause))
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, 2, ExitCode(&ValidationError{Message: "bad flag"}))
	assert.Equal(t, 3, ExitCode(&ExternalError{System: "daemon", Message: "unreachable"}))
	assert.Equal(t, 4, ExitCode(&NotFoundError{Resource: "session", ID: "s"}))
	assert.Equal(t, 5, ExitCode(&ConflictError{Resource: "task", ID: "t", Message: "claimed"}))
	assert.Equal(t, 1, ExitCode(errors.New("boom")))
}
