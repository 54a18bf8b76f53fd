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

package worktree

import (
	"bytes"
	"context"
	"os/exec"
	"strings"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// GitRunner executes one git command in a directory. Tests swap in a fake.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (string, error)
}

// ExecGit shells out to the git binary.
type ExecGit struct{}

// Run executes git and returns trimmed stdout. Failures carry git's stderr.
func (ExecGit) Run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &gerrors.ExternalError{
			System:  "git",
			Message: "git " + strings.Join(args, " ") + ": " + msg,
			Cause:   err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}
