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
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// CommandRunner executes one exec step. Tests swap in a fake.
type CommandRunner interface {
	Run(ctx context.Context, command string, input map[string]any) (string, error)
}

// ShellRunner runs exec steps through the system shell. Resolved step
// inputs are exported as environment variables.
type ShellRunner struct {
	// Dir is the working directory; empty means the daemon's cwd.
	Dir string
}

// Run executes the command and returns trimmed stdout. Failures carry the
// command's stderr.
func (r ShellRunner) Run(ctx context.Context, command string, input map[string]any) (string, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.Dir
	cmd.Env = os.Environ()
	for k, v := range input {
		cmd.Env = append(cmd.Env, k+"="+fmt.Sprint(v))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return "", &gerrors.ExternalError{System: "shell", Message: msg, Cause: err}
	}
	return strings.TrimSpace(stdout.String()), nil
}
