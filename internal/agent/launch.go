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

package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// terminalSpec is one registered terminal emulator. Order in the table is
// the deterministic "auto" priority.
type terminalSpec struct {
	name string
	// execFlag introduces the command to run, e.g. "--" or "-e".
	execFlag string
}

var terminals = []terminalSpec{
	{name: "gnome-terminal", execFlag: "--"},
	{name: "konsole", execFlag: "-e"},
	{name: "xfce4-terminal", execFlag: "-x"},
	{name: "xterm", execFlag: "-e"},
}

// launch starts the child according to the execution mode. CLI modes track
// the process for Cancel; in_process tracks a cancel func instead.
func (sv *Supervisor) launch(ctx context.Context, run *store.AgentRun, child *store.Session, provider ProviderSpec, prompt string, maxTurns int) error {
	switch run.Mode {
	case store.ModeInProcess:
		return sv.launchInProcess(run, prompt)
	case store.ModeHeadless:
		return sv.launchHeadless(run, child, provider, prompt, maxTurns)
	case store.ModeTerminal:
		return sv.launchTerminal(ctx, run, child, provider, prompt, maxTurns)
	case store.ModeEmbedded:
		return sv.launchEmbedded(ctx, run, child, provider, prompt, maxTurns)
	default:
		return &gerrors.ValidationError{
			Field:   "mode",
			Message: fmt.Sprintf("unknown execution mode %q", run.Mode),
		}
	}
}

// cliArgs assembles the vendor command line.
func cliArgs(provider ProviderSpec, model string, maxTurns int, prompt string) []string {
	args := append([]string{}, provider.Args...)
	if model != "" && provider.ModelFlag != "" {
		args = append(args, provider.ModelFlag, model)
	}
	if maxTurns > 0 && provider.MaxTurnsFlag != "" {
		args = append(args, provider.MaxTurnsFlag, strconv.Itoa(maxTurns))
	}
	return append(args, prompt)
}

func (sv *Supervisor) launchInProcess(run *store.AgentRun, prompt string) error {
	if sv.inProcess == nil {
		return &gerrors.InvalidStateError{
			Resource:    "agent supervisor",
			Message:     "no in-process provider backend is registered",
			Remediation: "use headless mode or configure an in-process runner",
		}
	}
	runCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(run.TimeoutMinutes)*time.Minute)
	sv.mu.Lock()
	sv.stops[run.ID] = cancel
	sv.mu.Unlock()

	if err := sv.store.MarkRunStarted(context.Background(), run.ID); err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		result, err := sv.inProcess.Run(runCtx, run, prompt)
		if err != nil {
			sv.finish(run, store.RunError, "", err.Error())
			return
		}
		sv.finish(run, store.RunSuccess, result, "")
	}()
	return nil
}

func (sv *Supervisor) launchHeadless(run *store.AgentRun, child *store.Session, provider ProviderSpec, prompt string, maxTurns int) error {
	// The run outlives the spawning request; its deadline is its own.
	runCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(run.TimeoutMinutes)*time.Minute)

	cmd := exec.CommandContext(runCtx, provider.Command, cliArgs(provider, run.Model, maxTurns, prompt)...)
	cmd.Dir = child.Cwd
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		cancel()
		return &gerrors.ExternalError{System: provider.Name, Message: "starting: " + err.Error(), Cause: err}
	}
	if err := sv.store.MarkRunStarted(context.Background(), run.ID); err != nil {
		cancel()
		return err
	}
	sv.mu.Lock()
	sv.procs[run.ID] = cmd.Process
	sv.stops[run.ID] = cancel
	sv.mu.Unlock()

	go func() {
		defer cancel()
		err := cmd.Wait()
		if err != nil {
			msg := err.Error()
			if stderr.Len() > 0 {
				msg = stderr.String()
			}
			sv.finish(run, store.RunError, stdout.String(), msg)
			return
		}
		sv.finish(run, store.RunSuccess, stdout.String(), "")
	}()
	return nil
}

func (sv *Supervisor) launchTerminal(ctx context.Context, run *store.AgentRun, child *store.Session, provider ProviderSpec, prompt string, maxTurns int) error {
	term, err := sv.pickTerminal()
	if err != nil {
		return err
	}

	args := []string{term.execFlag, provider.Command}
	args = append(args, cliArgs(provider, run.Model, maxTurns, prompt)...)
	cmd := exec.Command(term.name, args...)
	cmd.Dir = child.Cwd
	if err := cmd.Start(); err != nil {
		return &gerrors.ExternalError{System: term.name, Message: "starting terminal: " + err.Error(), Cause: err}
	}
	if err := sv.store.MarkRunStarted(ctx, run.ID); err != nil {
		return err
	}
	sv.mu.Lock()
	sv.procs[run.ID] = cmd.Process
	sv.mu.Unlock()

	// The terminal owns the agent's lifetime; the reaper closes the run.
	go func() {
		if err := cmd.Wait(); err != nil {
			sv.logger.Debug("terminal exited", "run_id", run.ID, log.Error(err))
		}
	}()
	return nil
}

func (sv *Supervisor) pickTerminal() (terminalSpec, error) {
	want := sv.cfg.Terminal
	for _, term := range terminals {
		if want != "" && want != "auto" && term.name != want {
			continue
		}
		if _, err := exec.LookPath(term.name); err == nil {
			return term, nil
		}
	}
	return terminalSpec{}, &gerrors.ExternalError{
		System:  "terminal",
		Message: "no registered terminal emulator is available",
	}
}

// launchEmbedded creates a detached tmux session on the configured socket.
func (sv *Supervisor) launchEmbedded(ctx context.Context, run *store.AgentRun, child *store.Session, provider ProviderSpec, prompt string, maxTurns int) error {
	if _, err := exec.LookPath("tmux"); err != nil {
		return &gerrors.ExternalError{System: "tmux", Message: "tmux is not installed", Cause: err}
	}

	args := []string{}
	if sv.cfg.TmuxSocket != "" {
		args = append(args, "-S", sv.cfg.TmuxSocket)
	}
	args = append(args, "new-session", "-d", "-s", "gobby-"+run.ID[:8], provider.Command)
	args = append(args, cliArgs(provider, run.Model, maxTurns, prompt)...)

	cmd := exec.Command("tmux", args...)
	cmd.Dir = child.Cwd
	if out, err := cmd.CombinedOutput(); err != nil {
		return &gerrors.ExternalError{System: "tmux", Message: string(out), Cause: err}
	}
	return sv.store.MarkRunStarted(ctx, run.ID)
}
