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

// Package dispatch accepts unified hook events from vendor adapters, runs
// them through the workflow engine under a deadline, and returns a decision.
// The dispatcher is the fail-open boundary: whatever breaks inside, the
// agent gets an answer.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/hook"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/session"
	"github.com/gobbyhq/gobby/internal/store"
	"github.com/gobbyhq/gobby/internal/workflow"
)

// Config tunes the dispatcher.
type Config struct {
	// Enabled is the master switch; when false every event returns allow.
	Enabled bool
	// Timeout is the per-event deadline. Zero disables the deadline.
	Timeout time.Duration
	// MaxInFlight is the shed threshold; beyond it events are allowed
	// through without evaluation.
	MaxInFlight int
}

// DefaultConfig mirrors the documented defaults.
func DefaultConfig() Config {
	return Config{Enabled: true, Timeout: 30 * time.Second, MaxInFlight: 64}
}

// Dispatcher is the inbound hook boundary.
type Dispatcher struct {
	adapters *hook.Adapters
	sessions *session.Registry
	engine   *workflow.Engine
	bus      *bus.Bus
	logger   *slog.Logger
	cfg      Config

	inflight chan struct{}
}

// New wires a dispatcher.
func New(adapters *hook.Adapters, sessions *session.Registry, engine *workflow.Engine, b *bus.Bus, logger *slog.Logger, cfg Config) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = DefaultConfig().MaxInFlight
	}
	return &Dispatcher{
		adapters: adapters,
		sessions: sessions,
		engine:   engine,
		bus:      b,
		logger:   log.WithComponent(logger, "dispatch"),
		cfg:      cfg,
		inflight: make(chan struct{}, cfg.MaxInFlight),
	}
}

// Execute handles one native hook payload end to end and returns the
// vendor-native response. It never returns an error: failures downgrade to
// allow.
func (d *Dispatcher) Execute(ctx context.Context, source string, native map[string]any) map[string]any {
	adapter := d.adapters.Get(source)
	nativeHookType, _ := native["hook_event_name"].(string)
	if nativeHookType == "" {
		nativeHookType, _ = native["hook_type"].(string)
	}

	ev, err := adapter.ToEvent(native)
	if err != nil {
		d.logger.Warn("hook payload rejected", "source", source, log.Error(err))
		return adapter.FromResponse(hook.AllowResponse(), nativeHookType)
	}
	if ev == nil {
		// Vendor event the core does not track.
		return adapter.FromResponse(hook.AllowResponse(), nativeHookType)
	}

	resp := d.Dispatch(ctx, ev)
	return adapter.FromResponse(resp, nativeHookType)
}

// Dispatch runs one unified event and returns the decision.
func (d *Dispatcher) Dispatch(ctx context.Context, ev *hook.Event) (resp *hook.Response) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("panic in hook dispatch", log.EventKey, string(ev.Type), "panic", fmt.Sprint(r))
			resp = hook.AllowResponse()
		}
		d.logger.Debug("hook dispatched",
			log.EventKey, string(ev.Type),
			log.SessionIDKey, ev.SessionID,
			"decision", string(resp.Decision),
			log.DurationKey, time.Since(started).Milliseconds())
	}()

	if !d.cfg.Enabled {
		return hook.AllowResponse()
	}

	// Overload shedding: past the high-water mark decisions degrade to
	// immediate allow rather than queueing the agent.
	select {
	case d.inflight <- struct{}{}:
		defer func() { <-d.inflight }()
	default:
		d.logger.Warn("hook dispatcher overloaded, shedding", log.EventKey, string(ev.Type))
		d.bus.Publish(bus.Event{Type: bus.Overload, SessionID: ev.SessionID})
		return hook.AllowResponse()
	}

	if err := d.normalize(ctx, ev); err != nil {
		d.logger.Warn("session resolution failed", log.Error(err), log.EventKey, string(ev.Type))
		return hook.AllowResponse()
	}
	if ev.SessionID == "" {
		return hook.AllowResponse()
	}

	resp = d.evaluate(ctx, ev)

	// The event reaches observers after the decision is made.
	d.bus.Publish(bus.Event{
		Type:      ev.Type,
		SessionID: ev.SessionID,
		Timestamp: ev.Timestamp,
		Payload:   ev.Data,
	})
	return resp
}

// normalize resolves the external id to an internal session, registering the
// session when the event is its first sighting.
func (d *Dispatcher) normalize(ctx context.Context, ev *hook.Event) error {
	if ev.SessionID != "" {
		return nil
	}
	if ev.MachineID == "" {
		ev.MachineID = localMachineID()
	}

	sess, err := d.sessions.Register(ctx, session.RegisterInput{
		ExternalID: ev.ExternalID,
		MachineID:  ev.MachineID,
		Source:     ev.Source,
		Cwd:        ev.Cwd,
	})
	if err != nil {
		return err
	}
	ev.SessionID = sess.ID
	return nil
}

// evaluate runs the workflow engine under the configured deadline.
func (d *Dispatcher) evaluate(ctx context.Context, ev *hook.Event) *hook.Response {
	if d.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.Timeout)
		defer cancel()
	}

	type outcome struct {
		resp *hook.Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		resp, err := d.engine.HandleEvent(ctx, ev)
		done <- outcome{resp: resp, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			d.logger.Warn("workflow evaluation failed, failing open",
				log.EventKey, string(ev.Type), log.SessionIDKey, ev.SessionID, log.Error(out.err))
			return hook.AllowResponse()
		}
		return out.resp
	case <-ctx.Done():
		d.logger.Warn("hook deadline exceeded, failing open",
			log.EventKey, string(ev.Type), log.SessionIDKey, ev.SessionID,
			"timeout", d.cfg.Timeout.String())
		return hook.AllowResponse()
	}
}

// localMachineID identifies this host for sessions whose adapter did not
// provide one.
func localMachineID() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	return host
}

// RegisterSession is the HTTP-facing registration path, shared with
// /sessions/register.
func (d *Dispatcher) RegisterSession(ctx context.Context, in session.RegisterInput) (*store.Session, error) {
	if in.MachineID == "" {
		in.MachineID = localMachineID()
	}
	return d.sessions.Register(ctx, in)
}
