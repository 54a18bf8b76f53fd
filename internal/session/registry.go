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

// Package session tracks agent CLI sessions: registration, lifecycle status,
// human-friendly reference resolution and lineage.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/gobbyhq/gobby/internal/bus"
	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/project"
	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// MaxDepthWalk caps lineage traversal. A chain deeper than this indicates a
// corrupt parent pointer loop, not a real tree.
const MaxDepthWalk = 11

// legal transitions; expired is reachable from anywhere non-terminal.
var transitions = map[store.SessionStatus][]store.SessionStatus{
	store.SessionActive:       {store.SessionPaused, store.SessionHandoffReady, store.SessionExpired},
	store.SessionPaused:       {store.SessionActive, store.SessionExpired},
	store.SessionHandoffReady: {store.SessionArchived, store.SessionExpired},
	store.SessionArchived:     {},
	store.SessionExpired:      {},
}

// Registry is the session layer over the store.
type Registry struct {
	store  *store.Store
	bus    *bus.Bus
	logger *slog.Logger
}

// NewRegistry wires a registry.
func NewRegistry(s *store.Store, b *bus.Bus, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{store: s, bus: b, logger: log.WithComponent(logger, "session")}
}

// RegisterInput carries what a hook adapter knows about a session.
type RegisterInput struct {
	ExternalID string
	MachineID  string
	Source     string
	Cwd        string
	GitBranch  string
	Title      string
}

// Register upserts a session by its (external_id, machine_id, source)
// identity. When the working directory sits under a project marker, the
// session is bound to that project, creating the project row on first sight.
func (r *Registry) Register(ctx context.Context, in RegisterInput) (*store.Session, error) {
	if in.ExternalID == "" || in.MachineID == "" || in.Source == "" {
		return nil, &gerrors.ValidationError{
			Field:   "session",
			Message: "external_id, machine_id and source are all required",
		}
	}

	sess := &store.Session{
		ExternalID: in.ExternalID,
		MachineID:  in.MachineID,
		Source:     in.Source,
		Cwd:        in.Cwd,
		GitBranch:  in.GitBranch,
		Title:      in.Title,
	}

	if in.Cwd != "" {
		marker, root, ok, err := project.Find(in.Cwd)
		if err != nil {
			r.logger.Warn("project marker unreadable", "cwd", in.Cwd, log.Error(err))
		} else if ok {
			proj, err := r.store.UpsertProject(ctx, &store.Project{
				ID:                marker.ID,
				Name:              marker.Name,
				RepoPath:          root,
				ParentProjectPath: marker.ParentProjectPath,
			})
			if err != nil {
				return nil, err
			}
			sess.ProjectID = proj.ID
		}
	}

	out, err := r.store.UpsertSession(ctx, sess)
	if err != nil {
		return nil, err
	}
	r.logger.Info("session registered",
		log.SessionIDKey, out.ID, "ordinal", out.Ordinal, log.ProjectIDKey, out.ProjectID)
	return out, nil
}

// Get retrieves a session by internal id.
func (r *Registry) Get(ctx context.Context, id string) (*store.Session, error) {
	return r.store.GetSession(ctx, id)
}

// List returns sessions, optionally filtered.
func (r *Registry) List(ctx context.Context, projectID string, status store.SessionStatus, limit int) ([]*store.Session, error) {
	return r.store.ListSessions(ctx, projectID, status, limit)
}

// SetStatus applies a lifecycle transition after checking legality. Archived
// and expired are terminal.
func (r *Registry) SetStatus(ctx context.Context, id string, to store.SessionStatus) error {
	sess, err := r.store.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status == to {
		return nil
	}
	allowed := false
	for _, next := range transitions[sess.Status] {
		if next == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return &gerrors.InvalidStateError{
			Resource:    "session",
			State:       string(sess.Status),
			Message:     fmt.Sprintf("cannot transition to %s", to),
			Remediation: remediation(sess.Status),
		}
	}
	if err := r.store.SetSessionStatus(ctx, id, to); err != nil {
		return err
	}
	r.bus.Publish(bus.Event{
		Type:      bus.SessionStatusChanged,
		SessionID: id,
		ProjectID: sess.ProjectID,
		Payload:   map[string]any{"from": string(sess.Status), "to": string(to)},
	})
	return nil
}

func remediation(from store.SessionStatus) string {
	switch from {
	case store.SessionArchived, store.SessionExpired:
		return "terminal sessions cannot change status; start a new session"
	case store.SessionHandoffReady:
		return "handoff-ready sessions can only be archived"
	case store.SessionActive:
		return "archive goes through handoff_ready"
	default:
		return ""
	}
}

// Resolve turns a human-friendly reference into a session. Accepted forms:
// "#N" or a bare integer (per-project ordinal), a full UUID, or a unique id
// prefix of at least 4 characters. When projectID is known, ordinal and
// prefix lookups are scoped to it.
func (r *Registry) Resolve(ctx context.Context, ref, projectID string) (*store.Session, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &gerrors.ValidationError{Field: "session", Message: "empty session reference"}
	}

	ordRef := strings.TrimPrefix(ref, "#")
	if n, err := strconv.Atoi(ordRef); err == nil {
		return r.store.FindSessionByOrdinal(ctx, projectID, n)
	}

	if len(ref) == 36 && strings.Count(ref, "-") == 4 {
		return r.store.GetSession(ctx, ref)
	}

	if len(ref) < 4 {
		return nil, &gerrors.ValidationError{
			Field:      "session",
			Message:    fmt.Sprintf("reference %q is too short", ref),
			Suggestion: "use #N, a full id, or a prefix of at least 4 characters",
		}
	}
	matches, err := r.store.FindSessionsByPrefix(ctx, projectID, ref, 10)
	if err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, &gerrors.NotFoundError{Resource: "session", ID: ref}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID[:8])
		}
		return nil, &gerrors.ValidationError{
			Field:      "session",
			Message:    fmt.Sprintf("reference %q is ambiguous: %s", ref, strings.Join(ids, ", ")),
			Suggestion: "use more characters or the #N ordinal form",
		}
	}
}

// Depth walks parent pointers and returns the session's depth below its root.
// The walk is capped; exceeding the cap means a cycle.
func (r *Registry) Depth(ctx context.Context, id string) (int, error) {
	depth := 0
	cur := id
	for i := 0; i < MaxDepthWalk; i++ {
		sess, err := r.store.GetSession(ctx, cur)
		if err != nil {
			return 0, err
		}
		if sess.ParentSessionID == "" {
			return depth, nil
		}
		depth++
		cur = sess.ParentSessionID
	}
	return 0, &gerrors.InternalError{
		Message: fmt.Sprintf("session %s lineage exceeds %d hops; parent chain is cyclic", id, MaxDepthWalk),
	}
}

// Children lists the direct child sessions.
func (r *Registry) Children(ctx context.Context, id string) ([]*store.Session, error) {
	return r.store.FindChildren(ctx, id)
}

// LatestHandoff finds the most recent handoff-ready session in a project,
// used to seed a new session with its predecessor's summary.
func (r *Registry) LatestHandoff(ctx context.Context, projectID string) (*store.Session, error) {
	return r.store.FindLatestHandoff(ctx, projectID)
}

// UpdateSummary stores handoff/compact markdown. Empty arguments keep the
// existing values.
func (r *Registry) UpdateSummary(ctx context.Context, id, summary, compact string) error {
	return r.store.UpdateSessionSummary(ctx, id, summary, compact)
}
