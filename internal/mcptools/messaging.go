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

package mcptools

import (
	"context"
	"fmt"

	"github.com/gobbyhq/gobby/internal/store"
	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// Messaging enforces lineage: a session may only message its direct parent
// or direct children. Broadcast skips non-active children and reports
// counts.
func (r *Registry) messagingServer() *Server {
	s := newServer("messaging", "Mailbox messages between a session and its direct parent or children.")

	s.add(&Tool{
		Name:        "send_to_parent",
		Description: "Send a mailbox message to the calling session's parent.",
		InputSchema: schema([]string{"content"}, map[string]any{
			"content":  prop("string", "Message body"),
			"priority": prop("string", "normal | urgent"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			if sess.ParentSessionID == "" {
				return nil, &gerrors.InvalidStateError{
					Resource:    "session",
					Message:     "session has no parent",
					Remediation: "only spawned subagent sessions can message a parent",
				}
			}
			msg, err := r.store.SendSessionMessage(ctx, &store.SessionMessage{
				FromSessionID: sess.ID,
				ToSessionID:   sess.ParentSessionID,
				Content:       content,
				Priority:      optString(c.Args, "priority"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"message_id": msg.ID, "to": sess.ParentSessionID}, nil
		},
	})

	s.add(&Tool{
		Name:        "send_to_child",
		Description: "Send a mailbox message to a direct child session.",
		InputSchema: schema([]string{"child_session_id", "content"}, map[string]any{
			"child_session_id": prop("string", "Child session reference"),
			"content":          prop("string", "Message body"),
			"priority":         prop("string", "normal | urgent"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			ref, err := requireString(c.Args, "child_session_id")
			if err != nil {
				return nil, err
			}
			child, err := r.sessions.Resolve(ctx, ref, c.ProjectID())
			if err != nil {
				return nil, err
			}
			if child.ParentSessionID != sess.ID {
				return nil, &gerrors.ValidationError{
					Field:   "child_session_id",
					Message: fmt.Sprintf("session %s is not a direct child of the caller", child.ID[:8]),
				}
			}
			msg, err := r.store.SendSessionMessage(ctx, &store.SessionMessage{
				FromSessionID: sess.ID,
				ToSessionID:   child.ID,
				Content:       content,
				Priority:      optString(c.Args, "priority"),
			})
			if err != nil {
				return nil, err
			}
			return map[string]any{"message_id": msg.ID, "to": child.ID}, nil
		},
	})

	s.add(&Tool{
		Name:        "broadcast_to_children",
		Description: "Send a mailbox message to every active direct child. Non-active children are skipped, not failed.",
		InputSchema: schema([]string{"content"}, map[string]any{
			"content":  prop("string", "Message body"),
			"priority": prop("string", "normal | urgent"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			content, err := requireString(c.Args, "content")
			if err != nil {
				return nil, err
			}
			children, err := r.sessions.Children(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			sent, skipped := 0, 0
			for _, child := range children {
				if child.Status != store.SessionActive {
					skipped++
					continue
				}
				_, err := r.store.SendSessionMessage(ctx, &store.SessionMessage{
					FromSessionID: sess.ID,
					ToSessionID:   child.ID,
					Content:       content,
					Priority:      optString(c.Args, "priority"),
				})
				if err != nil {
					return nil, err
				}
				sent++
			}
			return map[string]any{"sent": sent, "skipped": skipped}, nil
		},
	})

	s.add(&Tool{
		Name:        "check_inbox",
		Description: "Read the calling session's unread messages, urgent first.",
		InputSchema: schema(nil, map[string]any{
			"mark_read": prop("boolean", "Stamp returned messages as read"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			sess, err := c.requireSession()
			if err != nil {
				return nil, err
			}
			msgs, err := r.store.Inbox(ctx, sess.ID)
			if err != nil {
				return nil, err
			}
			if optBool(c.Args, "mark_read") {
				for _, m := range msgs {
					if err := r.store.MarkMessageRead(ctx, m.ID); err != nil {
						return nil, err
					}
				}
			}
			return msgs, nil
		},
	})

	s.add(&Tool{
		Name:        "signal_stop",
		Description: "Raise the stop signal on a session so its workflows can wind down.",
		InputSchema: schema(nil, map[string]any{
			"session_id": prop("string", "Target session reference; defaults to the caller"),
			"reason":     prop("string", "Why the session should stop"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			target, err := r.signalTarget(ctx, c)
			if err != nil {
				return nil, err
			}
			if err := r.store.SetStopSignal(ctx, target, optString(c.Args, "reason")); err != nil {
				return nil, err
			}
			return map[string]any{"session_id": target, "stop": true}, nil
		},
	})

	s.add(&Tool{
		Name:        "clear_stop",
		Description: "Clear a previously raised stop signal.",
		InputSchema: schema(nil, map[string]any{
			"session_id": prop("string", "Target session reference; defaults to the caller"),
		}),
		Handler: func(ctx context.Context, c *Call) (any, error) {
			target, err := r.signalTarget(ctx, c)
			if err != nil {
				return nil, err
			}
			if err := r.store.ClearStopSignal(ctx, target); err != nil {
				return nil, err
			}
			return map[string]any{"session_id": target, "stop": false}, nil
		},
	})

	return s
}

func (r *Registry) signalTarget(ctx context.Context, c *Call) (string, error) {
	if ref := optString(c.Args, "session_id"); ref != "" {
		sess, err := r.sessions.Resolve(ctx, ref, c.ProjectID())
		if err != nil {
			return "", err
		}
		return sess.ID, nil
	}
	sess, err := c.requireSession()
	if err != nil {
		return "", err
	}
	return sess.ID, nil
}
