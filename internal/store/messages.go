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

import (
	"context"
	"database/sql"

	"github.com/google/uuid"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// AddMessage appends a transcript entry for a session.
func (s *Store) AddMessage(ctx context.Context, m *Message) (*Message, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO messages (id, session_id, role, content, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			m.ID, m.SessionID, m.Role, m.Content, ts)
		if err != nil {
			return mapSQLError(err, "message", m.ID)
		}
		rec.record("messages", OpInsert, m.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(sql.NullString{String: ts, Valid: true})
	return m, nil
}

// LastMessages returns the most recent n transcript entries, oldest first.
func (s *Store) LastMessages(ctx context.Context, sessionID string, n int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, role, content, created_at FROM (
			SELECT id, session_id, role, content, created_at
			FROM messages WHERE session_id = ? ORDER BY created_at DESC LIMIT ?
		) ORDER BY created_at`, sessionID, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		var m Message
		var created sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &created); err != nil {
			return nil, err
		}
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// SendSessionMessage records a mailbox message between sessions.
func (s *Store) SendSessionMessage(ctx context.Context, m *SessionMessage) (*SessionMessage, error) {
	if m.Priority == "" {
		m.Priority = "normal"
	}
	if m.Priority != "normal" && m.Priority != "urgent" {
		return nil, &gerrors.ValidationError{Field: "priority", Message: `must be "normal" or "urgent"`}
	}
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	ts := now()
	err := s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO session_messages (id, from_session_id, to_session_id, content, priority, created_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			m.ID, m.FromSessionID, m.ToSessionID, m.Content, m.Priority, ts)
		if err != nil {
			return mapSQLError(err, "session_message", m.ID)
		}
		rec.record("session_messages", OpInsert, m.ID)
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.CreatedAt = parseTime(sql.NullString{String: ts, Valid: true})
	return m, nil
}

// Inbox returns unread mailbox messages for a session, urgent first.
func (s *Store) Inbox(ctx context.Context, sessionID string) ([]*SessionMessage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_session_id, to_session_id, content, priority, read_at, created_at
		 FROM session_messages
		 WHERE to_session_id = ? AND read_at IS NULL
		 ORDER BY CASE priority WHEN 'urgent' THEN 0 ELSE 1 END, created_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*SessionMessage
	for rows.Next() {
		var m SessionMessage
		var readAt, created sql.NullString
		if err := rows.Scan(&m.ID, &m.FromSessionID, &m.ToSessionID, &m.Content, &m.Priority, &readAt, &created); err != nil {
			return nil, err
		}
		m.ReadAt = parseTime(readAt)
		m.CreatedAt = parseTime(created)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MarkMessageRead stamps read_at on a mailbox message.
func (s *Store) MarkMessageRead(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE session_messages SET read_at = ? WHERE id = ? AND read_at IS NULL`,
			now(), id)
		if err != nil {
			return mapSQLError(err, "session_message", id)
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return &gerrors.NotFoundError{Resource: "session_message", ID: id}
		}
		rec.record("session_messages", OpUpdate, id)
		return nil
	})
}

// SetStopSignal records a stop request for a session.
func (s *Store) SetStopSignal(ctx context.Context, sessionID, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO stop_signals (session_id, reason, created_at) VALUES (?, ?, ?)
			 ON CONFLICT(session_id) DO UPDATE SET reason = excluded.reason`,
			sessionID, strArg(reason), now())
		if err != nil {
			return mapSQLError(err, "stop_signal", sessionID)
		}
		rec.record("stop_signals", OpInsert, sessionID)
		return nil
	})
}

// HasStopSignal reports whether a stop request exists for a session.
func (s *Store) HasStopSignal(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM stop_signals WHERE session_id = ?`, sessionID).Scan(&n)
	return n > 0, err
}

// ClearStopSignal removes a stop request.
func (s *Store) ClearStopSignal(ctx context.Context, sessionID string) error {
	return s.withTx(ctx, func(tx *sql.Tx, rec *changeRecorder) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM stop_signals WHERE session_id = ?`, sessionID)
		if err != nil {
			return mapSQLError(err, "stop_signal", sessionID)
		}
		rec.record("stop_signals", OpDelete, sessionID)
		return nil
	})
}
