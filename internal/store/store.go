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

// Package store provides the durable local storage layer: a single SQLite
// file with forward-only migrations, an FTS5 mirror of tasks and artifacts,
// and per-table change listeners fired after commit.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	gerrors "github.com/gobbyhq/gobby/pkg/errors"
)

// ChangeOp is the kind of row change reported to listeners.
type ChangeOp string

const (
	OpInsert ChangeOp = "insert"
	OpUpdate ChangeOp = "update"
	OpDelete ChangeOp = "delete"
)

// Change describes one committed row change.
type Change struct {
	Table string
	Op    ChangeOp
	ID    string
}

// Listener receives committed changes for a table. Listeners run
// synchronously after commit in registration order and must not write to the
// store on the same connection.
type Listener func(Change)

// Config contains store configuration.
type Config struct {
	// Path is the database file path. Use ":memory:" for tests.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// Store is the SQLite-backed storage layer. Writes serialize through a single
// connection guarded by writeMu; reads run on the shared pool.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	writeMu sync.Mutex

	listenerMu sync.RWMutex
	listeners  map[string][]Listener
}

// Open opens (creating if needed) the store at cfg.Path and runs migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes; a single connection avoids SQLITE_BUSY
	// between our own writers.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{
		db:        db,
		logger:    logger,
		listeners: make(map[string][]Listener),
	}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// Subscribe registers a change listener for a table.
func (s *Store) Subscribe(table string, fn Listener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	s.listeners[table] = append(s.listeners[table], fn)
}

// notify fires listeners for committed changes, in registration order.
func (s *Store) notify(changes []Change) {
	if len(changes) == 0 {
		return
	}
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	for _, ch := range changes {
		for _, fn := range s.listeners[ch.Table] {
			fn(ch)
		}
	}
}

// withTx runs fn inside a write transaction. Changes recorded by fn are
// delivered to listeners only after a successful commit.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx, rec *changeRecorder) error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	rec := &changeRecorder{}
	if err := fn(tx, rec); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	s.notify(rec.changes)
	return nil
}

// changeRecorder accumulates row changes during a transaction.
type changeRecorder struct {
	changes []Change
}

func (r *changeRecorder) record(table string, op ChangeOp, id string) {
	r.changes = append(r.changes, Change{Table: table, Op: op, ID: id})
}

// now returns the canonical timestamp representation stored in the database.
func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// mapSQLError converts sqlite constraint violations into typed errors.
func mapSQLError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if err == sql.ErrNoRows {
		return &gerrors.NotFoundError{Resource: resource, ID: id}
	}
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		return &gerrors.ConflictError{Resource: resource, ID: id, Message: "already exists"}
	}
	if strings.Contains(msg, "FOREIGN KEY constraint failed") {
		return &gerrors.InvalidStateError{Resource: resource, Message: "referenced row does not exist or still has children"}
	}
	return err
}
