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

// Package syncer mirrors store tables to files on disk. Each projector
// imports on startup (content-hash dedup makes re-imports idempotent) and
// exports on store changes, debounced so a burst of writes produces one
// export.
package syncer

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gobbyhq/gobby/internal/log"
	"github.com/gobbyhq/gobby/internal/store"
)

// Projector mirrors one table to one directory layout.
type Projector interface {
	// Name identifies the projector in logs.
	Name() string
	// Table is the store table whose changes trigger exports.
	Table() string
	// Import reads the on-disk form into the store.
	Import(ctx context.Context) error
	// Export writes the store's current rows to disk.
	Export(ctx context.Context) error
}

// Syncer owns the projector set and the debounce timers.
type Syncer struct {
	store    *store.Store
	logger   *slog.Logger
	debounce time.Duration

	mu     sync.Mutex
	timers map[string]*time.Timer
	wg     sync.WaitGroup

	projectors []Projector
}

// New builds a syncer. Debounce defaults to one second.
func New(s *store.Store, logger *slog.Logger, debounce time.Duration, projectors ...Projector) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = time.Second
	}
	return &Syncer{
		store:      s,
		logger:     log.WithComponent(logger, "syncer"),
		debounce:   debounce,
		timers:     map[string]*time.Timer{},
		projectors: projectors,
	}
}

// Start imports every projector once, then subscribes exports to store
// changes. Import failures are logged, not fatal; a broken file must not
// keep the daemon down.
func (y *Syncer) Start(ctx context.Context) {
	for _, p := range y.projectors {
		if err := p.Import(ctx); err != nil {
			y.logger.Warn("import failed", "projector", p.Name(), log.Error(err))
		}
		p := p
		y.store.Subscribe(p.Table(), func(store.Change) {
			y.schedule(ctx, p)
		})
	}
}

// schedule arms (or re-arms) the projector's debounce timer.
func (y *Syncer) schedule(ctx context.Context, p Projector) {
	y.mu.Lock()
	defer y.mu.Unlock()
	if t, ok := y.timers[p.Name()]; ok {
		t.Reset(y.debounce)
		return
	}
	y.wg.Add(1)
	y.timers[p.Name()] = time.AfterFunc(y.debounce, func() {
		defer y.wg.Done()
		y.mu.Lock()
		delete(y.timers, p.Name())
		y.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if err := p.Export(ctx); err != nil {
			y.logger.Warn("export failed", "projector", p.Name(), log.Error(err))
		}
	})
}

// Flush forces pending exports; used on shutdown.
func (y *Syncer) Flush(ctx context.Context) {
	y.mu.Lock()
	var pending []Projector
	for _, p := range y.projectors {
		if t, ok := y.timers[p.Name()]; ok {
			delete(y.timers, p.Name())
			// A timer that already fired owns its own wg slot.
			if t.Stop() {
				y.wg.Done()
				pending = append(pending, p)
			}
		}
	}
	y.mu.Unlock()

	for _, p := range pending {
		if err := p.Export(ctx); err != nil {
			y.logger.Warn("flush export failed", "projector", p.Name(), log.Error(err))
		}
	}
	y.wg.Wait()
}

// writeFileAtomic writes via a temp file and rename so readers never see a
// partial export.
func writeFileAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
