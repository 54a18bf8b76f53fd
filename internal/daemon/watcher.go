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

package daemon

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/gobbyhq/gobby/internal/log"
)

// definitionWatcher invalidates definition caches when workflow or pipeline
// YAML files change on disk, so edits apply without a daemon restart.
type definitionWatcher struct {
	fs       *fsnotify.Watcher
	logger   *slog.Logger
	debounce time.Duration

	mu      sync.Mutex
	pending map[string]*time.Timer
	targets map[string]func()

	done chan struct{}
}

// newDefinitionWatcher starts watching. dirs maps a directory to the cache
// invalidation for the loader that reads it; missing directories are skipped.
func newDefinitionWatcher(dirs map[string]func(), logger *slog.Logger) (*definitionWatcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	w := &definitionWatcher{
		fs:       fs,
		logger:   log.WithComponent(logger, "watcher"),
		debounce: 200 * time.Millisecond,
		pending:  make(map[string]*time.Timer),
		targets:  make(map[string]func()),
		done:     make(chan struct{}),
	}
	for dir, invalidate := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := fs.Add(dir); err != nil {
			w.logger.Warn("cannot watch directory", "dir", dir, log.Error(err))
			continue
		}
		w.targets[dir] = invalidate
		w.logger.Debug("watching definitions", "dir", dir)
	}
	go w.run()
	return w, nil
}

func (w *definitionWatcher) run() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
				if isDefinitionFile(ev.Name) {
					w.schedule(ev.Name)
				}
			}
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watch error", log.Error(err))
		}
	}
}

// schedule debounces bursts from editors that write a file several times.
func (w *definitionWatcher) schedule(path string) {
	dir := filepath.Dir(path)
	invalidate, ok := w.lookup(dir)
	if !ok {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, exists := w.pending[dir]; exists {
		t.Stop()
	}
	w.pending[dir] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.pending, dir)
		w.mu.Unlock()
		w.logger.Info("definitions changed, reloading", "dir", dir)
		invalidate()
	})
}

func (w *definitionWatcher) lookup(dir string) (func(), bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fn, ok := w.targets[dir]
	return fn, ok
}

// Close stops the watcher and waits for the event loop.
func (w *definitionWatcher) Close() error {
	w.mu.Lock()
	for _, t := range w.pending {
		t.Stop()
	}
	w.mu.Unlock()
	err := w.fs.Close()
	<-w.done
	return err
}

func isDefinitionFile(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}
