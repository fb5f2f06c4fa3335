// Package watcher ingests document files as they appear or change in a
// local directory.
package watcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/bull/docrag-server/internal/extract"
)

// DefaultDebounce is how long a file must stay quiet before it is handled.
const DefaultDebounce = 500 * time.Millisecond

// Handler is called with the path of a created or modified file.
type Handler func(ctx context.Context, path string) error

// Watcher watches one directory (not recursively) and calls the handler
// for supported files once their writes settle. Files whose content did
// not change since the last successful call are skipped.
type Watcher struct {
	dir      string
	handle   Handler
	debounce time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	timers map[string]*time.Timer
	hashes map[string][32]byte
}

// New creates a watcher. Non-positive debounce uses DefaultDebounce.
func New(dir string, handle Handler, debounce time.Duration, logger *slog.Logger) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		handle:   handle,
		debounce: debounce,
		logger:   logger,
		timers:   make(map[string]*time.Timer),
		hashes:   make(map[string][32]byte),
	}
}

// Run blocks until ctx is cancelled. Handler calls are serialized.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create file watcher: %w", err)
	}
	defer fw.Close()

	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.logger.Info("Watching directory", "dir", w.dir)

	ready := make(chan string, 64)
	defer w.stopTimers()

	for {
		select {
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !extract.SupportedExtension(event.Name) {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				w.schedule(ctx, event.Name, ready)
			} else if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				w.forget(event.Name)
			}

		case path := <-ready:
			w.process(ctx, path)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Info("Watcher stopped", "dir", w.dir)
			return nil
		}
	}
}

// schedule (re)starts the quiet-period timer for path.
func (w *Watcher) schedule(ctx context.Context, path string, ready chan<- string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		select {
		case ready <- path:
		case <-ctx.Done():
		}
	})
}

func (w *Watcher) forget(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
		delete(w.timers, path)
	}
	delete(w.hashes, path)
}

func (w *Watcher) stopTimers() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path, t := range w.timers {
		t.Stop()
		delete(w.timers, path)
	}
}

func (w *Watcher) process(ctx context.Context, path string) {
	w.mu.Lock()
	delete(w.timers, path)
	prev, seen := w.hashes[path]
	w.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		w.logger.Warn("Could not read file", "file", path, "error", err)
		return
	}
	sum := sha256.Sum256(data)
	if seen && sum == prev {
		w.logger.Debug("File unchanged, skipping", "file", path)
		return
	}

	if err := w.handle(ctx, path); err != nil {
		w.logger.Warn("Failed to ingest watched file", "file", path, "error", err)
		return
	}

	w.mu.Lock()
	w.hashes[path] = sum
	w.mu.Unlock()
}
