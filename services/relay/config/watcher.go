// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// ReloadHandler is called with the new snapshot after a successful
// reload.
type ReloadHandler func(cfg *Config)

// Watcher hot-reloads the config file and hands out immutable
// snapshots.
//
// # Description
//
// Watches the directory containing the config file (editors and
// configmap mounts replace files by rename, which a file-level watch
// misses), debounces bursts of write events, and re-runs Load on the
// quiet edge. A snapshot that fails validation is logged and dropped;
// the previous snapshot stays current, so a bad edit can never take
// the gateway down.
//
// # Thread Safety
//
// Current is safe from any goroutine. Handlers run on the watcher
// goroutine and must not block.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	log      *slog.Logger
	debounce time.Duration

	current  atomic.Pointer[Config]
	handlers []ReloadHandler

	done     chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	watching bool
}

// NewWatcher loads the file once and prepares a watcher for it. The
// initial Load must succeed; a service that cannot read its config at
// boot should not start.
func NewWatcher(path string, log *slog.Logger) (*Watcher, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		path:     path,
		watcher:  fsw,
		log:      log,
		debounce: 250 * time.Millisecond,
		done:     make(chan struct{}),
	}
	w.current.Store(cfg)
	return w, nil
}

// Current returns the latest valid snapshot. Callers must treat it as
// read-only.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnReload registers a handler. Must be called before Start.
func (w *Watcher) OnReload(h ReloadHandler) {
	w.handlers = append(w.handlers, h)
}

// Start begins watching. Returns immediately; reloads happen on a
// background goroutine until Stop or context cancellation.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.watching {
		w.mu.Unlock()
		return nil
	}
	w.watching = true
	w.mu.Unlock()

	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return err
	}

	go w.loop(ctx)
	return nil
}

// Stop stops watching. Safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.done)
		_ = w.watcher.Close()

		w.mu.Lock()
		w.watching = false
		w.mu.Unlock()
	})
}

func (w *Watcher) loop(ctx context.Context) {
	var timer *time.Timer
	var timerC <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer = nil
			timerC = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn("config watch error", "error", err)
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Error("config reload rejected, keeping previous snapshot",
			"path", w.path, "error", err)
		return
	}

	w.current.Store(cfg)
	w.log.Info("config reloaded", "path", w.path)

	for _, h := range w.handlers {
		h(cfg)
	}
}
