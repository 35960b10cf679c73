// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// DefaultReloadDebounce collapses the burst of events editors emit on save.
const DefaultReloadDebounce = 250 * time.Millisecond

// Watcher reloads a prompt table file into an Assembler when it changes.
type Watcher struct {
	path     string
	asm      *Assembler
	log      *zap.Logger
	watcher  *fsnotify.Watcher
	debounce time.Duration

	// onReload is called after every reload attempt (tests).
	onReload func(error)
}

// NewWatcher watches the directory containing path. Editors replace files by
// rename, so watching the file itself would lose track after the first save.
func NewWatcher(path string, asm *Assembler, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve prompt table path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	if log == nil {
		log = zap.NewNop()
	}

	return &Watcher{
		path:     abs,
		asm:      asm,
		log:      log,
		watcher:  fw,
		debounce: DefaultReloadDebounce,
	}, nil
}

// Reload loads the table file once and swaps it in. A broken file leaves the
// active table untouched.
func (w *Watcher) Reload() error {
	t, err := LoadTable(w.path)
	if err != nil {
		w.log.Warn("PromptTableReloadFailed", zap.String("path", w.path), zap.Error(err))
		return err
	}
	w.asm.SetTable(t)
	w.log.Info("PromptTableReloaded", zap.String("path", w.path))
	return nil
}

// Run processes file events until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	var pending <-chan time.Time

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				pending = time.After(w.debounce)
			}

		case <-pending:
			pending = nil
			err := w.Reload()
			if w.onReload != nil {
				w.onReload(err)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("PromptWatcherError", zap.Error(err))
		}
	}
}

// Watch reloads the table at path into asm until ctx is done.
func Watch(ctx context.Context, path string, asm *Assembler, log *zap.Logger) error {
	w, err := NewWatcher(path, asm, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}
