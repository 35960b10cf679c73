// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
)

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.toml")
	if err := os.WriteFile(path, []byte("plain = \"first\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(DefaultTable(), 0)
	w, err := NewWatcher(path, asm, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	w.debounce = 20 * time.Millisecond

	reloaded := make(chan error, 4)
	w.onReload = func(err error) { reloaded <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	if err := os.WriteFile(path, []byte("plain = \"second\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-reloaded:
		if err != nil {
			t.Fatalf("reload error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	if got := asm.Table().Plain; got != "second" {
		t.Errorf("Table().Plain = %q, want second", got)
	}

	cancel()
	<-done
}

func TestWatcher_BrokenFileKeepsTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "prompts.toml")
	if err := os.WriteFile(path, []byte("plain = \"ok\"\n"), 0644); err != nil {
		t.Fatal(err)
	}

	asm := NewAssembler(Table{Plain: "ok"}, 0)
	w, err := NewWatcher(path, asm, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewWatcher() error: %v", err)
	}
	defer w.watcher.Close()

	if err := os.WriteFile(path, []byte("plain = [broken"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := w.Reload(); err == nil {
		t.Fatal("Reload() should fail on invalid TOML")
	}
	if got := asm.Table().Plain; got != "ok" {
		t.Errorf("Table().Plain = %q, want ok", got)
	}
}
