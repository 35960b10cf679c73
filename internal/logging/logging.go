// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

var (
	mu      sync.Mutex
	levels  = map[string]zap.AtomicLevel{}
	encoder zapcore.Encoder
	output  zapcore.WriteSyncer = zapcore.Lock(os.Stderr)
)

func init() {
	envfmt := strings.TrimSpace(strings.ToLower(os.Getenv("STORYRELAY_LOG_FORMAT")))

	cfg := zap.NewProductionEncoderConfig()
	cfg.MessageKey = "msg"
	cfg.LevelKey = "lvl"
	cfg.TimeKey = "ts"
	cfg.NameKey = "log"
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(time.RFC3339))
	}

	// Non-terminal stderr means a collector is reading us.
	if !term.IsTerminal(int(os.Stderr.Fd())) || envfmt == "json" {
		encoder = zapcore.NewJSONEncoder(cfg)
	} else {
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	}
}

// New creates a named logger with the given level. Calling New again for the
// same subsystem updates its level.
func New(subsystem, level string) *zap.Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		panic(fmt.Errorf("logging: %s: %w", subsystem, err))
	}

	mu.Lock()
	atom, ok := levels[subsystem]
	if !ok {
		atom = zap.NewAtomicLevelAt(lvl)
		levels[subsystem] = atom
	} else {
		atom.SetLevel(lvl)
	}
	mu.Unlock()

	core := zapcore.NewCore(encoder, output, atom)
	return zap.New(core, zap.AddCaller()).Named(subsystem)
}

// SetLevel changes the level of an existing subsystem; "*" applies to all.
func SetLevel(subsystem, level string) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()

	if subsystem == "*" {
		for _, atom := range levels {
			atom.SetLevel(lvl)
		}
		return nil
	}

	atom, ok := levels[subsystem]
	if !ok {
		return fmt.Errorf("logging: unknown subsystem %q", subsystem)
	}
	atom.SetLevel(lvl)
	return nil
}

// Level returns the current level of a subsystem.
func Level(subsystem string) (zapcore.Level, bool) {
	mu.Lock()
	defer mu.Unlock()
	atom, ok := levels[subsystem]
	if !ok {
		return zapcore.InfoLevel, false
	}
	return atom.Level(), true
}

// Subsystems lists the registered logger names.
func Subsystems() []string {
	mu.Lock()
	defer mu.Unlock()
	names := make([]string, 0, len(levels))
	for name := range levels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidLevel reports whether level parses as a zap level.
func ValidLevel(level string) bool {
	_, err := zapcore.ParseLevel(level)
	return err == nil
}
