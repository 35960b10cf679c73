// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/mode"
)

const (
	// TranscriptLabel prefixes the transcript message.
	TranscriptLabel = "Here is the transcript:\n"

	// DefaultMaxBytes bounds the assembled prompt. gpt-4-turbo accepts 128k
	// tokens; at roughly four bytes per token this leaves room for the reply.
	DefaultMaxBytes = 480_000
)

// ErrPromptTooLarge indicates the assembled prompt exceeds the input limit.
var ErrPromptTooLarge = errors.New("prompt too large")

// PromptTooLargeError carries the measured size and the limit.
type PromptTooLargeError struct {
	Size  int
	Limit int
}

// Error implements the error interface.
func (e *PromptTooLargeError) Error() string {
	return fmt.Sprintf("prompt too large: %d bytes exceeds limit of %d bytes", e.Size, e.Limit)
}

// Is matches ErrPromptTooLarge.
func (e *PromptTooLargeError) Is(target error) bool {
	return target == ErrPromptTooLarge
}

// =============================================================================
// ASSEMBLER
// =============================================================================

// Assembler builds provider prompts. Safe for concurrent use.
type Assembler struct {
	table    atomic.Pointer[Table]
	maxBytes int
}

// NewAssembler creates an assembler. maxBytes <= 0 selects DefaultMaxBytes.
func NewAssembler(table Table, maxBytes int) *Assembler {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	a := &Assembler{maxBytes: maxBytes}
	a.SetTable(table)
	return a
}

// SetTable replaces the prompt table. In-flight assemblies keep the old one.
func (a *Assembler) SetTable(t Table) {
	t.fillDefaults()
	a.table.Store(&t)
}

// Table returns the active prompt table.
func (a *Assembler) Table() Table {
	return *a.table.Load()
}

// MaxBytes returns the configured size limit.
func (a *Assembler) MaxBytes() int {
	return a.maxBytes
}

// Assemble returns [system, messages..., transcript?]. The caller's slice is
// copied, never modified.
func (a *Assembler) Assemble(m mode.Mode, messages []chat.Message, transcript string) ([]chat.Message, error) {
	if !m.Valid() {
		return nil, fmt.Errorf("%w: unknown mode %v", chat.ErrInvalidRequest, m)
	}

	table := a.table.Load()

	out := make([]chat.Message, 0, len(messages)+2)
	out = append(out, chat.NewSystemMessage(table.For(m)))
	out = append(out, messages...)
	if transcript != "" {
		out = append(out, chat.NewUserMessage(TranscriptLabel+transcript))
	}

	if size := Size(out); size > a.maxBytes {
		return nil, &PromptTooLargeError{Size: size, Limit: a.maxBytes}
	}

	return out, nil
}

// Size returns the total content size of messages in bytes.
func Size(messages []chat.Message) int {
	n := 0
	for _, msg := range messages {
		n += len(msg.Content)
	}
	return n
}
