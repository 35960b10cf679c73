// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package prompt assembles the ordered message sequence sent to the
// completion provider.
//
// Every assembled prompt starts with exactly one system message chosen from
// a per-mode Table, followed by the caller's messages verbatim, followed by an
// optional transcript message. Oversized prompts are rejected, never
// truncated.
//
// # Key Types
//
//   - Table: per-mode system prompts (loadable from TOML)
//   - Assembler: builds prompts against a size limit; table swaps are atomic
//   - Watcher: reloads the table file on change (fsnotify)
//   - PromptTooLargeError: size/limit details for ErrPromptTooLarge
//
// # Usage
//
//	asm := prompt.NewAssembler(prompt.DefaultTable(), prompt.DefaultMaxBytes)
//	msgs, err := asm.Assemble(mode.GenerateStories, req.Messages, req.Transcript)
//
// Hot reload of a prompts file:
//
//	w, err := prompt.NewWatcher("prompts.toml", asm, log)
//	g.Go(func() error { return w.Run(ctx) })
package prompt
