// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cli implements the storyrelay command line.
//
// Parse turns argv into a Command and Args; main dispatches to a Handle*
// function, which returns an error that main shows with DisplayError and
// maps to an exit code with GetExitCode.
//
// # Commands
//
//   - serve: run the HTTP API (flags and STORYRELAY_* variables via ff)
//   - ask: one request, streamed to stdout
//   - chat: interactive REPL with story export
//   - extract: run the story extractor over saved model output
//   - transcripts: list and show Fireflies transcripts
//   - config: show, locate or create the config file
//
// Client commands build the same pipeline the server uses, so requests are
// classified, assembled and extracted identically everywhere.
package cli
