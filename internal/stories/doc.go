// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stories extracts structured user stories from model output.
//
// Models asked for a JSON array often wrap it in prose or code fences.
// Extract takes the span from the first '[' to the last ']', parses it as an
// array and validates each element on its own, so one malformed story does
// not discard its siblings. A story needs non-empty text and one to three
// non-empty tags.
//
// Extraction is pure: it reads a string and returns values, and failures are
// reported as *ExtractionError matching ErrExtractionFailed.
package stories
