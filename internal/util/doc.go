// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package util provides small helpers shared by the server and CLI.
//
//   - AtomicWriteFile: crash-safe file writing with fsync
//   - TruncateRunes, TruncateRunesNoEllipsis: UTF-8 safe truncation
//   - TruncateWidth, StringWidth: terminal column aware helpers
//
// # Usage
//
//	display := util.TruncateWidth(story, 72)
//	err := util.AtomicWriteFile(path, data, 0644)
package util
