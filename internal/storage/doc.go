// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package storage keeps a local log of user stories pushed to the issue tracker.
//
// The log is a single SQLite database (pure Go driver, WAL journal) with one
// table, pushes. Every successful tracker push appends one row per created
// issue so operators can see what went where without asking Jira.
//
// # Usage
//
//	log, err := storage.Open(filepath.Join(dataDir, "pushes.db"))
//	if err != nil { ... }
//	defer log.Close()
//
//	err = log.RecordPushes(ctx, records)
//	recent, err := log.Recent(ctx, 20)
package storage
