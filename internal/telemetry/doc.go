// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package telemetry records metrics for storyrelay.
//
// Collectors are registered with the default Prometheus registry and exposed
// on GET /metrics. Alongside them, Stats keeps a small in-process summary
// (requests per mode, stream failures, stories extracted) for the health
// endpoint and the CLI.
//
// # Key Types
//
//   - Stats: request counters since process start
//   - Snapshot: a point-in-time copy of Stats
//
// # Usage
//
//	telemetry.ObserveStream("generate_stories", telemetry.OutcomeOK, firstDelta, elapsed, deltas)
//	telemetry.ObserveExtraction("extracted", 4, 1)
//	handler = telemetry.InstrumentHandler("chat", handler)
//
// # Privacy
//
// Metrics carry labels and counts only. Prompt and reply content is never
// recorded.
package telemetry
