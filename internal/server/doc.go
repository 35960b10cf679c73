// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server exposes the storyrelay HTTP API.
//
// # Endpoints
//
//   - POST /chat, /api/chat          - streamed plain-text completion
//   - GET  /chat/{id}/stories        - extraction of a finished request
//   - GET  /fireflies                - list meetings
//   - GET  /fireflies/transcript?id= - fetch one transcript
//   - POST /jira/bulk                - create one issue per story
//   - GET  /jira/recent?limit=       - recent pushes
//   - POST /api/upload, /upload      - transcript file to text
//   - POST /export/{format}          - stories as csv, json, markdown or yaml
//   - GET  /health, /stats, /metrics - liveness, counters, Prometheus
//
// # Streaming
//
// A chat response is committed as 200 only once the provider produced its
// first delta. Until then every failure is a JSON {"error": "..."} with a
// mapped status. After that the body is the raw text, flushed per delta, and
// a failure appends "\n\n[error] <message>\n" and sets the X-Stream-Error
// trailer. X-Extraction-Status and X-Story-Count trailers report the story
// extraction, which is also retrievable by request ID for ten minutes.
//
// # Middleware
//
// Outer to inner: Recovery (Sentry when configured), RequestID, CORS,
// SecurityHeaders, Logging, then per-route Prometheus instrumentation.
package server
