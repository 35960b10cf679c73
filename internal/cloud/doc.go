// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package cloud provides the streaming completion client.
//
// The client talks to any OpenAI-compatible chat/completions endpoint and
// exposes the reply as a pull-based stream of content deltas. It makes one
// attempt per request: retrying a half-streamed reply would duplicate text
// already forwarded to the caller.
//
// # Key Types
//
//   - Client: configured once, safe for concurrent use
//   - Stream: one in-flight completion, read with Next and released with Close
//   - ProviderError: an HTTP error from the provider, classified by sentinel
//
// # Usage
//
//	client := cloud.NewClient(apiKey).WithModel("gpt-4-turbo")
//	stream, err := client.Open(ctx, messages)
//	if err != nil {
//	    return err
//	}
//	defer stream.Close()
//	for {
//	    delta, err := stream.Next()
//	    if err == io.EOF {
//	        break
//	    }
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(delta)
//	}
//
// # Errors
//
// Failures are reported through the sentinels ErrNotConfigured,
// ErrProviderUnavailable, ErrProviderQuotaExceeded, ErrProviderRejected and
// ErrProviderStreamInterrupted. A first-delta timeout matches both
// ErrProviderUnavailable and ErrFirstDeltaTimeout. Cancellation of the
// caller's context is returned as the context error.
//
// # Security
//
// API keys are never logged; KeyFingerprint gives a stable identifier for
// logs. All requests use TLS 1.2+.
package cloud
