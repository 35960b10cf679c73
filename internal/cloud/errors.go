// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

var (
	// ErrNotConfigured is returned when no API key is configured.
	ErrNotConfigured = errors.New("completion provider not configured: API key required")

	// ErrProviderUnavailable covers transport failures, auth failures, 5xx
	// responses and streams that fail before the first delta.
	ErrProviderUnavailable = errors.New("completion provider unavailable")

	// ErrProviderQuotaExceeded is returned on 402, 429 or insufficient_quota.
	ErrProviderQuotaExceeded = errors.New("completion provider quota exceeded")

	// ErrProviderRejected is returned when the provider refuses the request (4xx).
	ErrProviderRejected = errors.New("completion provider rejected the request")

	// ErrProviderStreamInterrupted is returned when a stream breaks after at
	// least one delta.
	ErrProviderStreamInterrupted = errors.New("completion stream interrupted")

	// ErrFirstDeltaTimeout is wrapped together with ErrProviderUnavailable
	// when no content arrives in time.
	ErrFirstDeltaTimeout = errors.New("timed out waiting for first delta")
)

// ProviderError is an HTTP error reported by the completion provider.
type ProviderError struct {
	Status  int
	Code    string
	Message string

	kind error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
}

// Unwrap returns the sentinel this error is classified as.
func (e *ProviderError) Unwrap() error {
	if e.kind == nil {
		return classifyStatus(e.Status, e.Code)
	}
	return e.kind
}
