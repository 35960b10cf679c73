// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// errors.go - Error display and exit codes for storyrelay commands.
//
// Handlers always return errors; main displays them once and picks the exit
// code with GetExitCode.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/config"
	"github.com/jeranaias/storyrelay/internal/export"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/transcripts"
)

// =============================================================================
// EXIT CODES
// =============================================================================

const (
	ExitSuccess       = 0
	ExitGeneralError  = 1
	ExitUsageError    = 2
	ExitConfigError   = 3
	ExitNetworkError  = 5
	ExitNotFoundError = 7
	ExitTimeoutError  = 8
	ExitInterrupted   = 130
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// CommandError is a command failure with context.
type CommandError struct {
	Command string // e.g. "extract"
	Action  string // e.g. "read"
	Reason  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s %s failed: %s: %v", e.Command, e.Action, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s %s failed: %s", e.Command, e.Action, e.Reason)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// UsageError is a malformed command line.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return e.Message
}

// NewCommandError creates a CommandError.
func NewCommandError(command, action, reason string, err error) error {
	return &CommandError{Command: command, Action: action, Reason: reason, Err: err}
}

// NewUsageError creates a UsageError.
func NewUsageError(message string) error {
	return &UsageError{Message: message}
}

// ErrMissingArgument reports a required argument that was not given.
func ErrMissingArgument(argName, usage string) error {
	return NewUsageError(fmt.Sprintf("missing %s\n\nUsage: %s", argName, usage))
}

// =============================================================================
// DISPLAY
// =============================================================================

// DisplayError writes err in the standard format.
func DisplayError(w io.Writer, err error) {
	if err == nil {
		return
	}
	fmt.Fprintf(w, "%s %s\n", ErrorStyle.Render("[ERROR]"), err.Error())

	var verr config.ValidateErrors
	switch {
	case errors.As(err, &verr) && verr.Has("provider.api_key"):
		fmt.Fprintln(w, DimStyle.Render("  Set OPENAI_API_KEY or provider.api_key in the config file."))
	case errors.Is(err, transcripts.ErrNotConfigured):
		fmt.Fprintln(w, DimStyle.Render("  Set FIREFLIES_API_KEY or fireflies.api_key in the config file."))
	}
}

// GetExitCode maps an error to a process exit code.
func GetExitCode(err error) int {
	var (
		usage *UsageError
		verr  config.ValidateErrors
	)
	switch {
	case err == nil:
		return ExitSuccess
	case errors.As(err, &usage),
		errors.Is(err, chat.ErrInvalidRequest),
		errors.Is(err, prompt.ErrPromptTooLarge),
		errors.Is(err, export.ErrUnknownFormat):
		return ExitUsageError
	case errors.As(err, &verr),
		errors.Is(err, cloud.ErrNotConfigured),
		errors.Is(err, transcripts.ErrNotConfigured):
		return ExitConfigError
	case errors.Is(err, transcripts.ErrNotFound):
		return ExitNotFoundError
	case errors.Is(err, cloud.ErrFirstDeltaTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ExitTimeoutError
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.Is(err, cloud.ErrProviderUnavailable),
		errors.Is(err, cloud.ErrProviderStreamInterrupted),
		errors.Is(err, cloud.ErrProviderRejected),
		errors.Is(err, cloud.ErrProviderQuotaExceeded):
		return ExitNetworkError
	default:
		return ExitGeneralError
	}
}
