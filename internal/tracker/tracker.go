// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package tracker pushes user stories to an issue tracker.
//
// JiraClient creates one Story issue per user story through Jira Cloud's
// bulk create endpoint, in batches paced by a rate limiter. Partial failures
// are reported as *BulkError alongside the keys that were created.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jeranaias/storyrelay/internal/stories"
)

// Tracker creates issues for user stories and returns their keys in order.
type Tracker interface {
	BulkCreate(ctx context.Context, items []stories.UserStory) ([]string, error)
}

var (
	// ErrNotConfigured is returned when the tracker credentials are incomplete.
	ErrNotConfigured = errors.New("issue tracker not configured")

	// ErrNoStories is returned when there is nothing to create.
	ErrNoStories = errors.New("no stories to create")
)

// ElementError is one story the tracker refused.
type ElementError struct {
	// Index is the position in the caller's slice.
	Index   int
	Story   string
	Message string
}

// BulkError reports stories that failed while others were created.
type BulkError struct {
	Created []string
	Failed  []ElementError
}

// Error implements the error interface.
func (e *BulkError) Error() string {
	msgs := make([]string, 0, len(e.Failed))
	for _, f := range e.Failed {
		msgs = append(msgs, fmt.Sprintf("#%d: %s", f.Index, f.Message))
	}
	return fmt.Sprintf("%d of %d stories failed: %s",
		len(e.Failed), len(e.Failed)+len(e.Created), strings.Join(msgs, "; "))
}

// APIError is a failure response from the tracker.
type APIError struct {
	Status   int
	Messages []string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("jira error (status %d)", e.Status)
	}
	return fmt.Sprintf("jira error (status %d): %s", e.Status, strings.Join(e.Messages, "; "))
}

// Label converts a tag into a Jira label. Labels cannot contain spaces.
func Label(tag string) string {
	return strings.Join(strings.Fields(tag), "-")
}
