// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package tracker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/telemetry"
)

const (
	// BatchSize is the Jira bulk create limit per request.
	BatchSize = 50

	// MaxSummaryRunes is Jira's summary length limit.
	MaxSummaryRunes = 255

	// DefaultIssueType is the issue type created for each story.
	DefaultIssueType = "Story"

	// DefaultRequestsPerSecond paces bulk batches.
	DefaultRequestsPerSecond = 2.0

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries = 3

	maxResponseSize = 4 * 1024 * 1024
)

// JiraConfig holds Jira Cloud credentials and project settings.
type JiraConfig struct {
	BaseURL           string
	Email             string
	APIToken          string
	ProjectKey        string
	IssueType         string
	RequestsPerSecond float64
}

// Configured reports whether every required field is set.
func (c JiraConfig) Configured() bool {
	return c.BaseURL != "" && c.Email != "" && c.APIToken != "" && c.ProjectKey != ""
}

// JiraClient creates issues through the Jira Cloud REST API v3.
type JiraClient struct {
	cfg        JiraConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	backoff    time.Duration
	log        *zap.Logger
}

// NewJiraClient creates a client. It does not contact Jira.
func NewJiraClient(cfg JiraConfig) *JiraClient {
	cfg.BaseURL = strings.TrimSuffix(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.IssueType == "" {
		cfg.IssueType = DefaultIssueType
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	return &JiraClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		backoff:    500 * time.Millisecond,
		log:        zap.NewNop(),
	}
}

// WithHTTPClient replaces the HTTP client.
func (c *JiraClient) WithHTTPClient(hc *http.Client) *JiraClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithBackoff sets the base retry delay.
func (c *JiraClient) WithBackoff(d time.Duration) *JiraClient {
	if d > 0 {
		c.backoff = d
	}
	return c
}

// WithLogger sets the logger.
func (c *JiraClient) WithLogger(log *zap.Logger) *JiraClient {
	if log != nil {
		c.log = log
	}
	return c
}

// IsConfigured returns true if the client can create issues.
func (c *JiraClient) IsConfigured() bool {
	return c.cfg.Configured()
}

// =============================================================================
// REQUEST TYPES
// =============================================================================

type bulkRequest struct {
	IssueUpdates []issueUpdate `json:"issueUpdates"`
}

type issueUpdate struct {
	Fields issueFields `json:"fields"`
}

type issueFields struct {
	Project     keyRef   `json:"project"`
	Summary     string   `json:"summary"`
	Description adfDoc   `json:"description"`
	IssueType   nameRef  `json:"issuetype"`
	Labels      []string `json:"labels,omitempty"`
}

type keyRef struct {
	Key string `json:"key"`
}

type nameRef struct {
	Name string `json:"name"`
}

// adfDoc is a minimal Atlassian Document Format document.
type adfDoc struct {
	Type    string    `json:"type"`
	Version int       `json:"version"`
	Content []adfNode `json:"content"`
}

type adfNode struct {
	Type    string    `json:"type"`
	Text    string    `json:"text,omitempty"`
	Content []adfNode `json:"content,omitempty"`
}

type bulkResponse struct {
	Issues []struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	} `json:"issues"`
	Errors []struct {
		Status              int `json:"status"`
		FailedElementNumber int `json:"failedElementNumber"`
		ElementErrors       struct {
			ErrorMessages []string          `json:"errorMessages"`
			Errors        map[string]string `json:"errors"`
		} `json:"elementErrors"`
	} `json:"errors"`
}

type errorResponse struct {
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
}

// description builds the ADF body: the full story, then its tags.
func description(s stories.UserStory) adfDoc {
	doc := adfDoc{
		Type:    "doc",
		Version: 1,
		Content: []adfNode{{
			Type:    "paragraph",
			Content: []adfNode{{Type: "text", Text: s.Story}},
		}},
	}
	if len(s.Tags) > 0 {
		doc.Content = append(doc.Content, adfNode{
			Type:    "paragraph",
			Content: []adfNode{{Type: "text", Text: "Tags: " + strings.Join(s.Tags, ", ")}},
		})
	}
	return doc
}

// summary truncates the story to Jira's limit on a rune boundary.
func summary(story string) string {
	story = strings.Join(strings.Fields(story), " ")
	if utf8.RuneCountInString(story) <= MaxSummaryRunes {
		return story
	}
	runes := []rune(story)
	return string(runes[:MaxSummaryRunes-3]) + "..."
}

func (c *JiraClient) issue(s stories.UserStory) issueUpdate {
	labels := make([]string, 0, len(s.Tags))
	for _, tag := range s.Tags {
		if l := Label(tag); l != "" {
			labels = append(labels, l)
		}
	}
	return issueUpdate{Fields: issueFields{
		Project:     keyRef{Key: c.cfg.ProjectKey},
		Summary:     summary(s.Story),
		Description: description(s),
		IssueType:   nameRef{Name: c.cfg.IssueType},
		Labels:      labels,
	}}
}

// =============================================================================
// BULK CREATE
// =============================================================================

// BulkCreate creates one issue per story. Keys of created issues are
// returned in input order even when some stories fail; those failures are
// reported as *BulkError.
func (c *JiraClient) BulkCreate(ctx context.Context, items []stories.UserStory) ([]string, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if len(items) == 0 {
		return nil, ErrNoStories
	}

	start := time.Now()
	var (
		created []string
		failed  []ElementError
	)

	for offset := 0; offset < len(items); offset += BatchSize {
		end := min(offset+BatchSize, len(items))
		batch := items[offset:end]

		if err := c.limiter.Wait(ctx); err != nil {
			telemetry.ObserveCollaborator("jira", "bulk_create", err, time.Since(start))
			return created, err
		}

		resp, err := c.createBatch(ctx, batch)
		if err != nil {
			telemetry.ObserveCollaborator("jira", "bulk_create", err, time.Since(start))
			if len(created) > 0 {
				for i := offset; i < len(items); i++ {
					failed = append(failed, ElementError{Index: i, Story: items[i].Story, Message: err.Error()})
				}
				return created, &BulkError{Created: created, Failed: failed}
			}
			return nil, err
		}

		for _, issue := range resp.Issues {
			created = append(created, issue.Key)
		}

		sort.Slice(resp.Errors, func(i, j int) bool {
			return resp.Errors[i].FailedElementNumber < resp.Errors[j].FailedElementNumber
		})
		for _, e := range resp.Errors {
			idx := offset + e.FailedElementNumber
			story := ""
			if idx < len(items) {
				story = items[idx].Story
			}
			failed = append(failed, ElementError{
				Index:   idx,
				Story:   story,
				Message: elementMessage(e.ElementErrors.ErrorMessages, e.ElementErrors.Errors),
			})
		}
	}

	var err error
	if len(failed) > 0 {
		err = &BulkError{Created: created, Failed: failed}
	}
	telemetry.ObserveCollaborator("jira", "bulk_create", err, time.Since(start))
	c.log.Info("JiraBulkCreate",
		zap.Int("requested", len(items)),
		zap.Int("created", len(created)),
		zap.Int("failed", len(failed)),
		zap.Duration("elapsed", time.Since(start)),
	)
	return created, err
}

func (c *JiraClient) createBatch(ctx context.Context, batch []stories.UserStory) (*bulkResponse, error) {
	req := bulkRequest{IssueUpdates: make([]issueUpdate, 0, len(batch))}
	for _, s := range batch {
		req.IssueUpdates = append(req.IssueUpdates, c.issue(s))
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal bulk request: %w", err)
	}

	var out *bulkResponse
	var attempts int
	b := retry.WithMaxRetries(MaxRetries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		resp, err := c.post(ctx, body)
		if err != nil {
			var te *transientError
			if errors.As(err, &te) {
				c.log.Debug("JiraRetry", zap.Int("attempt", attempts), zap.Error(err))
				return retry.RetryableError(err)
			}
			return err
		}
		out = resp
		return nil
	})
	return out, err
}

func (c *JiraClient) post(ctx context.Context, body []byte) (*bulkResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/rest/api/3/issue/bulk", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.Email, c.cfg.APIToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, &transientError{err: err}
	}

	switch {
	case resp.StatusCode == http.StatusCreated, resp.StatusCode == http.StatusOK:
		var out bulkResponse
		if err := json.Unmarshal(raw, &out); err != nil {
			return nil, fmt.Errorf("failed to decode bulk response: %w", err)
		}
		return &out, nil

	case resp.StatusCode == http.StatusBadRequest:
		// A 400 may still describe per-element failures with no issues created.
		var out bulkResponse
		if json.Unmarshal(raw, &out) == nil && len(out.Errors) > 0 {
			return &out, nil
		}
	}

	apiErr := &APIError{Status: resp.StatusCode}
	var er errorResponse
	if json.Unmarshal(raw, &er) == nil {
		apiErr.Messages = append(apiErr.Messages, er.ErrorMessages...)
		if m := elementMessage(nil, er.Errors); m != "" {
			apiErr.Messages = append(apiErr.Messages, m)
		}
	}
	if len(apiErr.Messages) == 0 {
		if text := strings.TrimSpace(string(raw)); text != "" && len(text) < 512 {
			apiErr.Messages = []string{text}
		}
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, &transientError{err: apiErr}
	}
	return nil, apiErr
}

// elementMessage flattens Jira's error shapes into one line.
func elementMessage(messages []string, fields map[string]string) string {
	parts := append([]string(nil), messages...)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+": "+fields[k])
	}
	return strings.Join(parts, "; ")
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }
