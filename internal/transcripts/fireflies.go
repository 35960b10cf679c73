// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcripts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/telemetry"
)

const (
	// DefaultEndpoint is the Fireflies GraphQL endpoint.
	DefaultEndpoint = "https://api.fireflies.ai/graphql"

	// DefaultTimeout bounds one HTTP attempt.
	DefaultTimeout = 30 * time.Second

	// MaxRetries is the number of retries after the first attempt.
	MaxRetries = 3

	maxResponseSize = 16 * 1024 * 1024
)

const (
	listQuery = `query Transcripts { transcripts { id title date } }`

	transcriptQuery = `query Transcript($id: String!) {
  transcript(id: $id) { id title sentences { speaker_name text } }
}`
)

// FirefliesClient talks to the Fireflies GraphQL API.
type FirefliesClient struct {
	apiKey     string
	endpoint   string
	httpClient *http.Client
	backoff    time.Duration
	log        *zap.Logger
}

// NewFirefliesClient creates a client for the given API key.
func NewFirefliesClient(apiKey string) *FirefliesClient {
	return &FirefliesClient{
		apiKey:     strings.TrimSpace(apiKey),
		endpoint:   DefaultEndpoint,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		backoff:    250 * time.Millisecond,
		log:        zap.NewNop(),
	}
}

// WithEndpoint overrides the GraphQL endpoint.
func (c *FirefliesClient) WithEndpoint(url string) *FirefliesClient {
	if url != "" {
		c.endpoint = url
	}
	return c
}

// WithHTTPClient replaces the HTTP client.
func (c *FirefliesClient) WithHTTPClient(hc *http.Client) *FirefliesClient {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithBackoff sets the base retry delay.
func (c *FirefliesClient) WithBackoff(d time.Duration) *FirefliesClient {
	if d > 0 {
		c.backoff = d
	}
	return c
}

// WithLogger sets the logger.
func (c *FirefliesClient) WithLogger(log *zap.Logger) *FirefliesClient {
	if log != nil {
		c.log = log
	}
	return c
}

// IsConfigured returns true if an API key is set.
func (c *FirefliesClient) IsConfigured() bool {
	return c.apiKey != ""
}

// =============================================================================
// OPERATIONS
// =============================================================================

// List returns the account's meetings.
func (c *FirefliesClient) List(ctx context.Context) ([]Meeting, error) {
	var data struct {
		Transcripts []struct {
			ID    string  `json:"id"`
			Title string  `json:"title"`
			Date  float64 `json:"date"`
		} `json:"transcripts"`
	}

	start := time.Now()
	err := c.query(ctx, listQuery, nil, &data)
	telemetry.ObserveCollaborator("fireflies", "list", err, time.Since(start))
	if err != nil {
		return nil, err
	}

	meetings := make([]Meeting, 0, len(data.Transcripts))
	for _, t := range data.Transcripts {
		meetings = append(meetings, Meeting{
			ID:    t.ID,
			Title: t.Title,
			Date:  time.UnixMilli(int64(t.Date)).UTC(),
		})
	}
	return meetings, nil
}

// Transcript returns the transcript text for a meeting.
func (c *FirefliesClient) Transcript(ctx context.Context, id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", fmt.Errorf("%w: empty id", ErrNotFound)
	}

	var data struct {
		Transcript *struct {
			ID        string     `json:"id"`
			Title     string     `json:"title"`
			Sentences []Sentence `json:"sentences"`
		} `json:"transcript"`
	}

	start := time.Now()
	err := c.query(ctx, transcriptQuery, map[string]any{"id": id}, &data)
	telemetry.ObserveCollaborator("fireflies", "transcript", err, time.Since(start))
	if err != nil {
		return "", err
	}
	if data.Transcript == nil {
		return "", ErrNotFound
	}
	return FormatSentences(data.Transcript.Sentences), nil
}

// =============================================================================
// TRANSPORT
// =============================================================================

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []graphqlError  `json:"errors"`
}

type graphqlError struct {
	Message    string `json:"message"`
	Extensions struct {
		Code string `json:"code"`
	} `json:"extensions"`
}

// query runs a GraphQL query, retrying transient failures, and decodes the
// data field into out.
func (c *FirefliesClient) query(ctx context.Context, q string, vars map[string]any, out any) error {
	if !c.IsConfigured() {
		return ErrNotConfigured
	}

	body, err := json.Marshal(graphqlRequest{Query: q, Variables: vars})
	if err != nil {
		return fmt.Errorf("failed to marshal query: %w", err)
	}

	var attempts int
	b := retry.WithMaxRetries(MaxRetries, retry.NewExponential(c.backoff))
	err = retry.Do(ctx, b, func(ctx context.Context) error {
		attempts++
		err := c.do(ctx, body, out)
		if err != nil && isTransient(err) {
			c.log.Debug("FirefliesRetry", zap.Int("attempt", attempts), zap.Error(err))
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		c.log.Warn("FirefliesRequestFailed", zap.Int("attempts", attempts), zap.Error(err))
	}
	return err
}

func (c *FirefliesClient) do(ctx context.Context, body []byte, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &transientError{err: err}
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return &transientError{err: err}
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(raw))}
		var gr graphqlResponse
		if json.Unmarshal(raw, &gr) == nil && len(gr.Errors) > 0 {
			apiErr.Message = gr.Errors[0].Message
			apiErr.Code = gr.Errors[0].Extensions.Code
		}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &transientError{err: apiErr}
		}
		return apiErr
	}

	var gr graphqlResponse
	if err := json.Unmarshal(raw, &gr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	if len(gr.Errors) > 0 {
		first := gr.Errors[0]
		if first.Extensions.Code == "object_not_found" || strings.Contains(strings.ToLower(first.Message), "not found") {
			return fmt.Errorf("%w: %s", ErrNotFound, first.Message)
		}
		return &APIError{Status: resp.StatusCode, Code: first.Extensions.Code, Message: first.Message}
	}
	if len(gr.Data) == 0 || string(gr.Data) == "null" {
		return &APIError{Status: resp.StatusCode, Message: "empty response"}
	}
	if err := json.Unmarshal(gr.Data, out); err != nil {
		return fmt.Errorf("failed to decode data: %w", err)
	}
	return nil
}

// transientError marks a failure worth retrying.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

func isTransient(err error) bool {
	var te *transientError
	return errors.As(err, &te)
}
