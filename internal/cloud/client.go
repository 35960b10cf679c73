// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

// CLOUD: Secure logging, first-delta timeout, single attempt per request

import (
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/chat"
)

// Configuration constants for the completion API.
const (
	// DefaultBaseURL is the base URL for the OpenAI API.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is the model used when none is configured.
	DefaultModel = "gpt-4-turbo"

	// DefaultTemperature biases toward deterministic, structured output.
	DefaultTemperature = 0.3

	// DefaultMaxTokens bounds the generated reply.
	DefaultMaxTokens = 1000

	// DefaultFirstDeltaTimeout bounds the wait for the first content delta.
	DefaultFirstDeltaTimeout = 30 * time.Second

	// MaxErrorBodySize limits how much of an error response is read.
	// SECURITY: Response size limit prevents memory exhaustion attacks.
	MaxErrorBodySize = 64 * 1024

	userAgent = "storyrelay/0.1"
)

// sharedStreamingClient has no timeout; streams are bounded by context.
// PERFORMANCE: Connection pooling reduces TCP handshake overhead.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// chatRequest is the body sent to the chat completions endpoint.
type chatRequest struct {
	Model       string         `json:"model"`
	Messages    []chat.Message `json:"messages"`
	Stream      bool           `json:"stream"`
	Temperature float64        `json:"temperature"`
	MaxTokens   int            `json:"max_tokens,omitempty"`
}

// apiErrorResponse represents an error response from the API.
type apiErrorResponse struct {
	Error apiError `json:"error"`
}

type apiError struct {
	Code    json.RawMessage `json:"code"`
	Type    string          `json:"type"`
	Message string          `json:"message"`
}

// code returns the error code whether the provider sent it as a string or a number.
func (e apiError) code() string {
	if len(e.Code) == 0 || string(e.Code) == "null" {
		return e.Type
	}
	var s string
	if err := json.Unmarshal(e.Code, &s); err == nil {
		return s
	}
	return string(e.Code)
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is a streaming chat completion client. It holds no per-request
// state and is safe for concurrent use.
type Client struct {
	apiKey            string
	baseURL           string
	model             string
	temperature       float64
	maxTokens         int
	firstDeltaTimeout time.Duration
	httpClient        *http.Client
	log               *zap.Logger
}

// NewClient creates a client for the given API key. An empty key yields a
// client whose Open always fails with ErrNotConfigured.
func NewClient(apiKey string) *Client {
	return &Client{
		apiKey:            strings.TrimSpace(apiKey),
		baseURL:           DefaultBaseURL,
		model:             DefaultModel,
		temperature:       DefaultTemperature,
		maxTokens:         DefaultMaxTokens,
		firstDeltaTimeout: DefaultFirstDeltaTimeout,
		httpClient:        sharedStreamingClient,
		log:               zap.NewNop(),
	}
}

// WithBaseURL sets a custom base URL for the API.
func (c *Client) WithBaseURL(url string) *Client {
	c.baseURL = strings.TrimSuffix(url, "/")
	return c
}

// WithModel sets the model identifier.
func (c *Client) WithModel(model string) *Client {
	if model != "" {
		c.model = model
	}
	return c
}

// WithTemperature sets the sampling temperature.
func (c *Client) WithTemperature(t float64) *Client {
	c.temperature = t
	return c
}

// WithMaxTokens sets the reply token limit. Zero omits the field.
func (c *Client) WithMaxTokens(n int) *Client {
	c.maxTokens = n
	return c
}

// WithFirstDeltaTimeout sets how long Open and the first Next may wait for
// content before the request is abandoned.
func (c *Client) WithFirstDeltaTimeout(d time.Duration) *Client {
	if d > 0 {
		c.firstDeltaTimeout = d
	}
	return c
}

// WithHTTPClient replaces the HTTP client. It must not set a Timeout shorter
// than the longest expected stream.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	if hc != nil {
		c.httpClient = hc
	}
	return c
}

// WithLogger sets the logger.
func (c *Client) WithLogger(log *zap.Logger) *Client {
	if log != nil {
		c.log = log
	}
	return c
}

// Model returns the configured model.
func (c *Client) Model() string {
	return c.model
}

// FirstDeltaTimeout returns the configured first-delta timeout.
func (c *Client) FirstDeltaTimeout() time.Duration {
	return c.firstDeltaTimeout
}

// IsConfigured returns true if the client has an API key configured.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// KeyFingerprint returns a short SHA-256 fingerprint of the API key.
// SECURITY: Never exposes key fragments in logs.
func (c *Client) KeyFingerprint() string {
	if c.apiKey == "" {
		return "none"
	}
	h := sha256.Sum256([]byte(c.apiKey))
	return hex.EncodeToString(h[:4])
}

// setHeaders sets the required headers for API requests.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// handleErrorResponse converts an HTTP error response into a *ProviderError.
func handleErrorResponse(statusCode int, body []byte) error {
	perr := &ProviderError{Status: statusCode}

	var apiErr apiErrorResponse
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Error.Message != "" {
		perr.Code = apiErr.Error.code()
		perr.Message = apiErr.Error.Message
	} else {
		perr.Message = strings.TrimSpace(string(body))
		if perr.Message == "" {
			perr.Message = http.StatusText(statusCode)
		}
	}

	perr.kind = classifyStatus(statusCode, perr.Code)
	return perr
}

// classifyStatus maps an HTTP status and provider code to a sentinel.
func classifyStatus(status int, code string) error {
	switch {
	case code == "insufficient_quota":
		return ErrProviderQuotaExceeded
	case status == http.StatusPaymentRequired, status == http.StatusTooManyRequests:
		return ErrProviderQuotaExceeded
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		return ErrProviderUnavailable
	case status >= 500:
		return ErrProviderUnavailable
	default:
		return ErrProviderRejected
	}
}

// readErrorBody reads at most MaxErrorBodySize bytes of an error body.
func readErrorBody(r io.Reader) []byte {
	body, _ := io.ReadAll(io.LimitReader(r, MaxErrorBodySize))
	return body
}

// describeMessages is a log-safe summary of a prompt.
func describeMessages(messages []chat.Message) (count, bytes int) {
	for _, m := range messages {
		bytes += len(m.Content)
	}
	return len(messages), bytes
}

// String implements fmt.Stringer without the key.
func (c *Client) String() string {
	return fmt.Sprintf("cloud.Client{base=%s model=%s key=%s}", c.baseURL, c.model, c.KeyFingerprint())
}
