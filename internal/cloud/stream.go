// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/chat"
)

// STREAMING: Robust SSE parsing with error handling

// =============================================================================
// STREAMING CONSTANTS
// =============================================================================

// MaxChunkSize is the maximum allowed size for a single SSE line (1MB).
const MaxChunkSize = 1024 * 1024

var doneMarker = []byte("[DONE]")

// =============================================================================
// STREAMING TYPES
// =============================================================================

// streamChunk is one chat.completion.chunk event.
type streamChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
			Role    string `json:"role,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *apiError `json:"error,omitempty"`
}

// content returns the content from the first choice's delta.
func (c *streamChunk) content() string {
	if len(c.Choices) > 0 {
		return c.Choices[0].Delta.Content
	}
	return ""
}

// finished returns true if the first choice carries a finish reason.
func (c *streamChunk) finished() bool {
	return len(c.Choices) > 0 && c.Choices[0].FinishReason != nil && *c.Choices[0].FinishReason != ""
}

// =============================================================================
// SSE READER
// =============================================================================

// SSEReader parses Server-Sent Events from a stream.
type SSEReader struct {
	reader *bufio.Reader
}

// NewSSEReader creates a new SSE reader from an io.Reader.
func NewSSEReader(r io.Reader) *SSEReader {
	return &SSEReader{
		reader: bufio.NewReaderSize(r, 64*1024),
	}
}

// ReadEvent reads the next SSE event from the stream.
// Returns the event type, data, and any error.
// Returns io.EOF when the stream ends.
func (s *SSEReader) ReadEvent() (string, []byte, error) {
	var eventType string
	var dataLines [][]byte

	for {
		chunk, err := s.reader.ReadBytes('\n')
		if len(chunk) > MaxChunkSize {
			return "", nil, fmt.Errorf("sse line exceeds %d bytes", MaxChunkSize)
		}

		if err != nil {
			if err == io.EOF {
				// Trailing line without a newline still counts.
				if line := bytes.TrimRight(chunk, "\r\n"); len(line) > 0 {
					if data, ok := dataField(line); ok {
						dataLines = append(dataLines, data)
					}
				}
				if len(dataLines) > 0 {
					return eventType, bytes.Join(dataLines, []byte("\n")), nil
				}
				return "", nil, io.EOF
			}
			return "", nil, err
		}

		line := bytes.TrimRight(chunk, "\r\n")

		// Empty line signals end of event
		if len(line) == 0 {
			if len(dataLines) > 0 {
				return eventType, bytes.Join(dataLines, []byte("\n")), nil
			}
			continue
		}

		if bytes.HasPrefix(line, []byte("event:")) {
			eventType = string(bytes.TrimSpace(line[6:]))
		} else if data, ok := dataField(line); ok {
			dataLines = append(dataLines, data)
		}
		// Ignore other fields (id:, retry:, comments starting with :)
	}
}

// dataField returns the value of a data: line.
func dataField(line []byte) ([]byte, bool) {
	if !bytes.HasPrefix(line, []byte("data:")) {
		return nil, false
	}
	return bytes.TrimSpace(line[5:]), true
}

// =============================================================================
// STREAM
// =============================================================================

// Stream is one in-flight streaming completion. Next and Close may be called
// from different goroutines; Next itself is not safe for concurrent use.
type Stream struct {
	parent   context.Context
	cancel   context.CancelFunc
	timer    *time.Timer
	timedOut *atomic.Bool

	body   io.ReadCloser
	reader *SSEReader
	log    *zap.Logger

	deltas   int
	finished bool
	err      error
	eof      bool

	closeOnce sync.Once
}

// Open starts a streaming completion for the given messages. It returns once
// the provider has accepted the request with a 200 response; deltas are read
// with Next. The first-delta timer starts here.
func (c *Client) Open(ctx context.Context, messages []chat.Message) (*Stream, error) {
	if !c.IsConfigured() {
		return nil, ErrNotConfigured
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	bodyBytes, err := json.Marshal(chatRequest{
		Model:       c.model,
		Messages:    messages,
		Stream:      true,
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithCancel(ctx)
	timedOut := &atomic.Bool{}
	timer := time.AfterFunc(c.firstDeltaTimeout, func() {
		timedOut.Store(true)
		cancel()
	})
	abort := func() {
		timer.Stop()
		cancel()
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		abort()
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)

	count, size := describeMessages(messages)
	c.log.Debug("CompletionStreamOpening",
		zap.String("model", c.model),
		zap.Int("messages", count),
		zap.Int("bytes", size),
		zap.String("key", c.KeyFingerprint()),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		abort()
		switch {
		case timedOut.Load():
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ErrFirstDeltaTimeout)
		case ctx.Err() != nil:
			return nil, ctx.Err()
		default:
			return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
		}
	}

	if resp.StatusCode != http.StatusOK {
		body := readErrorBody(resp.Body)
		resp.Body.Close()
		abort()
		perr := handleErrorResponse(resp.StatusCode, body)
		c.log.Warn("CompletionRequestFailed", zap.Int("status", resp.StatusCode), zap.Error(perr))
		return nil, perr
	}

	return &Stream{
		parent:   ctx,
		cancel:   cancel,
		timer:    timer,
		timedOut: timedOut,
		body:     resp.Body,
		reader:   NewSSEReader(resp.Body),
		log:      c.log,
	}, nil
}

// Next returns the next non-empty content delta. It returns io.EOF after
// the provider's end marker, or after a finish reason followed by the end of
// the body. Any other error is terminal and the stream is released.
func (s *Stream) Next() (string, error) {
	if s.eof {
		return "", io.EOF
	}
	if s.err != nil {
		return "", s.err
	}

	for {
		if err := s.parent.Err(); err != nil {
			return "", s.fail(err)
		}

		_, data, err := s.reader.ReadEvent()
		if err != nil {
			if err == io.EOF {
				if s.finished {
					return "", s.end()
				}
				return "", s.fail(io.ErrUnexpectedEOF)
			}
			return "", s.fail(err)
		}

		if bytes.Equal(data, doneMarker) {
			return "", s.end()
		}

		var chunk streamChunk
		if err := json.Unmarshal(data, &chunk); err != nil {
			s.log.Debug("SkippingMalformedChunk", zap.Int("bytes", len(data)))
			continue
		}
		if chunk.Error != nil {
			return "", s.failInBand(chunk.Error)
		}
		if chunk.finished() {
			s.finished = true
		}

		content := chunk.content()
		if content == "" {
			continue
		}
		if s.deltas == 0 {
			s.timer.Stop()
		}
		s.deltas++
		return content, nil
	}
}

// Deltas returns the number of content deltas returned so far.
func (s *Stream) Deltas() int {
	return s.deltas
}

// Close tears down the upstream connection. It is safe to call more than once.
func (s *Stream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.timer.Stop()
		s.cancel()
		err = s.body.Close()
	})
	return err
}

func (s *Stream) end() error {
	s.eof = true
	s.Close()
	return io.EOF
}

// failInBand handles an error event sent inside the stream. Before the first
// delta a quota code keeps its quota classification.
func (s *Stream) failInBand(e *apiError) error {
	code := e.code()
	cause := fmt.Errorf("provider reported %s: %s", code, e.Message)
	if s.deltas == 0 && s.parent.Err() == nil && classifyStatus(0, code) == ErrProviderQuotaExceeded {
		s.err = fmt.Errorf("%w: %v", ErrProviderQuotaExceeded, cause)
		s.Close()
		return s.err
	}
	return s.fail(cause)
}

// fail classifies a read failure and releases the stream.
func (s *Stream) fail(cause error) error {
	switch {
	case s.deltas == 0 && s.timedOut.Load():
		s.err = fmt.Errorf("%w: %w", ErrProviderUnavailable, ErrFirstDeltaTimeout)
	case s.parent.Err() != nil:
		s.err = s.parent.Err()
	case s.deltas == 0:
		s.err = fmt.Errorf("%w: %v", ErrProviderUnavailable, cause)
	default:
		s.err = fmt.Errorf("%w after %d deltas: %v", ErrProviderStreamInterrupted, s.deltas, cause)
	}
	s.Close()
	return s.err
}
