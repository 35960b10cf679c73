// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/relay"
	"github.com/jeranaias/storyrelay/internal/stories"
)

// ============================================================================
// CHAT
// ============================================================================

// Result is the extraction kept for a finished chat request.
type Result struct {
	RequestID string              `json:"request_id"`
	Mode      string              `json:"mode"`
	Status    stories.Status      `json:"status"`
	Stories   []stories.UserStory `json:"stories"`
	Dropped   int                 `json:"dropped"`
	Error     string              `json:"error,omitempty"`
}

func newResult(id string, out *pipeline.Outcome) *Result {
	res := &Result{
		RequestID: id,
		Mode:      out.Mode.String(),
		Status:    out.Extraction.Status,
		Stories:   out.Extraction.Stories,
		Dropped:   out.Extraction.Dropped,
	}
	if res.Stories == nil {
		res.Stories = []stories.UserStory{}
	}
	if out.Extraction.Err != nil {
		res.Error = out.Extraction.Err.Error()
	}
	return res
}

// handleChat streams the completion as plain text. Errors before the first
// byte are JSON responses; errors after it end the body with an error marker
// and set the X-Stream-Error trailer.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id := RequestIDFromContext(r.Context())
	log := s.log.With(zap.String("request_id", id))

	var req chat.Request
	if !s.decodeJSON(w, r, &req) {
		return
	}

	plan, err := s.pipeline.Prepare(req)
	if err != nil {
		s.pipeline.Reject(plan, err)
		writeError(w, statusFor(err), pipeline.Describe(err))
		return
	}

	w.Header().Set(ModeHeader, plan.Mode.String())
	sink := newTextSink(w)

	out, err := s.pipeline.Execute(r.Context(), plan, sink)
	if err != nil {
		if !sink.begun {
			writeError(w, statusFor(err), pipeline.Describe(err))
			return
		}
		log.Debug("ChatStreamCutShort", zap.Error(err))
		return
	}

	w.Header().Set(ExtractionStatusTrailer, string(out.Extraction.Status))
	w.Header().Set(StoryCountTrailer, strconv.Itoa(out.Extraction.Count()))

	if id != "" && !s.storeResult(id, newResult(id, out)) {
		log.Warn("DuplicateRequestID", zap.String("mode", plan.Mode.String()))
	}
}

// storeResult caches res under id unless a result is already held for it.
// Reusing a request ID never replaces an earlier extraction.
func (s *Server) storeResult(id string, res *Result) bool {
	s.resultsMu.Lock()
	defer s.resultsMu.Unlock()
	if s.results.Contains(id) {
		return false
	}
	s.results.Add(id, res)
	return true
}

// handleChatStories returns the extraction of a finished request.
func (s *Server) handleChatStories(w http.ResponseWriter, r *http.Request) {
	res, ok := s.results.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "no result for request id (unknown or expired)")
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// statusFor maps a pipeline error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, prompt.ErrPromptTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, cloud.ErrNotConfigured):
		return http.StatusServiceUnavailable
	case errors.Is(err, cloud.ErrFirstDeltaTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, cloud.ErrProviderQuotaExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, cloud.ErrProviderRejected),
		errors.Is(err, cloud.ErrProviderUnavailable),
		errors.Is(err, cloud.ErrProviderStreamInterrupted):
		return http.StatusBadGateway
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ============================================================================
// TEXT SINK
// ============================================================================

// StreamErrorMarker prefixes the message appended when a stream is cut short.
const StreamErrorMarker = "\n\n[error] "

// textSink writes deltas to an HTTP response as plain text, flushing each.
type textSink struct {
	w     http.ResponseWriter
	rc    *http.ResponseController
	begun bool
}

func newTextSink(w http.ResponseWriter) *textSink {
	return &textSink{w: w, rc: http.NewResponseController(w)}
}

// Begin commits the 200 status and declares the trailers.
func (t *textSink) Begin() error {
	h := t.w.Header()
	h.Set("Content-Type", "text/plain; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("X-Accel-Buffering", "no")
	h.Add("Trailer", ExtractionStatusTrailer)
	h.Add("Trailer", StoryCountTrailer)
	h.Add("Trailer", StreamErrorTrailer)
	t.w.WriteHeader(http.StatusOK)
	t.begun = true
	if err := t.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("%w: %w", relay.ErrSinkClosed, err)
	}
	return nil
}

// Write sends one delta and flushes it.
func (t *textSink) Write(delta string) error {
	if _, err := io.WriteString(t.w, delta); err != nil {
		return fmt.Errorf("%w: %w", relay.ErrSinkClosed, err)
	}
	if err := t.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("%w: %w", relay.ErrSinkClosed, err)
	}
	return nil
}

// End appends the error marker when err is set.
func (t *textSink) End(err error) error {
	if err == nil {
		return nil
	}
	msg := pipeline.Describe(err)
	t.w.Header().Set(StreamErrorTrailer, msg)
	if errors.Is(err, relay.ErrSinkClosed) {
		return nil
	}
	if _, werr := io.WriteString(t.w, StreamErrorMarker+msg+"\n"); werr != nil {
		return werr
	}
	t.rc.Flush()
	return nil
}
