// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/export"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/storage"
	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/telemetry"
	"github.com/jeranaias/storyrelay/internal/tracker"
	"github.com/jeranaias/storyrelay/internal/transcripts"
)

// ============================================================================
// FIREFLIES
// ============================================================================

// firefliesNotConfigured is the message the browser UI expects verbatim.
const firefliesNotConfigured = "Fireflies API key not set"

func (s *Server) firefliesError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, transcripts.ErrNotConfigured):
		writeError(w, http.StatusInternalServerError, firefliesNotConfigured)
	case errors.Is(err, transcripts.ErrNotFound):
		writeError(w, http.StatusNotFound, "transcript not found")
	default:
		s.log.Warn("FirefliesFailed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to reach Fireflies")
	}
}

func (s *Server) handleFirefliesList(w http.ResponseWriter, r *http.Request) {
	if s.transcripts == nil {
		s.firefliesError(w, r, transcripts.ErrNotConfigured)
		return
	}
	meetings, err := s.transcripts.List(r.Context())
	if err != nil {
		s.firefliesError(w, r, err)
		return
	}
	if meetings == nil {
		meetings = []transcripts.Meeting{}
	}
	writeJSON(w, http.StatusOK, meetings)
}

func (s *Server) handleFirefliesTranscript(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id")
		return
	}
	if s.transcripts == nil {
		s.firefliesError(w, r, transcripts.ErrNotConfigured)
		return
	}
	text, err := s.transcripts.Transcript(r.Context(), id)
	if err != nil {
		s.firefliesError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "transcript": text})
}

// ============================================================================
// JIRA
// ============================================================================

type storiesRequest struct {
	Stories []stories.UserStory `json:"stories"`
}

type failedStory struct {
	Index int    `json:"index"`
	Story string `json:"story"`
	Error string `json:"error"`
}

type bulkResponse struct {
	Created []string      `json:"created"`
	Failed  []failedStory `json:"failed,omitempty"`
	Dropped int           `json:"dropped"`
}

// handleJiraBulk creates one issue per valid story. Invalid stories are
// dropped before the tracker sees them.
func (s *Server) handleJiraBulk(w http.ResponseWriter, r *http.Request) {
	var req storiesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	valid, dropped := stories.Filter(req.Stories)
	if len(valid) == 0 {
		writeError(w, http.StatusBadRequest, "no valid stories")
		return
	}
	if s.tracker == nil {
		writeError(w, http.StatusServiceUnavailable, "issue tracker not configured")
		return
	}

	keys, err := s.tracker.BulkCreate(r.Context(), valid)
	resp := bulkResponse{Created: keys, Dropped: dropped}
	if resp.Created == nil {
		resp.Created = []string{}
	}

	var bulkErr *tracker.BulkError
	switch {
	case err == nil:
	case errors.As(err, &bulkErr):
		for _, f := range bulkErr.Failed {
			resp.Failed = append(resp.Failed, failedStory{Index: f.Index, Story: f.Story, Error: f.Message})
		}
	case errors.Is(err, tracker.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, "issue tracker not configured")
		return
	default:
		s.log.Warn("JiraFailed",
			zap.String("request_id", RequestIDFromContext(r.Context())),
			zap.Error(err))
		writeError(w, http.StatusBadGateway, "failed to create issues")
		return
	}

	s.recordPushes(r, valid, keys, bulkErr)

	status := http.StatusOK
	if len(resp.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}

// recordPushes pairs created keys with their stories, skipping failed
// indices, and appends them to the push log.
func (s *Server) recordPushes(r *http.Request, items []stories.UserStory, keys []string, bulkErr *tracker.BulkError) {
	if s.pushLog == nil || len(keys) == 0 {
		return
	}
	failed := map[int]bool{}
	if bulkErr != nil {
		for _, f := range bulkErr.Failed {
			failed[f.Index] = true
		}
	}

	records := make([]storage.PushRecord, 0, len(keys))
	next := 0
	for i, st := range items {
		if failed[i] || next >= len(keys) {
			continue
		}
		records = append(records, storage.PushRecord{IssueKey: keys[next], Story: st.Story, Tags: st.Tags})
		next++
	}
	if err := s.pushLog.RecordPushes(r.Context(), records); err != nil {
		s.log.Warn("PushLogWriteFailed", zap.Int("records", len(records)), zap.Error(err))
	}
}

const (
	defaultRecentLimit = 20
	maxRecentLimit     = 200
)

func (s *Server) handleJiraRecent(w http.ResponseWriter, r *http.Request) {
	if s.pushLog == nil {
		writeError(w, http.StatusServiceUnavailable, "push log not configured")
		return
	}
	limit := defaultRecentLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxRecentLimit)
	}
	records, err := s.pushLog.Recent(r.Context(), limit)
	if err != nil {
		s.log.Error("PushLogReadFailed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read push log")
		return
	}
	if records == nil {
		records = []storage.PushRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ============================================================================
// UPLOAD
// ============================================================================

// handleUpload returns the text of an uploaded transcript file, normalized
// to NFC. Only UTF-8 text is accepted.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	// Leave room for multipart framing around the file itself.
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "expected multipart form with a file field")
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, _, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	if len(data) > MaxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	text, err := transcripts.NormalizeText(data)
	if err != nil {
		writeError(w, http.StatusUnsupportedMediaType, "file must be UTF-8 text")
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, text)
}

// ============================================================================
// EXPORT
// ============================================================================

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	exp, err := export.ByFormat(r.PathValue("format"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unsupported format; use one of csv, json, markdown, yaml")
		return
	}

	var req storiesRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	valid, _ := stories.Filter(req.Stories)

	data, err := exp.Export(valid)
	if err != nil {
		s.log.Error("ExportFailed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", exp.MimeType())
	w.Header().Set("Content-Disposition", `attachment; filename="user_stories`+exp.FileExtension()+`"`)
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// ============================================================================
// HEALTH
// ============================================================================

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Model       string `json:"model"`
	Uptime      string `json:"uptime"`
	PromptTable string `json:"prompt_table"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	table := "custom"
	if s.pipeline.Assembler().Table() == prompt.DefaultTable() {
		table = "default"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:      "ok",
		Version:     s.cfg.Version,
		Model:       s.cfg.Model,
		Uptime:      time.Since(s.started).Round(time.Second).String(),
		PromptTable: table,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, telemetry.Default().Snapshot())
}
