// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/storage"
	"github.com/jeranaias/storyrelay/internal/telemetry"
	"github.com/jeranaias/storyrelay/internal/tracker"
	"github.com/jeranaias/storyrelay/internal/transcripts"
)

// ============================================================================
// CONSTANTS
// ============================================================================

const (
	// DefaultAddr is the listen address when none is configured.
	DefaultAddr = ":8080"

	// DefaultMaxRequestBytes bounds JSON request bodies.
	DefaultMaxRequestBytes = 10 << 20

	// MaxUploadBytes bounds uploaded transcript files.
	MaxUploadBytes = 10 << 20

	// DefaultResultTTL is how long a finished request's extraction is kept.
	DefaultResultTTL = 10 * time.Minute

	// DefaultResultCacheSize bounds the number of kept extractions.
	DefaultResultCacheSize = 256

	// DefaultShutdownTimeout bounds graceful shutdown.
	DefaultShutdownTimeout = 15 * time.Second
)

// Response headers and trailers of the chat stream.
const (
	ModeHeader              = "X-Mode"
	ExtractionStatusTrailer = "X-Extraction-Status"
	StoryCountTrailer       = "X-Story-Count"
	StreamErrorTrailer      = "X-Stream-Error"
)

// ============================================================================
// CONFIG & OPTIONS
// ============================================================================

// Config configures the HTTP server.
type Config struct {
	Addr            string
	MaxRequestBytes int64
	ShutdownTimeout time.Duration
	ResultTTL       time.Duration
	ResultCacheSize int
	AllowedOrigins  []string

	// Version and Model are reported by /health.
	Version string
	Model   string
}

func (c *Config) fillDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.MaxRequestBytes <= 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = DefaultShutdownTimeout
	}
	if c.ResultTTL <= 0 {
		c.ResultTTL = DefaultResultTTL
	}
	if c.ResultCacheSize <= 0 {
		c.ResultCacheSize = DefaultResultCacheSize
	}
	if c.Version == "" {
		c.Version = "dev"
	}
}

// PushLog records stories pushed to the tracker.
type PushLog interface {
	RecordPushes(ctx context.Context, records []storage.PushRecord) error
	Recent(ctx context.Context, limit int) ([]storage.PushRecord, error)
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithTranscripts sets the transcript source behind /fireflies.
func WithTranscripts(src transcripts.Source) Option {
	return func(s *Server) { s.transcripts = src }
}

// WithTracker sets the issue tracker behind /jira/bulk.
func WithTracker(t tracker.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithPushLog sets the push log behind /jira/recent.
func WithPushLog(l PushLog) Option {
	return func(s *Server) { s.pushLog = l }
}

// ============================================================================
// SERVER
// ============================================================================

// Server is the storyrelay HTTP API.
type Server struct {
	cfg      Config
	pipeline *pipeline.Pipeline

	transcripts transcripts.Source
	tracker     tracker.Tracker
	pushLog     PushLog

	results   *expirable.LRU[string, *Result]
	resultsMu sync.Mutex
	log       *zap.Logger
	started   time.Time

	router  *http.ServeMux
	handler http.Handler
	server  *http.Server
}

// New creates a server for the pipeline. Collaborators left unset answer as
// not configured.
func New(cfg Config, p *pipeline.Pipeline, opts ...Option) *Server {
	cfg.fillDefaults()
	s := &Server{
		cfg:      cfg,
		pipeline: p,
		log:      zap.NewNop(),
		started:  time.Now(),
		router:   http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.results = expirable.NewLRU[string, *Result](cfg.ResultCacheSize, nil, cfg.ResultTTL)

	s.setupRoutes()

	cors := DefaultCORSConfig()
	if len(cfg.AllowedOrigins) > 0 {
		cors.AllowedOrigins = cfg.AllowedOrigins
	}
	s.handler = Chain(
		RecoveryMiddleware(s.log),
		RequestIDMiddleware(),
		CORSMiddleware(cors),
		SecurityHeadersMiddleware(),
		LoggingMiddleware(s.log),
	)(s.router)

	return s
}

// ============================================================================
// ROUTES
// ============================================================================

func (s *Server) setupRoutes() {
	handle := func(pattern, name string, h http.HandlerFunc) {
		s.router.Handle(pattern, MetricsMiddleware(name)(h))
	}

	handle("POST /chat", "chat", s.handleChat)
	handle("POST /api/chat", "chat", s.handleChat)
	handle("GET /chat/{id}/stories", "chat_stories", s.handleChatStories)

	handle("GET /fireflies", "fireflies_list", s.handleFirefliesList)
	handle("GET /fireflies/transcript", "fireflies_transcript", s.handleFirefliesTranscript)

	handle("POST /jira/bulk", "jira_bulk", s.handleJiraBulk)
	handle("GET /jira/recent", "jira_recent", s.handleJiraRecent)

	handle("POST /api/upload", "upload", s.handleUpload)
	handle("POST /upload", "upload", s.handleUpload)

	handle("POST /export/{format}", "export", s.handleExport)

	handle("GET /health", "health", s.handleHealth)
	handle("GET /stats", "stats", s.handleStats)
	s.router.Handle("GET /metrics", telemetry.Handler())
}

// Handler returns the routed handler with the middleware chain applied.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// ============================================================================
// SERVER LIFECYCLE
// ============================================================================

// Run listens on the configured address and serves until ctx is done, then
// shuts down gracefully. It returns nil after a clean shutdown.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
		// No WriteTimeout: completions stream for as long as the provider does.
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.log.Info("ServerStarted", zap.String("addr", ln.Addr().String()), zap.String("version", s.cfg.Version))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(sctx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests and waits for in-flight ones until ctx
// expires, then closes remaining connections.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.log.Info("ServerShutdown", zap.Int("cached_results", s.results.Len()))

	err := s.server.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = multierr.Append(err, s.server.Close())
	}
	s.results.Purge()
	return err
}

// ============================================================================
// HELPERS
// ============================================================================

type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

// decodeJSON reads a size-limited JSON body into v. It writes the error
// response itself and reports whether decoding succeeded.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxRequestBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}
