// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// app.go - Shared wiring for storyrelay commands.
//
// Every command loads the same configuration and builds its pipeline and
// clients here, so the CLI and the server relay requests identically.
package cli

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/glamour"
	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/config"
	"github.com/jeranaias/storyrelay/internal/logging"
	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/transcripts"
)

// Streams are the standard streams a command reads and writes.
type Streams struct {
	In  io.Reader
	Out io.Writer
	Err io.Writer
}

// StdStreams returns the process streams.
func StdStreams() Streams {
	return Streams{In: os.Stdin, Out: os.Stdout, Err: os.Stderr}
}

// =============================================================================
// CONFIGURATION
// =============================================================================

// loadConfig reads the config file named by --config, or the default file
// when it exists, then applies the environment and the --model override.
// Commands that never call the provider pass requireProvider=false and
// tolerate a missing API key.
func loadConfig(args Args, requireProvider bool) (*config.Config, error) {
	cfg, err := readConfigFile(args.ConfigPath)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if args.Model != "" {
		cfg.Provider.Model = args.Model
	}

	if err := cfg.Validate(); err != nil {
		var verr config.ValidateErrors
		if !requireProvider && errors.As(err, &verr) && len(verr) == 1 && verr.Has("provider.api_key") {
			return cfg, nil
		}
		return nil, err
	}
	return cfg, nil
}

// readConfigFile loads path, or the default config path when path is empty
// and the file exists. Without either it returns defaults.
func readConfigFile(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadTOML(path)
	}
	def, err := config.ConfigPath()
	if err != nil {
		return config.Default(), nil
	}
	if _, err := os.Stat(def); err != nil {
		return config.Default(), nil
	}
	return config.LoadTOML(def)
}

// newLogger builds the logger for a client command. Client commands stay
// quiet unless --verbose is set; the configured level only applies to serve.
func newLogger(subsystem string, args Args) *zap.Logger {
	level := "warn"
	if args.Verbose {
		level = "debug"
	}
	return logging.New(subsystem, level)
}

// =============================================================================
// PIPELINE
// =============================================================================

// newCompletionClient builds the streaming completion client from cfg.
func newCompletionClient(cfg *config.Config, log *zap.Logger) *cloud.Client {
	return cloud.NewClient(cfg.Provider.APIKey).
		WithBaseURL(cfg.Provider.BaseURL).
		WithModel(cfg.Provider.Model).
		WithTemperature(cfg.Provider.Temperature).
		WithMaxTokens(cfg.Provider.MaxTokens).
		WithFirstDeltaTimeout(cfg.Provider.FirstDeltaTimeout.Duration).
		WithLogger(log)
}

// newPipeline wires the prompt table, assembler and completion client.
func newPipeline(cfg *config.Config, log *zap.Logger) (*pipeline.Pipeline, *prompt.Assembler, error) {
	table := prompt.DefaultTable()
	if cfg.Provider.PromptsFile != "" {
		t, err := prompt.LoadTable(cfg.Provider.PromptsFile)
		if err != nil {
			return nil, nil, err
		}
		table = t
	}
	asm := prompt.NewAssembler(table, cfg.Provider.MaxPromptBytes)
	p := pipeline.New(asm, pipeline.FromClient(newCompletionClient(cfg, log)), pipeline.WithLogger(log))
	return p, asm, nil
}

// =============================================================================
// TRANSCRIPTS
// =============================================================================

// newTranscripts builds the Fireflies client. It returns ErrNotConfigured
// when no key is set.
func newTranscripts(cfg *config.Config, log *zap.Logger) (*transcripts.FirefliesClient, error) {
	if strings.TrimSpace(cfg.Fireflies.APIKey) == "" {
		return nil, transcripts.ErrNotConfigured
	}
	c := transcripts.NewFirefliesClient(cfg.Fireflies.APIKey).WithLogger(log)
	if cfg.Fireflies.Endpoint != "" {
		c = c.WithEndpoint(cfg.Fireflies.Endpoint)
	}
	return c, nil
}

// readTranscript reads a local transcript file as normalized text. An
// empty path yields no transcript.
func readTranscript(path string, limit int64) (string, error) {
	if path == "" {
		return "", nil
	}
	f, err := os.Open(path)
	if err != nil {
		return "", NewCommandError("transcript", "read", path, err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, limit+1))
	if err != nil {
		return "", NewCommandError("transcript", "read", path, err)
	}
	if int64(len(data)) > limit {
		return "", NewUsageError(fmt.Sprintf("transcript %s is larger than %d bytes", path, limit))
	}
	text, err := transcripts.NormalizeText(data)
	if err != nil {
		return "", NewCommandError("transcript", "read", path, err)
	}
	return text, nil
}

// =============================================================================
// OUTPUT
// =============================================================================

// termSink writes deltas to a terminal as they arrive. When buffered it
// collects them instead so the finished reply can be rendered as markdown.
type termSink struct {
	w        io.Writer
	buffered bool
	buf      strings.Builder
}

func (s *termSink) Begin() error { return nil }

func (s *termSink) Write(delta string) error {
	if s.buffered {
		s.buf.WriteString(delta)
		return nil
	}
	_, err := io.WriteString(s.w, delta)
	return err
}

func (s *termSink) End(err error) error {
	if s.buffered {
		return nil
	}
	_, werr := io.WriteString(s.w, "\n")
	return werr
}

// renderMarkdown renders text for the terminal, falling back to the plain
// text when glamour fails.
func renderMarkdown(text string, width int) string {
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle(GlamourStyle()),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return text
	}
	out, err := r.Render(text)
	if err != nil {
		return text
	}
	return out
}
