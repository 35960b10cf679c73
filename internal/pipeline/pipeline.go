// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package pipeline runs one chat request end to end: validate, classify,
// assemble, open the completion stream, relay it and extract stories.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/mode"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/relay"
	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/telemetry"
)

// Provider opens a completion stream for an assembled prompt.
type Provider interface {
	Open(ctx context.Context, messages []chat.Message) (relay.Source, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func(ctx context.Context, messages []chat.Message) (relay.Source, error)

// Open calls f.
func (f ProviderFunc) Open(ctx context.Context, messages []chat.Message) (relay.Source, error) {
	return f(ctx, messages)
}

// FromClient adapts a completion client to Provider.
func FromClient(c *cloud.Client) Provider {
	return ProviderFunc(func(ctx context.Context, messages []chat.Message) (relay.Source, error) {
		s, err := c.Open(ctx, messages)
		if err != nil {
			return nil, err
		}
		return s, nil
	})
}

// Plan is a validated, classified and assembled request ready to stream.
type Plan struct {
	Mode   mode.Mode
	Prompt []chat.Message
}

// Outcome describes a finished request.
type Outcome struct {
	Mode       mode.Mode
	Relay      relay.Result
	Extraction stories.Extraction
}

// Pipeline wires the assembler to a provider.
type Pipeline struct {
	asm      *prompt.Assembler
	provider Provider
	log      *zap.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(p *Pipeline) {
		if log != nil {
			p.log = log
		}
	}
}

// New creates a pipeline.
func New(asm *prompt.Assembler, provider Provider, opts ...Option) *Pipeline {
	p := &Pipeline{
		asm:      asm,
		provider: provider,
		log:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Assembler returns the prompt assembler.
func (p *Pipeline) Assembler() *prompt.Assembler {
	return p.asm
}

// Prepare validates the request, picks the mode and assembles the prompt.
func (p *Pipeline) Prepare(req chat.Request) (*Plan, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	m, err := mode.Classify(req.Messages)
	if err != nil {
		return nil, err
	}
	msgs, err := p.asm.Assemble(m, req.Messages, req.Transcript)
	if err != nil {
		return &Plan{Mode: m}, err
	}
	return &Plan{Mode: m, Prompt: msgs}, nil
}

// Execute streams a prepared plan into sink. Extraction runs once, after a
// clean end of stream, and only in GenerateStories mode.
//
// Errors before the sink began leave it untouched. Errors after it began are
// *relay.StreamError; the outcome is still returned.
func (p *Pipeline) Execute(ctx context.Context, plan *Plan, sink relay.Sink) (*Outcome, error) {
	out := &Outcome{
		Mode:       plan.Mode,
		Extraction: stories.Extraction{Status: stories.StatusNotApplicable},
	}
	done := telemetry.StreamStarted()
	defer done()

	start := time.Now()
	src, err := p.provider.Open(ctx, plan.Prompt)
	if err != nil {
		out.Relay.Elapsed = time.Since(start)
		p.finish(out, err)
		return out, err
	}

	opened := time.Since(start)

	res, err := relay.Run(ctx, src, sink)
	res.Elapsed = time.Since(start)
	if res.Deltas > 0 {
		// First-delta latency counts from the provider request.
		res.FirstDelta += opened
	}
	out.Relay = res
	if err != nil {
		p.finish(out, err)
		return out, err
	}

	out.Extraction = stories.ExtractFor(plan.Mode, res.Text)
	if out.Extraction.Status != stories.StatusNotApplicable {
		telemetry.ObserveExtraction(string(out.Extraction.Status), out.Extraction.Count(), out.Extraction.Dropped)
	}
	p.finish(out, nil)
	return out, nil
}

// Run is Prepare followed by Execute.
func (p *Pipeline) Run(ctx context.Context, req chat.Request, sink relay.Sink) (*Outcome, error) {
	plan, err := p.Prepare(req)
	if err != nil {
		return p.Reject(plan, err), err
	}
	return p.Execute(ctx, plan, sink)
}

// Reject records a request that failed Prepare. plan may be nil.
func (p *Pipeline) Reject(plan *Plan, err error) *Outcome {
	out := &Outcome{Extraction: stories.Extraction{Status: stories.StatusNotApplicable}}
	if plan != nil {
		out.Mode = plan.Mode
	}
	telemetry.ObserveStream(out.Mode.String(), Classify(err), 0, 0, 0)
	p.log.Info("ChatRequestRejected", zap.String("mode", out.Mode.String()), zap.Error(err))
	return out
}

func (p *Pipeline) finish(out *Outcome, err error) {
	outcome := Classify(err)
	telemetry.ObserveStream(out.Mode.String(), outcome, out.Relay.FirstDelta, out.Relay.Elapsed, out.Relay.Deltas)

	fields := []zap.Field{
		zap.String("mode", out.Mode.String()),
		zap.String("outcome", outcome),
		zap.Int("deltas", out.Relay.Deltas),
		zap.Int("bytes", len(out.Relay.Text)),
		zap.Duration("first_delta", out.Relay.FirstDelta),
		zap.Duration("elapsed", out.Relay.Elapsed),
		zap.String("extraction", string(out.Extraction.Status)),
	}
	switch out.Extraction.Status {
	case stories.StatusExtracted:
		fields = append(fields, zap.Int("stories", out.Extraction.Count()), zap.Int("dropped", out.Extraction.Dropped))
	case stories.StatusFailed:
		fields = append(fields, zap.NamedError("extraction_error", out.Extraction.Err))
	}

	if err != nil {
		p.log.Warn("ChatRequestFailed", append(fields, zap.Error(err))...)
		return
	}
	p.log.Info("ChatRequestCompleted", fields...)
}

// Classify maps a pipeline error to a metrics outcome label.
func Classify(err error) string {
	switch {
	case err == nil:
		return telemetry.OutcomeOK
	case errors.Is(err, context.Canceled), errors.Is(err, relay.ErrSinkClosed):
		return telemetry.OutcomeCanceled
	case relay.IsPartial(err):
		return telemetry.OutcomePartial
	case errors.Is(err, chat.ErrInvalidRequest), errors.Is(err, prompt.ErrPromptTooLarge):
		return telemetry.OutcomeInvalid
	case errors.Is(err, cloud.ErrNotConfigured), errors.Is(err, cloud.ErrProviderUnavailable):
		return telemetry.OutcomeUnavailable
	default:
		return telemetry.OutcomePreStream
	}
}

// Describe returns a short caller-facing message for err.
func Describe(err error) string {
	var tooLarge *prompt.PromptTooLargeError
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("prompt too large: %d bytes exceeds limit of %d", tooLarge.Size, tooLarge.Limit)
	case errors.Is(err, chat.ErrInvalidRequest):
		return err.Error()
	case errors.Is(err, cloud.ErrNotConfigured):
		return "completion provider is not configured"
	case errors.Is(err, cloud.ErrFirstDeltaTimeout):
		return "completion provider timed out"
	case errors.Is(err, cloud.ErrProviderQuotaExceeded):
		return "completion provider quota exceeded"
	case errors.Is(err, cloud.ErrProviderRejected):
		return "completion provider rejected the request"
	case errors.Is(err, cloud.ErrProviderStreamInterrupted):
		return "completion stream interrupted"
	case errors.Is(err, cloud.ErrProviderUnavailable):
		return "completion provider unavailable"
	case errors.Is(err, context.Canceled):
		return "request canceled"
	default:
		return "internal error"
	}
}
