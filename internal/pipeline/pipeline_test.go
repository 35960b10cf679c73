// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/mode"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/relay"
	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/telemetry"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSource struct {
	deltas []string
	tail   error
	pos    int
	closed bool
}

func (s *fakeSource) Next() (string, error) {
	if s.pos < len(s.deltas) {
		s.pos++
		return s.deltas[s.pos-1], nil
	}
	if s.tail != nil {
		return "", s.tail
	}
	return "", io.EOF
}

func (s *fakeSource) Close() error {
	s.closed = true
	return nil
}

type fakeProvider struct {
	src     *fakeSource
	openErr error
	got     []chat.Message
}

func (p *fakeProvider) Open(ctx context.Context, messages []chat.Message) (relay.Source, error) {
	p.got = messages
	if p.openErr != nil {
		return nil, p.openErr
	}
	return p.src, nil
}

type bufferSink struct {
	mu     sync.Mutex
	began  bool
	text   strings.Builder
	ends   int
	endErr error
}

func (s *bufferSink) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.began = true
	return nil
}

func (s *bufferSink) Write(delta string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.text.WriteString(delta)
	return nil
}

func (s *bufferSink) End(err error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ends++
	s.endErr = err
	return nil
}

func newPipeline(t *testing.T, p Provider) *Pipeline {
	return New(prompt.NewAssembler(prompt.DefaultTable(), 0), p, WithLogger(zaptest.NewLogger(t)))
}

func request(text string) chat.Request {
	return chat.Request{Messages: []chat.Message{chat.NewUserMessage(text)}}
}

// =============================================================================
// TESTS
// =============================================================================

func TestRun_GenerateStories(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{deltas: []string{
		"Here:\n[", `{"story":"As a user, I want dark mode",`, `"tags":["UI","Accessibility"]}`, "]",
	}}}
	sink := &bufferSink{}

	out, err := newPipeline(t, provider).Run(context.Background(), request("Please generate user stories"), sink)
	require.NoError(t, err)

	assert.Equal(t, mode.GenerateStories, out.Mode)
	assert.Equal(t, sink.text.String(), out.Relay.Text)
	assert.Equal(t, 4, out.Relay.Deltas)
	assert.Equal(t, 1, sink.ends)

	require.Equal(t, stories.StatusExtracted, out.Extraction.Status)
	require.Len(t, out.Extraction.Stories, 1)
	assert.Equal(t, []string{"UI", "Accessibility"}, out.Extraction.Stories[0].Tags)

	require.NotEmpty(t, provider.got)
	assert.Equal(t, chat.RoleSystem, provider.got[0].Role)
	assert.Equal(t, prompt.DefaultTable().GenerateStories, provider.got[0].Content)
	assert.True(t, provider.src.closed)
}

func TestRun_SummarizeSkipsExtraction(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{deltas: []string{"[not", " json]"}}}
	out, err := newPipeline(t, provider).Run(context.Background(), request("summarize and generate"), &bufferSink{})
	require.NoError(t, err)
	assert.Equal(t, mode.Summarize, out.Mode)
	assert.Equal(t, stories.StatusNotApplicable, out.Extraction.Status)
}

func TestRun_ExtractionFailureIsNotAnError(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{deltas: []string{"I could not find any stories."}}}
	sink := &bufferSink{}
	out, err := newPipeline(t, provider).Run(context.Background(), request("generate"), sink)
	require.NoError(t, err)
	assert.Equal(t, stories.StatusFailed, out.Extraction.Status)
	assert.ErrorIs(t, out.Extraction.Err, stories.ErrExtractionFailed)
	assert.NoError(t, sink.endErr)
}

func TestRun_InvalidRequestNeverOpensProvider(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{}}
	sink := &bufferSink{}

	_, err := newPipeline(t, provider).Run(context.Background(), chat.Request{
		Messages: []chat.Message{chat.NewAssistantMessage("hi")},
	}, sink)
	assert.ErrorIs(t, err, chat.ErrInvalidRequest)
	assert.Nil(t, provider.got)
	assert.False(t, sink.began)
}

func TestRun_PromptTooLarge(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{}}
	p := New(prompt.NewAssembler(prompt.DefaultTable(), 256), provider)

	req := request("summarize")
	req.Transcript = strings.Repeat("words ", 200)

	out, err := p.Run(context.Background(), req, &bufferSink{})
	assert.ErrorIs(t, err, prompt.ErrPromptTooLarge)
	assert.Equal(t, mode.Summarize, out.Mode)
	assert.Nil(t, provider.got)
	assert.Contains(t, Describe(err), "prompt too large")
}

func TestRun_ProviderErrorLeavesSinkUntouched(t *testing.T) {
	provider := &fakeProvider{openErr: fmt.Errorf("%w: dial tcp", cloud.ErrProviderUnavailable)}
	sink := &bufferSink{}

	_, err := newPipeline(t, provider).Run(context.Background(), request("hello"), sink)
	assert.ErrorIs(t, err, cloud.ErrProviderUnavailable)
	assert.False(t, relay.IsPartial(err))
	assert.False(t, sink.began)
	assert.Zero(t, sink.ends)
	assert.Equal(t, telemetry.OutcomeUnavailable, Classify(err))
}

func TestRun_MidStreamFailure(t *testing.T) {
	provider := &fakeProvider{src: &fakeSource{
		deltas: []string{"[", `{"story":"x","tags":["y"]}`},
		tail:   fmt.Errorf("%w: connection reset", cloud.ErrProviderStreamInterrupted),
	}}
	sink := &bufferSink{}

	out, err := newPipeline(t, provider).Run(context.Background(), request("generate"), sink)
	require.Error(t, err)
	assert.True(t, relay.IsPartial(err))
	assert.ErrorIs(t, err, cloud.ErrProviderStreamInterrupted)
	require.NotNil(t, out)
	assert.Equal(t, stories.StatusNotApplicable, out.Extraction.Status, "no extraction on a broken stream")
	assert.Equal(t, 1, sink.ends)
	assert.Equal(t, telemetry.OutcomePartial, Classify(err))
}

// TestRun_ClientDisconnectClosesUpstream runs the real client against an
// httptest provider and cancels after a few deltas.
func TestRun_ClientDisconnectClosesUpstream(t *testing.T) {
	upstreamGone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(upstreamGone)
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for {
			if _, err := io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"tok \"}}]}\n\n"); err != nil {
				return
			}
			f.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}))
	defer srv.Close()

	client := cloud.NewClient("sk-test").WithBaseURL(srv.URL).WithHTTPClient(&http.Client{})
	ctx, cancel := context.WithCancel(context.Background())
	sink := &cancelAfterSink{n: 3, cancel: cancel}

	out, err := newPipeline(t, FromClient(client)).Run(ctx, request("hello"), sink)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, relay.IsPartial(err))
	assert.GreaterOrEqual(t, out.Relay.Deltas, 3)

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("provider request was not canceled after client disconnect")
	}
}

type cancelAfterSink struct {
	bufferSink
	n      int
	seen   int
	cancel context.CancelFunc
}

func (s *cancelAfterSink) Write(delta string) error {
	s.seen++
	if s.seen == s.n {
		s.cancel()
	}
	return s.bufferSink.Write(delta)
}

func TestFromClientNotConfigured(t *testing.T) {
	src, err := FromClient(cloud.NewClient("")).Open(context.Background(), nil)
	assert.ErrorIs(t, err, cloud.ErrNotConfigured)
	assert.Nil(t, src, "must be a nil interface, not a typed nil")
}

func TestDescribe(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{cloud.ErrNotConfigured, "not configured"},
		{fmt.Errorf("%w: %w", cloud.ErrProviderUnavailable, cloud.ErrFirstDeltaTimeout), "timed out"},
		{&cloud.ProviderError{Status: 429, Message: "slow"}, "quota"},
		{&cloud.ProviderError{Status: 400, Message: "bad"}, "rejected"},
		{errors.New("boom"), "internal error"},
	}
	for _, tt := range tests {
		assert.Contains(t, Describe(tt.err), tt.want, tt.err.Error())
	}
}
