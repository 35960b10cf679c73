// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/cloud"
	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/relay"
	"github.com/jeranaias/storyrelay/internal/storage"
	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/tracker"
	"github.com/jeranaias/storyrelay/internal/transcripts"
)

// =============================================================================
// FAKES
// =============================================================================

type fakeSource struct {
	deltas []string
	tail   error
	pos    int
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

func (s *fakeSource) Close() error { return nil }

// replies opens a fresh source per call so one server can serve many requests.
func replies(deltas []string, tail, openErr error) pipeline.Provider {
	return pipeline.ProviderFunc(func(ctx context.Context, _ []chat.Message) (relay.Source, error) {
		if openErr != nil {
			return nil, openErr
		}
		return &fakeSource{deltas: deltas, tail: tail}, nil
	})
}

type fakeTranscripts struct {
	meetings []transcripts.Meeting
	texts    map[string]string
	err      error
}

func (f *fakeTranscripts) List(ctx context.Context) ([]transcripts.Meeting, error) {
	return f.meetings, f.err
}

func (f *fakeTranscripts) Transcript(ctx context.Context, id string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	text, ok := f.texts[id]
	if !ok {
		return "", transcripts.ErrNotFound
	}
	return text, nil
}

type fakeTracker struct {
	got  []stories.UserStory
	keys []string
	err  error
}

func (f *fakeTracker) BulkCreate(ctx context.Context, items []stories.UserStory) ([]string, error) {
	f.got = items
	return f.keys, f.err
}

// =============================================================================
// HELPERS
// =============================================================================

func newTestServer(t *testing.T, provider pipeline.Provider, opts ...Option) *httptest.Server {
	t.Helper()
	return newTestServerWithAssembler(t, prompt.NewAssembler(prompt.DefaultTable(), 0), provider, opts...)
}

func newTestServerWithAssembler(t *testing.T, asm *prompt.Assembler, provider pipeline.Provider, opts ...Option) *httptest.Server {
	t.Helper()
	log := zaptest.NewLogger(t)
	p := pipeline.New(asm, provider, pipeline.WithLogger(log))
	s := New(Config{Version: "test", Model: "gpt-test"}, p, append([]Option{WithLogger(log)}, opts...)...)
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func chatBody(text string) chat.Request {
	return chat.Request{Messages: []chat.Message{chat.NewUserMessage(text)}}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(data)
}

func decodeError(t *testing.T, resp *http.Response) string {
	t.Helper()
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
	var body errorResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Error
}

// =============================================================================
// CHAT
// =============================================================================

func TestChat_StreamsAndExtracts(t *testing.T) {
	deltas := []string{"Here you go:\n[", `{"story":"As a user, I want dark mode","tags":["UI"]},`, `{"story":"","tags":["x"]}`, "]"}
	ts := newTestServer(t, replies(deltas, nil, nil))

	resp := postJSON(t, ts.URL+"/chat", chatBody("Please generate stories"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "generate_stories", resp.Header.Get(ModeHeader))

	id := resp.Header.Get(RequestIDHeader)
	require.NotEmpty(t, id)

	assert.Equal(t, strings.Join(deltas, ""), readAll(t, resp))
	assert.Equal(t, "extracted", resp.Trailer.Get(ExtractionStatusTrailer))
	assert.Equal(t, "1", resp.Trailer.Get(StoryCountTrailer))
	assert.Empty(t, resp.Trailer.Get(StreamErrorTrailer))

	lookup := get(t, ts.URL+"/chat/"+id+"/stories")
	require.Equal(t, http.StatusOK, lookup.StatusCode)
	var res Result
	require.NoError(t, json.NewDecoder(lookup.Body).Decode(&res))
	assert.Equal(t, id, res.RequestID)
	assert.Equal(t, "generate_stories", res.Mode)
	assert.Equal(t, stories.StatusExtracted, res.Status)
	assert.Equal(t, 1, res.Dropped)
	require.Len(t, res.Stories, 1)
	assert.Equal(t, "As a user, I want dark mode", res.Stories[0].Story)
}

func TestChat_PlainModeHasNoExtraction(t *testing.T) {
	ts := newTestServer(t, replies([]string{"Hello", " there"}, nil, nil))

	resp := postJSON(t, ts.URL+"/api/chat", chatBody("hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "plain", resp.Header.Get(ModeHeader))
	assert.Equal(t, "Hello there", readAll(t, resp))
	assert.Equal(t, "not_applicable", resp.Trailer.Get(ExtractionStatusTrailer))
	assert.Equal(t, "0", resp.Trailer.Get(StoryCountTrailer))
}

func TestChat_ReusedRequestIDKeepsFirstResult(t *testing.T) {
	deltas := []string{`[{"story":"As an admin, I want audit logs","tags":["Security"]}]`}
	ts := newTestServer(t, replies(deltas, nil, nil))
	id := "3f2c8c1e-6d4b-4a7e-9b1a-2c5d8e9f0a11"

	send := func(text string) {
		data, err := json.Marshal(chatBody(text))
		require.NoError(t, err)
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat", bytes.NewReader(data))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(RequestIDHeader, id)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, id, resp.Header.Get(RequestIDHeader))
		readAll(t, resp)
	}
	send("generate stories from this")
	send("thanks")

	lookup := get(t, ts.URL+"/chat/"+id+"/stories")
	require.Equal(t, http.StatusOK, lookup.StatusCode)
	var res Result
	require.NoError(t, json.NewDecoder(lookup.Body).Decode(&res))
	assert.Equal(t, "generate_stories", res.Mode)
	assert.Equal(t, stories.StatusExtracted, res.Status)
	require.Len(t, res.Stories, 1)
	assert.Equal(t, "As an admin, I want audit logs", res.Stories[0].Story)
}

func TestChat_ExtractionFailureStillSucceeds(t *testing.T) {
	ts := newTestServer(t, replies([]string{"no stories today"}, nil, nil))

	resp := postJSON(t, ts.URL+"/chat", chatBody("generate"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no stories today", readAll(t, resp))
	assert.Equal(t, "failed", resp.Trailer.Get(ExtractionStatusTrailer))
	assert.Equal(t, "0", resp.Trailer.Get(StoryCountTrailer))
}

func TestChat_PreStreamErrors(t *testing.T) {
	tests := []struct {
		name     string
		provider pipeline.Provider
		body     any
		status   int
		message  string
	}{
		{
			name:     "no user message",
			provider: replies(nil, nil, nil),
			body:     chat.Request{Messages: []chat.Message{chat.NewAssistantMessage("hi")}},
			status:   http.StatusBadRequest,
			message:  "invalid request",
		},
		{
			name:     "system message from caller",
			provider: replies(nil, nil, nil),
			body:     chat.Request{Messages: []chat.Message{chat.NewSystemMessage("x"), chat.NewUserMessage("hi")}},
			status:   http.StatusBadRequest,
			message:  "system role is reserved",
		},
		{
			name:     "not configured",
			provider: replies(nil, nil, cloud.ErrNotConfigured),
			body:     chatBody("hi"),
			status:   http.StatusServiceUnavailable,
			message:  "completion provider is not configured",
		},
		{
			name:     "quota",
			provider: replies(nil, nil, cloud.ErrProviderQuotaExceeded),
			body:     chatBody("hi"),
			status:   http.StatusTooManyRequests,
			message:  "completion provider quota exceeded",
		},
		{
			name:     "rejected",
			provider: replies(nil, nil, cloud.ErrProviderRejected),
			body:     chatBody("hi"),
			status:   http.StatusBadGateway,
			message:  "completion provider rejected the request",
		},
		{
			name:     "first delta timeout",
			provider: replies(nil, nil, cloud.ErrFirstDeltaTimeout),
			body:     chatBody("hi"),
			status:   http.StatusGatewayTimeout,
			message:  "completion provider timed out",
		},
		{
			name:     "stream fails before first delta",
			provider: replies(nil, cloud.ErrProviderUnavailable, nil),
			body:     chatBody("hi"),
			status:   http.StatusBadGateway,
			message:  "completion provider unavailable",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t, tt.provider)
			resp := postJSON(t, ts.URL+"/chat", tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Contains(t, decodeError(t, resp), tt.message)
		})
	}
}

func TestChat_MalformedBody(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp, err := http.Post(ts.URL+"/chat", "application/json", strings.NewReader("{not json"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "malformed JSON body", decodeError(t, resp))
}

func TestChat_PromptTooLarge(t *testing.T) {
	asm := prompt.NewAssembler(prompt.DefaultTable(), 64)
	ts := newTestServerWithAssembler(t, asm, replies([]string{"never"}, nil, nil))

	resp := postJSON(t, ts.URL+"/chat", chat.Request{
		Messages:   []chat.Message{chat.NewUserMessage("summarize")},
		Transcript: strings.Repeat("long transcript ", 100),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp), "prompt too large")
}

func TestChat_MidStreamFailure(t *testing.T) {
	ts := newTestServer(t, replies([]string{"partial ", "answer"}, cloud.ErrProviderStreamInterrupted, nil))

	resp := postJSON(t, ts.URL+"/chat", chatBody("hi"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "partial answer"+StreamErrorMarker+"completion stream interrupted\n", readAll(t, resp))
	assert.Equal(t, "completion stream interrupted", resp.Trailer.Get(StreamErrorTrailer))
	assert.Empty(t, resp.Trailer.Get(ExtractionStatusTrailer))

	// A failed stream leaves nothing to look up.
	lookup := get(t, ts.URL+"/chat/"+resp.Header.Get(RequestIDHeader)+"/stories")
	assert.Equal(t, http.StatusNotFound, lookup.StatusCode)
}

func TestChatStories_Unknown(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := get(t, ts.URL+"/chat/does-not-exist/stories")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decodeError(t, resp), "unknown or expired")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(context.Canceled))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
	assert.Equal(t, http.StatusBadGateway, statusFor(&relay.StreamError{Err: cloud.ErrProviderStreamInterrupted}))
}

// =============================================================================
// FIREFLIES
// =============================================================================

func TestFireflies_NotConfigured(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := get(t, ts.URL+"/fireflies")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Fireflies API key not set", decodeError(t, resp))

	ts = newTestServer(t, replies(nil, nil, nil), WithTranscripts(&fakeTranscripts{err: transcripts.ErrNotConfigured}))
	resp = get(t, ts.URL+"/fireflies/transcript?id=m1")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "Fireflies API key not set", decodeError(t, resp))
}

func TestFireflies_List(t *testing.T) {
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	src := &fakeTranscripts{meetings: []transcripts.Meeting{{ID: "m1", Title: "Sync", Date: date}}}
	ts := newTestServer(t, replies(nil, nil, nil), WithTranscripts(src))

	resp := get(t, ts.URL+"/fireflies")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var meetings []transcripts.Meeting
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&meetings))
	require.Len(t, meetings, 1)
	assert.Equal(t, "m1", meetings[0].ID)
	assert.True(t, date.Equal(meetings[0].Date))

	empty := newTestServer(t, replies(nil, nil, nil), WithTranscripts(&fakeTranscripts{}))
	assert.Equal(t, "[]\n", readAll(t, get(t, empty.URL+"/fireflies")))
}

func TestFireflies_Transcript(t *testing.T) {
	src := &fakeTranscripts{texts: map[string]string{"m1": "Alice: hello"}}
	ts := newTestServer(t, replies(nil, nil, nil), WithTranscripts(src))

	resp := get(t, ts.URL+"/fireflies/transcript?id=m1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "Alice: hello", body["transcript"])

	resp = get(t, ts.URL+"/fireflies/transcript")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing id", decodeError(t, resp))

	resp = get(t, ts.URL+"/fireflies/transcript?id=nope")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFireflies_UpstreamFailure(t *testing.T) {
	src := &fakeTranscripts{err: &transcripts.APIError{Status: 503, Message: "maintenance"}}
	ts := newTestServer(t, replies(nil, nil, nil), WithTranscripts(src))

	resp := get(t, ts.URL+"/fireflies")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "failed to reach Fireflies", decodeError(t, resp))
}

// =============================================================================
// JIRA
// =============================================================================

func openPushLog(t *testing.T) *storage.PushLog {
	t.Helper()
	log, err := storage.Open(filepath.Join(t.TempDir(), "pushes.db"))
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })
	return log
}

func TestJiraBulk_CreatesAndRecords(t *testing.T) {
	tr := &fakeTracker{keys: []string{"SR-1", "SR-2"}}
	pushes := openPushLog(t)
	ts := newTestServer(t, replies(nil, nil, nil), WithTracker(tr), WithPushLog(pushes))

	resp := postJSON(t, ts.URL+"/jira/bulk", storiesRequest{Stories: []stories.UserStory{
		{Story: "As a user, I want export", Tags: []string{"Export"}},
		{Story: "  ", Tags: []string{"Empty"}},
		{Story: "As an admin, I want audit logs", Tags: []string{"Security", "Admin"}},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body bulkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"SR-1", "SR-2"}, body.Created)
	assert.Equal(t, 1, body.Dropped)
	assert.Empty(t, body.Failed)
	require.Len(t, tr.got, 2)

	recent := get(t, ts.URL+"/jira/recent?limit=5")
	require.Equal(t, http.StatusOK, recent.StatusCode)
	var records []storage.PushRecord
	require.NoError(t, json.NewDecoder(recent.Body).Decode(&records))
	require.Len(t, records, 2)
	keys := []string{records[0].IssueKey, records[1].IssueKey}
	assert.ElementsMatch(t, []string{"SR-1", "SR-2"}, keys)
}

func TestJiraBulk_PartialFailure(t *testing.T) {
	tr := &fakeTracker{
		keys: []string{"SR-1"},
		err: &tracker.BulkError{
			Created: []string{"SR-1"},
			Failed:  []tracker.ElementError{{Index: 0, Story: "first", Message: "summary: too long"}},
		},
	}
	pushes := openPushLog(t)
	ts := newTestServer(t, replies(nil, nil, nil), WithTracker(tr), WithPushLog(pushes))

	resp := postJSON(t, ts.URL+"/jira/bulk", storiesRequest{Stories: []stories.UserStory{
		{Story: "first", Tags: []string{"A"}},
		{Story: "second", Tags: []string{"B"}},
	}})
	require.Equal(t, http.StatusMultiStatus, resp.StatusCode)

	var body bulkResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, []string{"SR-1"}, body.Created)
	require.Len(t, body.Failed, 1)
	assert.Equal(t, 0, body.Failed[0].Index)
	assert.Equal(t, "summary: too long", body.Failed[0].Error)

	records, err := pushes.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "SR-1", records[0].IssueKey)
	assert.Equal(t, "second", records[0].Story)
}

func TestJiraBulk_Errors(t *testing.T) {
	valid := storiesRequest{Stories: []stories.UserStory{{Story: "s", Tags: []string{"t"}}}}

	t.Run("no valid stories", func(t *testing.T) {
		ts := newTestServer(t, replies(nil, nil, nil), WithTracker(&fakeTracker{}))
		resp := postJSON(t, ts.URL+"/jira/bulk", storiesRequest{Stories: []stories.UserStory{{Story: "no tags"}}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, "no valid stories", decodeError(t, resp))
	})

	t.Run("no tracker", func(t *testing.T) {
		ts := newTestServer(t, replies(nil, nil, nil))
		resp := postJSON(t, ts.URL+"/jira/bulk", valid)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("tracker not configured", func(t *testing.T) {
		ts := newTestServer(t, replies(nil, nil, nil), WithTracker(&fakeTracker{err: tracker.ErrNotConfigured}))
		resp := postJSON(t, ts.URL+"/jira/bulk", valid)
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	})

	t.Run("upstream failure", func(t *testing.T) {
		ts := newTestServer(t, replies(nil, nil, nil), WithTracker(&fakeTracker{err: &tracker.APIError{Status: 401}}))
		resp := postJSON(t, ts.URL+"/jira/bulk", valid)
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, "failed to create issues", decodeError(t, resp))
	})
}

func TestJiraRecent(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))
	assert.Equal(t, http.StatusServiceUnavailable, get(t, ts.URL+"/jira/recent").StatusCode)

	ts = newTestServer(t, replies(nil, nil, nil), WithPushLog(openPushLog(t)))
	assert.Equal(t, http.StatusBadRequest, get(t, ts.URL+"/jira/recent?limit=zero").StatusCode)

	resp := get(t, ts.URL+"/jira/recent")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "[]\n", readAll(t, resp))
}

// =============================================================================
// UPLOAD
// =============================================================================

func upload(t *testing.T, url, field string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile(field, "transcript.txt")
	require.NoError(t, err)
	_, err = fw.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(url, mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestUpload_NormalizesText(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	// BOM plus "e" followed by a combining acute accent.
	resp := upload(t, ts.URL+"/api/upload", "file", []byte("\xef\xbb\xbfcafe\u0301 notes"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, "caf\u00e9 notes", readAll(t, resp))
}

func TestUpload_Rejects(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := upload(t, ts.URL+"/upload", "file", []byte{0xff, 0xfe, 0x00, 0x41})
	assert.Equal(t, http.StatusUnsupportedMediaType, resp.StatusCode)

	resp = upload(t, ts.URL+"/upload", "document", []byte("hello"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "missing file field", decodeError(t, resp))

	resp = upload(t, ts.URL+"/upload", "file", bytes.Repeat([]byte("a"), MaxUploadBytes+1))
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	plain, err := http.Post(ts.URL+"/upload", "text/plain", strings.NewReader("hello"))
	require.NoError(t, err)
	defer plain.Body.Close()
	assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
}

// =============================================================================
// EXPORT
// =============================================================================

func TestExport_CSV(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := postJSON(t, ts.URL+"/export/csv", storiesRequest{Stories: []stories.UserStory{
		{Story: `As a user, I want "quotes"`, Tags: []string{"UI", "Text"}},
		{Story: "", Tags: []string{"dropped"}},
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Equal(t, `attachment; filename="user_stories.csv"`, resp.Header.Get("Content-Disposition"))
	assert.Equal(t, "story,tags\n\"As a user, I want \"\"quotes\"\"\",\"UI, Text\"", readAll(t, resp))
}

func TestExport_JSONAndUnknown(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := postJSON(t, ts.URL+"/export/json", storiesRequest{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="user_stories.json"`, resp.Header.Get("Content-Disposition"))
	assert.JSONEq(t, "[]", readAll(t, resp))

	resp = postJSON(t, ts.URL+"/export/pdf", storiesRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

// =============================================================================
// HEALTH, CORS, METRICS
// =============================================================================

func TestHealth(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	resp := get(t, ts.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var h HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&h))
	assert.Equal(t, "ok", h.Status)
	assert.Equal(t, "test", h.Version)
	assert.Equal(t, "gpt-test", h.Model)
	assert.Equal(t, "default", h.PromptTable)

	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestHealth_CustomPromptTable(t *testing.T) {
	table := prompt.DefaultTable()
	table.Plain = "You are terse."
	ts := newTestServerWithAssembler(t, prompt.NewAssembler(table, 0), replies(nil, nil, nil))

	var h HealthResponse
	require.NoError(t, json.NewDecoder(get(t, ts.URL+"/health").Body).Decode(&h))
	assert.Equal(t, "custom", h.PromptTable)
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/chat", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, resp.Header.Get("Access-Control-Expose-Headers"), StoryCountTrailer)
}

func TestMetricsAndStats(t *testing.T) {
	ts := newTestServer(t, replies([]string{"ok"}, nil, nil))
	readAll(t, postJSON(t, ts.URL+"/chat", chatBody("hi")))

	resp := get(t, ts.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := readAll(t, resp)
	assert.Contains(t, body, "storyrelay_chat_streams_total")
	assert.Contains(t, body, "storyrelay_http_requests_total")

	assert.Equal(t, http.StatusOK, get(t, ts.URL+"/stats").StatusCode)
}

func TestMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, replies(nil, nil, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, get(t, ts.URL+"/chat").StatusCode)
}

// =============================================================================
// LIFECYCLE
// =============================================================================

func TestServe_ShutsDownOnCancel(t *testing.T) {
	p := pipeline.New(prompt.NewAssembler(prompt.DefaultTable(), 0), replies(nil, nil, nil))
	s := New(Config{ShutdownTimeout: time.Second}, p, WithLogger(zaptest.NewLogger(t)))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/health")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestShutdown_NotStarted(t *testing.T) {
	p := pipeline.New(prompt.NewAssembler(prompt.DefaultTable(), 0), replies(nil, nil, nil))
	assert.NoError(t, New(Config{}, p).Shutdown(context.Background()))
}
