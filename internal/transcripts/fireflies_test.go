// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package transcripts

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestClient(t *testing.T, url string) *FirefliesClient {
	return NewFirefliesClient("ff-key").
		WithEndpoint(url).
		WithBackoff(time.Millisecond).
		WithLogger(zaptest.NewLogger(t))
}

func TestList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer ff-key", r.Header.Get("Authorization"))
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Contains(t, req.Query, "transcripts")

		io.WriteString(w, `{"data":{"transcripts":[
			{"id":"m1","title":"Customer sync","date":1717200000000},
			{"id":"m2","title":"Retro","date":1717286400000}
		]}}`)
	}))
	defer srv.Close()

	meetings, err := newTestClient(t, srv.URL).List(context.Background())
	require.NoError(t, err)
	require.Len(t, meetings, 2)
	assert.Equal(t, "m1", meetings[0].ID)
	assert.Equal(t, "Customer sync", meetings[0].Title)
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), meetings[0].Date)
}

func TestTranscript(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "m1", req.Variables["id"])

		io.WriteString(w, `{"data":{"transcript":{"id":"m1","title":"Customer sync","sentences":[
			{"speaker_name":"Alice","text":"The export button is hard to find."},
			{"speaker_name":"Alice","text":"It should be on the toolbar."},
			{"speaker_name":"Bob","text":" Agreed. "},
			{"speaker_name":"","text":"(inaudible)"}
		]}}}`)
	}))
	defer srv.Close()

	text, err := newTestClient(t, srv.URL).Transcript(context.Background(), "m1")
	require.NoError(t, err)
	assert.Equal(t,
		"Alice: The export button is hard to find. It should be on the toolbar.\nBob: Agreed.\nUnknown: (inaudible)",
		text)
}

func TestTranscript_NotFound(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"null transcript", `{"data":{"transcript":null}}`},
		{"graphql error", `{"data":null,"errors":[{"message":"Object not found","extensions":{"code":"object_not_found"}}]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, tt.body)
			}))
			defer srv.Close()

			_, err := newTestClient(t, srv.URL).Transcript(context.Background(), "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}

	_, err := NewFirefliesClient("k").Transcript(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNotConfigured(t *testing.T) {
	c := NewFirefliesClient("")
	_, err := c.List(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
	_, err = c.Transcript(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch calls.Add(1) {
		case 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case 2:
			w.WriteHeader(http.StatusBadGateway)
		default:
			io.WriteString(w, `{"data":{"transcripts":[]}}`)
		}
	}))
	defer srv.Close()

	meetings, err := newTestClient(t, srv.URL).List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, meetings)
	assert.Equal(t, int32(3), calls.Load())
}

func TestRetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
		io.WriteString(w, `{"errors":[{"message":"maintenance"}]}`)
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).List(context.Background())
	require.Error(t, err)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusServiceUnavailable, apiErr.Status)
	assert.Equal(t, "maintenance", apiErr.Message)
	assert.Equal(t, int32(MaxRetries+1), calls.Load())
}

func TestNoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		io.WriteString(w, "invalid api key")
	}))
	defer srv.Close()

	_, err := newTestClient(t, srv.URL).List(context.Background())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.Status)
	assert.True(t, strings.Contains(apiErr.Error(), "invalid api key"))
	assert.Equal(t, int32(1), calls.Load())
}

func TestFormatSentences(t *testing.T) {
	assert.Equal(t, "", FormatSentences(nil))
	assert.Equal(t, "A: one\nB: two\nA: three", FormatSentences([]Sentence{
		{Speaker: "A", Text: "one"},
		{Speaker: "B", Text: ""},
		{Speaker: "B", Text: "two"},
		{Speaker: "A", Text: "three"},
	}))
}
