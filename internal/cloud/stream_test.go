// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cloud

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadEvent(t *testing.T) {
	input := ": keep-alive\n" +
		"event: message\n" +
		"data: {\"a\":1}\n\n" +
		"id: 7\r\n" +
		"data:first\r\n" +
		"data: second\r\n\r\n" +
		"data: [DONE]"

	r := NewSSEReader(strings.NewReader(input))

	ev, data, err := r.ReadEvent()
	if err != nil || ev != "message" || string(data) != `{"a":1}` {
		t.Fatalf("event 1 = %q %q %v", ev, data, err)
	}

	_, data, err = r.ReadEvent()
	if err != nil || string(data) != "first\nsecond" {
		t.Fatalf("event 2 = %q %v", data, err)
	}

	_, data, err = r.ReadEvent()
	if err != nil || string(data) != "[DONE]" {
		t.Fatalf("event 3 = %q %v", data, err)
	}

	if _, _, err := r.ReadEvent(); err != io.EOF {
		t.Fatalf("final ReadEvent() error = %v, want io.EOF", err)
	}
}

func TestSSEReader_OversizedLine(t *testing.T) {
	input := "data: " + strings.Repeat("x", MaxChunkSize+1) + "\n\n"
	if _, _, err := NewSSEReader(strings.NewReader(input)).ReadEvent(); err == nil {
		t.Fatal("ReadEvent() should reject oversized lines")
	}
}

// =============================================================================
// STREAM TESTS
// =============================================================================

func TestStream_DeltasInOrder(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		`{"choices":[{"delta":{"role":"assistant"},"finish_reason":null}]}`,
		deltaJSON("Hello"),
		`{not json`,
		deltaJSON(""),
		deltaJSON(", "),
		deltaJSON("world"),
		finishJSON(),
		"[DONE]",
	))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	deltas, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	want := []string{"Hello", ", ", "world"}
	if strings.Join(deltas, "|") != strings.Join(want, "|") {
		t.Errorf("deltas = %q, want %q", deltas, want)
	}
	if s.Deltas() != 3 {
		t.Errorf("Deltas() = %d, want 3", s.Deltas())
	}

	// EOF is sticky and Close stays idempotent.
	if _, err := s.Next(); err != io.EOF {
		t.Errorf("Next() after end = %v, want io.EOF", err)
	}
	if err := s.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestStream_FinishReasonThenEOF(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t, deltaJSON("only"), finishJSON()))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	deltas, err := drain(t, s)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if len(deltas) != 1 {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestStream_EOFWithoutEndMarker(t *testing.T) {
	t.Run("after deltas", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t, deltaJSON("partial")))
		defer srv.Close()

		s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		deltas, err := drain(t, s)
		if !errors.Is(err, ErrProviderStreamInterrupted) {
			t.Fatalf("drain error = %v, want ErrProviderStreamInterrupted", err)
		}
		if len(deltas) != 1 {
			t.Errorf("deltas = %q", deltas)
		}
	})

	t.Run("before any delta", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t))
		defer srv.Close()

		s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		_, err = s.Next()
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("Next() error = %v, want ErrProviderUnavailable", err)
		}
	})
}

func TestStream_InBandError(t *testing.T) {
	srv := httptest.NewServer(sseHandler(t,
		deltaJSON("start"),
		`{"error":{"message":"overloaded","code":"server_error"}}`,
	))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	_, err = drain(t, s)
	if !errors.Is(err, ErrProviderStreamInterrupted) {
		t.Fatalf("drain error = %v, want ErrProviderStreamInterrupted", err)
	}
	if !strings.Contains(err.Error(), "overloaded") {
		t.Errorf("error should carry provider message: %v", err)
	}
}

func TestStream_InBandQuota(t *testing.T) {
	quota := `{"error":{"message":"You exceeded your current quota","type":"insufficient_quota","code":"insufficient_quota"}}`

	t.Run("before first delta", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t, quota))
		defer srv.Close()

		s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		_, err = s.Next()
		if !errors.Is(err, ErrProviderQuotaExceeded) {
			t.Fatalf("Next() error = %v, want ErrProviderQuotaExceeded", err)
		}
		if errors.Is(err, ErrProviderUnavailable) {
			t.Errorf("quota error should not also be unavailable: %v", err)
		}
		if _, again := s.Next(); again != err {
			t.Errorf("Next() after failure = %v, want sticky %v", again, err)
		}
	})

	t.Run("after a delta", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t, deltaJSON("start"), quota))
		defer srv.Close()

		s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		_, err = drain(t, s)
		if !errors.Is(err, ErrProviderStreamInterrupted) {
			t.Fatalf("drain error = %v, want ErrProviderStreamInterrupted", err)
		}
	})

	t.Run("other code before first delta", func(t *testing.T) {
		srv := httptest.NewServer(sseHandler(t, `{"error":{"message":"boom","code":"server_error"}}`))
		defer srv.Close()

		s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
		if err != nil {
			t.Fatalf("Open() error: %v", err)
		}
		_, err = s.Next()
		if !errors.Is(err, ErrProviderUnavailable) {
			t.Fatalf("Next() error = %v, want ErrProviderUnavailable", err)
		}
	})
}

// =============================================================================
// TIMEOUT AND CANCELLATION TESTS
// =============================================================================

func TestStream_FirstDeltaTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(t, srv.URL).WithFirstDeltaTimeout(50 * time.Millisecond)
	s, err := client.Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	start := time.Now()
	_, err = s.Next()
	if !errors.Is(err, ErrProviderUnavailable) || !errors.Is(err, ErrFirstDeltaTimeout) {
		t.Fatalf("Next() error = %v, want ErrProviderUnavailable + ErrFirstDeltaTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestStream_FirstDeltaTimeoutDuringConnect(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	client := newTestClient(t, srv.URL).WithFirstDeltaTimeout(50 * time.Millisecond)
	_, err := client.Open(context.Background(), testMessages())
	if !errors.Is(err, ErrFirstDeltaTimeout) {
		t.Fatalf("Open() error = %v, want ErrFirstDeltaTimeout", err)
	}
}

func TestStream_TimerStopsAfterFirstDelta(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		io.WriteString(w, "data: "+deltaJSON("one")+"\n\n")
		f.Flush()
		time.Sleep(300 * time.Millisecond)
		io.WriteString(w, "data: "+deltaJSON("two")+"\n\ndata: [DONE]\n\n")
		f.Flush()
	}))
	defer srv.Close()

	client := newTestClient(t, srv.URL).WithFirstDeltaTimeout(100 * time.Millisecond)
	s, err := client.Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	deltas, err := drain(t, s)
	if err != nil {
		t.Fatalf("slow deltas after the first should not time out: %v", err)
	}
	if strings.Join(deltas, "") != "onetwo" {
		t.Errorf("deltas = %q", deltas)
	}
}

func TestStream_CloseCancelsUpstream(t *testing.T) {
	upstreamDone := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for {
			if _, err := io.WriteString(w, "data: "+deltaJSON("tok")+"\n\n"); err != nil {
				break
			}
			f.Flush()
			select {
			case <-r.Context().Done():
				close(upstreamDone)
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
		close(upstreamDone)
	}))
	defer srv.Close()

	s, err := newTestClient(t, srv.URL).Open(context.Background(), testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := s.Next(); err != nil {
			t.Fatalf("Next() error: %v", err)
		}
	}
	s.Close()

	select {
	case <-upstreamDone:
	case <-time.After(5 * time.Second):
		t.Fatal("upstream request was not torn down after Close")
	}
}

func TestStream_ParentCancellation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: "+deltaJSON("tok")+"\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	s, err := newTestClient(t, srv.URL).Open(ctx, testMessages())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	defer s.Close()

	if _, err := s.Next(); err != nil {
		t.Fatalf("Next() error: %v", err)
	}
	cancel()
	if _, err := s.Next(); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next() after cancel = %v, want context.Canceled", err)
	}
}
