// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package transcripts fetches meeting transcripts from Fireflies.
//
// The Source interface is what the server and CLI consume; FirefliesClient
// implements it against the Fireflies GraphQL API. Transient failures
// (network errors, 429 and 5xx) are retried with exponential backoff.
package transcripts

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// Meeting is one transcript listing entry.
type Meeting struct {
	ID    string    `json:"id"`
	Title string    `json:"title"`
	Date  time.Time `json:"date"`
}

// Source lists meetings and fetches their transcript text.
type Source interface {
	List(ctx context.Context) ([]Meeting, error)
	Transcript(ctx context.Context, id string) (string, error)
}

var (
	// ErrNotConfigured is returned when no API key is set.
	ErrNotConfigured = errors.New("fireflies API key not set")

	// ErrNotFound is returned when a transcript does not exist.
	ErrNotFound = errors.New("transcript not found")

	// ErrNotUTF8 is returned for transcript files that are not UTF-8 text.
	ErrNotUTF8 = errors.New("transcript must be UTF-8 text")
)

// APIError is a failure reported by the Fireflies API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("fireflies error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("fireflies error (status %d): %s", e.Status, e.Message)
}

// Sentence is one spoken line.
type Sentence struct {
	Speaker string `json:"speaker_name"`
	Text    string `json:"text"`
}

// FormatSentences joins sentences as "Speaker: text" lines. Consecutive
// sentences from the same speaker share a line.
func FormatSentences(sentences []Sentence) string {
	var b strings.Builder
	prev := ""
	for _, s := range sentences {
		text := strings.TrimSpace(s.Text)
		if text == "" {
			continue
		}
		speaker := strings.TrimSpace(s.Speaker)
		if speaker == "" {
			speaker = "Unknown"
		}
		if speaker == prev && b.Len() > 0 {
			b.WriteByte(' ')
			b.WriteString(text)
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(speaker)
		b.WriteString(": ")
		b.WriteString(text)
		prev = speaker
	}
	return b.String()
}

// NormalizeText turns an uploaded or local transcript file into text: a
// leading byte order mark is dropped and the result is NFC normalized.
func NormalizeText(data []byte) (string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", ErrNotUTF8
	}
	return norm.NFC.String(string(data)), nil
}
