// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stories

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/jeranaias/storyrelay/internal/mode"
)

// MaxTags is the most tags a story may carry.
const MaxTags = 3

// UserStory is one extracted story.
type UserStory struct {
	Story string   `json:"story" yaml:"story" validate:"required"`
	Tags  []string `json:"tags" yaml:"tags" validate:"min=1,max=3,dive,required"`
}

// Normalize trims the story and each tag.
func (s UserStory) Normalize() UserStory {
	out := UserStory{
		Story: strings.TrimSpace(s.Story),
		Tags:  make([]string, len(s.Tags)),
	}
	for i, tag := range s.Tags {
		out.Tags[i] = strings.TrimSpace(tag)
	}
	return out
}

// Validate reports whether the normalized story is well formed.
func (s UserStory) Validate() error {
	return validate().Struct(s.Normalize())
}

var (
	validateOnce  sync.Once
	validatorInst *validator.Validate
)

func validate() *validator.Validate {
	validateOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}

// =============================================================================
// ERRORS
// =============================================================================

// ErrExtractionFailed is matched by every extraction failure. It never aborts
// a stream; the reply was already delivered.
var ErrExtractionFailed = errors.New("story extraction failed")

// ExtractionError carries the text that failed to parse.
type ExtractionError struct {
	// Substring is the bracketed candidate, empty when no brackets were found.
	Substring string
	Err       error
}

// Error implements the error interface.
func (e *ExtractionError) Error() string {
	return fmt.Sprintf("%s: %v", ErrExtractionFailed, e.Err)
}

// Unwrap returns the underlying parse error.
func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// Is matches ErrExtractionFailed.
func (e *ExtractionError) Is(target error) bool {
	return target == ErrExtractionFailed
}

var errNoArray = errors.New("no JSON array found")

// =============================================================================
// EXTRACTION
// =============================================================================

// Extract finds the span from the first '[' to the last ']' in text, parses
// it as a JSON array and keeps every element that is a valid story. It
// returns the kept stories and how many elements were dropped.
func Extract(text string) ([]UserStory, int, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < start {
		return nil, 0, &ExtractionError{Err: errNoArray}
	}

	candidate := text[start : end+1]

	var elements []json.RawMessage
	if err := json.Unmarshal([]byte(candidate), &elements); err != nil {
		return nil, 0, &ExtractionError{Substring: candidate, Err: err}
	}

	stories := make([]UserStory, 0, len(elements))
	dropped := 0
	for _, raw := range elements {
		story, ok := decodeStory(raw)
		if !ok {
			dropped++
			continue
		}
		stories = append(stories, story)
	}
	return stories, dropped, nil
}

func decodeStory(raw json.RawMessage) (UserStory, bool) {
	var s UserStory
	if err := json.Unmarshal(raw, &s); err != nil {
		return UserStory{}, false
	}
	s = s.Normalize()
	if err := validate().Struct(s); err != nil {
		return UserStory{}, false
	}
	return s, true
}

// Filter returns the valid stories of in, normalized, and the number dropped.
func Filter(in []UserStory) ([]UserStory, int) {
	out := make([]UserStory, 0, len(in))
	for _, s := range in {
		n := s.Normalize()
		if validate().Struct(n) != nil {
			continue
		}
		out = append(out, n)
	}
	return out, len(in) - len(out)
}

// =============================================================================
// MODE-AWARE EXTRACTION
// =============================================================================

// Status is the outcome of post-stream extraction.
type Status string

const (
	StatusNotApplicable Status = "not_applicable"
	StatusExtracted     Status = "extracted"
	StatusFailed        Status = "failed"
)

// Extraction is the result of running the extractor over a finished reply.
type Extraction struct {
	Status    Status      `json:"status"`
	Stories   []UserStory `json:"stories"`
	Dropped   int         `json:"dropped"`
	Substring string      `json:"-"`
	Err       error       `json:"-"`
}

// Count returns the number of extracted stories.
func (e Extraction) Count() int {
	return len(e.Stories)
}

// ExtractFor runs Extract only in GenerateStories mode.
func ExtractFor(m mode.Mode, text string) Extraction {
	if m != mode.GenerateStories {
		return Extraction{Status: StatusNotApplicable}
	}

	stories, dropped, err := Extract(text)
	if err != nil {
		var ee *ExtractionError
		substring := ""
		if errors.As(err, &ee) {
			substring = ee.Substring
		}
		return Extraction{Status: StatusFailed, Substring: substring, Err: err}
	}
	return Extraction{Status: StatusExtracted, Stories: stories, Dropped: dropped}
}
