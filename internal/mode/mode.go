// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package mode

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"github.com/jeranaias/storyrelay/internal/chat"
)

// ============================================================================
// MODE TYPE
// ============================================================================

// Mode is the classified intent of the current turn.
type Mode int

const (
	// Plain is ordinary assistant chat.
	Plain Mode = iota
	// Summarize asks for a natural-language summary.
	Summarize
	// GenerateStories asks for a JSON array of tagged user stories.
	GenerateStories
)

// All lists every mode in declaration order.
var All = []Mode{Plain, Summarize, GenerateStories}

// Trigger words, checked in this order.
const (
	TriggerSummarize = "summarize"
	TriggerGenerate  = "generate"
)

// String returns the wire name of the mode.
func (m Mode) String() string {
	switch m {
	case Plain:
		return "plain"
	case Summarize:
		return "summarize"
	case GenerateStories:
		return "generate_stories"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// Valid reports whether m is a declared mode.
func (m Mode) Valid() bool {
	return m >= Plain && m <= GenerateStories
}

// ParseMode converts a wire name back into a Mode.
func ParseMode(s string) (Mode, error) {
	for _, m := range All {
		if strings.EqualFold(s, m.String()) {
			return m, nil
		}
	}
	return Plain, fmt.Errorf("unknown mode %q", s)
}

// ============================================================================
// CLASSIFICATION
// ============================================================================

// Classify picks the mode for the latest user message.
//
// Rules (in order of priority):
//  1. contains "summarize" -> Summarize
//  2. contains "generate"  -> GenerateStories
//  3. otherwise            -> Plain
func Classify(messages []chat.Message) (Mode, error) {
	latest, ok := chat.LatestUser(messages)
	if !ok {
		return Plain, fmt.Errorf("%w: no user message to classify", chat.ErrInvalidRequest)
	}
	return ClassifyText(latest.Content), nil
}

// ClassifyText applies the trigger rules to a single message body.
func ClassifyText(text string) Mode {
	// cases.Caser is stateful, so one per call.
	q := cases.Lower(language.Und).String(text)

	if strings.Contains(q, TriggerSummarize) {
		return Summarize
	}
	if strings.Contains(q, TriggerGenerate) {
		return GenerateStories
	}
	return Plain
}
