// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package prompt

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/jeranaias/storyrelay/internal/mode"
)

// =============================================================================
// DEFAULT PROMPTS
// =============================================================================

const (
	defaultSummarizePrompt = "You are a product assistant that summarizes transcripts clearly and concisely."

	defaultGeneratePrompt = "You are a product assistant that converts user feedback and meeting transcripts " +
		"into user stories. Respond with a JSON array only. Each element must be an object with a " +
		"\"story\" field holding one user story (\"As a <user> I want <goal> so that <benefit>\") and a " +
		"\"tags\" field holding 1 to 3 short lowercase labels. Example: " +
		"[{\"story\": \"As a user I want dark mode so that I can read at night\", \"tags\": [\"ui\", \"accessibility\"]}]"

	defaultPlainPrompt = "You are a helpful product assistant. Answer questions about user feedback " +
		"and meeting transcripts accurately and concisely."
)

// =============================================================================
// TABLE
// =============================================================================

// Table holds the system prompt for each mode.
type Table struct {
	Summarize       string `toml:"summarize" json:"summarize"`
	GenerateStories string `toml:"generate_stories" json:"generate_stories"`
	Plain           string `toml:"plain" json:"plain"`
}

// DefaultTable returns the built-in prompt table.
func DefaultTable() Table {
	return Table{
		Summarize:       defaultSummarizePrompt,
		GenerateStories: defaultGeneratePrompt,
		Plain:           defaultPlainPrompt,
	}
}

// For returns the system prompt for m.
func (t Table) For(m mode.Mode) string {
	switch m {
	case mode.Summarize:
		return t.Summarize
	case mode.GenerateStories:
		return t.GenerateStories
	case mode.Plain:
		return t.Plain
	default:
		panic(fmt.Sprintf("prompt: unhandled mode %v", m))
	}
}

// Validate checks that every mode has a non-blank prompt.
func (t Table) Validate() error {
	var missing []string
	for _, m := range mode.All {
		if strings.TrimSpace(t.For(m)) == "" {
			missing = append(missing, m.String())
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("prompt table: empty prompt for %s", strings.Join(missing, ", "))
	}
	return nil
}

// fillDefaults fills blank entries from the built-in table.
func (t *Table) fillDefaults() {
	defaults := DefaultTable()
	if strings.TrimSpace(t.Summarize) == "" {
		t.Summarize = defaults.Summarize
	}
	if strings.TrimSpace(t.GenerateStories) == "" {
		t.GenerateStories = defaults.GenerateStories
	}
	if strings.TrimSpace(t.Plain) == "" {
		t.Plain = defaults.Plain
	}
}

// LoadTable reads a prompt table from a TOML file. Keys left out of the file
// keep their built-in values.
//
//	summarize        = "..."
//	generate_stories = "..."
//	plain            = "..."
func LoadTable(path string) (Table, error) {
	var t Table
	md, err := toml.DecodeFile(path, &t)
	if err != nil {
		return Table{}, fmt.Errorf("failed to decode prompt table: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Table{}, fmt.Errorf("prompt table: unknown keys %s", strings.Join(keys, ", "))
	}
	t.fillDefaults()
	return t, t.Validate()
}
