// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"fmt"
	"strings"
	"time"

	"github.com/jeranaias/storyrelay/internal/stories"
)

// =============================================================================
// MARKDOWN EXPORTER
// =============================================================================

// MarkdownExporter renders stories as a numbered Markdown list.
type MarkdownExporter struct {
	options *Options
	now     func() time.Time
}

// NewMarkdownExporter creates a new Markdown exporter.
func NewMarkdownExporter(opts *Options) *MarkdownExporter {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &MarkdownExporter{options: opts, now: time.Now}
}

// Export converts the stories to Markdown. Each story is one numbered item
// followed by its tags as inline code badges.
func (e *MarkdownExporter) Export(items []stories.UserStory) ([]byte, error) {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("# %s\n\n", escapeMarkdown(e.options.title())))
	if e.options.IncludeMetadata {
		sb.WriteString(fmt.Sprintf("_%d stories, generated %s_\n\n",
			len(items), e.now().UTC().Format(time.RFC3339)))
	}

	if len(items) == 0 {
		sb.WriteString("No user stories.\n")
		return []byte(sb.String()), nil
	}

	for i, s := range items {
		story := strings.Join(strings.Fields(s.Story), " ")
		sb.WriteString(fmt.Sprintf("%d. %s\n", i+1, escapeMarkdown(story)))
		if len(s.Tags) > 0 {
			badges := make([]string, 0, len(s.Tags))
			for _, tag := range s.Tags {
				badges = append(badges, "`"+strings.ReplaceAll(tag, "`", "'")+"`")
			}
			sb.WriteString("   " + strings.Join(badges, " ") + "\n")
		}
	}
	return []byte(sb.String()), nil
}

// FileExtension returns the file extension for Markdown.
func (e *MarkdownExporter) FileExtension() string {
	return ".md"
}

// MimeType returns the MIME type for Markdown.
func (e *MarkdownExporter) MimeType() string {
	return "text/markdown; charset=utf-8"
}

// escapeMarkdown escapes characters that would break list formatting.
func escapeMarkdown(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "#", "\\#")
	s = strings.ReplaceAll(s, "*", "\\*")
	s = strings.ReplaceAll(s, "_", "\\_")
	s = strings.ReplaceAll(s, "[", "\\[")
	s = strings.ReplaceAll(s, "]", "\\]")
	return s
}
