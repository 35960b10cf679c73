// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"strings"

	"github.com/jeranaias/storyrelay/internal/stories"
)

// CSVExporter renders stories as two-column CSV.
type CSVExporter struct{}

// NewCSVExporter creates a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Export writes the header "story,tags" and one quoted row per story.
// Rows are separated by "\n" with no trailing newline.
func (e *CSVExporter) Export(items []stories.UserStory) ([]byte, error) {
	rows := make([]string, 0, len(items)+1)
	rows = append(rows, "story,tags")
	for _, s := range items {
		rows = append(rows, quoteCSV(s.Story)+","+quoteCSV(strings.Join(s.Tags, ", ")))
	}
	return []byte(strings.Join(rows, "\n")), nil
}

// FileExtension returns the file extension for CSV.
func (e *CSVExporter) FileExtension() string {
	return ".csv"
}

// MimeType returns the MIME type for CSV.
func (e *CSVExporter) MimeType() string {
	return "text/csv; charset=utf-8"
}

// quoteCSV always quotes, doubling any inner quote.
func quoteCSV(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
