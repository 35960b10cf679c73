// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"encoding/json"

	"github.com/jeranaias/storyrelay/internal/stories"
)

// =============================================================================
// JSON EXPORTER
// =============================================================================

// JSONExporter renders stories as an indented JSON array.
type JSONExporter struct{}

// NewJSONExporter creates a JSON exporter.
func NewJSONExporter() *JSONExporter {
	return &JSONExporter{}
}

// Export converts the stories to JSON. A nil slice renders as [].
func (e *JSONExporter) Export(items []stories.UserStory) ([]byte, error) {
	if items == nil {
		items = []stories.UserStory{}
	}
	return json.MarshalIndent(items, "", "  ")
}

// FileExtension returns the file extension for JSON.
func (e *JSONExporter) FileExtension() string {
	return ".json"
}

// MimeType returns the MIME type for JSON.
func (e *JSONExporter) MimeType() string {
	return "application/json"
}
