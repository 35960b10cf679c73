// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package export

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/util"
)

// =============================================================================
// EXPORT INTERFACE
// =============================================================================

// Exporter renders a list of user stories.
type Exporter interface {
	// Export converts the stories to the target format.
	Export(items []stories.UserStory) ([]byte, error)

	// FileExtension returns the file extension, including the dot.
	FileExtension() string

	// MimeType returns the MIME type of the rendered content.
	MimeType() string
}

// ErrUnknownFormat is returned by ByFormat for unsupported names.
var ErrUnknownFormat = errors.New("unsupported export format")

// =============================================================================
// EXPORT OPTIONS
// =============================================================================

// Options configures file exports.
type Options struct {
	// OutputDir is the directory where files will be saved.
	// Default: current working directory
	OutputDir string

	// Title heads Markdown exports and names the output file.
	// Default: "User Stories"
	Title string

	// IncludeMetadata adds a generated-at line to Markdown exports.
	IncludeMetadata bool
}

// DefaultOptions returns default export options.
func DefaultOptions() *Options {
	return &Options{
		OutputDir:       ".",
		Title:           "User Stories",
		IncludeMetadata: true,
	}
}

func (o *Options) title() string {
	if o == nil || strings.TrimSpace(o.Title) == "" {
		return "User Stories"
	}
	return strings.TrimSpace(o.Title)
}

// =============================================================================
// FORMAT REGISTRY
// =============================================================================

var formats = map[string]func(*Options) Exporter{
	"csv":      func(o *Options) Exporter { return NewCSVExporter() },
	"json":     func(o *Options) Exporter { return NewJSONExporter() },
	"md":       func(o *Options) Exporter { return NewMarkdownExporter(o) },
	"markdown": func(o *Options) Exporter { return NewMarkdownExporter(o) },
	"yaml":     func(o *Options) Exporter { return NewYAMLExporter() },
	"yml":      func(o *Options) Exporter { return NewYAMLExporter() },
}

// Formats returns the accepted format names, sorted.
func Formats() []string {
	names := make([]string, 0, len(formats))
	for name := range formats {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByFormat returns the exporter for a format name such as "csv" or "md".
func ByFormat(name string) (Exporter, error) {
	return ByFormatWithOptions(name, nil)
}

// ByFormatWithOptions is ByFormat with exporter options.
func ByFormatWithOptions(name string, opts *Options) (Exporter, error) {
	ctor, ok := formats[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFormat, name)
	}
	if opts == nil {
		opts = DefaultOptions()
	}
	return ctor(opts), nil
}

// =============================================================================
// EXPORT FUNCTIONS
// =============================================================================

// ExportToFile renders the stories and writes them atomically into
// opts.OutputDir. Returns the output file path.
func ExportToFile(items []stories.UserStory, exporter Exporter, opts *Options) (string, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	content, err := exporter.Export(items)
	if err != nil {
		return "", fmt.Errorf("export failed: %w", err)
	}

	dir := opts.OutputDir
	if dir == "" {
		dir = "."
	}
	filename := fmt.Sprintf("%s_%s%s",
		sanitizeFilename(opts.title()),
		time.Now().Format("20060102_150405"),
		exporter.FileExtension(),
	)
	outputPath := filepath.Join(dir, filename)

	if err := util.AtomicWriteFile(outputPath, content, 0644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return outputPath, nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// sanitizeFilename replaces characters that are invalid in filenames.
func sanitizeFilename(s string) string {
	s = util.TruncateRunesNoEllipsis(s, 50)

	var b strings.Builder
	for _, r := range s {
		switch {
		case strings.ContainsRune(`/\:*?"<>|`, r):
			b.WriteRune('-')
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			b.WriteRune('_')
		case r < 32 || r == 127:
			b.WriteRune('-')
		default:
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "stories"
	}
	return b.String()
}
