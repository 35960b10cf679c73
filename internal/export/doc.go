// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package export renders extracted user stories into downloadable formats.
//
// # Formats
//
//   - csv: header "story,tags", every field quoted, tags joined by ", "
//   - json: indented array of {story, tags}
//   - md: numbered list with tag badges
//   - yaml: sequence of {story, tags}
//
// # Usage
//
//	exp, err := export.ByFormat("csv")
//	data, err := exp.Export(stories)
//
// Or write straight to disk:
//
//	path, err := export.ExportToFile(stories, exp, &export.Options{OutputDir: "out"})
package export
