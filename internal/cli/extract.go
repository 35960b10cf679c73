// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// extract.go - The "storyrelay extract" command.
//
// Runs the story extractor over saved model output, without calling the
// provider, and prints or exports the result.
//
// Examples:
//
//	storyrelay extract reply.txt
//	storyrelay extract --format csv --out ./exports reply.txt
//	pbpaste | storyrelay extract --format markdown -
package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	chromaStyles "github.com/alecthomas/chroma/v2/styles"

	"github.com/jeranaias/storyrelay/internal/export"
	"github.com/jeranaias/storyrelay/internal/stories"
)

const extractUsage = "storyrelay extract [--format csv|json|markdown|yaml] [--out DIR] <file|->"

// maxExtractInput bounds the file read by extract.
const maxExtractInput = 8 << 20

// HandleExtract extracts stories from a file, or stdin for "-".
func HandleExtract(_ context.Context, args Args, s Streams) error {
	if args.File == "" {
		return ErrMissingArgument("input file", extractUsage)
	}

	opts := export.DefaultOptions()
	if args.OutDir != "" {
		opts.OutputDir = args.OutDir
	}
	exp, err := export.ByFormatWithOptions(args.Format, opts)
	if err != nil {
		return fmt.Errorf("%w (formats: %s)", err, strings.Join(export.Formats(), ", "))
	}

	text, err := readExtractInput(args.File, s.In)
	if err != nil {
		return err
	}

	items, dropped, err := stories.Extract(text)
	if err != nil {
		return NewCommandError("extract", "parse", args.File, err)
	}
	if dropped > 0 && !args.Quiet {
		fmt.Fprintln(s.Err, WarningStyle.Render(fmt.Sprintf("%d malformed stories skipped", dropped)))
	}

	if args.OutDir != "" {
		path, err := export.ExportToFile(items, exp, opts)
		if err != nil {
			return NewCommandError("extract", "write", args.OutDir, err)
		}
		if !args.Quiet {
			fmt.Fprintf(s.Err, "%s wrote %d stories to %s\n", SuccessStyle.Render("[OK]"), len(items), path)
		}
		return nil
	}

	content, err := exp.Export(items)
	if err != nil {
		return err
	}
	if IsStdoutTTY() && ColorsEnabled() {
		content = highlight(content, args.Format)
	}
	if _, err := s.Out.Write(content); err != nil {
		return err
	}
	if len(content) > 0 && content[len(content)-1] != '\n' {
		fmt.Fprintln(s.Out)
	}
	return nil
}

func readExtractInput(path string, stdin io.Reader) (string, error) {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return "", NewCommandError("extract", "read", path, err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(io.LimitReader(r, maxExtractInput))
	if err != nil {
		return "", NewCommandError("extract", "read", path, err)
	}
	return string(data), nil
}

// highlight syntax-colors exported content for the terminal. Any failure
// returns the content unchanged.
func highlight(content []byte, format string) []byte {
	lexer := lexers.Get(format)
	if lexer == nil {
		return content
	}
	lexer = chroma.Coalesce(lexer)

	style := chromaStyles.Get("monokai")
	if style == nil {
		style = chromaStyles.Fallback
	}
	formatter := formatters.Get("terminal256")
	if formatter == nil {
		return content
	}

	iterator, err := lexer.Tokenise(nil, string(content))
	if err != nil {
		return content
	}
	var buf bytes.Buffer
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return content
	}
	return buf.Bytes()
}
