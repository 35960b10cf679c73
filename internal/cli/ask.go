// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// ask.go - The "storyrelay ask" command.
//
// Sends one message through the same pipeline the server uses and streams
// the reply to stdout.
//
// Examples:
//
//	storyrelay ask "summarize the decisions"
//	storyrelay ask --transcript standup.txt "generate user stories"
//	storyrelay ask --raw "hello" | tee reply.txt
//
// Flags:
//
//	-t, --transcript FILE   Attach a transcript file
//	--raw                   Plain text reply, no markdown rendering
//	-m, --model NAME        Override the completion model
package cli

import (
	"context"
	"fmt"
	"strings"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/stories"
)

const askUsage = "storyrelay ask [--transcript FILE] [--raw] <message>"

// HandleAsk sends a single message and prints the reply.
func HandleAsk(ctx context.Context, args Args, s Streams) error {
	if strings.TrimSpace(args.Query) == "" {
		return ErrMissingArgument("message", askUsage)
	}

	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}
	log := newLogger("ask", args)

	transcript, err := readTranscript(args.Transcript, int64(cfg.Provider.MaxPromptBytes))
	if err != nil {
		return err
	}

	p, _, err := newPipeline(cfg, log)
	if err != nil {
		return err
	}

	req := chat.Request{
		Messages:   []chat.Message{chat.NewUserMessage(args.Query)},
		Transcript: transcript,
	}
	out, err := askOnce(ctx, p, req, s, !args.RawOutput && IsStdoutTTY())
	if err != nil {
		return err
	}

	printExtraction(s, out.Extraction, args.Quiet || args.RawOutput || !IsStdoutTTY())
	return nil
}

// askOnce runs one request. With render set the reply is collected and
// rendered as markdown once complete; otherwise deltas go straight out.
func askOnce(ctx context.Context, p *pipeline.Pipeline, req chat.Request, s Streams, render bool) (*pipeline.Outcome, error) {
	sink := &termSink{w: s.Out, buffered: render}
	out, err := p.Run(ctx, req, sink)
	if render && sink.buf.Len() > 0 {
		fmt.Fprint(s.Out, renderMarkdown(sink.buf.String(), GetTerminalWidth()-2))
	}
	return out, err
}

// printExtraction reports extracted stories. In plain mode nothing is
// printed. When toStderr is set the listing goes to stderr so stdout carries
// only the reply.
func printExtraction(s Streams, ex stories.Extraction, toStderr bool) {
	w := s.Out
	if toStderr {
		w = s.Err
	}
	switch ex.Status {
	case stories.StatusExtracted:
		fmt.Fprintln(w)
		fmt.Fprintln(w, TitleStyle.Render(fmt.Sprintf("User stories (%d)", ex.Count())))
		fmt.Fprintln(w, RenderSeparatorAdaptive())
		fmt.Fprintln(w, RenderStories(ex.Stories))
		if ex.Dropped > 0 {
			fmt.Fprintln(w, WarningStyle.Render(fmt.Sprintf("%d malformed stories skipped", ex.Dropped)))
		}
	case stories.StatusFailed:
		fmt.Fprintln(w)
		fmt.Fprintf(w, "%s no user stories could be extracted: %v\n", WarningStyle.Render("[WARN]"), ex.Err)
	}
}
