// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// transcripts_cmd.go - The "storyrelay transcripts" command.
//
// Usage:
//
//	storyrelay transcripts [list]   List recent Fireflies meetings
//	storyrelay transcripts show ID  Print one transcript
package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/storyrelay/internal/transcripts"
	"github.com/jeranaias/storyrelay/internal/util"
)

const transcriptsUsage = "storyrelay transcripts [list | show ID]"

// HandleTranscripts lists or shows Fireflies transcripts.
func HandleTranscripts(ctx context.Context, args Args, s Streams) error {
	cfg, err := loadConfig(args, false)
	if err != nil {
		return err
	}
	client, err := newTranscripts(cfg, newLogger("fireflies", args))
	if err != nil {
		return err
	}

	switch args.Subcommand {
	case "", "list", "ls":
		meetings, err := client.List(ctx)
		if err != nil {
			return err
		}
		printMeetings(s.Out, meetings, GetTerminalWidth())
		return nil

	case "show", "get":
		if args.ID == "" {
			return ErrMissingArgument("transcript ID", transcriptsUsage)
		}
		text, err := client.Transcript(ctx, args.ID)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.Out, text)
		return nil

	default:
		return NewUsageError(fmt.Sprintf("unknown transcripts subcommand %q\n\nUsage: %s", args.Subcommand, transcriptsUsage))
	}
}

// printMeetings writes an aligned ID / date / title table fitted to width.
func printMeetings(w io.Writer, meetings []transcripts.Meeting, width int) {
	if len(meetings) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No transcripts."))
		return
	}

	idWidth := len("ID")
	for _, m := range meetings {
		idWidth = max(idWidth, runewidth.StringWidth(m.ID))
	}
	const dateWidth = len("2006-01-02 15:04")
	titleWidth := max(width-idWidth-dateWidth-4, 10)

	fmt.Fprintf(w, "%s  %s  %s\n",
		TitleStyle.Render(runewidth.FillRight("ID", idWidth)),
		TitleStyle.Render(runewidth.FillRight("DATE", dateWidth)),
		TitleStyle.Render("TITLE"))
	for _, m := range meetings {
		date := ""
		if !m.Date.IsZero() {
			date = m.Date.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s  %s  %s\n",
			runewidth.FillRight(m.ID, idWidth),
			DimStyle.Render(runewidth.FillRight(date, dateWidth)),
			util.TruncateWidth(m.Title, titleWidth))
	}
}
