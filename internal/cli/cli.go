// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// cli.go - Command parsing and usage text for storyrelay.
package cli

import (
	"fmt"
	"io"
	"runtime"
	"strings"
)

// Version information (can be overridden at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

// Command represents the CLI command to execute.
type Command int

const (
	CmdServe Command = iota
	CmdAsk
	CmdChat
	CmdExtract
	CmdTranscripts
	CmdConfig
	CmdVersion
	CmdHelp
	CmdUnknown
)

// Args holds parsed CLI arguments.
type Args struct {
	// Global flags
	ConfigPath string
	Model      string
	Quiet      bool
	Verbose    bool

	// Command-specific
	Query      string // ask message
	Transcript string // --transcript FILE
	RawOutput  bool   // --raw: no markdown rendering
	File       string // extract input
	Format     string // --format
	OutDir     string // --out
	Subcommand string
	ID         string

	// Name is the command word as typed, kept for error messages.
	Name string

	// Raw holds the arguments after the command word. serve hands them to ff.
	Raw []string
}

const usageText = `storyrelay - meeting transcripts in, user stories out

Relays chat requests to a streaming completion provider, turning meeting
transcripts into summaries or tagged user stories.

Usage:
  storyrelay serve [flags]                 Run the HTTP API
  storyrelay ask [flags] <message>         One request, streamed to stdout
  storyrelay chat [flags]                  Interactive chat
  storyrelay extract [flags] <file>        Extract stories from saved model output
  storyrelay transcripts [list | show ID]  Browse Fireflies transcripts
  storyrelay config [show | path | init]   Show or create the configuration
  storyrelay version                       Print version information
  storyrelay help                          Show this help

Serve flags (also read from STORYRELAY_<FLAG> environment variables):
  --config FILE            Config file (default ~/.storyrelay/config.toml)
  --addr ADDR              Listen address (default :8080)
  --model NAME             Completion model
  --base-url URL           Completion API base URL
  --prompts FILE           TOML prompt table, reloaded on change
  --db FILE                SQLite push log (empty disables it)
  --log-level LEVEL        debug | info | warn | error

Ask and chat flags:
  --transcript FILE        Attach a transcript file to the conversation
  --raw                    Print the reply as plain text (ask only)

Chat commands:
  /stories                 Show stories from the last reply
  /export FORMAT           Export them (csv, json, markdown, yaml)
  /clear                   Start a new conversation
  /help                    Show chat commands
  /quit                    Exit (also Ctrl+D)

Extract flags:
  --format FORMAT          csv | json | markdown | yaml (default json)
  --out DIR                Write a file into DIR instead of stdout

Global flags:
  --config FILE            Config file
  --model NAME             Override the completion model
  -q, --quiet              Minimal output
  -v, --verbose            Debug logging

Environment:
  OPENAI_API_KEY           Completion provider key (required for ask, chat, serve)
  FIREFLIES_API_KEY        Fireflies key (transcripts, /fireflies)
  JIRA_BASE_URL, JIRA_EMAIL, JIRA_API_TOKEN, JIRA_PROJECT_KEY

Examples:
  storyrelay serve --addr :9000
  storyrelay ask --transcript standup.txt "generate user stories"
  storyrelay extract --format csv --out ./exports reply.txt
  storyrelay transcripts show 01HZX

Version: %s
`

// PrintUsage writes the help text.
func PrintUsage(w io.Writer) {
	fmt.Fprintf(w, usageText, Version)
}

// PrintVersion writes version information.
func PrintVersion(w io.Writer) {
	fmt.Fprintf(w, "storyrelay version %s\n", Version)
	fmt.Fprintf(w, "  Git commit: %s\n", GitCommit)
	fmt.Fprintf(w, "  Build date: %s\n", BuildDate)
	fmt.Fprintf(w, "  Go:         %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
}

// =============================================================================
// PARSING
// =============================================================================

// Parse splits argv (without the program name) into a command and its args.
func Parse(argv []string) (Command, Args) {
	remaining, args := parseGlobalFlags(argv)

	if len(remaining) == 0 {
		return CmdHelp, args
	}

	args.Name = remaining[0]
	remaining = remaining[1:]
	args.Raw = remaining

	switch strings.ToLower(args.Name) {
	case "serve", "server":
		return CmdServe, args

	case "ask":
		parseAskArgs(&args, remaining)
		return CmdAsk, args

	case "chat":
		parseChatArgs(&args, remaining)
		return CmdChat, args

	case "extract":
		parseExtractArgs(&args, remaining)
		return CmdExtract, args

	case "transcripts", "transcript", "fireflies":
		p := NewArgParser(remaining)
		args.Subcommand = strings.ToLower(p.Subcommand())
		args.ID = p.Positional(1)
		return CmdTranscripts, args

	case "config":
		args.Subcommand = strings.ToLower(NewArgParser(remaining).Subcommand())
		return CmdConfig, args

	case "version", "--version", "-V":
		return CmdVersion, args

	case "help", "--help", "-h":
		return CmdHelp, args

	default:
		return CmdUnknown, args
	}
}

// parseGlobalFlags consumes flags that appear before the command word.
func parseGlobalFlags(argv []string) ([]string, Args) {
	var args Args
	i := 0
	for ; i < len(argv); i++ {
		arg := argv[i]
		switch {
		case arg == "-q" || arg == "--quiet":
			args.Quiet = true
		case arg == "-v" || arg == "--verbose":
			args.Verbose = true
		case strings.HasPrefix(arg, "--config="):
			args.ConfigPath = strings.TrimPrefix(arg, "--config=")
		case arg == "--config" && i+1 < len(argv):
			i++
			args.ConfigPath = argv[i]
		case strings.HasPrefix(arg, "--model="):
			args.Model = strings.TrimPrefix(arg, "--model=")
		case arg == "--model" && i+1 < len(argv):
			i++
			args.Model = argv[i]
		default:
			return argv[i:], args
		}
	}
	return argv[i:], args
}

func parseAskArgs(args *Args, raw []string) {
	p := NewArgParser(raw, "raw", "quiet", "q", "verbose", "v")
	args.Transcript = p.Flag("transcript", "t")
	args.RawOutput = p.BoolFlag("raw")
	args.Query = strings.Join(p.PositionalFrom(0), " ")
	applyCommonFlags(args, p)
}

func parseChatArgs(args *Args, raw []string) {
	p := NewArgParser(raw, "quiet", "q", "verbose", "v")
	args.Transcript = p.Flag("transcript", "t")
	applyCommonFlags(args, p)
}

func parseExtractArgs(args *Args, raw []string) {
	p := NewArgParser(raw, "quiet", "q", "verbose", "v")
	args.Format = strings.ToLower(p.FlagOrDefault("format", "json"))
	args.OutDir = p.Flag("out", "o")
	args.File = p.Positional(0)
	applyCommonFlags(args, p)
}

// applyCommonFlags lets global flags follow the command word too.
func applyCommonFlags(args *Args, p *ArgParser) {
	if m := p.Flag("model", "m"); m != "" {
		args.Model = m
	}
	if c := p.Flag("config"); c != "" {
		args.ConfigPath = c
	}
	args.Quiet = args.Quiet || p.BoolFlag("quiet", "q")
	args.Verbose = args.Verbose || p.BoolFlag("verbose", "v")
}

// UnknownCommandError builds the error for an unrecognized command word,
// with a suggestion when one is close.
func UnknownCommandError(name string) error {
	if s := SuggestCommand(name); s != "" {
		return NewUsageError(fmt.Sprintf("unknown command %q (did you mean %q?)", name, s))
	}
	return NewUsageError(fmt.Sprintf("unknown command %q; run 'storyrelay help'", name))
}
