// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// chat.go - The "storyrelay chat" command.
//
// An interactive REPL that keeps the conversation and relays every turn
// through the pipeline, so story extraction works exactly as over HTTP.
//
// Interactive commands:
//
//	/help, /h            Show available commands
//	/stories             Show stories from the last reply
//	/export FORMAT [DIR] Export them to a file
//	/history             Show the conversation
//	/status              Show session statistics
//	/clear, /c           Start a new conversation
//	/quit, /q            Exit chat
//	Ctrl+C               Cancel the current reply
//	Ctrl+D               Exit chat
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/peterh/liner"

	"github.com/jeranaias/storyrelay/internal/chat"
	"github.com/jeranaias/storyrelay/internal/config"
	"github.com/jeranaias/storyrelay/internal/export"
	"github.com/jeranaias/storyrelay/internal/pipeline"
	"github.com/jeranaias/storyrelay/internal/stories"
	"github.com/jeranaias/storyrelay/internal/util"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a ChatCLI and loads saved input history.
func NewChatCLI() *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	configDir, err := config.ConfigDir()
	if err != nil {
		configDir = os.TempDir()
	}

	c := &ChatCLI{
		line:        line,
		historyFile: filepath.Join(configDir, "chat_history"),
	}
	c.LoadHistory()
	return c
}

// LoadHistory loads input history from file.
func (c *ChatCLI) LoadHistory() {
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
}

// ReadInput reads a line with history navigation.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// SaveHistory persists input history, owner read/write only.
func (c *ChatCLI) SaveHistory() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0700); err != nil {
		return
	}
	f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	c.line.WriteHistory(f)
}

// Close saves history and restores the terminal.
func (c *ChatCLI) Close() {
	c.SaveHistory()
	c.line.Close()
}

// =============================================================================
// SESSION STATE
// =============================================================================

// chatSession holds one interactive conversation.
type chatSession struct {
	pipeline   *pipeline.Pipeline
	streams    Streams
	transcript string
	render     bool
	quiet      bool
	model      string

	messages    []chat.Message
	lastStories []stories.UserStory

	started time.Time
	turns   int
	failed  int
}

func newChatSession(p *pipeline.Pipeline, s Streams, model, transcript string) *chatSession {
	return &chatSession{
		pipeline:   p,
		streams:    s,
		transcript: transcript,
		model:      model,
		started:    time.Now(),
	}
}

// =============================================================================
// CHAT HANDLER
// =============================================================================

// HandleChat runs the interactive chat loop until /quit or Ctrl+D.
func HandleChat(ctx context.Context, args Args, s Streams) error {
	if err := RequiresTTY("chat"); err != nil {
		return err
	}

	cfg, err := loadConfig(args, true)
	if err != nil {
		return err
	}
	log := newLogger("chat", args)

	transcript, err := readTranscript(args.Transcript, int64(cfg.Provider.MaxPromptBytes))
	if err != nil {
		return err
	}
	p, _, err := newPipeline(cfg, log)
	if err != nil {
		return err
	}

	session := newChatSession(p, s, cfg.Provider.Model, transcript)
	session.render = IsStdoutTTY()
	session.quiet = args.Quiet

	input := NewChatCLI()
	defer input.Close()

	if !session.quiet {
		session.printWelcome()
	}

	for {
		line, err := input.ReadInput(PromptStyle.Render("storyrelay> "))
		if err != nil {
			// Ctrl+C at the prompt, Ctrl+D or a closed stdin all end the session.
			fmt.Fprintln(s.Out)
			session.printExitSummary()
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if !session.handleLine(ctx, line) {
			session.printExitSummary()
			return nil
		}
	}
}

// handleLine processes one input line. It returns false when the session
// should end.
func (cs *chatSession) handleLine(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return true
	}

	if strings.HasPrefix(line, "/") {
		cont, err := cs.handleSlashCommand(line)
		if err != nil {
			fmt.Fprintf(cs.streams.Err, "%s %v\n", ErrorStyle.Render("[ERROR]"), err)
		}
		return cont
	}
	if strings.EqualFold(line, "exit") || strings.EqualFold(line, "quit") {
		return false
	}

	if err := cs.processMessage(ctx, line); err != nil {
		fmt.Fprintf(cs.streams.Err, "%s %s\n", ErrorStyle.Render("[ERROR]"), pipeline.Describe(err))
	}
	return true
}

// =============================================================================
// MESSAGE PROCESSING
// =============================================================================

// processMessage relays one turn. The user message only joins the history
// when the turn completes; a failed turn leaves the conversation unchanged.
func (cs *chatSession) processMessage(ctx context.Context, input string) error {
	turnCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	messages := append(cs.messages[:len(cs.messages):len(cs.messages)], chat.NewUserMessage(input))
	req := chat.Request{Messages: messages, Transcript: cs.transcript}

	fmt.Fprintln(cs.streams.Out)
	out, err := askOnce(turnCtx, cs.pipeline, req, cs.streams, cs.render)
	cs.turns++
	if err != nil {
		cs.failed++
		if errors.Is(turnCtx.Err(), context.Canceled) && ctx.Err() == nil {
			fmt.Fprintln(cs.streams.Err, WarningStyle.Render("[Cancelled]"))
			return nil
		}
		return err
	}

	cs.messages = append(messages, chat.NewAssistantMessage(out.Relay.Text))
	if out.Extraction.Status == stories.StatusExtracted {
		cs.lastStories = out.Extraction.Stories
	}
	if !cs.quiet {
		cs.printTurnSummary(out)
	}
	return nil
}

func (cs *chatSession) printTurnSummary(out *pipeline.Outcome) {
	w := cs.streams.Out
	switch out.Extraction.Status {
	case stories.StatusExtracted:
		fmt.Fprintf(w, "%s %d user stories extracted; /stories to view, /export to save\n",
			SuccessStyle.Render("[OK]"), out.Extraction.Count())
		if out.Extraction.Dropped > 0 {
			fmt.Fprintln(w, WarningStyle.Render(fmt.Sprintf("%d malformed stories skipped", out.Extraction.Dropped)))
		}
	case stories.StatusFailed:
		fmt.Fprintf(w, "%s no user stories could be extracted from this reply\n", WarningStyle.Render("[WARN]"))
	}
	fmt.Fprintln(w, DimStyle.Render(fmt.Sprintf("%s | %s | %d chars",
		out.Mode, out.Relay.Elapsed.Round(time.Millisecond), len(out.Relay.Text))))
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleSlashCommand runs a chat command. It returns false on /quit.
func (cs *chatSession) handleSlashCommand(cmd string) (bool, error) {
	parts := strings.Fields(cmd)
	command := strings.ToLower(parts[0])
	args := parts[1:]

	switch command {
	case "/help", "/h", "/?", "/":
		printChatHelp(cs.streams.Out)
		return true, nil

	case "/clear", "/c":
		cs.messages = nil
		cs.lastStories = nil
		fmt.Fprintln(cs.streams.Out, SuccessStyle.Render("[Conversation cleared]"))
		return true, nil

	case "/stories":
		fmt.Fprintln(cs.streams.Out, RenderStories(cs.lastStories))
		return true, nil

	case "/export", "/e":
		return true, cs.exportStories(args)

	case "/history":
		cs.printHistory()
		return true, nil

	case "/status", "/s":
		cs.printStatus()
		return true, nil

	case "/quit", "/q", "/exit":
		return false, nil

	default:
		return true, fmt.Errorf("unknown command: %s (type /help for commands)", command)
	}
}

// exportStories writes the last extracted stories: /export FORMAT [DIR].
func (cs *chatSession) exportStories(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: /export FORMAT [DIR] (formats: %s)", strings.Join(export.Formats(), ", "))
	}
	if len(cs.lastStories) == 0 {
		return errors.New("no user stories to export; ask to generate user stories first")
	}

	opts := export.DefaultOptions()
	if len(args) > 1 {
		opts.OutputDir = args[1]
	}
	exp, err := export.ByFormatWithOptions(strings.ToLower(args[0]), opts)
	if err != nil {
		return err
	}
	path, err := export.ExportToFile(cs.lastStories, exp, opts)
	if err != nil {
		return err
	}
	fmt.Fprintf(cs.streams.Out, "%s wrote %d stories to %s\n", SuccessStyle.Render("[OK]"), len(cs.lastStories), path)
	return nil
}

// =============================================================================
// OUTPUT
// =============================================================================

func (cs *chatSession) printWelcome() {
	w := cs.streams.Out
	fmt.Fprintln(w, TitleStyle.Render("storyrelay chat"))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Model:"), ValueStyle.Render(cs.model))
	if cs.transcript != "" {
		fmt.Fprintf(w, "%s %s\n", RenderLabel("Transcript:"),
			ValueStyle.Render(fmt.Sprintf("%d characters attached", len([]rune(cs.transcript)))))
	}
	fmt.Fprintln(w, DimStyle.Render("Type /help for commands, Ctrl+D to exit."))
	fmt.Fprintln(w)
}

func printChatHelp(w io.Writer) {
	fmt.Fprintln(w, TitleStyle.Render("Chat commands"))
	for _, c := range [][2]string{
		{"/stories", "Show stories from the last reply"},
		{"/export FORMAT [DIR]", "Export them (" + strings.Join(export.Formats(), ", ") + ")"},
		{"/history", "Show the conversation"},
		{"/status", "Show session statistics"},
		{"/clear", "Start a new conversation"},
		{"/quit", "Exit (also Ctrl+D)"},
	} {
		fmt.Fprintf(w, "  %-22s %s\n", c[0], DimStyle.Render(c[1]))
	}
	fmt.Fprintln(w, DimStyle.Render("Include \"generate\" in a message to get user stories, \"summarize\" for a summary."))
}

func (cs *chatSession) printHistory() {
	w := cs.streams.Out
	if len(cs.messages) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No messages yet."))
		return
	}
	width := max(GetTerminalWidth()-14, 20)
	for _, m := range cs.messages {
		preview := strings.Join(strings.Fields(m.Content), " ")
		fmt.Fprintf(w, "%s %s\n", RenderLabel(string(m.Role)+":"), util.TruncateWidth(preview, width))
	}
}

func (cs *chatSession) printStatus() {
	w := cs.streams.Out
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Model:"), cs.model)
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Messages:"), len(cs.messages))
	fmt.Fprintf(w, "%s %d (%d failed)\n", RenderLabel("Turns:"), cs.turns, cs.failed)
	fmt.Fprintf(w, "%s %d\n", RenderLabel("Stories:"), len(cs.lastStories))
	fmt.Fprintf(w, "%s %s\n", RenderLabel("Duration:"), time.Since(cs.started).Round(time.Second))
}

func (cs *chatSession) printExitSummary() {
	if cs.quiet || cs.turns == 0 {
		return
	}
	fmt.Fprintln(cs.streams.Out, DimStyle.Render(fmt.Sprintf("%d turns in %s",
		cs.turns, time.Since(cs.started).Round(time.Second))))
}
