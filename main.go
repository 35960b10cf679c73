// storyrelay - meeting transcripts in, user stories out.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jeranaias/storyrelay/internal/cli"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func init() {
	cli.Version = Version
	cli.GitCommit = GitCommit
	cli.BuildDate = BuildDate
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd, args := cli.Parse(os.Args[1:])
	streams := cli.StdStreams()

	var err error
	switch cmd {
	case cli.CmdServe:
		err = cli.HandleServe(ctx, args, streams)
	case cli.CmdAsk:
		err = cli.HandleAsk(ctx, args, streams)
	case cli.CmdChat:
		// chat cancels turns itself on Ctrl+C; only the session context is ours.
		stop()
		err = cli.HandleChat(context.Background(), args, streams)
	case cli.CmdExtract:
		err = cli.HandleExtract(ctx, args, streams)
	case cli.CmdTranscripts:
		err = cli.HandleTranscripts(ctx, args, streams)
	case cli.CmdConfig:
		err = cli.HandleConfig(ctx, args, streams)
	case cli.CmdVersion:
		cli.PrintVersion(streams.Out)
	case cli.CmdHelp:
		cli.PrintUsage(streams.Out)
	default:
		err = cli.UnknownCommandError(args.Name)
	}

	if err != nil {
		if ctx.Err() != nil && cli.GetExitCode(err) == cli.ExitInterrupted {
			fmt.Fprintln(streams.Err)
			return cli.ExitInterrupted
		}
		cli.DisplayError(streams.Err, err)
		return cli.GetExitCode(err)
	}
	return cli.ExitSuccess
}
