// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// config_cmd.go - The "storyrelay config" command.
//
// Usage:
//
//	storyrelay config [show]  Print the effective configuration, secrets redacted
//	storyrelay config path    Print the config file location
//	storyrelay config init    Write a default config file if none exists
package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jeranaias/storyrelay/internal/config"
)

const configUsage = "storyrelay config [show | path | init]"

// HandleConfig shows or initializes the configuration.
func HandleConfig(_ context.Context, args Args, s Streams) error {
	switch args.Subcommand {
	case "", "show":
		cfg, err := loadConfig(args, false)
		if err != nil {
			return err
		}
		fmt.Fprint(s.Out, cfg.String())
		return nil

	case "path":
		path, err := configFilePath(args)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.Out, path)
		return nil

	case "init":
		path, err := configFilePath(args)
		if err != nil {
			return err
		}
		if _, err := os.Stat(path); err == nil {
			return NewCommandError("config", "init", "file exists", fmt.Errorf("%s", path))
		}
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return NewCommandError("config", "init", path, err)
		}
		if err := config.SaveTOML(config.Default(), path); err != nil {
			return err
		}
		if !args.Quiet {
			fmt.Fprintf(s.Out, "%s wrote %s\n", SuccessStyle.Render("[OK]"), path)
		}
		return nil

	default:
		return NewUsageError(fmt.Sprintf("unknown config subcommand %q\n\nUsage: %s", args.Subcommand, configUsage))
	}
}

func configFilePath(args Args) (string, error) {
	if args.ConfigPath != "" {
		return args.ConfigPath, nil
	}
	return config.ConfigPath()
}
