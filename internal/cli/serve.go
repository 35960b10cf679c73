// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// serve.go - The "storyrelay serve" command.
//
// Configuration precedence, lowest first: defaults, config file, provider
// environment variables, STORYRELAY_* variables, flags.
package cli

import (
	"context"
	"errors"
	"flag"
	"slices"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/peterbourgon/ff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/jeranaias/storyrelay/internal/config"
	"github.com/jeranaias/storyrelay/internal/logging"
	"github.com/jeranaias/storyrelay/internal/prompt"
	"github.com/jeranaias/storyrelay/internal/server"
	"github.com/jeranaias/storyrelay/internal/storage"
	"github.com/jeranaias/storyrelay/internal/tracker"
)

const envVarPrefix = "STORYRELAY"

// parseServeConfig builds the server configuration from the config file,
// the environment and the serve flags.
func parseServeConfig(args Args, s Streams) (*config.Config, error) {
	path := args.ConfigPath
	if p := scanConfigFlag(args.Raw); p != "" {
		path = p
	}
	cfg, err := readConfigFile(path)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	if args.Model != "" {
		cfg.Provider.Model = args.Model
	}
	if args.Verbose {
		cfg.Log.Level = "debug"
	}

	fs := flag.NewFlagSet("storyrelay serve", flag.ContinueOnError)
	fs.SetOutput(s.Err)
	// Already consumed by scanConfigFlag; declared so ff accepts it.
	fs.String("config", path, "Config file")
	cfg.BindFlags(fs)

	if err := ff.Parse(fs, slices.Clone(args.Raw), ff.WithEnvVarPrefix(envVarPrefix)); err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil, err
		}
		return nil, NewUsageError(err.Error())
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// scanConfigFlag finds --config before flag parsing, since the file must be
// loaded before flags are bound over its values.
func scanConfigFlag(raw []string) string {
	for i, arg := range raw {
		switch {
		case arg == "--":
			return ""
		case strings.HasPrefix(arg, "--config="), strings.HasPrefix(arg, "-config="):
			return arg[strings.Index(arg, "=")+1:]
		case (arg == "--config" || arg == "-config") && i+1 < len(raw):
			return raw[i+1]
		}
	}
	return ""
}

// HandleServe runs the HTTP server until ctx is done.
func HandleServe(ctx context.Context, args Args, s Streams) (err error) {
	cfg, err := parseServeConfig(args, s)
	if err != nil {
		if errors.Is(err, ff.ErrHelp) {
			return nil
		}
		return err
	}

	level := cfg.Log.Level
	log := logging.New("storyrelay", level)
	defer func() { _ = log.Sync() }()

	if cfg.Sentry.DSN != "" {
		if serr := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.Sentry.DSN,
			Environment: cfg.Sentry.Environment,
			Release:     "storyrelay@" + Version,
		}); serr != nil {
			log.Warn("SentryInitError", zap.Error(serr))
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	p, asm, err := newPipeline(cfg, logging.New("pipeline", level))
	if err != nil {
		return err
	}

	opts := []server.Option{server.WithLogger(logging.New("server", level))}

	if fc, ferr := newTranscripts(cfg, logging.New("fireflies", level)); ferr == nil {
		opts = append(opts, server.WithTranscripts(fc))
	} else {
		log.Info("FirefliesDisabled")
	}

	if cfg.Jira.Configured() {
		jc := tracker.NewJiraClient(tracker.JiraConfig{
			BaseURL:           cfg.Jira.BaseURL,
			Email:             cfg.Jira.Email,
			APIToken:          cfg.Jira.APIToken,
			ProjectKey:        cfg.Jira.ProjectKey,
			IssueType:         cfg.Jira.IssueType,
			RequestsPerSecond: cfg.Jira.RequestsPerSecond,
		}).WithLogger(logging.New("jira", level))
		opts = append(opts, server.WithTracker(jc))
	} else {
		log.Info("JiraDisabled")
	}

	if cfg.Storage.Path != "" {
		pushes, perr := storage.Open(cfg.Storage.Path)
		if perr != nil {
			return perr
		}
		defer func() {
			err = multierr.Append(err, pushes.Close())
		}()
		opts = append(opts, server.WithPushLog(pushes))
	}

	srv := server.New(server.Config{
		Addr:            cfg.Server.Addr,
		MaxRequestBytes: cfg.Server.MaxRequestBytes,
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Duration,
		ResultTTL:       cfg.Server.ResultTTL.Duration,
		ResultCacheSize: cfg.Server.ResultCacheSize,
		AllowedOrigins:  cfg.Server.AllowedOrigins,
		Version:         Version,
		Model:           cfg.Provider.Model,
	}, p, opts...)

	log.Info("Starting",
		zap.String("addr", cfg.Server.Addr),
		zap.String("model", cfg.Provider.Model),
	)
	log.Debug("EffectiveConfig", zap.Stringer("config", cfg))

	g, gctx := errgroup.WithContext(ctx)
	if cfg.Provider.PromptsFile != "" {
		g.Go(func() error {
			return prompt.Watch(gctx, cfg.Provider.PromptsFile, asm, logging.New("prompt", level))
		})
	}
	g.Go(func() error {
		return srv.Run(gctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		sentry.CaptureException(err)
		return err
	}
	log.Info("Stopped")
	return nil
}
