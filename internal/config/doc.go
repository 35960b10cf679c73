// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config loads storyrelay configuration.
//
// # Configuration Precedence
//
// From highest to lowest:
//   - Command line flags bound with BindFlags (serve only, STORYRELAY_* env via ff)
//   - Environment variables (OPENAI_*, FIREFLIES_*, JIRA_*, STORYRELAY_*)
//   - ~/.storyrelay/config.toml, or the file given with --config
//   - Built-in defaults
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    var verrs config.ValidateErrors
//	    if errors.As(err, &verrs) { ... }
//	}
//
// Secrets are redacted by Config.String, so a config may be logged.
package config
