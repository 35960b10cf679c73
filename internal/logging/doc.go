// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging creates named zap loggers that share one output core.
//
// Output is JSON when stderr is not a terminal (or STORYRELAY_LOG_FORMAT=json)
// and colored console text otherwise. Each subsystem has its own level that
// can be changed at runtime.
//
// # Usage
//
//	log := logging.New("server", "info")
//	log.Info("ServerStarted", zap.String("addr", addr))
package logging
