// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package mode classifies a conversation turn into an operating mode.
//
// Classification is purely lexical: the latest user message is lower-cased
// and checked for trigger words in priority order ("summarize" before
// "generate"). Changing behavior means changing the trigger constants, not
// the algorithm.
//
// # Key Types
//
//   - Mode: closed enumeration (Plain, Summarize, GenerateStories)
//
// # Usage
//
//	m, err := mode.Classify(req.Messages)
//	if err != nil {
//	    // errors.Is(err, chat.ErrInvalidRequest)
//	}
package mode
