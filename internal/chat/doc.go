// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat defines the conversation data model shared by every stage of
// the streaming proxy.
//
// # Key Types
//
//   - Role: message author (system, user, assistant)
//   - Message: a single role/content pair
//   - Request: the inbound conversation request (messages + optional transcript)
//
// # Usage
//
//	var req chat.Request
//	if err := json.NewDecoder(r.Body).Decode(&req); err != nil { ... }
//	if err := req.Validate(); err != nil {
//	    // errors.Is(err, chat.ErrInvalidRequest) == true
//	}
package chat
