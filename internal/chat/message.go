// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// ROLES
// =============================================================================

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MaxMessageCount is the maximum number of messages accepted in one request.
const MaxMessageCount = 100

// ErrInvalidRequest indicates malformed caller input. It is never retried.
var ErrInvalidRequest = errors.New("invalid request")

// =============================================================================
// MESSAGE
// =============================================================================

// Message represents a single message in a conversation.
type Message struct {
	Role    Role   `json:"role" validate:"required,oneof=system user assistant"`
	Content string `json:"content"`
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates a new assistant message.
func NewAssistantMessage(content string) Message {
	return Message{Role: RoleAssistant, Content: content}
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) Message {
	return Message{Role: RoleSystem, Content: content}
}

// LatestUser returns the most recent user message.
func LatestUser(messages []Message) (Message, bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == RoleUser {
			return messages[i], true
		}
	}
	return Message{}, false
}

// =============================================================================
// REQUEST
// =============================================================================

// Request is an inbound conversation request.
type Request struct {
	Messages   []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	Transcript string    `json:"transcript,omitempty"`
}

var (
	validate     *validator.Validate
	validateOnce sync.Once
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// Validate checks the request shape. All failures wrap ErrInvalidRequest.
//
// The system slot is owned by the prompt assembler, so callers may not send
// system messages.
func (r *Request) Validate() error {
	if err := validatorInstance().Struct(r); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, describe(err))
	}

	for i, msg := range r.Messages {
		if msg.Role == RoleSystem {
			return fmt.Errorf("%w: message %d: system role is reserved", ErrInvalidRequest, i)
		}
	}

	if _, ok := LatestUser(r.Messages); !ok {
		return fmt.Errorf("%w: at least one user message is required", ErrInvalidRequest)
	}

	return nil
}

// describe turns validator output into a short client-safe message.
func describe(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}

	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("%s is required", fieldPath(fe)))
		case "min":
			msgs = append(msgs, fmt.Sprintf("%s must not be empty", fieldPath(fe)))
		case "max":
			msgs = append(msgs, fmt.Sprintf("%s exceeds %s entries", fieldPath(fe), fe.Param()))
		case "oneof":
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", fieldPath(fe), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fieldPath(fe), fe.Tag()))
		}
	}
	return strings.Join(msgs, "; ")
}

// fieldPath renders "Request.Messages[0].Role" as "messages[0].role".
func fieldPath(fe validator.FieldError) string {
	ns := fe.Namespace()
	if i := strings.Index(ns, "."); i >= 0 {
		ns = ns[i+1:]
	}
	return strings.ToLower(ns)
}
