// Package model defines the contract between the stage runner and the LLM
// backends. Backend implementations live under features/model.
package model

import (
	"context"
	"errors"
)

// ErrRateLimited marks provider rate limiting. Backends wrap their own
// rate-limit errors with this sentinel so callers can back off.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Message is one turn of the conversation sent to the model.
	Message struct {
		// Role is "user" or "assistant".
		Role string
		// Content is the message text.
		Content string
	}

	// Request carries one model invocation. Context holds the structured
	// stage input; backends serialize it into the prompt as JSON.
	Request struct {
		// Stage names the pipeline stage issuing the request, for logs.
		Stage string
		// System is the system prompt.
		System string
		// Messages is the conversation so far, oldest first.
		Messages []Message
		// Context is the structured stage input context.
		Context map[string]any
		// MaxTokens caps the response length. Zero means backend default.
		MaxTokens int
	}

	// Response is the model's reply.
	Response struct {
		// Text is the full response text.
		Text string
		// StopReason reports why generation ended, backend-specific.
		StopReason string
		// InputTokens and OutputTokens report usage when the backend
		// provides it.
		InputTokens  int
		OutputTokens int
	}

	// Invoker sends one request to an LLM backend and returns the reply.
	// Implementations must honor context cancellation.
	Invoker interface {
		Invoke(ctx context.Context, req *Request) (*Response, error)
	}
)

// Roles accepted in Message.Role.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
