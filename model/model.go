// Package model provides the provider-agnostic language-model client contract
// used by the reasoning loop. It abstracts chat completion APIs (OpenAI,
// Anthropic, Bedrock) so the engine can invoke models without coupling to
// specific SDKs. Implementations translate these normalized types into
// provider-specific formats.
package model

import (
	"context"
	"errors"
)

// ErrRateLimited marks provider failures caused by rate limiting. Adapters
// wrap throttling errors with this sentinel so middleware can back off.
var ErrRateLimited = errors.New("model: rate limited")

type (
	// Client defines the contract the reasoning loop uses to invoke model
	// calls. Implementations wrap provider SDKs and translate Request/Response
	// to provider-specific formats. Clients must be safe for concurrent use
	// across multiple runs.
	Client interface {
		// Complete sends a chat completion request to the model provider and
		// returns the generated response. Returns an error if the model is
		// unavailable, quota is exceeded, or the request is malformed.
		Complete(ctx context.Context, req Request) (Response, error)
	}

	// Request captures the normalized parameters for a model invocation.
	Request struct {
		// Model identifies the target model using the provider-specific
		// identifier. Empty means the adapter's configured default.
		Model string

		// Messages is the ordered role-tagged history provided to the model,
		// including system prompts, user inputs, and prior assistant turns.
		Messages []Message

		// Temperature controls sampling creativity. Strategy profiles set
		// this; zero means greedy decoding.
		Temperature float64

		// Tools describes the capability catalog exposed to the model for
		// structured calls. Empty if the model should answer directly.
		Tools []ToolDefinition

		// MaxTokens caps the number of completion tokens the model can
		// generate. Zero means the provider default.
		MaxTokens int
	}

	// Response wraps the generated content and any capability-call proposal
	// from the provider. Exactly one of Text or ToolCall is meaningful: a
	// non-nil ToolCall takes precedence over free-form text.
	Response struct {
		// Text contains the assistant's free-form reply. Empty when the model
		// proposed a capability call instead.
		Text string

		// ToolCall is the single structured capability-call proposal, if the
		// model chose to act rather than answer.
		ToolCall *ToolCall

		// Usage reports token usage when the provider makes it available.
		Usage TokenUsage

		// StopReason explains why the model stopped generating. Values are
		// provider-specific and may be empty.
		StopReason string
	}

	// Message mirrors a chat message with role and content.
	Message struct {
		// Role is one of RoleSystem, RoleUser, RoleAssistant, or RoleTool.
		Role string

		// Content is the message text. For tool messages this is the
		// serialized capability result.
		Content string
	}

	// ToolDefinition describes a capability schema passed to the provider for
	// structured calls.
	ToolDefinition struct {
		// Name is the identifier presented to the model.
		Name string

		// Description documents the capability for prompting purposes.
		Description string

		// InputSchema is the JSON Schema object describing the capability's
		// arguments.
		InputSchema map[string]any
	}

	// ToolCall captures a capability invocation proposed by the model.
	ToolCall struct {
		// Name identifies which capability should be invoked.
		Name string

		// Args carries the structured arguments proposed by the model.
		Args map[string]any
	}

	// TokenUsage records prompt/completion token counts when reported by the
	// provider. All fields are zero if the provider doesn't report usage.
	TokenUsage struct {
		// InputTokens counts tokens consumed by the prompt and history.
		InputTokens int

		// OutputTokens counts tokens produced in this completion.
		OutputTokens int

		// TotalTokens is the aggregate; prefer it over summing when the
		// provider reports it directly.
		TotalTokens int
	}
)

// Message role constants.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)
