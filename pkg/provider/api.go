// Package provider adapts the configured LLM vendors behind one completion
// interface and routes requests across them: per-task-type preference,
// ordered fallback, and atomic daily quota accounting.
package provider

import (
	"context"

	"openclaw/pkg/skills"
)

// Temperature defaults per call intent.
const (
	// TemperatureDefault suits planning and review conversations.
	TemperatureDefault = 0.3
	// TemperatureDeterministic suits code generation.
	TemperatureDeterministic = 0.2
)

// DefaultMaxTokens bounds a completion when the caller does not say otherwise.
const DefaultMaxTokens = 4096

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters,omitempty"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ToolResult carries one tool execution result back to the model.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Message is one conversation turn. Assistant turns may carry tool calls;
// user turns may carry tool results.
type Message struct {
	Role        string       `json:"role"`
	Content     string       `json:"content"`
	ToolCalls   []ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []ToolResult `json:"tool_results,omitempty"`
}

// Tool choice values. Empty means the vendor default (auto when tools are
// present).
const (
	ToolChoiceAuto = "auto"
	ToolChoiceAny  = "any"
)

// Request is a vendor-neutral completion request.
type Request struct {
	Messages    []Message
	Tools       []skills.ToolDefinition
	ToolChoice  string
	MaxTokens   int
	Temperature float64
}

// Usage reports token consumption for one completion, when the vendor
// discloses it. Zero values mean unknown.
type Usage struct {
	Input  int
	Output int
}

// Total returns the combined token count.
func (u Usage) Total() int { return u.Input + u.Output }

// Response is a vendor-neutral completion response.
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	StopReason string
	Usage      Usage
}

// HasToolCalls reports whether the model asked for tool executions.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client is one vendor adapter.
type Client interface {
	// Complete performs a one-shot completion.
	Complete(ctx context.Context, req Request) (Response, error)
	// ModelName returns the configured model identifier.
	ModelName() string
	// ProviderName returns the provider this client adapts.
	ProviderName() string
}

// NewRequest builds a request with the package defaults applied.
func NewRequest(messages []Message) Request {
	return Request{
		Messages:    messages,
		MaxTokens:   DefaultMaxTokens,
		Temperature: TemperatureDefault,
	}
}
