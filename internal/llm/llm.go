// Package llm adapts chat-completion backends to a single tool-calling turn
// interface.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// Role of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// Message is one entry of the conversation sent to the model. Assistant
// messages may carry ToolCalls; tool messages answer one call by ID.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	IsError    bool       `json:"is_error,omitempty"`
}

// TurnKind distinguishes the two shapes of a model turn.
type TurnKind string

const (
	TurnFinalAnswer  TurnKind = "final_answer"
	TurnToolRequests TurnKind = "tool_requests"
)

// Turn is the normalised model response.
type Turn struct {
	Kind      TurnKind
	Content   string
	ToolCalls []ToolCall
}

// Provider produces the next turn of a conversation. A Provider value is
// used by one run at a time; Usage reports the most recent call.
type Provider interface {
	Name() string
	NextTurn(ctx context.Context, conversation []Message, schemas []tools.Schema) (Turn, error)
	Usage() budget.Usage
}

// ErrMalformedResponse marks a provider reply that could not be normalised.
var ErrMalformedResponse = errors.New("malformed provider response")

// ProviderError is returned once retries against a provider are exhausted.
type ProviderError struct {
	Provider string
	Attempts int
	Err      error
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e ProviderError) Unwrap() error { return e.Err }

func normaliseArgs(raw string) json.RawMessage {
	if raw == "" || !json.Valid([]byte(raw)) {
		return json.RawMessage(`{}`)
	}
	return json.RawMessage(raw)
}

// turnFrom builds a Turn from normalised content and calls.
func turnFrom(content string, calls []ToolCall) (Turn, error) {
	if len(calls) > 0 {
		return Turn{Kind: TurnToolRequests, Content: content, ToolCalls: calls}, nil
	}
	if content == "" {
		return Turn{}, fmt.Errorf("%w: neither content nor tool calls", ErrMalformedResponse)
	}
	return Turn{Kind: TurnFinalAnswer, Content: content}, nil
}
