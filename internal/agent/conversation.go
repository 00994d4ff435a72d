package agent

import (
	"github.com/mohammad-safakhou/lexresearch/internal/llm"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// conversation is the ordered message history of one run. It only grows.
type conversation struct {
	messages []llm.Message
}

func newConversation(system, question string) *conversation {
	return &conversation{messages: []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: question},
	}}
}

func (c *conversation) appendAssistant(turn llm.Turn) {
	c.messages = append(c.messages, llm.Message{
		Role:      llm.RoleAssistant,
		Content:   turn.Content,
		ToolCalls: append([]llm.ToolCall(nil), turn.ToolCalls...),
	})
}

func (c *conversation) appendToolResult(res tools.Result) {
	c.messages = append(c.messages, llm.Message{
		Role:       llm.RoleTool,
		Content:    res.Content(),
		ToolCallID: res.CallID,
		ToolName:   string(res.Tool),
		IsError:    !res.OK(),
	})
}

// snapshot returns a copy safe to hand to a provider.
func (c *conversation) snapshot() []llm.Message {
	return append([]llm.Message(nil), c.messages...)
}

func (c *conversation) len() int { return len(c.messages) }
