package llm

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider talks to OpenAI-compatible chat completion endpoints. Groq is
// served by the same adapter with a different base URL.
type OpenAIProvider struct {
	name   string
	client *openai.Client
	cfg    ProviderConfig

	mu    sync.Mutex
	usage budget.Usage
}

func newOpenAIProvider(name string, client *openai.Client, cfg ProviderConfig) *OpenAIProvider {
	return &OpenAIProvider{name: name, client: client, cfg: cfg}
}

// NewOpenAIProvider builds an adapter with its own client.
func NewOpenAIProvider(name string, cfg ProviderConfig) *OpenAIProvider {
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	} else if cfg.Type == TypeGroq {
		oc.BaseURL = groqBaseURL
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing(cfg.Type)
	}
	return newOpenAIProvider(name, openai.NewClientWithConfig(oc), cfg)
}

func (p *OpenAIProvider) Name() string { return p.name }

func (p *OpenAIProvider) Usage() budget.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

func (p *OpenAIProvider) NextTurn(ctx context.Context, conv []Message, schemas []tools.Schema) (Turn, error) {
	req := openai.ChatCompletionRequest{
		Model:       p.cfg.Model,
		Messages:    toOpenAIMessages(conv),
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: float32(p.cfg.Temperature),
	}
	if len(schemas) > 0 {
		req.Tools = toOpenAITools(schemas)
		req.ToolChoice = "auto"
	}

	resp, err := p.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return Turn{}, fmt.Errorf("%s chat completion: %w", p.name, err)
	}

	p.mu.Lock()
	p.usage = usageOf(p.cfg.Pricing, int64(resp.Usage.PromptTokens), int64(resp.Usage.CompletionTokens), int64(resp.Usage.TotalTokens))
	p.mu.Unlock()

	if len(resp.Choices) == 0 {
		return Turn{}, fmt.Errorf("%w: no choices", ErrMalformedResponse)
	}
	msg := resp.Choices[0].Message
	calls := make([]ToolCall, 0, len(msg.ToolCalls))
	for _, tc := range msg.ToolCalls {
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: normaliseArgs(tc.Function.Arguments)})
	}
	return turnFrom(msg.Content, calls)
}

func toOpenAIMessages(conv []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(conv))
	for _, m := range conv {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: m.Content})
		case RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case RoleAssistant:
			am := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content}
			for _, tc := range m.ToolCalls {
				am.ToolCalls = append(am.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			out = append(out, am)
		case RoleTool:
			out = append(out, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    m.Content,
				Name:       m.ToolName,
				ToolCallID: m.ToolCallID,
			})
		}
	}
	return out
}

func toOpenAITools(schemas []tools.Schema) []openai.Tool {
	out := make([]openai.Tool, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        string(s.Name),
				Description: s.Description,
				Parameters:  s.Parameters,
			},
		})
	}
	return out
}
