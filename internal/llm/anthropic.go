package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

const (
	anthropicAPIURL  = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"
)

// AnthropicProvider implements Provider over the Messages API via direct HTTP.
type AnthropicProvider struct {
	name    string
	cfg     ProviderConfig
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	usage budget.Usage
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(name string, cfg ProviderConfig) *AnthropicProvider {
	base := strings.TrimRight(cfg.BaseURL, "/")
	if base == "" {
		base = anthropicAPIURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if cfg.Pricing == (Pricing{}) {
		cfg.Pricing = DefaultPricing(TypeAnthropic)
	}
	return &AnthropicProvider{name: name, cfg: cfg, baseURL: base, client: &http.Client{Timeout: timeout}}
}

func (p *AnthropicProvider) Name() string { return p.name }

func (p *AnthropicProvider) Usage() budget.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	Model      string           `json:"model"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (p *AnthropicProvider) NextTurn(ctx context.Context, conv []Message, schemas []tools.Schema) (Turn, error) {
	system, messages := toAnthropicMessages(conv)
	apiReq := anthropicRequest{
		Model:       p.cfg.Model,
		MaxTokens:   p.cfg.MaxTokens,
		Temperature: p.cfg.Temperature,
		System:      system,
		Messages:    messages,
	}
	if apiReq.MaxTokens <= 0 {
		apiReq.MaxTokens = 4096
	}
	for _, s := range schemas {
		apiReq.Tools = append(apiReq.Tools, anthropicTool{Name: string(s.Name), Description: s.Description, InputSchema: s.Parameters})
	}

	body, err := json.Marshal(apiReq)
	if err != nil {
		return Turn{}, fmt.Errorf("marshal anthropic request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(body))
	if err != nil {
		return Turn{}, fmt.Errorf("create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return Turn{}, fmt.Errorf("anthropic request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return Turn{}, fmt.Errorf("read anthropic response: %w", err)
	}
	if httpResp.StatusCode != http.StatusOK {
		return Turn{}, fmt.Errorf("anthropic returned status %d: %s", httpResp.StatusCode, truncate(string(respBody), 512))
	}

	var apiResp anthropicResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return Turn{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if apiResp.Error != nil {
		return Turn{}, fmt.Errorf("anthropic API error (%s): %s", apiResp.Error.Type, apiResp.Error.Message)
	}

	p.mu.Lock()
	p.usage = usageOf(p.cfg.Pricing, apiResp.Usage.InputTokens, apiResp.Usage.OutputTokens, 0)
	p.mu.Unlock()

	var text strings.Builder
	var calls []ToolCall
	for _, block := range apiResp.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			calls = append(calls, ToolCall{ID: block.ID, Name: block.Name, Arguments: normaliseArgs(string(block.Input))})
		}
	}
	return turnFrom(text.String(), calls)
}

// toAnthropicMessages lifts system messages out and folds consecutive tool
// results into a single user turn.
func toAnthropicMessages(conv []Message) (string, []anthropicMessage) {
	var system strings.Builder
	var out []anthropicMessage
	for _, m := range conv {
		switch m.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case RoleUser:
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicBlock{{Type: "text", Text: m.Content}}})
		case RoleAssistant:
			am := anthropicMessage{Role: "assistant"}
			if m.Content != "" {
				am.Content = append(am.Content, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				am.Content = append(am.Content, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Name, Input: normaliseArgs(string(tc.Arguments))})
			}
			out = append(out, am)
		case RoleTool:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content, IsError: m.IsError}
			if n := len(out); n > 0 && out[n-1].Role == "user" && len(out[n-1].Content) > 0 && out[n-1].Content[0].Type == "tool_result" {
				out[n-1].Content = append(out[n-1].Content, block)
				continue
			}
			out = append(out, anthropicMessage{Role: "user", Content: []anthropicBlock{block}})
		}
	}
	return system.String(), out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
