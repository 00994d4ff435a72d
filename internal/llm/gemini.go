package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
	"google.golang.org/genai"
)

// GeminiProvider implements Provider with the Google GenAI SDK.
type GeminiProvider struct {
	name   string
	client *genai.Client
	cfg    ProviderConfig

	mu    sync.Mutex
	usage budget.Usage
}

func newGeminiProvider(name string, client *genai.Client, cfg ProviderConfig) *GeminiProvider {
	return &GeminiProvider{name: name, client: client, cfg: cfg}
}

func (p *GeminiProvider) Name() string { return p.name }

func (p *GeminiProvider) Usage() budget.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

func (p *GeminiProvider) NextTurn(ctx context.Context, conv []Message, schemas []tools.Schema) (Turn, error) {
	system, contents, err := toGeminiContents(conv)
	if err != nil {
		return Turn{}, err
	}
	gc := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(float32(p.cfg.Temperature)),
		MaxOutputTokens: int32(p.cfg.MaxTokens),
	}
	if system != "" {
		gc.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if len(schemas) > 0 {
		decls := make([]*genai.FunctionDeclaration, 0, len(schemas))
		for _, s := range schemas {
			decls = append(decls, &genai.FunctionDeclaration{
				Name:                 string(s.Name),
				Description:          s.Description,
				ParametersJsonSchema: s.Parameters,
			})
		}
		gc.Tools = []*genai.Tool{{FunctionDeclarations: decls}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.cfg.Model, contents, gc)
	if err != nil {
		return Turn{}, fmt.Errorf("gemini generate content: %w", err)
	}

	if md := resp.UsageMetadata; md != nil {
		p.mu.Lock()
		p.usage = usageOf(p.cfg.Pricing, int64(md.PromptTokenCount), int64(md.CandidatesTokenCount), int64(md.TotalTokenCount))
		p.mu.Unlock()
	}

	var calls []ToolCall
	for _, fc := range resp.FunctionCalls() {
		args, err := json.Marshal(fc.Args)
		if err != nil {
			return Turn{}, fmt.Errorf("%w: function args: %v", ErrMalformedResponse, err)
		}
		id := fc.ID
		if id == "" {
			id = "call_" + uuid.NewString()[:8]
		}
		calls = append(calls, ToolCall{ID: id, Name: fc.Name, Arguments: normaliseArgs(string(args))})
	}
	return turnFrom(strings.TrimSpace(resp.Text()), calls)
}

func toGeminiContents(conv []Message) (string, []*genai.Content, error) {
	var system strings.Builder
	var out []*genai.Content
	for _, m := range conv {
		switch m.Role {
		case RoleSystem:
			if system.Len() > 0 {
				system.WriteString("\n\n")
			}
			system.WriteString(m.Content)
		case RoleUser:
			out = append(out, genai.NewContentFromText(m.Content, genai.RoleUser))
		case RoleAssistant:
			var parts []*genai.Part
			if m.Content != "" {
				parts = append(parts, genai.NewPartFromText(m.Content))
			}
			for _, tc := range m.ToolCalls {
				var args map[string]any
				if err := json.Unmarshal(normaliseArgs(string(tc.Arguments)), &args); err != nil {
					return "", nil, fmt.Errorf("decode tool call args: %w", err)
				}
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			out = append(out, genai.NewContentFromParts(parts, genai.RoleModel))
		case RoleTool:
			part := &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       m.ToolCallID,
				Name:     m.ToolName,
				Response: map[string]any{"output": m.Content},
			}}
			if n := len(out); n > 0 && out[n-1].Role == string(genai.RoleUser) && len(out[n-1].Parts) > 0 && out[n-1].Parts[0].FunctionResponse != nil {
				out[n-1].Parts = append(out[n-1].Parts, part)
				continue
			}
			out = append(out, genai.NewContentFromParts([]*genai.Part{part}, genai.RoleUser))
		}
	}
	return system.String(), out, nil
}
