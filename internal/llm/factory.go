package llm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
	"google.golang.org/genai"
)

// Supported provider types.
const (
	TypeOpenAI    = "openai"
	TypeGroq      = "groq"
	TypeAnthropic = "anthropic"
	TypeGemini    = "gemini"
)

const groqBaseURL = "https://api.groq.com/openai/v1"

// ProviderConfig configures one named provider.
type ProviderConfig struct {
	Type              string
	APIKey            string
	BaseURL           string
	Model             string
	MaxTokens         int
	Temperature       float64
	Pricing           Pricing
	RequestsPerMinute int
	Timeout           time.Duration
}

// Factory builds per-run Provider values over shared clients.
type Factory struct {
	configs     map[string]ProviderConfig
	defaultName string

	mu       sync.Mutex
	openai   map[string]*openai.Client
	gemini   map[string]*genai.Client
	limiters map[string]*rate.Limiter
}

// NewFactory validates configs and returns a Factory.
func NewFactory(configs map[string]ProviderConfig, defaultName string) (*Factory, error) {
	if len(configs) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	normalised := make(map[string]ProviderConfig, len(configs))
	for name, cfg := range configs {
		cfg.Type = strings.ToLower(strings.TrimSpace(cfg.Type))
		if cfg.Type == "" {
			cfg.Type = strings.ToLower(name)
		}
		switch cfg.Type {
		case TypeOpenAI, TypeGroq, TypeAnthropic, TypeGemini:
		default:
			return nil, fmt.Errorf("llm provider %q: unsupported type %q", name, cfg.Type)
		}
		if cfg.Model == "" {
			return nil, fmt.Errorf("llm provider %q: model is required", name)
		}
		if cfg.Pricing == (Pricing{}) {
			cfg.Pricing = DefaultPricing(cfg.Type)
		}
		if cfg.MaxTokens <= 0 {
			cfg.MaxTokens = 4096
		}
		normalised[name] = cfg
	}
	if defaultName == "" {
		names := make([]string, 0, len(normalised))
		for n := range normalised {
			names = append(names, n)
		}
		sort.Strings(names)
		defaultName = names[0]
	}
	if _, ok := normalised[defaultName]; !ok {
		return nil, fmt.Errorf("default llm provider %q is not configured", defaultName)
	}
	return &Factory{
		configs:     normalised,
		defaultName: defaultName,
		openai:      make(map[string]*openai.Client),
		gemini:      make(map[string]*genai.Client),
		limiters:    make(map[string]*rate.Limiter),
	}, nil
}

// Default returns the name of the default provider.
func (f *Factory) Default() string { return f.defaultName }

// Has reports whether name is configured.
func (f *Factory) Has(name string) bool {
	_, ok := f.configs[name]
	return ok
}

// Names lists configured providers.
func (f *Factory) Names() []string {
	out := make([]string, 0, len(f.configs))
	for n := range f.configs {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// New returns a fresh Provider for name (or the default when empty).
func (f *Factory) New(ctx context.Context, name string) (Provider, error) {
	if name == "" {
		name = f.defaultName
	}
	cfg, ok := f.configs[name]
	if !ok {
		return nil, fmt.Errorf("llm provider %q is not configured", name)
	}

	var p Provider
	switch cfg.Type {
	case TypeOpenAI, TypeGroq:
		p = newOpenAIProvider(name, f.openAIClient(name, cfg), cfg)
	case TypeAnthropic:
		p = NewAnthropicProvider(name, cfg)
	case TypeGemini:
		client, err := f.geminiClient(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		p = newGeminiProvider(name, client, cfg)
	}
	if lim := f.limiter(name, cfg); lim != nil {
		p = RateLimited(p, lim)
	}
	return p, nil
}

func (f *Factory) openAIClient(name string, cfg ProviderConfig) *openai.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.openai[name]; ok {
		return c
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	switch {
	case cfg.BaseURL != "":
		oc.BaseURL = cfg.BaseURL
	case cfg.Type == TypeGroq:
		oc.BaseURL = groqBaseURL
	}
	c := openai.NewClientWithConfig(oc)
	f.openai[name] = c
	return c
}

func (f *Factory) geminiClient(ctx context.Context, name string, cfg ProviderConfig) (*genai.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.gemini[name]; ok {
		return c, nil
	}
	gc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.BaseURL != "" {
		gc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	c, err := genai.NewClient(ctx, gc)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	f.gemini[name] = c
	return c, nil
}

func (f *Factory) limiter(name string, cfg ProviderConfig) *rate.Limiter {
	if cfg.RequestsPerMinute <= 0 {
		return nil
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if l, ok := f.limiters[name]; ok {
		return l
	}
	l := rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RequestsPerMinute)), 1)
	f.limiters[name] = l
	return l
}
