package config

import (
	"fmt"

	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/document"
	"github.com/mohammad-safakhou/lexresearch/internal/gateway"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/llm"
	"github.com/mohammad-safakhou/lexresearch/internal/ranking"
)

// RankingConfig overrides the default ranking weights. Unset weights keep
// their defaults; type_table keys are authority labels such as "law".
type RankingConfig struct {
	Cite      *float64           `mapstructure:"cite"`
	Modify    *float64           `mapstructure:"modify"`
	Active    *float64           `mapstructure:"active"`
	Type      *float64           `mapstructure:"type"`
	Age       *float64           `mapstructure:"age"`
	AgeCap    *float64           `mapstructure:"age_cap"`
	TypeTable map[string]float64 `mapstructure:"type_table"`
	Tiers     []ranking.Tier     `mapstructure:"tiers"`
}

func (r RankingConfig) Normalize() RankingConfig { return r }

func (r RankingConfig) Validate() error {
	for label := range r.TypeTable {
		if document.ParseAuthority(label) == document.AuthorityUnknown {
			return fmt.Errorf("ranking.type_table: unknown authority %q", label)
		}
	}
	_, err := r.Policy()
	return err
}

// Policy merges the overrides onto ranking.DefaultPolicy.
func (r RankingConfig) Policy() (ranking.Policy, error) {
	p := ranking.DefaultPolicy()
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	set(&p.Cite, r.Cite)
	set(&p.Modify, r.Modify)
	set(&p.Active, r.Active)
	set(&p.Type, r.Type)
	set(&p.Age, r.Age)
	set(&p.AgeCap, r.AgeCap)
	for label, w := range r.TypeTable {
		p.TypeTable[document.ParseAuthority(label)] = w
	}
	if len(r.Tiers) > 0 {
		p.Tiers = append([]ranking.Tier(nil), r.Tiers...)
	}
	if err := p.Validate(); err != nil {
		return ranking.Policy{}, err
	}
	return p, nil
}

// ProviderConfigs converts the llm section for llm.NewFactory.
func (l LLMConfig) ProviderConfigs() map[string]llm.ProviderConfig {
	out := make(map[string]llm.ProviderConfig, len(l.Providers))
	for name, p := range l.Providers {
		out[name] = llm.ProviderConfig{
			Type:        p.Type,
			APIKey:      p.APIKey,
			BaseURL:     p.BaseURL,
			Model:       p.Model,
			MaxTokens:   p.MaxTokens,
			Temperature: p.Temperature,
			Pricing: llm.Pricing{
				InputPerMillion:  p.CostPer1MInput,
				OutputPerMillion: p.CostPer1MOutput,
			},
			RequestsPerMinute: p.RequestsPerMinute,
			Timeout:           p.Timeout,
		}
	}
	return out
}

// Budget returns the default per-run limits.
func (a AgentConfig) Budget() budget.Config {
	return budget.FromLimits(a.MaxCost, a.MaxTokens)
}

// Orchestrator converts the agent section for agent.New.
func (a AgentConfig) Orchestrator() agent.Config {
	return agent.Config{
		MaxIterations:   a.MaxIterations,
		ModelTimeout:    a.ModelTimeout,
		ToolTimeout:     a.ToolTimeout,
		MaxExtractBatch: a.MaxExtractBatch,
		Retry:           a.Retry,
		Budget:          a.Budget(),
	}
}

// MCP converts the tools section for gateway.Dial.
func (t ToolsConfig) MCP(maxExtractBatch int) gateway.MCPConfig {
	return gateway.MCPConfig{
		Endpoint:        t.Endpoint,
		Command:         append([]string(nil), t.Command...),
		Timeout:         t.Timeout,
		Retry:           t.Retry,
		MaxExtractBatch: maxExtractBatch,
	}
}

// Manager converts the jobs section for jobs.NewManager.
func (j JobsConfig) Manager() jobs.Config {
	return jobs.Config{ProcessingTimeout: j.ProcessingTimeout, Retention: j.Retention}
}
