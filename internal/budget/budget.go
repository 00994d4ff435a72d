package budget

import "fmt"

// Config defines optional usage guardrails for a research run. Nil limits are
// unbounded.
type Config struct {
	MaxCost        *float64
	MaxTokens      *int64
	MaxTimeSeconds *int64
}

// Validate ensures the budget values are sane before use.
func (c Config) Validate() error {
	if c.MaxCost != nil && *c.MaxCost < 0 {
		return fmt.Errorf("max_cost cannot be negative")
	}
	if c.MaxTokens != nil && *c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens cannot be negative")
	}
	if c.MaxTimeSeconds != nil && *c.MaxTimeSeconds < 0 {
		return fmt.Errorf("max_time_seconds cannot be negative")
	}
	return nil
}

// Clone produces a deep copy of the config.
func (c Config) Clone() Config {
	var clone Config
	if c.MaxCost != nil {
		v := *c.MaxCost
		clone.MaxCost = &v
	}
	if c.MaxTokens != nil {
		v := *c.MaxTokens
		clone.MaxTokens = &v
	}
	if c.MaxTimeSeconds != nil {
		v := *c.MaxTimeSeconds
		clone.MaxTimeSeconds = &v
	}
	return clone
}

// FromLimits builds a Config where zero means unlimited.
func FromLimits(maxCost float64, maxTokens int64) Config {
	var c Config
	if maxCost > 0 {
		c.MaxCost = &maxCost
	}
	if maxTokens > 0 {
		c.MaxTokens = &maxTokens
	}
	return c
}

// IsZero reports whether the config defines no explicit limits.
func (c Config) IsZero() bool {
	return (c.MaxCost == nil || *c.MaxCost == 0) &&
		(c.MaxTokens == nil || *c.MaxTokens == 0) &&
		(c.MaxTimeSeconds == nil || *c.MaxTimeSeconds == 0)
}

// Usage is the token and cost consumption of one or more model calls.
type Usage struct {
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	Cost             float64 `json:"cost_usd"`
	ModelCalls       int     `json:"model_calls"`
	ToolCalls        int     `json:"tool_calls"`
	Iterations       int     `json:"iterations"`
}

// Plus returns the sum of u and o.
func (u Usage) Plus(o Usage) Usage {
	return Usage{
		PromptTokens:     u.PromptTokens + o.PromptTokens,
		CompletionTokens: u.CompletionTokens + o.CompletionTokens,
		TotalTokens:      u.TotalTokens + o.TotalTokens,
		Cost:             u.Cost + o.Cost,
		ModelCalls:       u.ModelCalls + o.ModelCalls,
		ToolCalls:        u.ToolCalls + o.ToolCalls,
		Iterations:       u.Iterations + o.Iterations,
	}
}
