package llm

import "github.com/mohammad-safakhou/lexresearch/internal/budget"

// Pricing is expressed in USD per one million tokens.
type Pricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

var defaultPricing = map[string]Pricing{
	TypeOpenAI:    {InputPerMillion: 0.40, OutputPerMillion: 1.60},
	TypeAnthropic: {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	TypeGroq:      {InputPerMillion: 0.59, OutputPerMillion: 0.79},
	TypeGemini:    {InputPerMillion: 0.10, OutputPerMillion: 0.40},
}

// DefaultPricing returns the built-in price for a provider type.
func DefaultPricing(providerType string) Pricing {
	return defaultPricing[providerType]
}

// Cost returns the USD cost of the given token counts.
func (p Pricing) Cost(promptTokens, completionTokens int64) float64 {
	return float64(promptTokens)/1_000_000*p.InputPerMillion + float64(completionTokens)/1_000_000*p.OutputPerMillion
}

func usageOf(p Pricing, prompt, completion, total int64) budget.Usage {
	if total == 0 {
		total = prompt + completion
	}
	return budget.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      total,
		Cost:             p.Cost(prompt, completion),
		ModelCalls:       1,
	}
}
