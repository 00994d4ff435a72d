package llm

import (
	"context"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
	"golang.org/x/time/rate"
)

type rateLimitedProvider struct {
	provider Provider
	limiter  *rate.Limiter
}

// RateLimited wraps p so each turn first waits on lim. The limiter may be
// shared by every run using the same provider.
func RateLimited(p Provider, lim *rate.Limiter) Provider {
	return &rateLimitedProvider{provider: p, limiter: lim}
}

func (r *rateLimitedProvider) Name() string { return r.provider.Name() }

func (r *rateLimitedProvider) NextTurn(ctx context.Context, conv []Message, schemas []tools.Schema) (Turn, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return Turn{}, err
	}
	return r.provider.NextTurn(ctx, conv, schemas)
}

func (r *rateLimitedProvider) Usage() budget.Usage { return r.provider.Usage() }
