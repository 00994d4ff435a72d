package gateway

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// RateLimited bounds the request rate against the legal data server across
// all runs sharing the gateway.
type RateLimited struct {
	next    tools.Gateway
	limiter *rate.Limiter
}

// NewRateLimited allows rps requests per second with a burst of one second's
// worth. rps <= 0 returns next unchanged.
func NewRateLimited(next tools.Gateway, rps float64) tools.Gateway {
	if rps <= 0 {
		return next
	}
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (r *RateLimited) Search(ctx context.Context, args tools.SearchArgs) (tools.SearchResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.SearchResult{}, err
	}
	return r.next.Search(ctx, args)
}

func (r *RateLimited) Citations(ctx context.Context, id string) (tools.CitationsResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.CitationsResult{}, err
	}
	return r.next.Citations(ctx, id)
}

func (r *RateLimited) Amendments(ctx context.Context, id string) (tools.AmendmentsResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.AmendmentsResult{}, err
	}
	return r.next.Amendments(ctx, id)
}

func (r *RateLimited) Status(ctx context.Context, id string) (tools.StatusResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.StatusResult{}, err
	}
	return r.next.Status(ctx, id)
}

func (r *RateLimited) Relationships(ctx context.Context, id string) (tools.RelationshipsResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.RelationshipsResult{}, err
	}
	return r.next.Relationships(ctx, id)
}

func (r *RateLimited) ExtractContent(ctx context.Context, ids []string) (tools.ExtractResult, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return tools.ExtractResult{}, err
	}
	return r.next.ExtractContent(ctx, ids)
}
