package jobs

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

const (
	DefaultSweepSchedule = "*/5 * * * *"
	reaperLockKey        = "lexresearch:jobs:reaper"
	reaperLockTTL        = time.Minute
)

// releaseLock deletes the lock only while it still holds this sweep's token.
const releaseLock = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Reaper fails jobs stuck outside a terminal status and purges jobs past
// their retention. It runs on a cron schedule.
type Reaper struct {
	store      Store
	expr       *cronexpr.Expression
	staleAfter time.Duration
	lock       redis.Cmdable
	observer   Observer
	logger     *log.Logger
	now        func() time.Time
}

// ReaperOption customises a Reaper.
type ReaperOption func(*Reaper)

// WithReaperLock serialises sweeps across replicas with a redis lock.
func WithReaperLock(rdb redis.Cmdable) ReaperOption {
	return func(r *Reaper) { r.lock = rdb }
}

func WithReaperLogger(l *log.Logger) ReaperOption {
	return func(r *Reaper) {
		if l != nil {
			r.logger = l
		}
	}
}

func WithReaperObserver(o Observer) ReaperOption {
	return func(r *Reaper) {
		if o != nil {
			r.observer = o
		}
	}
}

func WithReaperClock(now func() time.Time) ReaperOption {
	return func(r *Reaper) {
		if now != nil {
			r.now = now
		}
	}
}

// NewReaper parses schedule (empty means every five minutes). Jobs older than
// staleAfter that have not finished are failed with reason expired.
func NewReaper(store Store, schedule string, staleAfter time.Duration, opts ...ReaperOption) (*Reaper, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	expr, err := cronexpr.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("parse sweep schedule %q: %w", schedule, err)
	}
	if staleAfter <= 0 {
		return nil, fmt.Errorf("stale threshold must be positive")
	}
	r := &Reaper{
		store:      store,
		expr:       expr,
		staleAfter: staleAfter,
		observer:   nopObserver{},
		logger:     log.New(os.Stdout, "[REAPER] ", log.LstdFlags),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run sweeps on every scheduled tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	for {
		next := r.expr.Next(r.now())
		if next.IsZero() {
			return fmt.Errorf("sweep schedule has no future run")
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, _, err := r.Sweep(ctx); err != nil {
			r.logger.Printf("warn: sweep: %v", err)
		}
	}
}

// Sweep performs one pass and reports how many jobs were failed and purged.
func (r *Reaper) Sweep(ctx context.Context) (int, int64, error) {
	if r.lock != nil {
		token := uuid.NewString()
		ok, err := r.lock.SetNX(ctx, reaperLockKey, token, reaperLockTTL).Result()
		if err != nil {
			r.logger.Printf("warn: reaper lock: %v", err)
		} else if !ok {
			return 0, 0, nil
		} else {
			defer r.unlock(context.WithoutCancel(ctx), token)
		}
	}

	now := r.now().UTC()
	ids, err := r.store.Stale(ctx, now.Add(-r.staleAfter))
	if err != nil {
		return 0, 0, fmt.Errorf("list stale jobs: %w", err)
	}
	failed := 0
	for _, id := range ids {
		p := Progress{Stage: StageFailed, Percentage: 100, Note: ReasonExpired, UpdatedAt: now}
		msg := fmt.Sprintf("job did not finish within %s", r.staleAfter)
		switch err := r.store.Fail(ctx, id, ReasonExpired, msg, budget.Usage{}, p); {
		case err == nil:
			failed++
			r.observer.JobFinished(StatusFailed, ReasonExpired)
		case errors.Is(err, ErrInvalidTransition):
		default:
			r.logger.Printf("warn: expire job %s: %v", id, err)
		}
	}
	purged, err := r.store.Purge(ctx, now)
	if err != nil {
		return failed, 0, fmt.Errorf("purge jobs: %w", err)
	}
	if failed > 0 || purged > 0 {
		r.logger.Printf("sweep: expired=%d purged=%d", failed, purged)
	}
	return failed, purged, nil
}

func (r *Reaper) unlock(ctx context.Context, token string) {
	if err := r.lock.Eval(ctx, releaseLock, []string{reaperLockKey}, token).Err(); err != nil {
		r.logger.Printf("warn: release reaper lock: %v", err)
	}
}
