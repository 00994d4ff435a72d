package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type lockRedis struct {
	redis.Cmdable
	value    string
	released int
}

func (l *lockRedis) SetNX(ctx context.Context, key string, value any, exp time.Duration) *redis.BoolCmd {
	if l.value != "" {
		return redis.NewBoolResult(false, nil)
	}
	l.value = value.(string)
	return redis.NewBoolResult(true, nil)
}

// Eval emulates the compare-and-delete release script.
func (l *lockRedis) Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd {
	if len(args) != 1 || l.value != args[0] {
		return redis.NewCmdResult(int64(0), nil)
	}
	l.value = ""
	l.released++
	return redis.NewCmdResult(int64(1), nil)
}

func TestReaperSweep(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryStore()
	jobs := []Job{
		{ID: "stuck", Status: StatusProcessing, CreatedAt: now.Add(-time.Hour), ExpiresAt: now.Add(time.Hour)},
		{ID: "fresh", Status: StatusCreated, CreatedAt: now.Add(-time.Minute), ExpiresAt: now.Add(time.Hour)},
		{ID: "old", Status: StatusCompleted, CreatedAt: now.Add(-48 * time.Hour), ExpiresAt: now.Add(-time.Hour)},
	}
	for _, j := range jobs {
		if err := s.Create(ctx, j); err != nil {
			t.Fatalf("seed %s: %v", j.ID, err)
		}
	}
	obs := &recordingObserver{}
	r, err := NewReaper(s, "", 15*time.Minute,
		WithReaperLogger(quietLogger),
		WithReaperObserver(obs),
		WithReaperClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}

	failed, purged, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if failed != 1 || purged != 1 {
		t.Fatalf("expected 1 expired and 1 purged, got %d %d", failed, purged)
	}
	stuck, _ := s.Get(ctx, "stuck")
	if stuck.Status != StatusFailed || stuck.Reason != ReasonExpired {
		t.Fatalf("expected stuck job expired, got %+v", stuck)
	}
	if fresh, _ := s.Get(ctx, "fresh"); fresh.Status != StatusCreated {
		t.Fatalf("fresh job must be untouched, got %s", fresh.Status)
	}
	if _, err := s.Get(ctx, "old"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected old job purged, got %v", err)
	}
	if len(obs.finished) != 1 || obs.finished[0] != "failed/expired" {
		t.Fatalf("unexpected observer events %v", obs.finished)
	}
}

func TestReaperLock(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	s := NewMemoryStore()
	_ = s.Create(ctx, Job{ID: "stuck", Status: StatusCreated, CreatedAt: now.Add(-time.Hour)})
	lock := &lockRedis{value: "other-replica"}
	r, err := NewReaper(s, "*/5 * * * *", time.Minute, WithReaperLock(lock), WithReaperLogger(quietLogger))
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}
	if failed, _, _ := r.Sweep(ctx); failed != 0 {
		t.Fatalf("sweep must skip while another replica holds the lock")
	}
	if lock.value != "other-replica" || lock.released != 0 {
		t.Fatalf("a skipped sweep must not touch the lock, got %+v", lock)
	}
	lock.value = ""
	if failed, _, _ := r.Sweep(ctx); failed != 1 {
		t.Fatalf("expected sweep once lock is free")
	}
	if lock.value != "" || lock.released != 1 {
		t.Fatalf("expected lock released after sweep, got %+v", lock)
	}
}

// lockTakenOver lets the lock expire mid-sweep and hands it to another
// replica before the sweep finishes.
type lockTakenOver struct {
	Store
	lock *lockRedis
}

func (s lockTakenOver) Stale(ctx context.Context, before time.Time) ([]string, error) {
	s.lock.value = "other-replica"
	return s.Store.Stale(ctx, before)
}

func TestReaperKeepsForeignLock(t *testing.T) {
	ctx := context.Background()
	lock := &lockRedis{}
	store := lockTakenOver{Store: NewMemoryStore(), lock: lock}
	r, err := NewReaper(store, "", time.Minute, WithReaperLock(lock), WithReaperLogger(quietLogger))
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}
	if _, _, err := r.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if lock.value != "other-replica" || lock.released != 0 {
		t.Fatalf("sweep released a lock it no longer owns: %+v", lock)
	}
}

func TestReaperConfig(t *testing.T) {
	r, err := NewReaper(NewMemoryStore(), "", time.Minute)
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}
	base := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	if next := r.expr.Next(base); !next.Equal(time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)) {
		t.Fatalf("default schedule should sweep every five minutes, next run %s", next)
	}
	if _, err := NewReaper(NewMemoryStore(), "not a cron", time.Minute); err == nil {
		t.Fatalf("expected schedule parse error")
	}
	if _, err := NewReaper(NewMemoryStore(), "", 0); err == nil {
		t.Fatalf("expected stale threshold error")
	}
}

func TestReaperRunStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	r, err := NewReaper(NewMemoryStore(), "", time.Minute, WithReaperLogger(quietLogger))
	if err != nil {
		t.Fatalf("reaper: %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("run did not stop")
	}
}
