package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func fastPolicy(attempts int) Policy {
	return Policy{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	calls := 0
	n, err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("flaky")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 3 || calls != 3 {
		t.Fatalf("expected 3 attempts, got n=%d calls=%d", n, calls)
	}
}

func TestDoExhausts(t *testing.T) {
	var notified []int
	boom := errors.New("provider down")
	n, err := fastPolicy(4).Do(context.Background(), func(context.Context) error { return boom }, func(attempt int, _ error, _ time.Duration) {
		notified = append(notified, attempt)
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected last error, got %v", err)
	}
	if n != 4 {
		t.Fatalf("expected 4 attempts, got %d", n)
	}
	if len(notified) != 3 {
		t.Fatalf("expected 3 retry notifications, got %v", notified)
	}
}

func TestDoStopsOnPermanent(t *testing.T) {
	bad := errors.New("malformed request")
	n, err := fastPolicy(5).Do(context.Background(), func(context.Context) error { return Permanent(bad) }, nil)
	if !errors.Is(err, bad) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if n != 1 {
		t.Fatalf("permanent errors must not be retried, got %d attempts", n)
	}
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := Policy{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second, Multiplier: 1}
	_, err := p.Do(ctx, func(context.Context) error { return errors.New("x") }, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}

func TestSchedule(t *testing.T) {
	p := Policy{MaxAttempts: 5, InitialBackoff: 100 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, Multiplier: 2}
	got := p.Schedule()
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	if len(got) != len(want) {
		t.Fatalf("schedule length %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("schedule[%d]=%v want %v", i, got[i], want[i])
		}
	}
}
