// Package retry holds the retry policy injected at network call sites.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how patiently a call is retried.
type Policy struct {
	MaxAttempts    int           `mapstructure:"max_attempts" json:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" json:"max_backoff"`
	Multiplier     float64       `mapstructure:"multiplier" json:"multiplier"`
	// Jitter is the randomisation factor applied to each interval (0 disables).
	Jitter float64 `mapstructure:"jitter" json:"jitter"`
}

// DefaultPolicy makes three attempts with 500ms doubling backoff.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, InitialBackoff: 500 * time.Millisecond, MaxBackoff: 8 * time.Second, Multiplier: 2}
}

// Normalize fills unset fields from DefaultPolicy.
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	if p.InitialBackoff <= 0 {
		p.InitialBackoff = def.InitialBackoff
	}
	if p.MaxBackoff <= 0 {
		p.MaxBackoff = def.MaxBackoff
	}
	if p.MaxBackoff < p.InitialBackoff {
		p.MaxBackoff = p.InitialBackoff
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		p.Jitter = 0
	}
	return p
}

// Validate reports obviously invalid settings.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be >= 1")
	}
	if p.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	return nil
}

// Schedule returns the wait before each retry, ignoring jitter.
func (p Policy) Schedule() []time.Duration {
	p = p.Normalize()
	out := make([]time.Duration, 0, p.MaxAttempts-1)
	wait := p.InitialBackoff
	for i := 1; i < p.MaxAttempts; i++ {
		out = append(out, wait)
		wait = time.Duration(float64(wait) * p.Multiplier)
		if wait > p.MaxBackoff {
			wait = p.MaxBackoff
		}
	}
	return out
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialBackoff
	eb.MaxInterval = p.MaxBackoff
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = p.Jitter
	eb.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(p.MaxAttempts-1)), ctx)
}

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// Notify is called before each retry with the failed attempt number.
type Notify func(attempt int, err error, wait time.Duration)

// Do runs fn until it succeeds, returns a permanent error, the attempts are
// exhausted or ctx is done. It returns the number of attempts made.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, notify Notify) (int, error) {
	p = p.Normalize()
	attempts := 0
	op := func() error {
		attempts++
		return fn(ctx)
	}
	err := backoff.RetryNotify(op, p.backOff(ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(attempts, err, wait)
		}
	})
	if err == nil {
		return attempts, nil
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ctxErr) {
		err = fmt.Errorf("%w (last error: %v)", ctxErr, err)
	}
	return attempts, err
}
