package budget

import (
	"fmt"
	"sync"
	"time"
)

// Monitor accumulates usage for a run and checks it against configured limits.
type Monitor struct {
	config    Config
	usage     Usage
	startTime time.Time
	mu        sync.Mutex
}

// NewMonitor clones the provided config and starts tracking usage.
func NewMonitor(cfg Config) *Monitor {
	return &Monitor{
		config:    cfg.Clone(),
		startTime: time.Now(),
	}
}

// Add records incremental usage, returning an error if any limit is breached.
// The usage is recorded even when a limit is breached.
func (m *Monitor) Add(u Usage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.usage = m.usage.Plus(u)
	if m.config.MaxCost != nil && m.usage.Cost > *m.config.MaxCost {
		return ErrExceeded{
			Kind:  "cost",
			Usage: fmt.Sprintf("$%.4f", m.usage.Cost),
			Limit: fmt.Sprintf("$%.4f", *m.config.MaxCost),
		}
	}
	if m.config.MaxTokens != nil && m.usage.TotalTokens > *m.config.MaxTokens {
		return ErrExceeded{
			Kind:  "tokens",
			Usage: fmt.Sprintf("%d tokens", m.usage.TotalTokens),
			Limit: fmt.Sprintf("%d tokens", *m.config.MaxTokens),
		}
	}
	return nil
}

// CheckTime verifies elapsed time against the configured limit.
func (m *Monitor) CheckTime() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.config.MaxTimeSeconds == nil || *m.config.MaxTimeSeconds <= 0 {
		return nil
	}
	elapsed := time.Since(m.startTime)
	limit := time.Duration(*m.config.MaxTimeSeconds) * time.Second
	if elapsed > limit {
		return ErrExceeded{
			Kind:  "time",
			Usage: elapsed.String(),
			Limit: limit.String(),
		}
	}
	return nil
}

// Usage returns the accumulated usage and elapsed time.
func (m *Monitor) Usage() (Usage, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage, time.Since(m.startTime)
}

// Config returns a clone of the underlying budget config.
func (m *Monitor) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.config.Clone()
}
