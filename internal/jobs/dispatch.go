package jobs

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
)

// Processor runs a job to completion. *Manager implements it.
type Processor interface {
	Process(ctx context.Context, id string) error
}

// InlineDispatcher processes jobs on a goroutine of the current process.
// The goroutine is detached from the request context.
type InlineDispatcher struct {
	proc   Processor
	base   context.Context
	logger *log.Logger
}

// NewInlineDispatcher returns a dispatcher whose runs stop when base is
// cancelled.
func NewInlineDispatcher(base context.Context, proc Processor, logger *log.Logger) *InlineDispatcher {
	if logger == nil {
		logger = log.New(os.Stdout, "[JOBS] ", log.LstdFlags)
	}
	return &InlineDispatcher{proc: proc, base: base, logger: logger}
}

func (d *InlineDispatcher) Dispatch(_ context.Context, jobID string) error {
	go func() {
		if err := d.proc.Process(d.base, jobID); err != nil {
			d.logger.Printf("warn: process job %s: %v", jobID, err)
		}
	}()
	return nil
}

// EventPublisher appends an event to a stream.
type EventPublisher interface {
	PublishEvent(ctx context.Context, stream, eventType, version string, payload any) (string, error)
}

// StreamDispatcher publishes a job.created event for the worker pool.
type StreamDispatcher struct {
	pub    EventPublisher
	stream string
	now    func() time.Time
}

func NewStreamDispatcher(pub EventPublisher, stream string) *StreamDispatcher {
	return &StreamDispatcher{pub: pub, stream: stream, now: time.Now}
}

func (d *StreamDispatcher) Dispatch(ctx context.Context, jobID string) error {
	_, err := d.pub.PublishEvent(ctx, d.stream, streams.EventJobCreated, streams.VersionV1, streams.JobCreated{
		JobID:     jobID,
		CreatedAt: d.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", streams.EventJobCreated, err)
	}
	return nil
}
