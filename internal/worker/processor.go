package worker

import (
	"context"
	"errors"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
)

const (
	// StreamJobsCreated carries job.created events.
	StreamJobsCreated = "jobs.created"
	// DefaultGroup is the consumer group shared by all workers.
	DefaultGroup = "job-workers"

	defaultConcurrency = 4
	defaultBlock       = 5 * time.Second
	defaultClaimIdle   = time.Minute
	defaultLagInterval = 30 * time.Second
)

// Source is the consumer side of a stream.
type Source interface {
	Read(ctx context.Context, stream string, count int64, block time.Duration) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
	Lag(ctx context.Context, stream string) (streams.LagMetrics, error)
}

// Config tunes the processor loop.
type Config struct {
	Stream      string
	Concurrency int
	Block       time.Duration
	// ClaimIdle is how long an entry may sit unacknowledged with another
	// consumer before this one takes it over.
	ClaimIdle   time.Duration
	LagInterval time.Duration
}

func (c Config) normalize() Config {
	if c.Stream == "" {
		c.Stream = StreamJobsCreated
	}
	if c.Concurrency <= 0 {
		c.Concurrency = defaultConcurrency
	}
	if c.Block <= 0 {
		c.Block = defaultBlock
	}
	if c.ClaimIdle <= 0 {
		c.ClaimIdle = defaultClaimIdle
	}
	if c.LagInterval <= 0 {
		c.LagInterval = defaultLagInterval
	}
	return c
}

// Processor consumes job.created events and runs each job through the
// lifecycle manager. Entries are acknowledged once the job reached a state
// the manager will not revisit.
type Processor struct {
	logger  *log.Logger
	source  Source
	jobs    jobs.Processor
	cfg     Config
	tracer  trace.Tracer
	handled otelmetric.Int64Counter
	errored otelmetric.Int64Counter
	claimed otelmetric.Int64Counter
}

// NewProcessor constructs a Processor. Nil logger, meter or tracer fall
// back to defaults.
func NewProcessor(logger *log.Logger, source Source, proc jobs.Processor, cfg Config, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}
	if meter == nil {
		meter = otel.Meter("lexresearch/worker")
	}
	p := &Processor{
		logger: logger,
		source: source,
		jobs:   proc,
		cfg:    cfg.normalize(),
		tracer: tracer,
	}
	var err error
	p.handled, err = meter.Int64Counter("worker_jobs_handled_total")
	if err != nil {
		logger.Printf("warn: create handled counter failed: %v", err)
	}
	p.errored, err = meter.Int64Counter("worker_jobs_errors_total")
	if err != nil {
		logger.Printf("warn: create error counter failed: %v", err)
	}
	p.claimed, err = meter.Int64Counter("worker_entries_claimed_total")
	if err != nil {
		logger.Printf("warn: create claim counter failed: %v", err)
	}
	return p
}

// Start blocks until ctx is cancelled, handling up to Concurrency jobs at
// a time.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("worker starting; consuming stream %s with %d slots", p.cfg.Stream, p.cfg.Concurrency)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Concurrency + 1)

	g.Go(func() error {
		p.watchLag(gctx)
		return nil
	})

	claimCursor := "0-0"
	lastClaim := time.Time{}
	for {
		if gctx.Err() != nil {
			break
		}

		var msgs []streams.Message
		if time.Since(lastClaim) >= p.cfg.ClaimIdle {
			lastClaim = time.Now()
			claimed, next, err := p.source.AutoClaim(gctx, p.cfg.Stream, p.cfg.ClaimIdle, claimCursor, int64(p.cfg.Concurrency))
			if err != nil {
				p.logger.Printf("warn: autoclaim: %v", err)
			} else {
				claimCursor = next
				if len(claimed) > 0 {
					p.logger.Printf("claimed %d idle entries", len(claimed))
					p.count(gctx, p.claimed, int64(len(claimed)))
				}
				msgs = claimed
			}
		}
		if len(msgs) == 0 {
			read, err := p.source.Read(gctx, p.cfg.Stream, int64(p.cfg.Concurrency), p.cfg.Block)
			if err != nil {
				if gctx.Err() != nil {
					break
				}
				p.logger.Printf("error reading stream: %v", err)
				sleep(gctx, time.Second)
				continue
			}
			msgs = read
		}

		for _, msg := range msgs {
			g.Go(func() error {
				p.handle(gctx, msg)
				return nil
			})
		}
	}

	err := g.Wait()
	p.logger.Printf("worker stopping: %v", ctx.Err())
	return err
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_job")
	defer span.End()

	var payload streams.JobCreated
	if err := msg.Envelope.Decode(&payload); err != nil || payload.JobID == "" {
		p.logger.Printf("warn: drop entry %s: invalid payload: %v", msg.ID, err)
		p.ack(ctx, msg.ID)
		return
	}
	span.SetAttributes(attribute.String("job_id", payload.JobID))

	err := p.jobs.Process(ctx, payload.JobID)
	switch {
	case err == nil:
		p.count(ctx, p.handled, 1)
		p.ack(ctx, msg.ID)
	case errors.Is(err, jobs.ErrNotFound):
		p.logger.Printf("warn: job %s no longer exists; dropping entry %s", payload.JobID, msg.ID)
		p.ack(ctx, msg.ID)
	case ctx.Err() != nil:
		// Shutdown; the entry stays pending for another consumer.
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.count(ctx, p.errored, 1)
		p.logger.Printf("error processing job %s: %v", payload.JobID, err)
	}
}

func (p *Processor) ack(ctx context.Context, id string) {
	if err := p.source.Ack(context.WithoutCancel(ctx), p.cfg.Stream, id); err != nil {
		p.logger.Printf("warn: failed to ack entry %s: %v", id, err)
	}
}

func (p *Processor) watchLag(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.LagInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			lag, err := p.source.Lag(ctx, p.cfg.Stream)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Printf("warn: read group lag: %v", err)
				}
				continue
			}
			if lag.Pending > 0 || lag.Lag > 0 {
				p.logger.Printf("stream %s: pending=%d lag=%d oldest_idle=%s", p.cfg.Stream, lag.Pending, lag.Lag, lag.OldestIdle)
			}
		}
	}
}

func (p *Processor) count(ctx context.Context, c otelmetric.Int64Counter, n int64) {
	if c != nil {
		c.Add(ctx, n)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
