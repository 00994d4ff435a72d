package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/budget"
)

const (
	DefaultProcessingTimeout = 14 * time.Minute
	DefaultRetention         = 24 * time.Hour
	MaxQuestionLength        = 4000
	MaxContextIDs            = 20
)

// Runner executes one research run.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (agent.Result, error)
}

// Dispatcher hands a created job to the processing path without waiting
// for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, jobID string) error
}

// ProviderSet reports which model providers may be requested.
type ProviderSet interface {
	Has(name string) bool
}

// Observer is notified of job lifecycle events.
type Observer interface {
	JobCreated()
	JobFinished(status Status, reason string)
}

type nopObserver struct{}

func (nopObserver) JobCreated()                {}
func (nopObserver) JobFinished(Status, string) {}

// Config bounds job processing.
type Config struct {
	ProcessingTimeout time.Duration
	Retention         time.Duration
}

func (c Config) normalize() Config {
	if c.ProcessingTimeout <= 0 {
		c.ProcessingTimeout = DefaultProcessingTimeout
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	return c
}

// Manager owns the job lifecycle. The fast path (Create, GetStatus,
// GetResult) never waits on processing; Process is the slow path.
type Manager struct {
	store      Store
	runner     Runner
	dispatcher Dispatcher
	providers  ProviderSet
	cfg        Config
	logger     *log.Logger
	tracer     trace.Tracer
	observer   Observer
	now        func() time.Time
}

// Option customises a Manager.
type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

func WithObserver(o Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithProviders restricts the provider parameter to names in set.
func WithProviders(set ProviderSet) Option {
	return func(m *Manager) { m.providers = set }
}

// WithClock overrides the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager builds a Manager. A dispatcher must be set with SetDispatcher
// before Create is called.
func NewManager(store Store, runner Runner, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		runner:   runner,
		cfg:      cfg.normalize(),
		logger:   log.New(os.Stdout, "[JOBS] ", log.LstdFlags),
		tracer:   trace.NewNoopTracerProvider().Tracer("jobs"),
		observer: nopObserver{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetDispatcher sets the trigger used by Create.
func (m *Manager) SetDispatcher(d Dispatcher) { m.dispatcher = d }

// CreateRequest is the input of Create.
type CreateRequest struct {
	Question   string
	Provider   string
	ContextIDs []string
}

func (m *Manager) validate(req CreateRequest) (CreateRequest, error) {
	req.Question = strings.TrimSpace(req.Question)
	if req.Question == "" {
		return req, ValidationError{Field: "question", Message: "must not be empty"}
	}
	if utf8.RuneCountInString(req.Question) > MaxQuestionLength {
		return req, ValidationError{Field: "question", Message: fmt.Sprintf("must be at most %d characters", MaxQuestionLength)}
	}
	req.Provider = strings.TrimSpace(req.Provider)
	if req.Provider != "" && m.providers != nil && !m.providers.Has(req.Provider) {
		return req, ValidationError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", req.Provider)}
	}
	if len(req.ContextIDs) > MaxContextIDs {
		return req, ValidationError{Field: "context_ids", Message: fmt.Sprintf("at most %d identifiers", MaxContextIDs)}
	}
	ids := make([]string, 0, len(req.ContextIDs))
	for _, id := range req.ContextIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			return req, ValidationError{Field: "context_ids", Message: "identifiers must not be empty"}
		}
		ids = append(ids, id)
	}
	req.ContextIDs = ids
	return req, nil
}

// Create persists a created job and triggers processing. It returns as soon
// as the trigger is sent. A failed trigger fails the job but still returns
// it.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (Job, error) {
	req, err := m.validate(req)
	if err != nil {
		return Job{}, err
	}
	if m.dispatcher == nil {
		return Job{}, errors.New("jobs: no dispatcher configured")
	}
	now := m.now().UTC()
	job := Job{
		ID:        uuid.NewString(),
		Status:    StatusCreated,
		Progress:  Progress{Stage: StageQueued, Percentage: 0, Note: "job accepted", UpdatedAt: now},
		Question:  req.Question,
		Params:    Params{Provider: req.Provider, ContextIDs: req.ContextIDs},
		CreatedAt: now,
		UpdatedAt: now,
		ExpiresAt: now.Add(m.cfg.Retention),
	}
	if err := m.store.Create(ctx, job); err != nil {
		return Job{}, fmt.Errorf("persist job: %w", err)
	}
	m.observer.JobCreated()
	m.logger.Printf("job %s created", job.ID)

	if err := m.dispatcher.Dispatch(ctx, job.ID); err != nil {
		m.logger.Printf("warn: dispatch job %s: %v", job.ID, err)
		p := Progress{Stage: StageFailed, Percentage: 100, Note: ReasonTriggerFailed, UpdatedAt: m.now().UTC()}
		if ferr := m.store.Fail(ctx, job.ID, ReasonTriggerFailed, err.Error(), budget.Usage{}, p); ferr != nil {
			m.logger.Printf("warn: mark job %s failed: %v", job.ID, ferr)
		} else {
			job.Status, job.Progress, job.Reason, job.Error = StatusFailed, p, ReasonTriggerFailed, err.Error()
			m.observer.JobFinished(StatusFailed, ReasonTriggerFailed)
		}
	}
	return job, nil
}

// GetStatus returns the latest persisted snapshot.
func (m *Manager) GetStatus(ctx context.Context, id string) (Job, error) {
	job, err := m.store.Get(ctx, id)
	if err != nil {
		return Job{}, err
	}
	if job.Expired(m.now()) {
		return Job{}, ErrNotFound
	}
	return job, nil
}

// GetResult returns the stored result bytes of a completed job. It returns
// ErrNotReady before a terminal status and FailedError for failed jobs.
func (m *Manager) GetResult(ctx context.Context, id string) (json.RawMessage, error) {
	job, err := m.GetStatus(ctx, id)
	if err != nil {
		return nil, err
	}
	switch job.Status {
	case StatusCompleted:
		return job.Result, nil
	case StatusFailed:
		return nil, FailedError{JobID: job.ID, Reason: job.Reason, Message: job.Error}
	}
	return nil, ErrNotReady
}

// Process runs a created job to a terminal state under the processing
// timeout. Jobs that are not in created state are skipped, which makes
// redelivered triggers harmless.
func (m *Manager) Process(ctx context.Context, id string) error {
	ctx, span := m.tracer.Start(ctx, "jobs.process")
	defer span.End()
	span.SetAttributes(attribute.String("job_id", id))

	job, err := m.store.Get(ctx, id)
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if job.Status != StatusCreated {
		m.logger.Printf("skip job %s in status %s", id, job.Status)
		return nil
	}
	start := Progress{Stage: StageStarting, Percentage: 5, Note: "picked up", UpdatedAt: m.now().UTC()}
	if err := m.store.Start(ctx, id, start); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Printf("skip job %s: claimed elsewhere", id)
			return nil
		}
		return fmt.Errorf("start job %s: %w", id, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, m.cfg.ProcessingTimeout)
	defer cancel()

	type outcome struct {
		res agent.Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := m.runner.Run(runCtx, agent.Request{
			Question:   job.Question,
			ContextIDs: job.Params.ContextIDs,
			Provider:   job.Params.Provider,
			Progress:   m.progressFunc(id),
		})
		done <- outcome{res, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if ctx.Err() != nil {
				// Shutdown: leave the job for the reaper.
				return ctx.Err()
			}
			if errors.Is(out.err, context.DeadlineExceeded) && runCtx.Err() != nil {
				return m.fail(ctx, span, id, ReasonProcessingTimeout, timeoutMessage(m.cfg.ProcessingTimeout), usageOf(out.err))
			}
			return m.fail(ctx, span, id, reasonOf(out.err), out.err.Error(), usageOf(out.err))
		}
		return m.complete(ctx, span, id, out.res)
	case <-runCtx.Done():
		if ctx.Err() != nil {
			// Shutdown: leave the job for the reaper.
			return ctx.Err()
		}
		return m.fail(ctx, span, id, ReasonProcessingTimeout, timeoutMessage(m.cfg.ProcessingTimeout), budget.Usage{})
	}
}

func timeoutMessage(d time.Duration) string {
	return fmt.Sprintf("processing exceeded %s", d)
}

// progressFunc persists agent progress. Writes after the job left
// processing are rejected by the store and ignored.
func (m *Manager) progressFunc(id string) agent.ProgressFunc {
	return func(ctx context.Context, p agent.Progress) {
		snap := Progress{Stage: string(p.Stage), Percentage: p.Percent, Note: p.Message, UpdatedAt: m.now().UTC()}
		if err := m.store.UpdateProgress(context.WithoutCancel(ctx), id, snap); err != nil && !errors.Is(err, ErrInvalidTransition) {
			m.logger.Printf("warn: progress for job %s: %v", id, err)
		}
	}
}

func (m *Manager) complete(ctx context.Context, span trace.Span, id string, res agent.Result) error {
	body, err := json.Marshal(res)
	if err != nil {
		return m.fail(ctx, span, id, ReasonInternal, fmt.Sprintf("encode result: %v", err), res.Usage)
	}
	p := Progress{Stage: StageCompleted, Percentage: 100, Note: "research complete", UpdatedAt: m.now().UTC()}
	if err := m.store.Complete(context.WithoutCancel(ctx), id, body, res.Usage, p); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			m.logger.Printf("warn: job %s finished after leaving processing; result discarded", id)
			return nil
		}
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	m.observer.JobFinished(StatusCompleted, "")
	m.logger.Printf("job %s completed (%d iterations, %d tokens, $%.4f)", id, res.Iterations, res.Usage.TotalTokens, res.Usage.Cost)
	return nil
}

func (m *Manager) fail(ctx context.Context, span trace.Span, id, reason, message string, usage budget.Usage) error {
	span.SetStatus(codes.Error, reason)
	p := Progress{Stage: StageFailed, Percentage: 100, Note: reason, UpdatedAt: m.now().UTC()}
	if err := m.store.Fail(context.WithoutCancel(ctx), id, reason, message, usage, p); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	m.observer.JobFinished(StatusFailed, reason)
	m.logger.Printf("job %s failed: %s: %s", id, reason, message)
	return nil
}

func reasonOf(err error) string {
	var runErr *agent.RunError
	if errors.As(err, &runErr) {
		return runErr.Reason
	}
	return ReasonInternal
}

func usageOf(err error) budget.Usage {
	var runErr *agent.RunError
	if errors.As(err, &runErr) {
		return runErr.Usage
	}
	return budget.Usage{}
}
