// Package agent runs the research loop: it alternates model turns with tool
// calls until the model produces a final answer.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/llm"
	"github.com/mohammad-safakhou/lexresearch/internal/provenance"
	"github.com/mohammad-safakhou/lexresearch/internal/ranking"
	"github.com/mohammad-safakhou/lexresearch/internal/retry"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

const (
	DefaultMaxIterations = 25
	DefaultModelTimeout  = 90 * time.Second
	DefaultToolTimeout   = 30 * time.Second
)

// Config bounds a run.
type Config struct {
	MaxIterations   int
	ModelTimeout    time.Duration
	ToolTimeout     time.Duration
	MaxExtractBatch int
	Retry           retry.Policy
	Budget          budget.Config
}

func (c Config) normalize() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = DefaultMaxIterations
	}
	if c.ModelTimeout <= 0 {
		c.ModelTimeout = DefaultModelTimeout
	}
	if c.ToolTimeout <= 0 {
		c.ToolTimeout = DefaultToolTimeout
	}
	if c.MaxExtractBatch <= 0 {
		c.MaxExtractBatch = tools.DefaultMaxExtractBatch
	}
	c.Retry = c.Retry.Normalize()
	return c
}

// ProviderSource builds a fresh provider per run.
type ProviderSource interface {
	New(ctx context.Context, name string) (llm.Provider, error)
}

// Stage names a phase of a run for progress reporting.
type Stage string

const (
	StageWorkflowStart Stage = "workflow_start"
	StageToolExecution Stage = "tool_execution"
	StageSynthesis     Stage = "synthesis"
)

// Progress is one progress report emitted during a run.
type Progress struct {
	Stage     Stage
	Percent   int
	Iteration int
	Message   string
}

// ProgressFunc receives progress reports. It must not block for long.
type ProgressFunc func(ctx context.Context, p Progress)

// Request is one research question.
type Request struct {
	Question string
	// ContextIDs are document identifiers the caller mentioned. They are
	// passed to the model as hints and are never treated as retrieved.
	ContextIDs []string
	Provider   string
	// Budget overrides the configured budget when non-nil.
	Budget   *budget.Config
	Progress ProgressFunc
}

// Orchestrator drives research runs. It is safe for concurrent use; every run
// gets its own provider, provenance session and conversation.
type Orchestrator struct {
	providers ProviderSource
	gateway   tools.Gateway
	ranker    *ranking.Ranker
	cfg       Config
	logger    *log.Logger
	tracer    trace.Tracer

	observer Observer
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) {
		if t != nil {
			o.tracer = t
		}
	}
}

// Observer receives per-call measurements from every run.
type Observer interface {
	ToolCall(tool, outcome string)
	ModelCall(provider string, usage budget.Usage, retries int)
}

type nopObserver struct{}

func (nopObserver) ToolCall(string, string)             {}
func (nopObserver) ModelCall(string, budget.Usage, int) {}

// WithObserver reports tool and model calls to obs.
func WithObserver(obs Observer) Option {
	return func(o *Orchestrator) {
		if obs != nil {
			o.observer = obs
		}
	}
}

// New builds an Orchestrator.
func New(providers ProviderSource, gateway tools.Gateway, ranker *ranking.Ranker, cfg Config, opts ...Option) (*Orchestrator, error) {
	if providers == nil {
		return nil, errors.New("agent: provider source required")
	}
	if gateway == nil {
		return nil, errors.New("agent: tool gateway required")
	}
	if ranker == nil {
		return nil, errors.New("agent: ranker required")
	}
	cfg = cfg.normalize()
	if err := cfg.Retry.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Budget.Validate(); err != nil {
		return nil, err
	}
	o := &Orchestrator{
		providers: providers,
		gateway:   gateway,
		ranker:    ranker,
		cfg:       cfg,
		logger:    log.New(os.Stdout, "[AGENT] ", log.LstdFlags),
		tracer:    trace.NewNoopTracerProvider().Tracer("agent"),
		observer:  nopObserver{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// run is the per-request state.
type run struct {
	req      Request
	provider llm.Provider
	session  *provenance.Session
	monitor  *budget.Monitor
	conv     *conversation
	schemas  []tools.Schema
	ranked   map[string]Source
	calls    int
	iter     int
}

// Run answers req. Failures are returned as *RunError carrying the usage
// consumed so far.
func (o *Orchestrator) Run(ctx context.Context, req Request) (Result, error) {
	ctx, span := o.tracer.Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(attribute.String("provider", req.Provider))

	res, err := o.run(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	span.SetAttributes(attribute.Int("iterations", res.Iterations), attribute.Int("tool_calls", res.ToolCalls))
	return res, nil
}

func (o *Orchestrator) run(ctx context.Context, req Request) (Result, error) {
	provider, err := o.providers.New(ctx, req.Provider)
	if err != nil {
		return Result{}, &RunError{Reason: ReasonProviderError, Err: err}
	}
	limits := o.cfg.Budget
	if req.Budget != nil {
		limits = *req.Budget
	}
	r := &run{
		req:      req,
		provider: provider,
		session:  provenance.NewSession(),
		monitor:  budget.NewMonitor(limits),
		conv:     newConversation(systemPrompt(o.cfg.MaxExtractBatch), userPrompt(req.Question, req.ContextIDs)),
		schemas:  tools.Schemas(o.cfg.MaxExtractBatch),
		ranked:   map[string]Source{},
	}
	o.report(ctx, r, StageWorkflowStart, 10, "research started")

	for r.iter = 1; r.iter <= o.cfg.MaxIterations; r.iter++ {
		if err := ctx.Err(); err != nil {
			return Result{}, o.fail(r, ReasonCancelled, err)
		}
		if err := r.monitor.CheckTime(); err != nil {
			return Result{}, o.fail(r, ReasonBudgetExceeded, err)
		}
		o.report(ctx, r, StageToolExecution, toolPercent(r.iter), fmt.Sprintf("iteration %d", r.iter))

		turn, err := o.nextTurn(ctx, r)
		if err != nil {
			var exceeded budget.ErrExceeded
			if errors.As(err, &exceeded) {
				return Result{}, o.fail(r, ReasonBudgetExceeded, err)
			}
			if ctx.Err() != nil {
				return Result{}, o.fail(r, ReasonCancelled, err)
			}
			return Result{}, o.fail(r, ReasonProviderError, err)
		}

		if turn.Kind == llm.TurnFinalAnswer {
			o.report(ctx, r, StageSynthesis, 95, "synthesising answer")
			res := parseAnswer(turn.Content, r.session, r.ranked)
			if len(res.UnverifiedReferences) > 0 {
				o.logger.Printf("warn: answer cited %d unretrieved documents: %v", len(res.UnverifiedReferences), res.UnverifiedReferences)
			}
			usage, _ := r.monitor.Usage()
			usage.ToolCalls = r.calls
			usage.Iterations = r.iter
			res.Provider = provider.Name()
			res.Iterations = r.iter
			res.ToolCalls = r.calls
			res.ProvenanceRejections = r.session.Rejections()
			res.Usage = usage
			return res, nil
		}

		r.conv.appendAssistant(turn)
		for _, call := range turn.ToolCalls {
			r.conv.appendToolResult(o.execute(ctx, r, call))
		}
	}
	r.iter = o.cfg.MaxIterations
	return Result{}, o.fail(r, ReasonIterationLimit, IterationLimitExceeded{Limit: o.cfg.MaxIterations})
}

// nextTurn asks the provider for the next turn, retrying transient failures
// under the configured policy. Each attempt gets its own deadline.
func (o *Orchestrator) nextTurn(ctx context.Context, r *run) (llm.Turn, error) {
	ctx, span := o.tracer.Start(ctx, "agent.iteration")
	defer span.End()
	span.SetAttributes(attribute.Int("iteration", r.iter), attribute.Int("messages", r.conv.len()))

	var turn llm.Turn
	messages := r.conv.snapshot()
	attempts, err := o.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.ModelTimeout)
		defer cancel()
		t, err := r.provider.NextTurn(callCtx, messages, r.schemas)
		if err != nil {
			return err
		}
		usage := r.provider.Usage()
		o.observer.ModelCall(r.provider.Name(), usage, 0)
		if err := r.monitor.Add(usage); err != nil {
			return retry.Permanent(err)
		}
		turn = t
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		o.logger.Printf("warn: %s attempt %d failed: %v; retrying in %s", r.provider.Name(), attempt, err, wait)
		o.observer.ModelCall(r.provider.Name(), budget.Usage{}, 1)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	if err != nil {
		var exceeded budget.ErrExceeded
		if errors.As(err, &exceeded) {
			return llm.Turn{}, err
		}
		return llm.Turn{}, llm.ProviderError{Provider: r.provider.Name(), Attempts: attempts, Err: err}
	}
	return turn, nil
}

// execute runs one tool call through the provenance guard. Search results
// are ranked before they reach the model.
func (o *Orchestrator) execute(ctx context.Context, r *run, call llm.ToolCall) tools.Result {
	ctx, span := o.tracer.Start(ctx, "agent.tool_call")
	defer span.End()
	span.SetAttributes(attribute.String("tool", call.Name))

	r.calls++
	req := tools.Request{CallID: call.ID, Name: tools.Name(call.Name), Args: call.Arguments}
	callCtx, cancel := context.WithTimeout(ctx, o.cfg.ToolTimeout)
	res := r.session.Guard(callCtx, o.gateway, req, o.cfg.MaxExtractBatch)
	cancel()

	outcome := "ok"
	if !res.OK() {
		outcome = string(res.Failure.Kind)
		span.SetStatus(codes.Error, res.Failure.Message)
		if res.Failure.Kind == tools.FailureProvenance {
			o.logger.Printf("blocked %s on unretrieved document %q", req.Name, res.Failure.DocumentID)
		} else {
			o.logger.Printf("warn: tool %s failed: %s", req.Name, res.Failure.Message)
		}
	}
	o.observer.ToolCall(call.Name, outcome)

	if res.OK() && req.Name == tools.Search {
		if found, ok := res.Payload.(tools.SearchResult); ok {
			res.Payload = o.rankSearch(r, found)
		}
	}
	return res
}

// rankedSearch is the search payload the model sees.
type rankedSearch struct {
	Keyword   string           `json:"keyword"`
	Total     int              `json:"total"`
	Documents []ranking.Scored `json:"documents"`
}

func (o *Orchestrator) rankSearch(r *run, found tools.SearchResult) rankedSearch {
	scored := o.ranker.Rank(found.Documents)
	for _, s := range scored {
		if _, ok := r.ranked[s.Document.ID]; ok {
			continue
		}
		r.ranked[s.Document.ID] = Source{
			ID:    s.Document.ID,
			Title: s.Document.Title,
			Type:  s.Document.Type,
			Date:  s.Document.IssueDate,
			Tier:  s.Tier,
			Score: s.Score,
		}
	}
	return rankedSearch{Keyword: found.Keyword, Total: len(scored), Documents: scored}
}

func (o *Orchestrator) report(ctx context.Context, r *run, stage Stage, percent int, msg string) {
	if r.req.Progress == nil {
		return
	}
	r.req.Progress(ctx, Progress{Stage: stage, Percent: percent, Iteration: r.iter, Message: msg})
}

func (o *Orchestrator) fail(r *run, reason string, err error) *RunError {
	usage, elapsed := r.monitor.Usage()
	usage.ToolCalls = r.calls
	usage.Iterations = r.iter
	o.logger.Printf("run failed after %d iterations (%s): %s: %v", r.iter, elapsed.Round(time.Millisecond), reason, err)
	return &RunError{Reason: reason, Err: err, Usage: usage, Iterations: r.iter}
}

func toolPercent(iter int) int {
	p := 20 + iter*3
	if p > 90 {
		return 90
	}
	return p
}
