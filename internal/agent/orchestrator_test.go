package agent

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/lexresearch/internal/budget"
	"github.com/mohammad-safakhou/lexresearch/internal/document"
	"github.com/mohammad-safakhou/lexresearch/internal/llm"
	"github.com/mohammad-safakhou/lexresearch/internal/ranking"
	"github.com/mohammad-safakhou/lexresearch/internal/retry"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// step is one scripted provider reply.
type step struct {
	turn llm.Turn
	err  error
}

type scriptedProvider struct {
	mu    sync.Mutex
	steps []step
	// repeat replays the last step once the script is exhausted.
	repeat  bool
	seen    [][]llm.Message
	usage   budget.Usage
	perCall budget.Usage
}

func (p *scriptedProvider) Name() string { return "scripted" }

func (p *scriptedProvider) NextTurn(_ context.Context, conv []llm.Message, _ []tools.Schema) (llm.Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, conv)
	if len(p.steps) == 0 {
		return llm.Turn{}, errors.New("script exhausted")
	}
	s := p.steps[0]
	if len(p.steps) > 1 || !p.repeat {
		p.steps = p.steps[1:]
	}
	if s.err == nil {
		p.usage = p.perCall
	}
	return s.turn, s.err
}

func (p *scriptedProvider) Usage() budget.Usage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.usage
}

type fixedSource struct{ p llm.Provider }

func (s fixedSource) New(context.Context, string) (llm.Provider, error) { return s.p, nil }

type stubGateway struct {
	mu     sync.Mutex
	calls  map[tools.Name]int
	search []document.Document
}

func newStubGateway(docs ...document.Document) *stubGateway {
	return &stubGateway{calls: map[tools.Name]int{}, search: docs}
}

func (g *stubGateway) count(n tools.Name) {
	g.mu.Lock()
	g.calls[n]++
	g.mu.Unlock()
}

func (g *stubGateway) Search(_ context.Context, args tools.SearchArgs) (tools.SearchResult, error) {
	g.count(tools.Search)
	return tools.SearchResult{Keyword: args.Keyword, Documents: g.search}, nil
}

func (g *stubGateway) Citations(_ context.Context, id string) (tools.CitationsResult, error) {
	g.count(tools.Citations)
	return tools.CitationsResult{DocumentID: id}, nil
}

func (g *stubGateway) Amendments(_ context.Context, id string) (tools.AmendmentsResult, error) {
	g.count(tools.Amendments)
	return tools.AmendmentsResult{DocumentID: id}, nil
}

func (g *stubGateway) Status(_ context.Context, id string) (tools.StatusResult, error) {
	g.count(tools.Status)
	return tools.StatusResult{DocumentID: id, Current: true}, nil
}

func (g *stubGateway) Relationships(_ context.Context, id string) (tools.RelationshipsResult, error) {
	g.count(tools.Relationships)
	return tools.RelationshipsResult{DocumentID: id}, nil
}

func (g *stubGateway) ExtractContent(_ context.Context, ids []string) (tools.ExtractResult, error) {
	g.count(tools.ExtractContent)
	out := map[string]string{}
	for _, id := range ids {
		out[id] = "text"
	}
	return tools.ExtractResult{Contents: out}, nil
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

func toolTurn(calls ...llm.ToolCall) step {
	return step{turn: llm.Turn{Kind: llm.TurnToolRequests, ToolCalls: calls}}
}

func finalTurn(content string) step {
	return step{turn: llm.Turn{Kind: llm.TurnFinalAnswer, Content: content}}
}

func newOrchestrator(t *testing.T, p llm.Provider, gw tools.Gateway, cfg Config) *Orchestrator {
	t.Helper()
	r, err := ranking.New(ranking.DefaultPolicy(), ranking.WithClock(func() time.Time {
		return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}))
	if err != nil {
		t.Fatalf("ranking.New: %v", err)
	}
	if cfg.Retry.InitialBackoff == 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond, Multiplier: 2}
	}
	o, err := New(fixedSource{p}, gw, r, cfg, WithLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return o
}

var (
	lawDoc  = document.Document{ID: "loi-2018-08-01", Title: "Data protection law", Type: document.AuthorityLaw, Citations: 40}
	rgdDoc  = document.Document{ID: "rgd-2019-03-02", Title: "Implementing regulation", Type: document.AuthorityGrandDucalRegulation, Citations: 2}
	codeDoc = document.Document{ID: "code-travail", Title: "Labour code", Type: document.AuthorityCode, Citations: 90}
)

func TestRunBlocksUnretrievedIdentifiers(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		toolTurn(call("c1", "citations", `{"document_id":"invented-id"}`)),
		toolTurn(call("c2", "search", `{"keyword":"data protection"}`)),
		toolTurn(call("c3", "citations", `{"document_id":"loi-2018-08-01"}`)),
		finalTurn(`{"summary":"ok","key_points":["a"],"exhaustive_content":"long","primary_sources":[{"id":"loi-2018-08-01","title":"x"},{"id":"invented-id","title":"y"}]}`),
	}}
	gw := newStubGateway(lawDoc, rgdDoc)
	o := newOrchestrator(t, p, gw, Config{})

	res, err := o.Run(context.Background(), Request{Question: "What governs data protection?"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.calls[tools.Citations] != 1 {
		t.Fatalf("expected one forwarded citations call, got %d", gw.calls[tools.Citations])
	}
	if res.ProvenanceRejections != 1 {
		t.Fatalf("expected 1 rejection, got %d", res.ProvenanceRejections)
	}
	// The rejection is handed back to the model as a tool result.
	second := p.seen[1]
	last := second[len(second)-1]
	if !last.IsError || !strings.Contains(last.Content, "BLOCKED") || last.ToolCallID != "c1" {
		t.Fatalf("expected blocked tool result, got %+v", last)
	}
	if len(res.PrimarySources) != 1 || res.PrimarySources[0].ID != lawDoc.ID {
		t.Fatalf("unexpected sources: %+v", res.PrimarySources)
	}
	if res.PrimarySources[0].Title != lawDoc.Title || res.PrimarySources[0].Tier == "" {
		t.Fatalf("source not enriched from ranking: %+v", res.PrimarySources[0])
	}
	if diff := cmp.Diff([]string{"invented-id"}, res.UnverifiedReferences); diff != "" {
		t.Fatalf("unverified references mismatch (-want +got):\n%s", diff)
	}
	if res.Iterations != 4 || res.ToolCalls != 3 {
		t.Fatalf("unexpected counters: iterations=%d tool_calls=%d", res.Iterations, res.ToolCalls)
	}
}

func TestRunContextIDsAreNotRetrieved(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		toolTurn(call("c1", "status", `{"document_id":"loi-2018-08-01"}`)),
		finalTurn("done"),
	}}
	gw := newStubGateway(lawDoc)
	o := newOrchestrator(t, p, gw, Config{})

	res, err := o.Run(context.Background(), Request{Question: "Is it in force?", ContextIDs: []string{lawDoc.ID}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gw.calls[tools.Status] != 0 {
		t.Fatalf("context identifier must not grant provenance")
	}
	if res.ProvenanceRejections != 1 {
		t.Fatalf("expected rejection, got %d", res.ProvenanceRejections)
	}
	if !strings.Contains(p.seen[0][1].Content, lawDoc.ID) {
		t.Fatalf("context identifiers missing from prompt: %q", p.seen[0][1].Content)
	}
}

func TestRunIterationLimit(t *testing.T) {
	p := &scriptedProvider{
		steps:   []step{toolTurn(call("c", "search", `{"keyword":"travail"}`))},
		repeat:  true,
		perCall: budget.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, Cost: 0.01, ModelCalls: 1},
	}
	var stages []Stage
	o := newOrchestrator(t, p, newStubGateway(codeDoc), Config{MaxIterations: 3})

	_, err := o.Run(context.Background(), Request{
		Question: "loop forever",
		Progress: func(_ context.Context, pr Progress) { stages = append(stages, pr.Stage) },
	})
	var runErr *RunError
	if !errors.As(err, &runErr) {
		t.Fatalf("expected RunError, got %v", err)
	}
	if runErr.Reason != ReasonIterationLimit {
		t.Fatalf("unexpected reason %q", runErr.Reason)
	}
	var limit IterationLimitExceeded
	if !errors.As(err, &limit) || limit.Limit != 3 {
		t.Fatalf("expected IterationLimitExceeded{3}, got %v", err)
	}
	if runErr.Usage.ModelCalls != 3 || runErr.Usage.TotalTokens != 45 || runErr.Usage.ToolCalls != 3 {
		t.Fatalf("unexpected usage %+v", runErr.Usage)
	}
	if runErr.Iterations != 3 {
		t.Fatalf("expected 3 iterations, got %d", runErr.Iterations)
	}
	want := []Stage{StageWorkflowStart, StageToolExecution, StageToolExecution, StageToolExecution}
	if diff := cmp.Diff(want, stages); diff != "" {
		t.Fatalf("stages mismatch (-want +got):\n%s", diff)
	}
}

func TestRunRetriesTransientProviderErrors(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		{err: errors.New("502 bad gateway")},
		{err: errors.New("timeout")},
		finalTurn("answer"),
	}}
	o := newOrchestrator(t, p, newStubGateway(), Config{})

	res, err := o.Run(context.Background(), Request{Question: "q"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Narrative != "answer" || res.Summary != "answer" {
		t.Fatalf("plain text answer not kept: %+v", res)
	}
	if len(p.seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(p.seen))
	}
}

func TestRunProviderErrorAfterRetries(t *testing.T) {
	p := &scriptedProvider{steps: []step{{err: errors.New("unavailable")}}, repeat: true}
	o := newOrchestrator(t, p, newStubGateway(), Config{})

	_, err := o.Run(context.Background(), Request{Question: "q"})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonProviderError {
		t.Fatalf("expected provider_error, got %v", err)
	}
	var provErr llm.ProviderError
	if !errors.As(err, &provErr) || provErr.Attempts != 3 {
		t.Fatalf("expected ProviderError after 3 attempts, got %v", err)
	}
}

func TestRunBudgetExceeded(t *testing.T) {
	p := &scriptedProvider{
		steps:   []step{toolTurn(call("c", "search", `{"keyword":"travail"}`))},
		repeat:  true,
		perCall: budget.Usage{TotalTokens: 600, ModelCalls: 1},
	}
	o := newOrchestrator(t, p, newStubGateway(), Config{Budget: budget.FromLimits(0, 1000)})

	_, err := o.Run(context.Background(), Request{Question: "q"})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonBudgetExceeded {
		t.Fatalf("expected budget_exceeded, got %v", err)
	}
	if runErr.Usage.TotalTokens != 1200 {
		t.Fatalf("usage should include the breaching call, got %+v", runErr.Usage)
	}
	if len(p.seen) != 2 {
		t.Fatalf("breach must not be retried, got %d calls", len(p.seen))
	}
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := &scriptedProvider{steps: []step{finalTurn("never")}}
	o := newOrchestrator(t, p, newStubGateway(), Config{})

	_, err := o.Run(ctx, Request{Question: "q"})
	var runErr *RunError
	if !errors.As(err, &runErr) || runErr.Reason != ReasonCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if len(p.seen) != 0 {
		t.Fatalf("provider called after cancellation")
	}
}

func TestRunRanksSearchAndKeepsCallOrder(t *testing.T) {
	p := &scriptedProvider{steps: []step{
		toolTurn(
			call("a", "search", `{"keyword":"labour"}`),
			call("b", "extract_content", `{"document_ids":["code-travail"]}`),
		),
		finalTurn("done"),
	}}
	o := newOrchestrator(t, p, newStubGateway(rgdDoc, lawDoc, codeDoc), Config{})

	if _, err := o.Run(context.Background(), Request{Question: "q"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	conv := p.seen[1]
	// system, user, assistant, tool a, tool b
	if len(conv) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(conv))
	}
	if conv[3].ToolCallID != "a" || conv[4].ToolCallID != "b" {
		t.Fatalf("tool results out of order: %s, %s", conv[3].ToolCallID, conv[4].ToolCallID)
	}
	// code-travail was returned by the search in the same turn, so the
	// extraction is accepted.
	if conv[4].IsError {
		t.Fatalf("extraction rejected: %s", conv[4].Content)
	}
	var got rankedSearch
	if err := json.Unmarshal([]byte(conv[3].Content), &got); err != nil {
		t.Fatalf("decode search payload: %v", err)
	}
	var ids []string
	for _, s := range got.Documents {
		ids = append(ids, s.Document.ID)
	}
	if diff := cmp.Diff([]string{"code-travail", "loi-2018-08-01", "rgd-2019-03-02"}, ids); diff != "" {
		t.Fatalf("ranking mismatch (-want +got):\n%s", diff)
	}
	if got.Documents[0].Rank != 1 {
		t.Fatalf("expected rank 1, got %d", got.Documents[0].Rank)
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	r, _ := ranking.New(ranking.DefaultPolicy())
	if _, err := New(nil, newStubGateway(), r, Config{}); err == nil {
		t.Fatalf("expected error for missing provider source")
	}
	if _, err := New(fixedSource{}, nil, r, Config{}); err == nil {
		t.Fatalf("expected error for missing gateway")
	}
	if _, err := New(fixedSource{}, newStubGateway(), nil, Config{}); err == nil {
		t.Fatalf("expected error for missing ranker")
	}
}
