package worker

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type sourceStub struct {
	mu      sync.Mutex
	pending []streams.Message
	claim   []streams.Message
	acked   []string
}

func (s *sourceStub) Read(ctx context.Context, _ string, _ int64, block time.Duration) ([]streams.Message, error) {
	s.mu.Lock()
	msgs := s.pending
	s.pending = nil
	s.mu.Unlock()
	if len(msgs) > 0 {
		return msgs, nil
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(block):
		return nil, nil
	}
}

func (s *sourceStub) Ack(_ context.Context, _ string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acked = append(s.acked, ids...)
	return nil
}

func (s *sourceStub) AutoClaim(context.Context, string, time.Duration, string, int64) ([]streams.Message, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := s.claim
	s.claim = nil
	return msgs, "0-0", nil
}

func (s *sourceStub) Lag(context.Context, string) (streams.LagMetrics, error) {
	return streams.LagMetrics{}, nil
}

func (s *sourceStub) ackedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.acked...)
}

type processorStub struct {
	mu   sync.Mutex
	seen []string
	errs map[string]error
}

func (p *processorStub) Process(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seen = append(p.seen, id)
	return p.errs[id]
}

func jobMessage(t *testing.T, entryID, jobID string) streams.Message {
	t.Helper()
	data, err := json.Marshal(streams.JobCreated{JobID: jobID, CreatedAt: time.Now().UTC()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return streams.Message{ID: entryID, Envelope: streams.Envelope{
		EventID:        "evt-" + entryID,
		EventType:      streams.EventJobCreated,
		PayloadVersion: streams.VersionV1,
		Data:           data,
	}}
}

func newTestProcessor(src Source, proc jobs.Processor) *Processor {
	return NewProcessor(log.New(io.Discard, "", 0), src, proc, Config{Block: 10 * time.Millisecond, LagInterval: time.Hour}, nil, nil)
}

func TestHandleAcknowledgement(t *testing.T) {
	src := &sourceStub{}
	proc := &processorStub{errs: map[string]error{
		"job-broken": errors.New("database unavailable"),
		"job-gone":   jobs.ErrNotFound,
	}}
	p := newTestProcessor(src, proc)
	ctx := context.Background()

	p.handle(ctx, jobMessage(t, "1-0", "job-ok"))
	p.handle(ctx, jobMessage(t, "2-0", "job-broken"))
	p.handle(ctx, jobMessage(t, "3-0", "job-gone"))
	p.handle(ctx, streams.Message{ID: "4-0", Envelope: streams.Envelope{Data: json.RawMessage(`{"job_id":""}`)}})

	acked := src.ackedIDs()
	want := []string{"1-0", "3-0", "4-0"}
	if len(acked) != len(want) {
		t.Fatalf("expected acks %v, got %v", want, acked)
	}
	for i := range want {
		if acked[i] != want[i] {
			t.Fatalf("expected acks %v, got %v", want, acked)
		}
	}
	if len(proc.seen) != 3 {
		t.Fatalf("invalid payload must not reach the manager, saw %v", proc.seen)
	}
}

func TestStartProcessesReadAndClaimedEntries(t *testing.T) {
	src := &sourceStub{
		pending: []streams.Message{jobMessage(t, "2-0", "job-new")},
		claim:   []streams.Message{jobMessage(t, "1-0", "job-stale")},
	}
	proc := &processorStub{}
	p := newTestProcessor(src, proc)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Start(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for len(src.ackedIDs()) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("entries not processed, acked %v", src.ackedIDs())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("start: %v", err)
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	seen := map[string]bool{}
	for _, id := range proc.seen {
		seen[id] = true
	}
	if len(proc.seen) != 2 || !seen["job-stale"] || !seen["job-new"] {
		t.Fatalf("expected claimed and new entries, saw %v", proc.seen)
	}
}
