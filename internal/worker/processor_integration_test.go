//go:build integration

package worker_test

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
	otelnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
	"github.com/mohammad-safakhou/lexresearch/internal/store"
	"github.com/mohammad-safakhou/lexresearch/internal/worker"
)

type runnerFunc func(ctx context.Context, req agent.Request) (agent.Result, error)

func (f runnerFunc) Run(ctx context.Context, req agent.Request) (agent.Result, error) {
	return f(ctx, req)
}

type env struct {
	store *store.Store
	rdb   *redis.Client
}

func startEnv(t *testing.T) env {
	t.Helper()
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		tcPostgres.WithDatabase("lexresearch"),
		tcPostgres.WithUsername("lexresearch"),
		tcPostgres.WithPassword("lexresearch"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("postgres dsn: %v", err)
	}
	if err := store.Migrate("file://../../migrations", dsn, "up", 0); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	redisC, err := tcRedis.RunContainer(ctx,
		testcontainers.WithImage("redis:7-alpine"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")),
	)
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = redisC.Terminate(ctx) })

	redisHost, err := redisC.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	redisPort, err := redisC.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", redisHost, redisPort.Port())})
	t.Cleanup(func() { _ = rdb.Close() })

	return env{store: st, rdb: rdb}
}

func awaitStatus(t *testing.T, mgr *jobs.Manager, id string, want jobs.Status, timeout time.Duration) jobs.Job {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		job, err := mgr.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatalf("get status: %v", err)
		}
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s stuck in %s, want %s", id, job.Status, want)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestJobsFlowThroughStream(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	e := startEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	registry, err := streams.NewJobRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	const stream, group = "jobs.created.test", "test-group"
	if err := streams.EnsureGroup(ctx, e.rdb, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	runner := runnerFunc(func(ctx context.Context, req agent.Request) (agent.Result, error) {
		req.Progress(ctx, agent.Progress{Stage: agent.StageToolExecution, Percent: 40, Message: "searching"})
		return agent.Result{Summary: "answer to " + req.Question}, nil
	})
	mgr := jobs.NewManager(e.store, runner, jobs.Config{}, jobs.WithLogger(logger))
	mgr.SetDispatcher(jobs.NewStreamDispatcher(streams.NewPublisher(e.rdb, registry, 1000), stream))

	job, err := mgr.Create(ctx, jobs.CreateRequest{Question: "What is the notice period?"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if job.Status != jobs.StatusCreated {
		t.Fatalf("expected created, got %s", job.Status)
	}

	consumer := streams.NewConsumer(e.rdb, registry, group, "consumer-1", logger)
	proc := worker.NewProcessor(logger, consumer, mgr, worker.Config{Stream: stream, Block: 200 * time.Millisecond},
		otelnoop.NewMeterProvider().Meter("worker-test"), noop.NewTracerProvider().Tracer("worker-test"))
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()

	awaitStatus(t, mgr, job.ID, jobs.StatusCompleted, 10*time.Second)
	raw, err := mgr.GetResult(ctx, job.ID)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if len(raw) == 0 {
		t.Fatalf("expected stored result")
	}

	lag, err := streams.GroupLag(ctx, e.rdb, stream, group)
	if err != nil {
		t.Fatalf("lag: %v", err)
	}
	if lag.Pending != 0 {
		t.Fatalf("expected no pending entries, got %d", lag.Pending)
	}

	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		t.Fatalf("processor exit: %v", err)
	}
}

func TestAbandonedEntryIsClaimed(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	e := startEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := log.New(os.Stdout, "[TEST] ", log.LstdFlags)
	registry, err := streams.NewJobRegistry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	const stream, group = "jobs.created.claim", "claim-group"
	if err := streams.EnsureGroup(ctx, e.rdb, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	runner := runnerFunc(func(context.Context, agent.Request) (agent.Result, error) {
		return agent.Result{Summary: "done"}, nil
	})
	mgr := jobs.NewManager(e.store, runner, jobs.Config{}, jobs.WithLogger(logger))
	mgr.SetDispatcher(jobs.NewStreamDispatcher(streams.NewPublisher(e.rdb, registry, 1000), stream))
	job, err := mgr.Create(ctx, jobs.CreateRequest{Question: "Which law governs leases?"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// consumer-1 reads the entry and dies before processing it.
	crashed := streams.NewConsumer(e.rdb, registry, group, "consumer-1", logger)
	msgs, err := crashed.Read(ctx, stream, 1, 100*time.Millisecond)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected one delivered entry, got %d (%v)", len(msgs), err)
	}

	rescuer := streams.NewConsumer(e.rdb, registry, group, "consumer-2", logger)
	proc := worker.NewProcessor(logger, rescuer, mgr, worker.Config{
		Stream:    stream,
		Block:     100 * time.Millisecond,
		ClaimIdle: 200 * time.Millisecond,
	}, otelnoop.NewMeterProvider().Meter("worker-test"), noop.NewTracerProvider().Tracer("worker-test"))
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()

	awaitStatus(t, mgr, job.ID, jobs.StatusCompleted, 10*time.Second)

	cancel()
	if err := <-done; err != nil && ctx.Err() == nil {
		t.Fatalf("processor exit: %v", err)
	}
}
