package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"

	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/lexresearch/config"
	"github.com/mohammad-safakhou/lexresearch/internal/agent"
	"github.com/mohammad-safakhou/lexresearch/internal/gateway"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/llm"
	"github.com/mohammad-safakhou/lexresearch/internal/metrics"
	"github.com/mohammad-safakhou/lexresearch/internal/ranking"
	"github.com/mohammad-safakhou/lexresearch/internal/store"
	"github.com/mohammad-safakhou/lexresearch/internal/telemetry"
	"github.com/mohammad-safakhou/lexresearch/internal/tools"
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.Config
	tel        *telemetry.Telemetry
	collectors *metrics.Collectors
	rdb        *redis.Client
	providers  *llm.Factory
	gateway    tools.Gateway
	research   *agent.Orchestrator

	closers []func() error
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, collectors: metrics.New()}
	if err := a.init(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) init(ctx context.Context) error {
	cfg := a.cfg
	var err error

	a.tel, err = telemetry.Setup(ctx, telemetry.Options{
		Enabled:      cfg.Telemetry.Enabled,
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Registerer:   a.collectors.Registry(),
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.tel.Shutdown(context.Background()) })

	if cfg.Storage.Redis.Enabled() {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:        cfg.Storage.Redis.Addr(),
			Password:    cfg.Storage.Redis.Password,
			DB:          cfg.Storage.Redis.DB,
			DialTimeout: cfg.Storage.Redis.Timeout,
		})
		a.closers = append(a.closers, a.rdb.Close)
		if err := a.rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
	}

	a.providers, err = llm.NewFactory(cfg.LLM.ProviderConfigs(), cfg.LLM.DefaultProvider)
	if err != nil {
		return fmt.Errorf("llm providers: %w", err)
	}

	if err := a.dialGateway(ctx); err != nil {
		return err
	}

	policy, err := cfg.Ranking.Policy()
	if err != nil {
		return err
	}
	ranker, err := ranking.New(policy)
	if err != nil {
		return err
	}
	a.research, err = agent.New(a.providers, a.gateway, ranker, cfg.Agent.Orchestrator(),
		agent.WithLogger(log.New(os.Stdout, "[AGENT] ", log.LstdFlags)),
		agent.WithTracer(a.tel.Tracer),
		agent.WithObserver(a.collectors),
	)
	if err != nil {
		return fmt.Errorf("orchestrator: %w", err)
	}
	return nil
}

// dialGateway connects to the legal data service and layers rate limiting,
// local extraction and caching on top, innermost first.
func (a *app) dialGateway(ctx context.Context) error {
	cfg := a.cfg
	logger := log.New(os.Stdout, "[GATEWAY] ", log.LstdFlags)
	mcp, err := gateway.Dial(ctx, cfg.Tools.MCP(cfg.Agent.MaxExtractBatch), logger)
	if err != nil {
		return fmt.Errorf("tools gateway: %w", err)
	}
	a.closers = append(a.closers, mcp.Close)

	var gw tools.Gateway = mcp
	if cfg.Tools.RequestsPerSecond > 0 {
		gw = gateway.NewRateLimited(gw, cfg.Tools.RequestsPerSecond)
	}
	if cfg.Tools.ExtractLocally {
		gw = gateway.NewLocalExtractor(gw, &http.Client{Timeout: cfg.Tools.Timeout}, cfg.Tools.ExtractMaxChars, logger)
	}
	if cfg.Tools.Cache.Enabled && a.rdb != nil {
		gw = gateway.NewCachedGateway(gw, a.rdb, cfg.Tools.Cache.TTL, cfg.Tools.Cache.Prefix, logger)
	}
	a.gateway = gw
	return nil
}

// jobStore opens Postgres when configured and falls back to process memory.
func (a *app) jobStore(ctx context.Context, logger *log.Logger) (jobs.Store, error) {
	if !a.cfg.Storage.Postgres.Enabled() {
		logger.Printf("warn: storage.postgres not configured; jobs are kept in memory")
		return jobs.NewMemoryStore(), nil
	}
	st, err := store.NewWithDSN(ctx, a.cfg.Storage.Postgres.DSN())
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	a.closers = append(a.closers, st.Close)
	return st, nil
}

func (a *app) manager(st jobs.Store, logger *log.Logger) *jobs.Manager {
	return jobs.NewManager(st, a.research, a.cfg.Jobs.Manager(),
		jobs.WithLogger(logger),
		jobs.WithTracer(a.tel.Tracer),
		jobs.WithObserver(a.collectors),
		jobs.WithProviders(a.providers),
	)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Printf("warn: close: %v", err)
		}
	}
	a.closers = nil
}
