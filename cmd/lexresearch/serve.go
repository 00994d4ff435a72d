package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/mohammad-safakhou/lexresearch/config"
	"github.com/mohammad-safakhou/lexresearch/internal/jobs"
	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
	"github.com/mohammad-safakhou/lexresearch/internal/server"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runServe(ctx, cfg)
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	return serve
}

func runServe(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := log.New(os.Stdout, "[JOBS] ", log.LstdFlags)
	st, err := a.jobStore(ctx, logger)
	if err != nil {
		return err
	}
	mgr := a.manager(st, logger)

	switch cfg.Jobs.Dispatcher {
	case config.DispatcherRedis:
		registry, err := streams.NewJobRegistry()
		if err != nil {
			return fmt.Errorf("schema registry: %w", err)
		}
		pub := streams.NewPublisher(a.rdb, registry, cfg.Jobs.StreamMaxLen)
		mgr.SetDispatcher(jobs.NewStreamDispatcher(pub, cfg.Jobs.Stream))
		logger.Printf("dispatching jobs to stream %s", cfg.Jobs.Stream)
	default:
		mgr.SetDispatcher(jobs.NewInlineDispatcher(ctx, mgr, logger))
	}

	reaperOpts := []jobs.ReaperOption{
		jobs.WithReaperLogger(log.New(os.Stdout, "[REAPER] ", log.LstdFlags)),
		jobs.WithReaperObserver(a.collectors),
	}
	if a.rdb != nil {
		reaperOpts = append(reaperOpts, jobs.WithReaperLock(a.rdb))
	}
	reaper, err := jobs.NewReaper(st, cfg.Jobs.ReaperSchedule, cfg.Jobs.StaleAfter, reaperOpts...)
	if err != nil {
		return err
	}

	var metricsHandler = a.collectors.Handler()
	if !cfg.Telemetry.Enabled {
		metricsHandler = nil
	}
	e := server.New(server.Options{
		Jobs:        mgr,
		Metrics:     metricsHandler,
		MetricsPath: cfg.Telemetry.MetricsPath,
		JWTSecret:   []byte(cfg.Server.JWTSecret),
		CORSOrigins: cfg.Server.CORSOrigins,
		Logger:      log.New(os.Stdout, "[HTTP] ", log.LstdFlags),
		DocsPath:    cfg.Server.DocsPath,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx, e, cfg.Server.Address) })
	g.Go(func() error { return reaper.Run(gctx) })
	return g.Wait()
}
