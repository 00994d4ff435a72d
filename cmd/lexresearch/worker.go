package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/lexresearch/config"
	"github.com/mohammad-safakhou/lexresearch/internal/queue/streams"
	"github.com/mohammad-safakhou/lexresearch/internal/worker"
)

func workerCMD() *cobra.Command {
	var concurrency int
	var w = &cobra.Command{
		Use:   "worker",
		Short: "Consume job.created events and run research jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			if concurrency > 0 {
				cfg.Jobs.Concurrency = concurrency
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return runWorker(ctx, cfg)
		},
	}
	w.Flags().IntVar(&concurrency, "concurrency", 0, "parallel jobs (overrides jobs.concurrency)")
	return w
}

func runWorker(ctx context.Context, cfg *config.Config) error {
	if !cfg.Storage.Redis.Enabled() || !cfg.Storage.Postgres.Enabled() {
		return fmt.Errorf("worker requires storage.redis and storage.postgres")
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	logger := log.New(os.Stdout, "[WORKER] ", log.LstdFlags)
	st, err := a.jobStore(ctx, logger)
	if err != nil {
		return err
	}
	mgr := a.manager(st, log.New(os.Stdout, "[JOBS] ", log.LstdFlags))

	registry, err := streams.NewJobRegistry()
	if err != nil {
		return fmt.Errorf("schema registry: %w", err)
	}
	if err := streams.EnsureGroup(ctx, a.rdb, cfg.Jobs.Stream, cfg.Jobs.Group); err != nil {
		return fmt.Errorf("ensure group: %w", err)
	}
	consumerName := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
	consumer := streams.NewConsumer(a.rdb, registry, cfg.Jobs.Group, consumerName, logger)

	processor := worker.NewProcessor(logger, consumer, mgr, worker.Config{
		Stream:      cfg.Jobs.Stream,
		Concurrency: cfg.Jobs.Concurrency,
		ClaimIdle:   cfg.Jobs.ClaimIdle,
	}, a.tel.Meter, a.tel.Tracer)

	logger.Printf("consumer %s joined group %s on %s", consumerName, cfg.Jobs.Group, cfg.Jobs.Stream)
	return processor.Start(ctx)
}
