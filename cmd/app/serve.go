package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"leadhub/internal/api"
	"leadhub/internal/cache"
	"leadhub/internal/httpserver"
	"leadhub/internal/presence"
	"leadhub/internal/queue"
	"leadhub/internal/retention"
	"leadhub/internal/tasks"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the queue, retention and presence workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
}

func runServe(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	a.logger.Info("starting leadhub", "env", a.cfg.AppEnv, "driver", a.cfg.DatabaseDriver)

	poller := presence.NewPoller(a.evolution, a.logger, presence.Options{
		Interval: a.cfg.PresenceInterval,
		Refresh:  a.cfg.PresenceRefresh,
		Metrics:  a.metrics,
	})
	defer poller.Close()

	tiers := []cache.Tier[tasks.Stats]{cache.NewMemory[tasks.Stats]()}
	if a.redis != nil {
		tiers = append(tiers, cache.NewRedisTier[tasks.Stats](a.redis, "leadhub:tasks:", 24*time.Hour))
	}
	taskCache := cache.NewSWR(cache.Options{
		Name:    "member_tasks",
		TTL:     a.cfg.TaskCacheTTL,
		Logger:  a.logger,
		Metrics: a.metrics,
	}, tiers...)
	aggregator := tasks.NewAggregator(a.repo, taskCache, a.logger)

	handler := api.New(api.Config{
		WebhookSharedSecret: a.cfg.WebhookSharedSecret,
		FacebookVerifyToken: a.cfg.FacebookVerifyToken,
		FacebookAppSecret:   a.cfg.FacebookAppSecret,
		AdminToken:          a.cfg.AdminToken,
		DeferProcessing:     a.cfg.WebhookDeferProcessing,
	}, api.Deps{
		Ingest:   a.ingest,
		Queue:    a.queue,
		Presence: poller,
		Tasks:    aggregator,
		Leads:    a.repo,
	}, a.logger, a.metrics)

	var workers sync.WaitGroup
	workers.Add(2)
	go func() {
		defer workers.Done()
		queue.NewWorker(a.queue, a.cfg.QueuePollInterval, a.logger).Run(ctx)
	}()
	go func() {
		defer workers.Done()
		retention.NewCleaner(a.repo, a.cfg.LogRetention, a.cfg.RetentionInterval, a.logger, a.metrics).Run(ctx)
	}()

	httpSrv := httpserver.New(a.cfg.HTTPListenAddr, a.logger, a.metrics, a.repo, a.cfg.PublicBasePath, handler)

	errCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(); err != nil {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutdown signal received")
	case err := <-errCh:
		runErr = fmt.Errorf("http server error: %w", err)
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("http server shutdown error", "error", err)
	}
	workers.Wait()
	taskCache.Wait()

	return runErr
}
