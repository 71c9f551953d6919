package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"leadhub/internal/cache"
	"leadhub/internal/config"
	"leadhub/internal/distribution"
	"leadhub/internal/evolution"
	"leadhub/internal/facebook"
	"leadhub/internal/ingest"
	"leadhub/internal/logging"
	"leadhub/internal/metrics"
	"leadhub/internal/queue"
	"leadhub/internal/repo"
	"leadhub/migrations"
)

// app holds the wired services shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	metrics   *metrics.Metrics
	repo      repo.Repository
	redis     *cache.Redis
	evolution *evolution.Client
	graph     *facebook.Client
	ingest    *ingest.Service
	queue     *queue.Processor
}

func bootstrap(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metricRegistry := metrics.Registry(cfg.MetricsNamespace)

	repository, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := repository.RunMigrations(ctx, migrations.Files); err != nil {
		repository.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, metrics: metricRegistry, repo: repository}

	if cfg.RedisAddr != "" {
		a.redis = cache.New(cache.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			UseTLS:   cfg.RedisTLS,
		}, logger)
		if err := a.redis.Ping(ctx); err != nil {
			logger.Warn("redis ping failed, shared cache disabled", "error", err)
			_ = a.redis.Close()
			a.redis = nil
		}
	}

	evoCfg, err := evolution.ResolveConfig(ctx, evolution.Config{
		BaseURL: cfg.EvolutionAPIURL,
		APIKey:  cfg.EvolutionAPIKey,
		Timeout: cfg.EvolutionTimeout,
	}, repository, cfg.EvolutionRequireConfig, logger)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.evolution = evolution.New(evoCfg, logger, metricRegistry)

	a.graph = facebook.New(facebook.Config{
		GraphURL:  cfg.FacebookGraphURL,
		AppID:     cfg.FacebookAppID,
		AppSecret: cfg.FacebookAppSecret,
		Timeout:   cfg.FacebookTimeout,
	}, logger, metricRegistry)

	a.queue = queue.NewProcessor(repository, nil, queue.Config{
		BatchSize:    cfg.QueueBatchSize,
		MaxAttempts:  cfg.QueueMaxAttempts,
		ClaimTimeout: cfg.QueueClaimTimeout,
	}, logger, metricRegistry)

	a.ingest = ingest.NewService(repository, logger,
		ingest.WithBridge(a.evolution),
		ingest.WithGraph(a.graph),
		ingest.WithEnqueuer(a.queue),
		ingest.WithAssigner(distribution.New(repository, logger)),
		ingest.WithMetrics(metricRegistry),
	)
	a.queue.SetHandlers(a.ingest)

	return a, nil
}

func openRepository(ctx context.Context, cfg *config.Config, logger *slog.Logger) (repo.Repository, error) {
	switch cfg.DatabaseDriver {
	case config.DriverSQLite:
		r, err := repo.NewSQLite(ctx, cfg.SQLitePath, logger)
		if err != nil {
			return nil, fmt.Errorf("init sqlite repository: %w", err)
		}
		return r, nil
	default:
		r, err := repo.New(ctx, cfg.DatabaseURL, cfg.DBSchema, logger)
		if err != nil {
			return nil, fmt.Errorf("init repository: %w", err)
		}
		return r, nil
	}
}

// Close waits for background ingestion work and releases connections.
func (a *app) Close() {
	if a.ingest != nil {
		a.ingest.Wait()
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("failed closing redis", "error", err)
		}
	}
	a.repo.Close()
}

func jsonRaw(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return data, nil
}
