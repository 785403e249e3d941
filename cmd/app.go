package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"garment_processor/internal/bgremove"
	"garment_processor/internal/files"
	"garment_processor/internal/logging"
	"garment_processor/internal/models"
	"garment_processor/internal/pipeline"
	"garment_processor/internal/progress"
	"garment_processor/internal/queue"
	"garment_processor/internal/server"
	"garment_processor/internal/storage"
	"garment_processor/internal/transform"
)

// app holds the wired pipeline for one command invocation.
type app struct {
	cfg    *models.Config
	logger *slog.Logger

	store       *storage.Storage
	layout      files.Layout
	runner      *pipeline.Runner
	coordinator *pipeline.Coordinator

	detached *pipeline.Detached
	kafka    *queue.Launcher

	redis    *redis.Client
	progress *progress.RedisStore
}

func newApp(ctx context.Context, cfg *models.Config, logger *slog.Logger) (*app, error) {
	const op = "main.newApp"

	a := &app{cfg: cfg, logger: logger}

	store, err := storage.NewStorage(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	a.store = store

	if cfg.Redis.Addr != "" {
		client, err := progress.Connect(ctx, cfg.Redis)
		if err != nil {
			// Progress is an estimate; run without it.
			logger.Warn("redis unavailable, progress tracking disabled", "addr", cfg.Redis.Addr, logging.Error(err))
		} else {
			a.redis = client
			a.progress = progress.NewRedisStore(client, cfg.Redis.ProgressTTL)
		}
	}

	remover, err := bgremove.New(cfg.Pipeline, bgremove.WithLogger(logger.With("component", "bgremove")))
	if err != nil {
		a.Close(ctx)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	a.layout = files.NewLayout(cfg.StoragePath, cfg.PublicBaseURL)
	stages := pipeline.DefaultStages(
		a.layout,
		remover,
		transform.NewResizer(cfg.Pipeline),
		transform.NewColorExtractor(cfg.Pipeline, logger),
	)

	opts := []pipeline.RunnerOption{pipeline.WithRunnerLogger(logger.With("component", "runner"))}
	if a.progress != nil {
		opts = append(opts, pipeline.WithProgress(a.progress))
	}
	a.runner = pipeline.NewRunner(store, stages, opts...)

	var launcher pipeline.Launcher
	switch cfg.Dispatch {
	case models.DispatchKafka:
		a.kafka = queue.NewLauncher(cfg.Kafka)
		launcher = a.kafka
	default:
		a.detached = pipeline.NewDetached(a.runner, logger)
		launcher = a.detached
	}

	a.coordinator = pipeline.NewCoordinator(store, a.layout, launcher, cfg.Pipeline, logger.With("component", "coordinator"))
	return a, nil
}

// progressSource returns a nil interface, not a nil *RedisStore, when redis
// is not configured.
func (a *app) progressSource() server.ProgressSource {
	if a.progress == nil {
		return nil
	}
	return a.progress
}

// Close drains inline runs and releases connections.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	if a.detached != nil {
		if err := a.detached.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			errs = append(errs, fmt.Errorf("kafka writer: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
	return errors.Join(errs...)
}
