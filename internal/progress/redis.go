// Package progress keeps the per-image progress estimate in Redis for pollers.
package progress

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"garment_processor/internal/models"
)

const keyPrefix = "garment:progress:"

// RedisStore is a pipeline.ProgressReporter backed by one hash per image.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisStore{client: client, ttl: ttl}
}

// Connect opens a client for cfg and checks it answers.
func Connect(ctx context.Context, cfg models.RedisConfig) (*redis.Client, error) {
	const op = "progress.Connect"

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return client, nil
}

func key(id uuid.UUID) string {
	return keyPrefix + id.String()
}

func (s *RedisStore) Report(ctx context.Context, id uuid.UUID, p models.Progress) error {
	const op = "progress.Report"

	k := key(id)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, k,
		"stage", p.Stage,
		"percent", p.Percent,
		"updated_at", p.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	pipe.Expire(ctx, k, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// Get returns the last reported progress, or models.ErrNotFound when none is
// stored (never reported or expired).
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (models.Progress, error) {
	const op = "progress.Get"

	fields, err := s.client.HGetAll(ctx, key(id)).Result()
	if err != nil {
		return models.Progress{}, fmt.Errorf("%s: %w", op, err)
	}
	if len(fields) == 0 {
		return models.Progress{}, fmt.Errorf("%s: %w", op, models.ErrNotFound)
	}

	var p models.Progress
	p.Stage = fields["stage"]
	if p.Percent, err = strconv.Atoi(fields["percent"]); err != nil {
		return models.Progress{}, fmt.Errorf("%s: percent: %w", op, err)
	}
	if raw := fields["updated_at"]; raw != "" {
		if p.UpdatedAt, err = time.Parse(time.RFC3339Nano, raw); err != nil {
			return models.Progress{}, fmt.Errorf("%s: updated_at: %w", op, err)
		}
	}
	return p, nil
}

// Forget drops the stored progress, e.g. when the image is deleted.
func (s *RedisStore) Forget(ctx context.Context, id uuid.UUID) error {
	if err := s.client.Del(ctx, key(id)).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("progress.Forget: %w", err)
	}
	return nil
}
