// Package queue carries pipeline jobs over Kafka so runs survive a restart of
// the process that accepted the upload.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
	"garment_processor/internal/pipeline"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Launcher publishes jobs to a topic, keyed by image id so every job for one
// image lands on the same partition.
type Launcher struct {
	writer messageWriter
}

func NewLauncher(cfg models.KafkaConfig) *Launcher {
	return &Launcher{writer: &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}}
}

func (l *Launcher) Launch(ctx context.Context, job pipeline.Job) error {
	const op = "queue.Launch"

	value, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	msg := kafka.Message{Key: []byte(job.ImageID.String()), Value: value}
	if err := l.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("%s: %w: %v", op, models.ErrDispatch, err)
	}
	return nil
}

func (l *Launcher) Close() error {
	return l.writer.Close()
}

// Consumer runs jobs from the topic. Offsets are committed after the run
// returns, so a crash mid-run redelivers the job; the runner's conditional
// claim turns the duplicate into a no-op once the record has moved on.
type Consumer struct {
	reader  messageReader
	runner  pipeline.JobRunner
	logger  *slog.Logger
	backoff time.Duration
}

func NewConsumer(cfg models.KafkaConfig, runner pipeline.JobRunner, logger *slog.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: cfg.Brokers,
		Topic:   cfg.Topic,
		GroupID: cfg.GroupID,
	})
	return &Consumer{reader: reader, runner: runner, logger: logging.OrDefault(logger), backoff: time.Second}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("error reading job message", logging.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.backoff):
			}
			continue
		}

		c.handle(ctx, msg)

		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("failed to commit job message",
				"partition", msg.Partition, "offset", msg.Offset, logging.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) {
	var job pipeline.Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		c.logger.Error("dropping malformed job message",
			"partition", msg.Partition, "offset", msg.Offset, logging.Error(err))
		return
	}
	// A shutdown must not abandon a claimed record half way.
	if err := c.runner.Run(context.WithoutCancel(ctx), job); err != nil && !errors.Is(err, context.Canceled) {
		c.logger.Warn("pipeline run ended with error",
			"image_id", job.ImageID, "retry", job.Retry, logging.Error(err))
	}
}
