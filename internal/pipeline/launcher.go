package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// Job asks for one pipeline run. Retry jobs find their record already claimed
// (failed -> processing) by the retry path; fresh jobs claim it themselves.
type Job struct {
	ImageID uuid.UUID `json:"image_id"`
	Retry   bool      `json:"retry"`
}

// Launcher starts a pipeline run without waiting for it.
type Launcher interface {
	Launch(ctx context.Context, job Job) error
}

// JobRunner executes a job to completion.
type JobRunner interface {
	Run(ctx context.Context, job Job) error
}

// Detached runs each job on its own goroutine, outside the caller's
// cancellation. Close stops accepting jobs and waits for the running ones.
type Detached struct {
	runner JobRunner
	logger *slog.Logger

	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func NewDetached(runner JobRunner, logger *slog.Logger) *Detached {
	return &Detached{runner: runner, logger: logging.OrDefault(logger)}
}

func (d *Detached) Launch(ctx context.Context, job Job) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return fmt.Errorf("pipeline.Detached.Launch: %w: launcher closed", models.ErrDispatch)
	}
	d.wg.Add(1)
	d.mu.Unlock()

	runCtx := context.WithoutCancel(ctx)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(runCtx, job); err != nil {
			d.logger.Warn("pipeline run ended with error",
				"image_id", job.ImageID, "retry", job.Retry, logging.Error(err))
		}
	}()
	return nil
}

// Wait blocks until every launched job has returned.
func (d *Detached) Wait() {
	d.wg.Wait()
}

// Close rejects further launches and waits for in-flight runs or ctx.
func (d *Detached) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline.Detached.Close: %w", ctx.Err())
	}
}
