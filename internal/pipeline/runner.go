// Package pipeline turns an uploaded garment photo into its derived assets.
//
// The Coordinator persists uploads and launches runs; the Runner executes the
// stage chain for one record and drives its status:
//
//	pending -> processing -> completed | failed
//	failed  -> processing (bounded retry only)
//
// Every status change goes through a conditional update in the Repository so
// two runs can never own the same record.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// persistTimeout bounds terminal status writes, which run detached from the
// caller's context.
const persistTimeout = 10 * time.Second

// Repository persists ImageRecords and their status transitions.
type Repository interface {
	CreateImage(ctx context.Context, img *models.ImageRecord) error
	GetImage(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error)
	DeleteImage(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error)

	// ClaimPending moves pending -> processing; false when the record is not pending.
	ClaimPending(ctx context.Context, id uuid.UUID) (bool, error)
	// ClaimFailed moves failed -> processing when attempt_count <= maxAttempts.
	ClaimFailed(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error)
	// Complete moves processing -> completed together with every derived field.
	Complete(ctx context.Context, id uuid.UUID, d models.Derivatives) error
	// Fail moves processing -> failed, bumps attempt_count and returns it.
	Fail(ctx context.Context, id uuid.UUID, message string) (int, error)

	// FailStalled fails processing records not updated since cutoff.
	FailStalled(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error)
	// ListPending returns pending records not updated since cutoff, oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

// ProgressReporter publishes the optional progress estimate for pollers.
type ProgressReporter interface {
	Report(ctx context.Context, id uuid.UUID, p models.Progress) error
}

type noopProgress struct{}

func (noopProgress) Report(context.Context, uuid.UUID, models.Progress) error { return nil }

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

func WithProgress(p ProgressReporter) RunnerOption {
	return func(r *Runner) {
		if p != nil {
			r.progress = p
		}
	}
}

func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logging.OrDefault(logger)
	}
}

// Runner executes the stage chain for one record at a time. It is safe to
// share between concurrent runs for different records.
type Runner struct {
	repo     Repository
	stages   []Stage
	progress ProgressReporter
	logger   *slog.Logger
	now      func() time.Time
}

func NewRunner(repo Repository, stages []Stage, opts ...RunnerOption) *Runner {
	r := &Runner{
		repo:     repo,
		stages:   append([]Stage(nil), stages...),
		progress: noopProgress{},
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run executes job. Stage failures end up on the record; the returned error is
// for the launcher's log only.
func (r *Runner) Run(ctx context.Context, job Job) error {
	const op = "pipeline.Runner.Run"
	log := r.logger.With("image_id", job.ImageID, "retry", job.Retry)

	if !job.Retry {
		claimed, err := r.repo.ClaimPending(ctx, job.ImageID)
		if err != nil {
			return fmt.Errorf("%s: claim: %w", op, err)
		}
		if !claimed {
			log.Info("image is not pending, skipping run")
			return nil
		}
	}

	rec, err := r.repo.GetImage(ctx, job.ImageID)
	if err != nil {
		if job.Retry {
			return fmt.Errorf("%s: load: %w", op, err)
		}
		work := &Work{}
		return r.fail(ctx, log, job.ImageID, work, "load", fmt.Errorf("%w: load record: %v", models.ErrPersistence, err))
	}
	if rec.Status != models.StatusProcessing {
		log.Info("image is not processing, skipping run", "status", rec.Status)
		return nil
	}
	log = log.With("owner_id", rec.OwnerID)

	work := &Work{Record: *rec, Input: rec.OriginalPath}
	started := r.now()
	for i, st := range r.stages {
		r.report(ctx, log, rec.ID, st.Name(), i*100/len(r.stages))
		stageStarted := r.now()
		if err := runStage(ctx, st, work); err != nil {
			return r.fail(ctx, log, rec.ID, work, st.Name(), err)
		}
		log.Debug("stage completed", "stage", st.Name(), "duration", r.now().Sub(stageStarted))
	}

	if !work.Derivatives.Complete() {
		return r.fail(ctx, log, rec.ID, work, "complete",
			fmt.Errorf("%w: stage chain produced incomplete assets", models.ErrPersistence))
	}

	pctx, cancel := persistContext(ctx)
	defer cancel()
	if err := r.repo.Complete(pctx, rec.ID, work.Derivatives); err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			// Someone else (the stall sweep) already decided this record's fate.
			work.discardOutputs()
			log.Warn("record left processing during run, discarding outputs", logging.Error(err))
			return fmt.Errorf("%s: %w", op, err)
		}
		return r.fail(ctx, log, rec.ID, work, "complete", fmt.Errorf("%w: %v", models.ErrPersistence, err))
	}
	r.report(ctx, log, rec.ID, "completed", 100)

	log.Info("image processing completed",
		"duration", r.now().Sub(started),
		"dominant_color", work.Derivatives.DominantColor,
		"colors", len(work.Derivatives.Colors),
	)
	return nil
}

func runStage(ctx context.Context, st Stage, work *Work) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("stage %s panicked: %v", st.Name(), rec)
		}
	}()
	return st.Run(ctx, work)
}

// fail removes this run's outputs and records the failed transition.
func (r *Runner) fail(ctx context.Context, log *slog.Logger, id uuid.UUID, work *Work, stage string, stageErr error) error {
	work.discardOutputs()

	pctx, cancel := persistContext(ctx)
	defer cancel()
	message := fmt.Sprintf("%s: %v", stage, stageErr)
	attempt, err := r.repo.Fail(pctx, id, message)
	if err != nil {
		log.Error("failed to persist stage failure",
			"stage", stage, logging.Error(err), slog.String("stage_error", stageErr.Error()))
		return errors.Join(stageErr, err)
	}
	log.Error("image processing failed", "stage", stage, "attempt", attempt, logging.Error(stageErr))
	return stageErr
}

func (r *Runner) report(ctx context.Context, log *slog.Logger, id uuid.UUID, stage string, percent int) {
	p := models.Progress{Stage: stage, Percent: percent, UpdatedAt: r.now().UTC()}
	if err := r.progress.Report(ctx, id, p); err != nil {
		log.Debug("progress report failed", "stage", stage, logging.Error(err))
	}
}

func persistContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
}
