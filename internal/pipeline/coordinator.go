package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"garment_processor/internal/files"
	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// reclaimBatch caps how many stale pending records one sweep re-dispatches.
const reclaimBatch = 100

// Coordinator is the synchronous entry point: it ingests uploads, retries
// failed records and sweeps stalled ones.
type Coordinator struct {
	repo     Repository
	layout   files.Layout
	launcher Launcher
	cfg      models.PipelineConfig
	logger   *slog.Logger
	now      func() time.Time
}

func NewCoordinator(repo Repository, layout files.Layout, launcher Launcher, cfg models.PipelineConfig, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		repo:     repo,
		layout:   layout,
		launcher: launcher,
		cfg:      cfg,
		logger:   logging.OrDefault(logger),
		now:      time.Now,
	}
}

// UploadAndProcess persists the original, creates its pending record and
// launches the pipeline without waiting. Only persistence and dispatch errors
// are returned; pipeline failures land on the record.
func (c *Coordinator) UploadAndProcess(ctx context.Context, ownerID uuid.UUID, data []byte, filename string) (*models.ImageRecord, error) {
	const op = "pipeline.UploadAndProcess"

	meta, err := files.Inspect(data, filename)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	id := uuid.New()
	path := c.layout.Path(ownerID, id, files.PrefixOriginal, meta.Ext)
	if err := c.layout.Write(path, data); err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrPersistence, err)
	}
	url, err := c.layout.URL(path)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrPersistence, err)
	}

	rec := &models.ImageRecord{
		ID:           id,
		OwnerID:      ownerID,
		OriginalPath: path,
		OriginalURL:  url,
		MimeType:     meta.MimeType,
		Width:        meta.Width,
		Height:       meta.Height,
		Size:         meta.Size,
		Colors:       []string{},
		Status:       models.StatusPending,
	}
	if err := c.repo.CreateImage(ctx, rec); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrPersistence, err)
	}

	c.logger.Info("image uploaded",
		"image_id", id, "owner_id", ownerID, "mime_type", meta.MimeType,
		"width", meta.Width, "height", meta.Height, "size", meta.Size)

	out := *rec
	if err := c.launcher.Launch(ctx, Job{ImageID: id}); err != nil {
		return &out, fmt.Errorf("%s: %w: %v", op, models.ErrDispatch, err)
	}
	return &out, nil
}

// RetryProcessing relaunches a failed record from background removal using the
// stored original. Rejections leave the record untouched.
func (c *Coordinator) RetryProcessing(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	const op = "pipeline.RetryProcessing"

	rec, err := c.repo.GetImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if rec.Status != models.StatusFailed {
		return nil, fmt.Errorf("%s: %w: status is %s", op, models.ErrNotFailed, rec.Status)
	}
	if rec.AttemptCount > c.cfg.MaxRetries {
		return nil, fmt.Errorf("%s: %w: %d retries used", op, models.ErrRetryLimit, rec.AttemptCount-1)
	}

	claimed, err := c.repo.ClaimFailed(ctx, id, c.cfg.MaxRetries)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrPersistence, err)
	}
	if !claimed {
		return nil, fmt.Errorf("%s: %w: status changed concurrently", op, models.ErrNotFailed)
	}

	if err := c.launcher.Launch(ctx, Job{ImageID: id, Retry: true}); err != nil {
		pctx, cancel := persistContext(ctx)
		defer cancel()
		if _, ferr := c.repo.Fail(pctx, id, fmt.Sprintf("dispatch: %v", err)); ferr != nil {
			c.logger.Error("failed to release record after dispatch error", "image_id", id, logging.Error(ferr))
		}
		return nil, fmt.Errorf("%s: %w: %v", op, models.ErrDispatch, err)
	}

	c.logger.Info("image retry launched", "image_id", id, "previous_attempts", rec.AttemptCount)
	rec.Status = models.StatusProcessing
	rec.Error = ""
	return rec, nil
}

// Get returns the current record.
func (c *Coordinator) Get(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	rec, err := c.repo.GetImage(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("pipeline.Get: %w", err)
	}
	return rec, nil
}

// Delete removes a record and every file it owns. Records being processed are
// refused with models.ErrBusy.
func (c *Coordinator) Delete(ctx context.Context, id uuid.UUID) error {
	const op = "pipeline.Delete"

	rec, err := c.repo.DeleteImage(ctx, id)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := c.layout.RemoveImage(rec.OwnerID, rec.ID); err != nil {
		c.logger.Warn("image files not fully removed", "image_id", id, logging.Error(err))
	}
	return nil
}

// ReclaimResult summarizes one stall sweep.
type ReclaimResult struct {
	Stalled      []uuid.UUID
	Redispatched []uuid.UUID
}

// Reclaim fails processing records that stopped making progress (they become
// retryable through the bounded retry path) and re-dispatches pending records
// that were never picked up. A zero StallTimeout disables it.
func (c *Coordinator) Reclaim(ctx context.Context) (ReclaimResult, error) {
	const op = "pipeline.Reclaim"

	var res ReclaimResult
	if c.cfg.StallTimeout <= 0 {
		return res, nil
	}
	cutoff := c.now().Add(-c.cfg.StallTimeout)

	stalled, err := c.repo.FailStalled(ctx, cutoff, fmt.Sprintf("processing stalled: no progress for %s", c.cfg.StallTimeout))
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	res.Stalled = stalled
	for _, id := range stalled {
		c.logger.Warn("stalled image marked failed", "image_id", id)
	}

	pending, err := c.repo.ListPending(ctx, cutoff, reclaimBatch)
	if err != nil {
		return res, fmt.Errorf("%s: %w", op, err)
	}
	var errs []error
	for _, id := range pending {
		if err := c.launcher.Launch(ctx, Job{ImageID: id}); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
			continue
		}
		res.Redispatched = append(res.Redispatched, id)
	}
	if err := errors.Join(errs...); err != nil {
		return res, fmt.Errorf("%s: %w: %v", op, models.ErrDispatch, err)
	}
	return res, nil
}

// RunSweeper calls Reclaim every SweepInterval until ctx ends.
func (c *Coordinator) RunSweeper(ctx context.Context) {
	if c.cfg.StallTimeout <= 0 || c.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := c.Reclaim(ctx)
			if err != nil {
				c.logger.Error("stall sweep failed", logging.Error(err))
				continue
			}
			if len(res.Stalled) > 0 || len(res.Redispatched) > 0 {
				c.logger.Info("stall sweep finished", "stalled", len(res.Stalled), "redispatched", len(res.Redispatched))
			}
		}
	}
}
