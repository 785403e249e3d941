package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"garment_processor/internal/models"
)

// Storage is the PostgreSQL image repository. Every status change is a single
// conditional UPDATE, so concurrent runs and retries race on the row and
// exactly one of them wins.
type Storage struct {
	pool *pgxpool.Pool
}

func NewStorage(ctx context.Context, dsn string) (*Storage, error) {
	const op = "storage.NewStorage"

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%s: ping: %w", op, err)
	}
	return &Storage{pool: pool}, nil
}

func (s *Storage) Close() {
	s.pool.Close()
}

const selectColumns = `id, owner_id, original_path, original_url,
	COALESCE(optimized_url, ''), COALESCE(thumbnail_url, ''),
	mime_type, width, height, size_bytes,
	COALESCE(dominant_color, ''), colors,
	processing_status, COALESCE(processing_error, ''), attempt_count,
	created_at, updated_at`

func scanImage(row pgx.Row) (*models.ImageRecord, error) {
	var img models.ImageRecord
	var status string
	err := row.Scan(&img.ID, &img.OwnerID, &img.OriginalPath, &img.OriginalURL,
		&img.OptimizedURL, &img.ThumbnailURL,
		&img.MimeType, &img.Width, &img.Height, &img.Size,
		&img.DominantColor, &img.Colors,
		&status, &img.Error, &img.AttemptCount,
		&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, err
	}
	img.Status = models.ProcessingStatus(status)
	if !img.Status.Valid() {
		return nil, fmt.Errorf("unknown processing status %q", status)
	}
	if img.Colors == nil {
		img.Colors = []string{}
	}
	return &img, nil
}

func (s *Storage) CreateImage(ctx context.Context, img *models.ImageRecord) error {
	const op = "storage.CreateImage"

	colors := img.Colors
	if colors == nil {
		colors = []string{}
	}
	err := s.pool.QueryRow(ctx,
		`INSERT INTO images (id, owner_id, original_path, original_url, mime_type, width, height, size_bytes, colors, processing_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at`,
		img.ID, img.OwnerID, img.OriginalPath, img.OriginalURL, img.MimeType,
		img.Width, img.Height, img.Size, colors, string(models.StatusPending),
	).Scan(&img.CreatedAt, &img.UpdatedAt)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	img.Status = models.StatusPending
	return nil
}

func (s *Storage) GetImage(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	const op = "storage.GetImage"

	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM images WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return img, nil
}

// DeleteImage removes a record unless the pipeline currently owns it and
// returns what was deleted.
func (s *Storage) DeleteImage(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	const op = "storage.DeleteImage"

	img, err := scanImage(s.pool.QueryRow(ctx,
		`DELETE FROM images WHERE id = $1 AND processing_status <> 'processing'
		RETURNING `+selectColumns, id))
	if err == nil {
		return img, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var exists bool
	if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM images WHERE id = $1)`, id).Scan(&exists); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if exists {
		return nil, fmt.Errorf("%s: %w", op, models.ErrBusy)
	}
	return nil, fmt.Errorf("%s: %w", op, models.ErrNotFound)
}

func (s *Storage) ClaimPending(ctx context.Context, id uuid.UUID) (bool, error) {
	const op = "storage.ClaimPending"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET processing_status = 'processing', updated_at = now()
		WHERE id = $1 AND processing_status = 'pending'`, id)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Storage) ClaimFailed(ctx context.Context, id uuid.UUID, maxAttempts int) (bool, error) {
	const op = "storage.ClaimFailed"

	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET processing_status = 'processing', processing_error = NULL, updated_at = now()
		WHERE id = $1 AND processing_status = 'failed' AND attempt_count <= $2`, id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return tag.RowsAffected() == 1, nil
}

// Complete writes every derived field and the completed status in one
// statement; a reader never sees one without the other.
func (s *Storage) Complete(ctx context.Context, id uuid.UUID, d models.Derivatives) error {
	const op = "storage.Complete"

	if !d.Complete() {
		return fmt.Errorf("%s: %w: incomplete derivatives", op, models.ErrInvalidTransition)
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET processing_status = 'completed',
			optimized_url = $2, thumbnail_url = $3, dominant_color = $4, colors = $5,
			processing_error = NULL, updated_at = now()
		WHERE id = $1 AND processing_status = 'processing'`,
		id, d.OptimizedURL, d.ThumbnailURL, d.DominantColor, d.Colors)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w: record is not processing", op, models.ErrInvalidTransition)
	}
	return nil
}

const failSet = `processing_status = 'failed',
	attempt_count = attempt_count + 1,
	processing_error = $2 || ' (attempt ' || (attempt_count + 1)::text || ')',
	optimized_url = NULL, thumbnail_url = NULL, dominant_color = NULL, colors = '{}',
	updated_at = now()`

func (s *Storage) Fail(ctx context.Context, id uuid.UUID, message string) (int, error) {
	const op = "storage.Fail"

	var attempt int
	err := s.pool.QueryRow(ctx,
		`UPDATE images SET `+failSet+`
		WHERE id = $1 AND processing_status = 'processing'
		RETURNING attempt_count`, id, message).Scan(&attempt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("%s: %w: record is not processing", op, models.ErrInvalidTransition)
		}
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	return attempt, nil
}

func (s *Storage) FailStalled(ctx context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	const op = "storage.FailStalled"

	rows, err := s.pool.Query(ctx,
		`UPDATE images SET `+failSet+`
		WHERE processing_status = 'processing' AND updated_at < $1
		RETURNING id`, cutoff, message)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}

func (s *Storage) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	const op = "storage.ListPending"

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM images
		WHERE processing_status = 'pending' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return ids, nil
}
