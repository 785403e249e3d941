package storage_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"garment_processor/internal/models"
	"garment_processor/internal/storage"
)

// newTestStorage starts PostgreSQL in a container, migrates it and returns a
// connected Storage plus a truncate func.
func newTestStorage(t *testing.T) (*storage.Storage, func()) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpassword",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("could not start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := fmt.Sprintf("postgres://testuser:testpassword@%s:%s/testdb?sslmode=disable", host, port.Port())

	require.NoError(t, storage.Migrate(dsn, nil))
	// A second run is a no-op.
	require.NoError(t, storage.Migrate(dsn, nil))

	s, err := storage.NewStorage(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	truncate := func() {
		require.NoError(t, storage.Truncate(ctx, s))
	}
	return s, truncate
}

func newRecord() *models.ImageRecord {
	id := uuid.New()
	owner := uuid.New()
	return &models.ImageRecord{
		ID:           id,
		OwnerID:      owner,
		OriginalPath: "/data/" + owner.String() + "/original_" + id.String() + ".jpg",
		OriginalURL:  "/files/" + owner.String() + "/original_" + id.String() + ".jpg",
		MimeType:     "image/jpeg",
		Width:        800,
		Height:       600,
		Size:         12345,
	}
}

var derivatives = models.Derivatives{
	OptimizedURL:  "/files/o.webp",
	ThumbnailURL:  "/files/t.webp",
	DominantColor: "#b4141e",
	Colors:        []string{"#b4141e", "#202020"},
}

func TestStorage(t *testing.T) {
	s, truncate := newTestStorage(t)
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		truncate()
		rec := newRecord()
		require.NoError(t, s.CreateImage(ctx, rec))
		assert.False(t, rec.CreatedAt.IsZero())

		got, err := s.GetImage(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.OwnerID, got.OwnerID)
		assert.Equal(t, models.StatusPending, got.Status)
		assert.Equal(t, 800, got.Width)
		assert.Equal(t, int64(12345), got.Size)
		assert.Empty(t, got.OptimizedURL)
		assert.Empty(t, got.Colors)
		assert.Zero(t, got.AttemptCount)
	})

	t.Run("get unknown", func(t *testing.T) {
		_, err := s.GetImage(ctx, uuid.New())
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("full lifecycle", func(t *testing.T) {
		truncate()
		rec := newRecord()
		require.NoError(t, s.CreateImage(ctx, rec))

		claimed, err := s.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		require.True(t, claimed)
		claimed, err = s.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)
		assert.False(t, claimed, "second claim must lose")

		require.NoError(t, s.Complete(ctx, rec.ID, derivatives))
		got, err := s.GetImage(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusCompleted, got.Status)
		assert.Equal(t, derivatives.Colors, got.Colors)
		assert.Equal(t, derivatives.DominantColor, got.DominantColor)

		assert.ErrorIs(t, s.Complete(ctx, rec.ID, derivatives), models.ErrInvalidTransition)
	})

	t.Run("fail and retry", func(t *testing.T) {
		truncate()
		rec := newRecord()
		require.NoError(t, s.CreateImage(ctx, rec))
		_, err := s.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)

		attempt, err := s.Fail(ctx, rec.ID, "background_removal: timeout")
		require.NoError(t, err)
		assert.Equal(t, 1, attempt)
		got, err := s.GetImage(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "background_removal: timeout (attempt 1)", got.Error)

		_, err = s.Fail(ctx, rec.ID, "again")
		assert.ErrorIs(t, err, models.ErrInvalidTransition)

		claimed, err := s.ClaimFailed(ctx, rec.ID, 0)
		require.NoError(t, err)
		assert.False(t, claimed, "attempt 1 exceeds a limit of 0")

		claimed, err = s.ClaimFailed(ctx, rec.ID, 3)
		require.NoError(t, err)
		require.True(t, claimed)
		got, err = s.GetImage(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusProcessing, got.Status)
		assert.Empty(t, got.Error)
		assert.Equal(t, 1, got.AttemptCount)
	})

	t.Run("concurrent claims", func(t *testing.T) {
		truncate()
		rec := newRecord()
		require.NoError(t, s.CreateImage(ctx, rec))

		var wg sync.WaitGroup
		var mu sync.Mutex
		wins := 0
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.ClaimPending(ctx, rec.ID)
				assert.NoError(t, err)
				if ok {
					mu.Lock()
					wins++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
	})

	t.Run("delete", func(t *testing.T) {
		truncate()
		rec := newRecord()
		require.NoError(t, s.CreateImage(ctx, rec))
		_, err := s.ClaimPending(ctx, rec.ID)
		require.NoError(t, err)

		_, err = s.DeleteImage(ctx, rec.ID)
		assert.ErrorIs(t, err, models.ErrBusy)

		require.NoError(t, s.Complete(ctx, rec.ID, derivatives))
		deleted, err := s.DeleteImage(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.OwnerID, deleted.OwnerID)

		_, err = s.DeleteImage(ctx, rec.ID)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})

	t.Run("stall sweep", func(t *testing.T) {
		truncate()
		processing := newRecord()
		pending := newRecord()
		require.NoError(t, s.CreateImage(ctx, processing))
		require.NoError(t, s.CreateImage(ctx, pending))
		_, err := s.ClaimPending(ctx, processing.ID)
		require.NoError(t, err)

		future := time.Now().Add(time.Minute)
		ids, err := s.FailStalled(ctx, future, "processing stalled")
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{processing.ID}, ids)

		got, err := s.GetImage(ctx, processing.ID)
		require.NoError(t, err)
		assert.Equal(t, models.StatusFailed, got.Status)
		assert.Equal(t, "processing stalled (attempt 1)", got.Error)

		pendingIDs, err := s.ListPending(ctx, future, 10)
		require.NoError(t, err)
		assert.Equal(t, []uuid.UUID{pending.ID}, pendingIDs)

		none, err := s.ListPending(ctx, time.Now().Add(-time.Hour), 10)
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}
