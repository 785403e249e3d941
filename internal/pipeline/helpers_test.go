package pipeline_test

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"garment_processor/internal/bgremove"
	"garment_processor/internal/files"
	"garment_processor/internal/models"
	"garment_processor/internal/pipeline"
	"garment_processor/internal/transform"
)

// memRepo is an in-memory Repository with the same conditional-update
// semantics as the PostgreSQL store.
type memRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.ImageRecord
	now     func() time.Time

	createErr   error
	completeErr error
}

func newMemRepo() *memRepo {
	return &memRepo{records: make(map[uuid.UUID]*models.ImageRecord), now: time.Now}
}

func clone(rec *models.ImageRecord) *models.ImageRecord {
	out := *rec
	out.Colors = append([]string(nil), rec.Colors...)
	return &out
}

func (m *memRepo) put(rec *models.ImageRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.ID] = clone(rec)
}

func (m *memRepo) snapshot(id uuid.UUID) *models.ImageRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.records[id]; ok {
		return clone(rec)
	}
	return nil
}

func (m *memRepo) CreateImage(_ context.Context, img *models.ImageRecord) error {
	if m.createErr != nil {
		return m.createErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec := clone(img)
	rec.CreatedAt, rec.UpdatedAt = now, now
	m.records[img.ID] = rec
	return nil
}

func (m *memRepo) GetImage(_ context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	if rec := m.snapshot(id); rec != nil {
		return rec, nil
	}
	return nil, models.ErrNotFound
}

func (m *memRepo) DeleteImage(_ context.Context, id uuid.UUID) (*models.ImageRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok {
		return nil, models.ErrNotFound
	}
	if rec.Status == models.StatusProcessing {
		return nil, models.ErrBusy
	}
	delete(m.records, id)
	return clone(rec), nil
}

func (m *memRepo) ClaimPending(_ context.Context, id uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusPending {
		return false, nil
	}
	rec.Status = models.StatusProcessing
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *memRepo) ClaimFailed(_ context.Context, id uuid.UUID, maxAttempts int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusFailed || rec.AttemptCount > maxAttempts {
		return false, nil
	}
	rec.Status = models.StatusProcessing
	rec.Error = ""
	rec.UpdatedAt = m.now()
	return true, nil
}

func (m *memRepo) Complete(_ context.Context, id uuid.UUID, d models.Derivatives) error {
	if m.completeErr != nil {
		return m.completeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusProcessing {
		return models.ErrInvalidTransition
	}
	rec.Status = models.StatusCompleted
	rec.OptimizedURL = d.OptimizedURL
	rec.ThumbnailURL = d.ThumbnailURL
	rec.DominantColor = d.DominantColor
	rec.Colors = append([]string(nil), d.Colors...)
	rec.Error = ""
	rec.UpdatedAt = m.now()
	return nil
}

func (m *memRepo) Fail(_ context.Context, id uuid.UUID, message string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[id]
	if !ok || rec.Status != models.StatusProcessing {
		return 0, models.ErrInvalidTransition
	}
	m.failLocked(rec, message)
	return rec.AttemptCount, nil
}

func (m *memRepo) failLocked(rec *models.ImageRecord, message string) {
	rec.AttemptCount++
	rec.Status = models.StatusFailed
	rec.Error = message + " (attempt " + strconv.Itoa(rec.AttemptCount) + ")"
	rec.UpdatedAt = m.now()
}

func (m *memRepo) FailStalled(_ context.Context, cutoff time.Time, message string) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range m.records {
		if rec.Status == models.StatusProcessing && rec.UpdatedAt.Before(cutoff) {
			m.failLocked(rec, message)
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (m *memRepo) ListPending(_ context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for id, rec := range m.records {
		if rec.Status == models.StatusPending && rec.UpdatedAt.Before(cutoff) && len(ids) < limit {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// fakeRemover stands in for the external tool.
type fakeRemover struct {
	mu    sync.Mutex
	calls int
	fn    func(ctx context.Context, src, dst string) error
}

func (f *fakeRemover) Remove(ctx context.Context, src, dst string) error {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	return f.fn(ctx, src, dst)
}

func (f *fakeRemover) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// copyAsPNG mimics a working tool: it re-encodes src as PNG at dst.
func copyAsPNG(_ context.Context, src, dst string) error {
	img, err := imaging.Open(src)
	if err != nil {
		return err
	}
	return imaging.Save(img, dst)
}

func alwaysFail(context.Context, string, string) error {
	return models.ErrSubprocessFailure
}

type recordingLauncher struct {
	mu   sync.Mutex
	jobs []pipeline.Job
	err  error
}

func (l *recordingLauncher) Launch(_ context.Context, job pipeline.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.jobs = append(l.jobs, job)
	return nil
}

func (l *recordingLauncher) Jobs() []pipeline.Job {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]pipeline.Job(nil), l.jobs...)
}

type recordingProgress struct {
	mu      sync.Mutex
	reports []models.Progress
}

func (p *recordingProgress) Report(_ context.Context, _ uuid.UUID, pr models.Progress) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reports = append(p.reports, pr)
	return nil
}

// harness wires a coordinator to an in-memory repo and a Detached launcher.
type harness struct {
	cfg         models.PipelineConfig
	layout      files.Layout
	repo        *memRepo
	remover     bgremove.Remover
	runner      *pipeline.Runner
	launcher    *pipeline.Detached
	coordinator *pipeline.Coordinator
	progress    *recordingProgress
}

func newHarness(t *testing.T, remover bgremove.Remover, mutate ...func(*models.PipelineConfig)) *harness {
	t.Helper()
	cfg := models.DefaultPipelineConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	require.NoError(t, cfg.Validate())

	h := &harness{
		cfg:      cfg,
		layout:   files.NewLayout(t.TempDir(), "/files"),
		repo:     newMemRepo(),
		remover:  remover,
		progress: &recordingProgress{},
	}
	stages := pipeline.DefaultStages(h.layout, remover, transform.NewResizer(cfg), transform.NewColorExtractor(cfg, nil))
	h.runner = pipeline.NewRunner(h.repo, stages, pipeline.WithProgress(h.progress))
	h.launcher = pipeline.NewDetached(h.runner, nil)
	h.coordinator = pipeline.NewCoordinator(h.repo, h.layout, h.launcher, cfg, nil)
	t.Cleanup(h.launcher.Wait)
	return h
}

// garmentJPEG draws a red garment on a white studio background.
func garmentJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := imaging.New(w, h, color.White)
	for y := h / 4; y < h*3/4; y++ {
		for x := w / 4; x < w*3/4; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 180, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}))
	return buf.Bytes()
}

func imageSize(t *testing.T, path string) image.Point {
	t.Helper()
	img, err := imaging.Open(path)
	require.NoError(t, err)
	return img.Bounds().Size()
}
