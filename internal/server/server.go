package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// multipartSlack covers the multipart framing around the image part.
const multipartSlack = 1 << 20

// ImageService is the pipeline surface the HTTP layer needs.
type ImageService interface {
	UploadAndProcess(ctx context.Context, ownerID uuid.UUID, data []byte, filename string) (*models.ImageRecord, error)
	RetryProcessing(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error)
	Get(ctx context.Context, id uuid.UUID) (*models.ImageRecord, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ProgressSource serves the optional progress estimate.
type ProgressSource interface {
	Get(ctx context.Context, id uuid.UUID) (models.Progress, error)
	Forget(ctx context.Context, id uuid.UUID) error
}

type Server struct {
	cfg      *models.Config
	router   *gin.Engine
	http     *http.Server
	images   ImageService
	progress ProgressSource
	logger   *slog.Logger
}

// NewServer wires the routes. progress may be nil.
func NewServer(cfg *models.Config, images ImageService, progress ProgressSource, logger *slog.Logger) *Server {
	r := gin.New()
	s := &Server{
		cfg:      cfg,
		router:   r,
		images:   images,
		progress: progress,
		logger:   logging.OrDefault(logger),
	}

	r.Use(gin.Recovery(), s.requestLogger())
	r.Static(cfg.PublicBaseURL, cfg.StoragePath)

	r.POST("/upload", s.handleUpload)
	r.GET("/image/:id", s.handleGetImage)
	r.POST("/image/:id/retry", s.handleRetry)
	r.DELETE("/image/:id", s.handleDeleteImage)

	s.http = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start blocks serving HTTP until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.cfg.ServerAddr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server.Start: %w", err)
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		s.logger.Debug("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"duration", time.Since(started),
		)
	}
}

type imageResponse struct {
	ID            uuid.UUID        `json:"id"`
	OwnerID       uuid.UUID        `json:"owner_id"`
	Status        string           `json:"status"`
	Progress      *models.Progress `json:"progress,omitempty"`
	Error         string           `json:"error,omitempty"`
	AttemptCount  int              `json:"attempt_count"`
	MimeType      string           `json:"mime_type"`
	Width         int              `json:"width"`
	Height        int              `json:"height"`
	Size          int64            `json:"size"`
	OriginalURL   string           `json:"original_url"`
	OptimizedURL  string           `json:"optimized_url,omitempty"`
	ThumbnailURL  string           `json:"thumbnail_url,omitempty"`
	DominantColor string           `json:"dominant_color,omitempty"`
	Colors        []string         `json:"colors"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

func toResponse(rec *models.ImageRecord) imageResponse {
	colors := rec.Colors
	if colors == nil {
		colors = []string{}
	}
	return imageResponse{
		ID:            rec.ID,
		OwnerID:       rec.OwnerID,
		Status:        string(rec.Status),
		Error:         rec.Error,
		AttemptCount:  rec.AttemptCount,
		MimeType:      rec.MimeType,
		Width:         rec.Width,
		Height:        rec.Height,
		Size:          rec.Size,
		OriginalURL:   rec.OriginalURL,
		OptimizedURL:  rec.OptimizedURL,
		ThumbnailURL:  rec.ThumbnailURL,
		DominantColor: rec.DominantColor,
		Colors:        colors,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

func (s *Server) handleUpload(c *gin.Context) {
	const op = "server.handleUpload"
	maxBytes := s.cfg.Upload.MaxBytes

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes+multipartSlack)
	file, err := c.FormFile("image")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxBytes)})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: image: %v", op, err)})
		return
	}
	if file.Size > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxBytes)})
		return
	}

	ownerID, err := uuid.Parse(c.PostForm("owner_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("%s: owner_id: %v", op, err)})
		return
	}

	src, err := file.Open()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, maxBytes+1))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": fmt.Sprintf("%s: %v", op, err)})
		return
	}
	if int64(len(data)) > maxBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("image exceeds %d bytes", maxBytes)})
		return
	}

	detected := mimetype.Detect(data)
	if !slices.ContainsFunc(s.cfg.Upload.AllowedTypes, detected.Is) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": fmt.Sprintf("unsupported content type %s", detected.String())})
		return
	}

	rec, err := s.images.UploadAndProcess(c.Request.Context(), ownerID, data, file.Filename)
	switch {
	case err == nil:
	case errors.Is(err, models.ErrUnsupportedImage):
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": err.Error()})
		return
	case errors.Is(err, models.ErrDispatch) && rec != nil:
		// The record is stored as pending; the stall sweep re-dispatches it.
		s.logger.Warn("upload stored but not dispatched", "image_id", rec.ID, logging.Error(err))
	default:
		s.logger.Error("upload failed", "owner_id", ownerID, logging.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"id": rec.ID.String(), "status": rec.Status})
}

func (s *Server) parseID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid id: %v", err)})
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleGetImage(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	rec, err := s.images.Get(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}

	resp := toResponse(rec)
	if s.progress != nil && (rec.Status == models.StatusPending || rec.Status == models.StatusProcessing) {
		if p, err := s.progress.Get(c.Request.Context(), id); err == nil {
			resp.Progress = &p
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRetry(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	rec, err := s.images.RetryProcessing(c.Request.Context(), id)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, toResponse(rec))
}

func (s *Server) handleDeleteImage(c *gin.Context) {
	id, ok := s.parseID(c)
	if !ok {
		return
	}

	if err := s.images.Delete(c.Request.Context(), id); err != nil {
		s.writeError(c, err)
		return
	}
	if s.progress != nil {
		if err := s.progress.Forget(c.Request.Context(), id); err != nil {
			s.logger.Debug("progress not cleared", "image_id", id, logging.Error(err))
		}
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, models.ErrNotFailed), errors.Is(err, models.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, models.ErrRetryLimit):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, models.ErrDispatch):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", c.FullPath(), logging.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
