package models

import (
	"time"

	"github.com/google/uuid"
)

// ProcessingStatus is the lifecycle state of an ImageRecord.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
)

// Valid reports whether s is one of the known statuses.
func (s ProcessingStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// ImageRecord is one uploaded garment photo and the assets derived from it.
type ImageRecord struct {
	ID      uuid.UUID `db:"id"`
	OwnerID uuid.UUID `db:"owner_id"`

	OriginalPath string `db:"original_path"`
	OriginalURL  string `db:"original_url"`
	OptimizedURL string `db:"optimized_url"` // set only when completed
	ThumbnailURL string `db:"thumbnail_url"` // set only when completed

	MimeType string `db:"mime_type"`
	Width    int    `db:"width"`
	Height   int    `db:"height"`
	Size     int64  `db:"size_bytes"`

	DominantColor string   `db:"dominant_color"`
	Colors        []string `db:"colors"`

	Status       ProcessingStatus `db:"processing_status"` // pending, processing, completed, failed
	Error        string           `db:"processing_error"`
	AttemptCount int              `db:"attempt_count"` // failed runs so far

	CreatedAt time.Time `db:"created_at"`
	UpdatedAt time.Time `db:"updated_at"`
}

// Derivatives is everything the completed transition writes at once.
type Derivatives struct {
	OptimizedURL  string
	ThumbnailURL  string
	DominantColor string
	Colors        []string
}

// Complete reports whether every field the completed state requires is present.
func (d Derivatives) Complete() bool {
	return d.OptimizedURL != "" && d.ThumbnailURL != "" && d.DominantColor != "" &&
		len(d.Colors) > 0 && len(d.Colors) <= 5
}

// Progress is the optional estimate shown to pollers while a record is processing.
type Progress struct {
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	UpdatedAt time.Time `json:"updated_at"`
}
