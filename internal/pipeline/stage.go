package pipeline

import (
	"context"
	"fmt"
	"os"

	"garment_processor/internal/bgremove"
	"garment_processor/internal/files"
	"garment_processor/internal/models"
	"garment_processor/internal/transform"
)

// Stage is one step of the processing chain. A stage reads work.Input,
// records what it produced and, when it has a successor input, moves
// work.Input forward.
type Stage interface {
	Name() string
	Run(ctx context.Context, work *Work) error
}

// Work is the state threaded through one pipeline run.
type Work struct {
	Record      models.ImageRecord
	Input       string
	Derivatives models.Derivatives

	outputs []string
}

// Track remembers a file this run wrote so it can be removed if the run fails.
func (w *Work) Track(path string) {
	w.outputs = append(w.outputs, path)
}

func (w *Work) discardOutputs() {
	for _, p := range w.outputs {
		_ = os.Remove(p)
	}
	w.outputs = nil
}

// DefaultStages returns the fixed chain:
// background removal -> optimize -> thumbnail -> color extraction.
func DefaultStages(layout files.Layout, remover bgremove.Remover, resizer *transform.Resizer, colors *transform.ColorExtractor) []Stage {
	return []Stage{
		&BackgroundRemovalStage{Remover: remover, Layout: layout},
		&OptimizeStage{Resizer: resizer, Layout: layout},
		&ThumbnailStage{Resizer: resizer, Layout: layout},
		&ColorExtractionStage{Extractor: colors},
	}
}

type BackgroundRemovalStage struct {
	Remover bgremove.Remover
	Layout  files.Layout
}

func (s *BackgroundRemovalStage) Name() string { return "background_removal" }

func (s *BackgroundRemovalStage) Run(ctx context.Context, w *Work) error {
	dst := s.Layout.Path(w.Record.OwnerID, w.Record.ID, files.PrefixProcessed, "png")
	if err := s.Remover.Remove(ctx, w.Input, dst); err != nil {
		return err
	}
	w.Track(dst)
	w.Input = dst
	return nil
}

type OptimizeStage struct {
	Resizer *transform.Resizer
	Layout  files.Layout
}

func (s *OptimizeStage) Name() string { return "optimize" }

func (s *OptimizeStage) Run(_ context.Context, w *Work) error {
	dst := s.Layout.Path(w.Record.OwnerID, w.Record.ID, files.PrefixOptimized, s.Resizer.OptimizedExt())
	if _, err := s.Resizer.Optimize(w.Input, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	w.Track(dst)
	url, err := s.Layout.URL(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrOptimization, err)
	}
	w.Derivatives.OptimizedURL = url
	w.Input = dst
	return nil
}

// ThumbnailStage reads the optimized image and leaves work.Input on it, so
// color extraction samples the full garment rather than the crop.
type ThumbnailStage struct {
	Resizer *transform.Resizer
	Layout  files.Layout
}

func (s *ThumbnailStage) Name() string { return "thumbnail" }

func (s *ThumbnailStage) Run(_ context.Context, w *Work) error {
	dst := s.Layout.Path(w.Record.OwnerID, w.Record.ID, files.PrefixThumbnail, s.Resizer.ThumbnailExt())
	if _, err := s.Resizer.Thumbnail(w.Input, dst); err != nil {
		_ = os.Remove(dst)
		return err
	}
	w.Track(dst)
	url, err := s.Layout.URL(dst)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrThumbnail, err)
	}
	w.Derivatives.ThumbnailURL = url
	return nil
}

// ColorExtractionStage never fails; extraction problems resolve to the
// fallback palette.
type ColorExtractionStage struct {
	Extractor *transform.ColorExtractor
}

func (s *ColorExtractionStage) Name() string { return "color_extraction" }

func (s *ColorExtractionStage) Run(_ context.Context, w *Work) error {
	p := s.Extractor.Extract(w.Input)
	w.Derivatives.DominantColor = p.Dominant
	w.Derivatives.Colors = p.Colors
	return nil
}
