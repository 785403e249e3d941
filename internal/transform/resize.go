package transform

import (
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	"garment_processor/internal/models"
)

// Resizer produces the optimized rendition and the thumbnail.
type Resizer struct {
	maxWidth, maxHeight int
	optimize            EncodeOptions

	thumbWidth, thumbHeight int
	thumbnail               EncodeOptions
}

func NewResizer(cfg models.PipelineConfig) *Resizer {
	return &Resizer{
		maxWidth:  cfg.OptimizeMaxWidth,
		maxHeight: cfg.OptimizeMaxHeight,
		optimize: EncodeOptions{
			Format:   cfg.OptimizeFormat,
			Quality:  cfg.OptimizeQuality,
			Lossless: true,
		},
		thumbWidth:  cfg.ThumbnailWidth,
		thumbHeight: cfg.ThumbnailHeight,
		thumbnail: EncodeOptions{
			Format:  cfg.ThumbnailFormat,
			Quality: cfg.ThumbnailQuality,
		},
	}
}

// OptimizedExt and ThumbnailExt are the extensions of the files the resizer writes.
func (r *Resizer) OptimizedExt() string { return Ext(r.optimize.Format) }
func (r *Resizer) ThumbnailExt() string { return Ext(r.thumbnail.Format) }

// Optimize shrinks src to fit the bounding box, keeping aspect ratio, and
// writes it losslessly to dst. Images already inside the box keep their size.
func (r *Resizer) Optimize(src, dst string) (image.Point, error) {
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: decode %s: %v", models.ErrOptimization, src, err)
	}
	img = FitWithin(img, r.maxWidth, r.maxHeight)
	if err := Save(dst, img, r.optimize); err != nil {
		return image.Point{}, fmt.Errorf("%w: encode %s: %v", models.ErrOptimization, dst, err)
	}
	return img.Bounds().Size(), nil
}

// Thumbnail cover-fits src into exactly the configured size, cropping the
// overflow around the centre, and writes it lossy to dst.
func (r *Resizer) Thumbnail(src, dst string) (image.Point, error) {
	img, err := imaging.Open(src)
	if err != nil {
		return image.Point{}, fmt.Errorf("%w: decode %s: %v", models.ErrThumbnail, src, err)
	}
	thumb := imaging.Fill(img, r.thumbWidth, r.thumbHeight, imaging.Center, imaging.Lanczos)
	if err := Save(dst, thumb, r.thumbnail); err != nil {
		return image.Point{}, fmt.Errorf("%w: encode %s: %v", models.ErrThumbnail, dst, err)
	}
	return thumb.Bounds().Size(), nil
}

// FitWithin scales img down to fit maxW x maxH. It never enlarges.
func FitWithin(img image.Image, maxW, maxH int) image.Image {
	b := img.Bounds()
	if b.Dx() <= maxW && b.Dy() <= maxH {
		return img
	}
	return imaging.Fit(img, maxW, maxH, imaging.Lanczos)
}
