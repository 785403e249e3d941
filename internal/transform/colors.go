package transform

import (
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/disintegration/imaging"

	"garment_processor/internal/logging"
	"garment_processor/internal/models"
)

// alphaCutoff: pixels more transparent than this are background left by the
// remover and do not count.
const alphaCutoff = 128

// Palette is the ranked color summary of an image.
type Palette struct {
	Dominant string
	Colors   []string
}

// ColorExtractor ranks the exact colors of a downsampled image. It never fails:
// anything that goes wrong yields the fallback palette.
type ColorExtractor struct {
	sampleSize int
	threshold  uint8
	maxColors  int
	fallback   string
	logger     *slog.Logger
}

func NewColorExtractor(cfg models.PipelineConfig, logger *slog.Logger) *ColorExtractor {
	return &ColorExtractor{
		sampleSize: cfg.ColorSampleSize,
		threshold:  cfg.NearWhiteThreshold,
		maxColors:  cfg.MaxColors,
		fallback:   cfg.FallbackColor,
		logger:     logging.OrDefault(logger),
	}
}

// Fallback is the palette returned when nothing can be extracted.
func (e *ColorExtractor) Fallback() Palette {
	return Palette{Dominant: e.fallback, Colors: []string{e.fallback}}
}

// Extract returns the palette of the image at path.
func (e *ColorExtractor) Extract(path string) Palette {
	img, err := imaging.Open(path)
	if err != nil {
		e.logger.Warn("color extraction failed, using fallback", "path", path, logging.Error(err))
		return e.Fallback()
	}
	p, ok := e.FromImage(img)
	if !ok {
		e.logger.Info("no qualifying pixels, using fallback", "path", path)
		return e.Fallback()
	}
	return p
}

// FromImage ranks img's colors. ok is false when every sampled pixel was
// excluded.
func (e *ColorExtractor) FromImage(img image.Image) (p Palette, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("color extraction panicked, using fallback", "panic", fmt.Sprint(r))
			p, ok = e.Fallback(), false
		}
	}()

	sample := imaging.Fill(img, e.sampleSize, e.sampleSize, imaging.Center, imaging.Box)
	counts := make(map[string]int)
	for y := 0; y < sample.Rect.Dy(); y++ {
		row := sample.Pix[y*sample.Stride : y*sample.Stride+sample.Rect.Dx()*4]
		for i := 0; i+3 < len(row); i += 4 {
			r, g, b, a := row[i], row[i+1], row[i+2], row[i+3]
			if a < alphaCutoff {
				continue
			}
			if r > e.threshold && g > e.threshold && b > e.threshold {
				continue
			}
			counts[fmt.Sprintf("#%02x%02x%02x", r, g, b)]++
		}
	}
	if len(counts) == 0 {
		return Palette{}, false
	}

	ranked := make([]string, 0, len(counts))
	for hex := range counts {
		ranked = append(ranked, hex)
	}
	sort.Slice(ranked, func(i, j int) bool {
		if counts[ranked[i]] != counts[ranked[j]] {
			return counts[ranked[i]] > counts[ranked[j]]
		}
		return ranked[i] < ranked[j]
	})
	if len(ranked) > e.maxColors {
		ranked = ranked[:e.maxColors]
	}
	return Palette{Dominant: ranked[0], Colors: ranked}, true
}
