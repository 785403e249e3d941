package transform_test

import (
	"image"
	"image/color"
	"path/filepath"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"garment_processor/internal/models"
	"garment_processor/internal/transform"
)

// stripes paints vertical bands of the given widths; every band is 100px tall.
func stripes(widths []int, colors []color.NRGBA) *image.NRGBA {
	total := 0
	for _, w := range widths {
		total += w
	}
	img := imaging.New(total, 100, color.Transparent)
	x := 0
	for i, w := range widths {
		for dx := 0; dx < w; dx++ {
			for y := 0; y < 100; y++ {
				img.SetNRGBA(x+dx, y, colors[i])
			}
		}
		x += w
	}
	return img
}

func extractor() *transform.ColorExtractor {
	return transform.NewColorExtractor(models.DefaultPipelineConfig(), nil)
}

func TestExtractRanksByFrequency(t *testing.T) {
	img := stripes(
		[]int{60, 40},
		[]color.NRGBA{{R: 255, A: 255}, {B: 255, A: 255}},
	)
	path := writeImage(t, img, "garment.png")

	p := extractor().Extract(path)

	require.NotEmpty(t, p.Colors)
	assert.LessOrEqual(t, len(p.Colors), 5)
	assert.Equal(t, "#ff0000", p.Dominant)
	assert.Equal(t, p.Colors[0], p.Dominant)
	assert.Equal(t, "#0000ff", p.Colors[1])
}

func TestExtractKeepsAtMostFiveColors(t *testing.T) {
	img := stripes(
		[]int{30, 20, 16, 12, 9, 8, 5},
		[]color.NRGBA{
			{R: 10, A: 255}, {G: 20, A: 255}, {B: 30, A: 255}, {R: 40, G: 40, A: 255},
			{R: 50, B: 50, A: 255}, {G: 60, B: 60, A: 255}, {R: 70, G: 70, B: 70, A: 255},
		},
	)

	p, ok := extractor().FromImage(img)

	require.True(t, ok)
	assert.Len(t, p.Colors, 5)
	assert.Equal(t, "#0a0000", p.Dominant)
}

func TestExtractNearWhiteImageFallsBack(t *testing.T) {
	path := writeImage(t, imaging.New(120, 80, color.NRGBA{R: 250, G: 248, B: 245, A: 255}), "white.png")

	p := extractor().Extract(path)

	assert.Equal(t, "#808080", p.Dominant)
	assert.Equal(t, []string{"#808080"}, p.Colors)
}

func TestExtractIgnoresNearWhiteAndTransparentPixels(t *testing.T) {
	img := stripes(
		[]int{50, 30, 20},
		[]color.NRGBA{{R: 255, G: 255, B: 255, A: 255}, {}, {G: 128, A: 255}},
	)

	p, ok := extractor().FromImage(img)

	require.True(t, ok)
	assert.Equal(t, "#008000", p.Dominant)
	assert.NotContains(t, p.Colors, "#ffffff")
	assert.NotContains(t, p.Colors, "#000000")
}

func TestExtractUnreadableFileFallsBack(t *testing.T) {
	p := extractor().Extract(filepath.Join(t.TempDir(), "nope.png"))

	assert.Equal(t, extractor().Fallback(), p)
}
