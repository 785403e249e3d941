// Package transform resizes and re-encodes garment images and extracts their
// color palette.
package transform

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"

	"github.com/disintegration/imaging"
	"github.com/kolesa-team/go-webp/encoder"
	"github.com/kolesa-team/go-webp/webp"
	_ "golang.org/x/image/webp"

	"garment_processor/internal/files"
)

// EncodeOptions selects the output codec. Lossless only applies to webp; png is
// always lossless and jpeg never is.
type EncodeOptions struct {
	Format   string
	Quality  int
	Lossless bool
}

// Ext returns the file extension (without dot) for a format name.
func Ext(format string) string {
	switch format {
	case "jpeg":
		return "jpg"
	default:
		return format
	}
}

// Encode writes img to w in the requested format.
func Encode(w io.Writer, img image.Image, opts EncodeOptions) error {
	switch opts.Format {
	case "webp":
		var (
			eo  *encoder.Options
			err error
		)
		if opts.Lossless {
			eo, err = encoder.NewLosslessEncoderOptions(encoder.PresetDefault, losslessLevel(opts.Quality))
		} else {
			eo, err = encoder.NewLossyEncoderOptions(encoder.PresetDefault, float32(clamp(opts.Quality, 1, 100)))
		}
		if err != nil {
			return fmt.Errorf("webp options: %w", err)
		}
		return webp.Encode(w, img, eo)
	case "png":
		return imaging.Encode(w, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression))
	case "jpeg":
		return imaging.Encode(w, flatten(img), imaging.JPEG, imaging.JPEGQuality(clamp(opts.Quality, 1, 100)))
	default:
		return fmt.Errorf("unsupported format %q", opts.Format)
	}
}

// Save encodes img and writes it to path atomically.
func Save(path string, img image.Image, opts EncodeOptions) error {
	var buf bytes.Buffer
	if err := Encode(&buf, img, opts); err != nil {
		return err
	}
	return files.WriteAtomic(path, buf.Bytes())
}

// flatten composites img over white; jpeg has no alpha channel and transparent
// pixels would otherwise turn black.
func flatten(img image.Image) image.Image {
	b := img.Bounds()
	bg := imaging.New(b.Dx(), b.Dy(), color.White)
	return imaging.Overlay(bg, img, image.Pt(0, 0), 1.0)
}

// losslessLevel maps a 0-100 quality onto libwebp's 0-9 effort levels.
func losslessLevel(quality int) int {
	return clamp(quality, 0, 100) * 9 / 100
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
