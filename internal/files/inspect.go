package files

import (
	"bytes"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	_ "golang.org/x/image/webp"

	"garment_processor/internal/models"
)

// Metadata describes an original upload.
type Metadata struct {
	MimeType string
	Ext      string
	Width    int
	Height   int
	Size     int64
}

// Inspect sniffs the content type and reads the image header without decoding
// pixels. filename only supplies the preferred extension.
func Inspect(data []byte, filename string) (Metadata, error) {
	const op = "files.Inspect"

	mt := mimetype.Detect(data)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return Metadata{}, fmt.Errorf("%s: %w: %s: %v", op, models.ErrUnsupportedImage, mt.String(), err)
	}

	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" || !mt.Is(mimeFromExt(ext)) {
		ext = mt.Extension()
	}
	return Metadata{
		MimeType: baseMime(mt.String()),
		Ext:      strings.TrimPrefix(ext, "."),
		Width:    cfg.Width,
		Height:   cfg.Height,
		Size:     int64(len(data)),
	}, nil
}

func mimeFromExt(ext string) string {
	switch ext {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".webp":
		return "image/webp"
	case ".gif":
		return "image/gif"
	}
	return ""
}

func baseMime(s string) string {
	if i := strings.IndexByte(s, ';'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
