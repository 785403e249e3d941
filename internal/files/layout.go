// Package files owns the on-disk layout of uploads and derived assets and the
// mapping from those paths to public URLs.
package files

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Prefix names the pipeline stage that produced a file.
type Prefix string

const (
	PrefixOriginal  Prefix = "original"
	PrefixProcessed Prefix = "processed"
	PrefixOptimized Prefix = "optimized"
	PrefixThumbnail Prefix = "thumbnail"
)

// Layout maps {root}/{owner}/{prefix}_{id}.{ext}; URLs are the path relative
// to root under baseURL.
type Layout struct {
	root    string
	baseURL string
}

func NewLayout(root, baseURL string) Layout {
	return Layout{
		root:    filepath.Clean(root),
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

func (l Layout) Root() string { return l.root }

// Path returns the deterministic location of a file. ext may carry a leading dot.
func (l Layout) Path(owner, id uuid.UUID, prefix Prefix, ext string) string {
	ext = strings.TrimPrefix(strings.ToLower(ext), ".")
	return filepath.Join(l.root, owner.String(), fmt.Sprintf("%s_%s.%s", prefix, id, ext))
}

// URL strips the storage root from path.
func (l Layout) URL(path string) (string, error) {
	const op = "files.Layout.URL"

	rel, err := filepath.Rel(l.root, filepath.Clean(path))
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s: %s is outside storage root %s", op, path, l.root)
	}
	return l.baseURL + "/" + filepath.ToSlash(rel), nil
}

// Write stores data at path; see WriteAtomic.
func (l Layout) Write(path string, data []byte) error {
	return WriteAtomic(path, data)
}

// WriteAtomic stores data at path through a temp file and rename so readers
// never observe a partial file.
func WriteAtomic(path string, data []byte) error {
	const op = "files.WriteAtomic"

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tmp, err := os.CreateTemp(dir, ".partial-*")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// RemoveImage deletes every file of an image, whatever its stage or extension.
func (l Layout) RemoveImage(owner, id uuid.UUID) error {
	const op = "files.Layout.RemoveImage"

	matches, err := filepath.Glob(filepath.Join(l.root, owner.String(), "*_"+id.String()+".*"))
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	var errs []error
	for _, m := range matches {
		if err := os.Remove(m); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}
