package store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Artifact is the single-slot image file that the poller overwrites and the
// HTTP handler serves. Writes go through a temp file and a rename so readers
// see either the old or the new image.
type Artifact struct {
	path string
}

// NewArtifact creates the artifact's parent directory if needed
func NewArtifact(path string) (*Artifact, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", filepath.Dir(path), err)
	}
	return &Artifact{path: path}, nil
}

// Path returns the artifact location on disk
func (a *Artifact) Path() string {
	return a.path
}

// Write replaces the artifact with data
func (a *Artifact) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := WriteFileAtomic(a.path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("write artifact %s: %w", a.path, err)
	}
	return nil
}

// Read returns the current artifact bytes. The error satisfies
// errors.Is(err, os.ErrNotExist) when nothing has been written yet.
func (a *Artifact) Read() ([]byte, error) {
	return os.ReadFile(a.path)
}

// Exists reports whether an artifact has ever been written
func (a *Artifact) Exists() bool {
	_, err := os.Stat(a.path)
	return !errors.Is(err, os.ErrNotExist)
}

// ContentType infers the MIME type from the file extension, sniffing data
// when the extension is unknown.
func (a *Artifact) ContentType(data []byte) string {
	if ct := mime.TypeByExtension(strings.ToLower(filepath.Ext(a.path))); ct != "" {
		return ct
	}
	return mimetype.Detect(data).String()
}

// FileType returns the upload file type the TV expects for this artifact,
// derived from its extension.
func (a *Artifact) FileType() string {
	return FileTypeFor(a.path)
}

// FileTypeFor maps a path's extension to an upper-case image type, defaulting
// to JPEG.
func FileTypeFor(path string) string {
	ext := strings.ToUpper(strings.TrimPrefix(filepath.Ext(path), "."))
	switch ext {
	case "":
		return "JPEG"
	case "JPG":
		return "JPEG"
	default:
		return ext
	}
}
