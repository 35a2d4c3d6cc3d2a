package collab

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Media validation errors, mapped to HTTP status codes by the handlers.
var (
	ErrMediaType     = errors.New("unsupported media type")
	ErrMediaTooLarge = errors.New("file too large")
)

// DefaultMaxUploadBytes caps uploads when no limit is configured.
const DefaultMaxUploadBytes = 5 << 20

// extByMIME is the allowlist of upload types. Only raster images belong in
// a post; everything else is rejected.
var extByMIME = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
	"image/gif":  "gif",
}

// Media is the record returned after a successful upload. The document only
// ever embeds the URL, never the bytes.
type Media struct {
	ID           string `json:"id"`
	URL          string `json:"url"`
	OriginalName string `json:"originalName"`
}

// MediaStore writes uploads to disk, namespaced per document with
// unguessable generated filenames.
type MediaStore struct {
	root     string
	maxBytes int64
}

func NewMediaStore(root string, maxBytes int64) *MediaStore {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	return &MediaStore{root: root, maxBytes: maxBytes}
}

// MaxBytes returns the configured upload cap.
func (m *MediaStore) MaxBytes() int64 { return m.maxBytes }

// Save validates and stores one upload, returning the public record.
func (m *MediaStore) Save(docID, mimeType, originalName string, r io.Reader) (*Media, error) {
	ext, ok := extByMIME[mimeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrMediaType, mimeType)
	}
	dir := filepath.Join(m.root, docID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	id := uuid.New().String()
	name := id + "." + ext
	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		return nil, err
	}

	// Read one byte past the cap to detect oversized uploads.
	n, err := io.Copy(f, io.LimitReader(r, m.maxBytes+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n > m.maxBytes {
		err = ErrMediaTooLarge
	}
	if err != nil {
		os.Remove(filepath.Join(dir, name))
		return nil, err
	}

	return &Media{
		ID:           id,
		URL:          "/api/uploads/" + docID + "/" + name,
		OriginalName: originalName,
	}, nil
}

// Open resolves a stored file for serving, refusing path escapes.
func (m *MediaStore) Open(docID, name string) (string, error) {
	if docID != filepath.Base(docID) || name != filepath.Base(name) {
		return "", ErrNotFound
	}
	path := filepath.Join(m.root, docID, name)
	if _, err := os.Stat(path); err != nil {
		return "", ErrNotFound
	}
	return path, nil
}
