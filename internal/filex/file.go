// Package filex holds small filesystem helpers for the CLI.
package filex

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// MaxBlobSize bounds files attached to photo/file records.
const MaxBlobSize = 64 << 20

var ErrTooLarge = errors.New("file too large")

// EnsureParentDir creates the directory that will hold path, so that a
// database file like "data/vault.db" can be opened on first run.
func EnsureParentDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	return nil
}

// Blob is a local file loaded for upload.
type Blob struct {
	Name        string
	ContentType string
	Data        []byte
}

// ReadBlob loads path into memory and sniffs its content type. Files larger
// than MaxBlobSize are rejected before reading.
func ReadBlob(path string) (*Blob, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	if fi.Size() > MaxBlobSize {
		return nil, fmt.Errorf("%s: %w", path, ErrTooLarge)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return &Blob{
		Name:        filepath.Base(path),
		ContentType: http.DetectContentType(data),
		Data:        data,
	}, nil
}
