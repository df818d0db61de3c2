// Package mirror keeps a copy of uploaded files and serves them back under /uploads/.
package mirror

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"time"
)

// PublicPrefix is the URL prefix stored files are served under.
const PublicPrefix = "/uploads/"

var (
	// ErrInvalidName is returned for file names with nothing left after stripping directories.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNotFound is returned by Open for names that were never stored.
	ErrNotFound = errors.New("file not found")
)

// ObjectInfo describes a stored file.
type ObjectInfo struct {
	Name        string
	Size        int64
	ContentType string
	ModTime     time.Time
}

// Store persists uploaded files. Implementations must be safe for concurrent use.
type Store interface {
	// Save writes data under name, replacing any previous file of that name.
	// name must already be sanitized.
	Save(ctx context.Context, name, contentType string, data []byte) error

	// Open returns a reader for a stored file. The caller closes it.
	Open(ctx context.Context, name string) (io.ReadCloser, ObjectInfo, error)

	// Backend names the implementation for logs.
	Backend() string
}

// SanitizeName reduces a client supplied file name to its final path element.
func SanitizeName(raw string) (string, error) {
	name := strings.ReplaceAll(strings.TrimSpace(raw), "\\", "/")
	name = filepath.Base(name)
	switch name {
	case "", ".", "..", "/":
		return "", ErrInvalidName
	}
	if strings.ContainsAny(name, "\x00") {
		return "", ErrInvalidName
	}
	return name, nil
}

// PublicPath is the path a stored file is served at.
func PublicPath(name string) string {
	return PublicPrefix + name
}
