// Package objstore abstracts where record files live. Imports read from it
// and exports write to it; the daemon only ever sees URIs.
package objstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrUnsupportedScheme indicates a URI scheme no backend handles.
var ErrUnsupportedScheme = errors.New("unsupported object storage scheme")

// ObjectStore fetches and stores record files by URI.
type ObjectStore interface {
	Get(ctx context.Context, uri string) (io.ReadCloser, error)
	Put(ctx context.Context, uri string, r io.Reader) error
}

// Local serves file:// URIs and bare filesystem paths.
type Local struct{}

// NewLocal builds the filesystem backend.
func NewLocal() *Local { return &Local{} }

// Get opens the file named by the URI.
func (l *Local) Get(ctx context.Context, uri string) (io.ReadCloser, error) {
	path, err := localPath(uri)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return f, nil
}

// Put writes the reader to the file named by the URI, creating parent
// directories as needed.
func (l *Local) Put(ctx context.Context, uri string, r io.Reader) error {
	path, err := localPath(uri)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create directory for %s: %w", path, err)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func localPath(uri string) (string, error) {
	if !strings.Contains(uri, "://") {
		return uri, nil
	}
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("parse uri %s: %w", uri, err)
	}
	if parsed.Scheme != "file" {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedScheme, parsed.Scheme)
	}
	return parsed.Path, nil
}
