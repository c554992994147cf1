package content

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/backend"
)

// Dir is a gallery's durable directory. It is not created until Ensure is
// called; until then lookups report nothing and writes fail.
type Dir struct {
	path string

	mu sync.Mutex
	fs backend.Backend
}

// NewDir returns a Dir for path without touching the filesystem.
func NewDir(path string) *Dir {
	return &Dir{path: path}
}

// Path returns the directory path.
func (d *Dir) Path() string {
	return d.path
}

// Exists reports whether the directory exists.
func (d *Dir) Exists() bool {
	info, err := os.Stat(d.path)
	return err == nil && info.IsDir()
}

// Ensure creates the directory if needed.
func (d *Dir) Ensure() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	fs, err := backend.NewFilesystem(d.path)
	if err != nil {
		return err
	}
	d.fs = backend.NewInstrumentedBackend(fs, "gallery_dir")
	return nil
}

// backend returns the file backend if the directory exists.
func (d *Dir) backend() (backend.Backend, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.Exists() {
		d.fs = nil
		return nil, false
	}
	if d.fs == nil {
		fs, err := backend.NewFilesystem(d.path)
		if err != nil {
			return nil, false
		}
		d.fs = backend.NewInstrumentedBackend(fs, "gallery_dir")
	}
	return d.fs, true
}

// FindFile reports whether name exists in the directory.
func (d *Dir) FindFile(ctx context.Context, name string) bool {
	fs, ok := d.backend()
	if !ok {
		return false
	}
	_, err := fs.Stat(ctx, name)
	return err == nil
}

// OpenFile opens name for reading.
func (d *Dir) OpenFile(ctx context.Context, name string) (io.ReadCloser, error) {
	fs, ok := d.backend()
	if !ok {
		return nil, gallerycache.ErrNotFound
	}
	rc, err := fs.Open(ctx, name)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, gallerycache.ErrNotFound
	}
	return rc, err
}

// CreateFile stages a write of name. The file replaces any existing one
// when the writer is closed.
func (d *Dir) CreateFile(ctx context.Context, name string) (backend.StagedWriter, error) {
	fs, ok := d.backend()
	if !ok {
		return nil, errors.New("gallery directory does not exist")
	}
	return fs.Create(ctx, name)
}

// RemoveFile deletes name. It reports whether a file was removed.
func (d *Dir) RemoveFile(ctx context.Context, name string) bool {
	fs, ok := d.backend()
	if !ok {
		return false
	}
	if _, err := fs.Stat(ctx, name); err != nil {
		return false
	}
	return fs.Remove(ctx, name) == nil
}
