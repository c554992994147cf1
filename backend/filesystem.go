package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// stagePrefix marks files that are still being written.
const stagePrefix = ".tmp-"

// Filesystem implements Backend on a local directory. Writes go to a staging
// file next to the destination and are renamed into place on Close.
type Filesystem struct {
	root string
}

// NewFilesystem opens a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: abs}, nil
}

// Root returns the absolute root directory.
func (b *Filesystem) Root() string {
	return b.root
}

// Path returns the file path that holds key.
func (b *Filesystem) Path(key string) (string, error) {
	p := filepath.Join(b.root, filepath.FromSlash(key))
	if p == b.root || !strings.HasPrefix(p, b.root+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes backend root", key)
	}
	return p, nil
}

func (b *Filesystem) Create(_ context.Context, key string) (StagedWriter, error) {
	dst, err := b.Path(key)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(dst)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, stagePrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating staging file: %w", err)
	}
	return &stagedFile{File: f, dst: dst}, nil
}

func (b *Filesystem) Open(_ context.Context, key string) (io.ReadCloser, error) {
	p, err := b.Path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", key, err)
	}
	return f, nil
}

func (b *Filesystem) Stat(_ context.Context, key string) (int64, error) {
	p, err := b.Path(key)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && info.IsDir()) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", key, err)
	}
	return info.Size(), nil
}

func (b *Filesystem) Remove(_ context.Context, key string) error {
	p, err := b.Path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

func (b *Filesystem) Walk(ctx context.Context, fn WalkFunc) error {
	return filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), stagePrefix) {
			return nil
		}
		info, err := d.Info()
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(b.root, p)
		if err != nil {
			return err
		}
		return fn(filepath.ToSlash(rel), info.Size())
	})
}

// PurgeStaged deletes staging files older than age, left behind by writes
// interrupted by a crash. It returns the number removed.
func (b *Filesystem) PurgeStaged(age time.Duration) (int, error) {
	cutoff := time.Now().Add(-age)
	removed := 0
	err := filepath.WalkDir(b.root, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !strings.HasPrefix(d.Name(), stagePrefix) {
			return err
		}
		info, err := d.Info()
		if err != nil || info.ModTime().After(cutoff) {
			return nil
		}
		if os.Remove(p) == nil {
			removed++
		}
		return nil
	})
	return removed, err
}

// stagedFile is committed by fsync and rename.
type stagedFile struct {
	*os.File
	dst  string
	done bool
}

func (w *stagedFile) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	err := w.Sync()
	if cerr := w.File.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Rename(w.Name(), w.dst)
	}
	if err != nil {
		_ = os.Remove(w.Name())
		return fmt.Errorf("committing %s: %w", filepath.Base(w.dst), err)
	}
	return nil
}

func (w *stagedFile) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.File.Close()
	return os.Remove(w.Name())
}

var _ Backend = (*Filesystem)(nil)
