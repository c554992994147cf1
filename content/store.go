// Package content resolves where a gallery's page bytes live.
//
// A Store spans two tiers: a shared, size-bounded diskcache.Cache (tier A)
// and a per-gallery durable directory (tier B). In read mode tier A is
// authoritative and tier B is consulted as a fallback. In download mode only
// tier B is authoritative and pages found in tier A are promoted (copied)
// into tier B on first access.
package content

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/backend"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/download"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// ErrUnavailable is returned by OpenWrite when no tier can take the write.
var ErrUnavailable = errors.New("content store unavailable")

// WriteHandle is a staged page write. Nothing is visible until Commit
// returns nil; Abort discards the write.
type WriteHandle interface {
	io.Writer
	Commit() error
	Abort() error
}

// Store is the two tier page store of one gallery. It is safe for
// concurrent use.
type Store struct {
	gallery      gallerycache.Gallery
	cache        *diskcache.Cache
	downloadRoot string
	locations    Locations
	logger       *slog.Logger
	promotions   *download.Downloader

	mu   sync.RWMutex
	mode gallerycache.Mode
	dir  *Dir
}

// Option configures a Store.
type Option func(*Store)

// WithDownloadRoot sets the directory under which gallery directories are
// created. Without it the store cannot enter download mode.
func WithDownloadRoot(root string) Option {
	return func(s *Store) {
		s.downloadRoot = root
	}
}

// WithLocations sets the gallery directory name registry.
func WithLocations(l Locations) Option {
	return func(s *Store) {
		s.locations = l
	}
}

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New returns a Store for g in read mode. cache may be nil, in which case
// only tier B is used.
func New(g gallerycache.Gallery, cache *diskcache.Cache, opts ...Option) *Store {
	s := &Store{
		gallery: g,
		cache:   cache,
		logger:  slog.Default(),
		mode:    gallerycache.ModeRead,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("gid", g.ID)
	s.promotions = download.New(download.WithLogger(s.logger))
	s.dir = s.resolveDir()
	return s
}

func (s *Store) resolveDir() *Dir {
	if s.downloadRoot == "" {
		return nil
	}
	if s.locations != nil {
		name, ok, err := s.locations.Dirname(s.gallery.ID)
		if err != nil {
			s.logger.Warn("failed to look up gallery directory", "error", err)
		}
		if ok {
			return NewDir(filepath.Join(s.downloadRoot, name))
		}
	}
	return NewDir(filepath.Join(s.downloadRoot, s.gallery.Dirname()))
}

// Gallery returns the gallery the store serves.
func (s *Store) Gallery() gallerycache.Gallery {
	return s.gallery
}

// Dir returns the gallery's durable directory, or nil if the store has no
// download root.
func (s *Store) Dir() *Dir {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dir
}

// Mode returns the current mode.
func (s *Store) Mode() gallerycache.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// SetMode switches the authoritative tier. Entering download mode creates
// the durable directory and records its location.
func (s *Store) SetMode(ctx context.Context, mode gallerycache.Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if mode == gallerycache.ModeDownload {
		if s.dir == nil {
			return fmt.Errorf("%w: no download directory configured", gallerycache.ErrPersist)
		}
		if err := s.dir.Ensure(); err != nil {
			return fmt.Errorf("%w: creating gallery directory: %w", gallerycache.ErrPersist, err)
		}
		if s.locations != nil {
			if err := s.locations.PutDirname(s.gallery.ID, filepath.Base(s.dir.Path())); err != nil {
				s.logger.Warn("failed to record gallery directory", "error", err)
			}
		}
	}
	if s.mode != mode {
		s.logger.Debug("content store mode changed", "from", s.mode, "to", mode)
	}
	s.mode = mode
	return nil
}

func (s *Store) state() (gallerycache.Mode, *Dir) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode, s.dir
}

func (s *Store) key(index int) string {
	return gallerycache.ImageKey(s.gallery.ID, index)
}

// Contains reports whether page index is available. In download mode a page
// only in tier A is promoted first.
func (s *Store) Contains(ctx context.Context, index int) bool {
	mode, dir := s.state()
	if mode == gallerycache.ModeDownload {
		if _, ok := findPage(ctx, dir, index); ok {
			return true
		}
		return s.promote(ctx, dir, index) == nil
	}
	if s.cache != nil && s.cache.Contains(ctx, s.key(index)) {
		return true
	}
	_, ok := findPage(ctx, dir, index)
	return ok
}

// OpenRead opens page index for reading. It returns gallerycache.ErrNotFound
// if no tier holds the page.
func (s *Store) OpenRead(ctx context.Context, index int) (io.ReadCloser, error) {
	mode, dir := s.state()
	if mode == gallerycache.ModeDownload {
		name, ok := findPage(ctx, dir, index)
		if !ok {
			if err := s.promote(ctx, dir, index); err != nil {
				return nil, err
			}
			if name, ok = findPage(ctx, dir, index); !ok {
				return nil, gallerycache.ErrNotFound
			}
		}
		return dir.OpenFile(ctx, name)
	}

	if rc, err := s.openCached(ctx, index); err == nil {
		return rc, nil
	}
	if name, ok := findPage(ctx, dir, index); ok {
		return dir.OpenFile(ctx, name)
	}
	return nil, gallerycache.ErrNotFound
}

func (s *Store) openCached(ctx context.Context, index int) (io.ReadCloser, error) {
	if s.cache == nil {
		return nil, gallerycache.ErrNotFound
	}
	snap, err := s.cache.Get(ctx, s.key(index))
	if err != nil {
		return nil, err
	}
	rc, err := snap.Open(ctx)
	if err != nil {
		snap.Release()
		return nil, err
	}
	return &snapshotReader{ReadCloser: rc, snap: snap}, nil
}

// snapshotReader releases the snapshot when the stream is closed.
type snapshotReader struct {
	io.ReadCloser
	snap *diskcache.Snapshot
	once sync.Once
}

func (r *snapshotReader) Close() error {
	var err error
	r.once.Do(func() {
		err = r.ReadCloser.Close()
		r.snap.Release()
	})
	return err
}

// OpenWrite opens a staged write for page index. contentTypeHint is a MIME
// type or file extension and is recorded with the bytes. In read mode the
// write goes to tier B if the gallery directory already exists, otherwise to
// tier A. In download mode it goes to tier B only.
func (s *Store) OpenWrite(ctx context.Context, index int, contentTypeHint string) (WriteHandle, error) {
	ext := NormalizeExtension(contentTypeHint)
	mode, dir := s.state()

	if mode == gallerycache.ModeDownload || (dir != nil && dir.Exists()) {
		if dir == nil {
			return nil, ErrUnavailable
		}
		name := PageFilename(index, ext)
		w, err := dir.CreateFile(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
		}
		return &dirWriter{w: w, commit: func() { removeVariants(ctx, dir, index, ext) }}, nil
	}

	if s.cache == nil {
		return nil, ErrUnavailable
	}
	ed, err := s.cache.Edit(ctx, s.key(index))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	ed.SetMetadata([]byte(strings.TrimPrefix(ext, ".")))
	return ed, nil
}

type dirWriter struct {
	w      backend.StagedWriter
	commit func()
}

func (d *dirWriter) Write(p []byte) (int, error) {
	return d.w.Write(p)
}

func (d *dirWriter) Commit() error {
	if err := d.w.Close(); err != nil {
		return err
	}
	d.commit()
	return nil
}

func (d *dirWriter) Abort() error {
	return d.w.Abort()
}

// Remove deletes page index from both tiers. It reports whether any tier
// held the page.
func (s *Store) Remove(ctx context.Context, index int) bool {
	_, dir := s.state()
	removed := false
	if s.cache != nil && s.cache.Remove(ctx, s.key(index)) {
		removed = true
	}
	if dir != nil {
		for _, ext := range SupportedExtensions {
			if dir.RemoveFile(ctx, PageFilename(index, ext)) {
				removed = true
			}
		}
	}
	return removed
}

// Extension returns the recorded file extension of page index, with the
// leading dot.
func (s *Store) Extension(ctx context.Context, index int) (string, bool) {
	mode, dir := s.state()
	if mode == gallerycache.ModeRead {
		if ext, ok := s.cachedExtension(ctx, index); ok {
			return ext, true
		}
	}
	if name, ok := findPage(ctx, dir, index); ok {
		return filepath.Ext(name), true
	}
	if mode == gallerycache.ModeDownload {
		return s.cachedExtension(ctx, index)
	}
	return "", false
}

func (s *Store) cachedExtension(ctx context.Context, index int) (string, bool) {
	if s.cache == nil {
		return "", false
	}
	snap, err := s.cache.Get(ctx, s.key(index))
	if err != nil {
		return "", false
	}
	defer snap.Release()
	return NormalizeExtension(string(snap.Metadata())), true
}

// promote copies page index from tier A into dir. Concurrent promotions of
// the same page share one copy. Tier A's read lock is held for the whole
// copy so the page cannot be evicted mid-copy.
func (s *Store) promote(ctx context.Context, dir *Dir, index int) error {
	if dir == nil || s.cache == nil {
		return gallerycache.ErrNotFound
	}
	_, _, err := download.Do(ctx, s.promotions, strconv.Itoa(index), func(ctx context.Context) (struct{}, error) {
		if _, ok := findPage(ctx, dir, index); ok {
			return struct{}{}, nil
		}
		err := s.copyToDir(ctx, dir, index)
		switch {
		case errors.Is(err, gallerycache.ErrNotFound):
		case err != nil:
			telemetry.RecordPromotion(ctx, "error")
			s.logger.Warn("failed to promote page", "index", index, "error", err)
		default:
			telemetry.RecordPromotion(ctx, "success")
			s.logger.Debug("promoted page", "index", index)
		}
		return struct{}{}, err
	})
	return err
}

func (s *Store) copyToDir(ctx context.Context, dir *Dir, index int) error {
	snap, err := s.cache.Get(ctx, s.key(index))
	if err != nil {
		return err
	}
	defer snap.Release()

	ext := NormalizeExtension(string(snap.Metadata()))
	rc, err := snap.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()

	w, err := dir.CreateFile(ctx, PageFilename(index, ext))
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, rc); err != nil {
		_ = w.Abort()
		return fmt.Errorf("copying page: %w", err)
	}
	if err := w.Close(); err != nil {
		return err
	}
	removeVariants(ctx, dir, index, ext)
	return nil
}

func findPage(ctx context.Context, dir *Dir, index int) (string, bool) {
	if dir == nil {
		return "", false
	}
	for _, ext := range SupportedExtensions {
		name := PageFilename(index, ext)
		if dir.FindFile(ctx, name) {
			return name, true
		}
	}
	return "", false
}

// removeVariants deletes copies of page index stored under other extensions.
func removeVariants(ctx context.Context, dir *Dir, index int, keep string) {
	for _, ext := range SupportedExtensions {
		if ext != keep {
			dir.RemoveFile(ctx, PageFilename(index, ext))
		}
	}
}
