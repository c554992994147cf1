// Package diskcache implements a size-bounded, least recently used disk
// cache of byte blobs keyed by arbitrary strings.
//
// Values live as files under <dir>/blobs and a bbolt journal under
// <dir>/journal.db records their size, digest, metadata and access order.
// Each key is guarded by a reader/writer lock from a lockpool.Pool: readers
// hold a shared lock for the lifetime of a Snapshot, writers hold the
// exclusive lock for the lifetime of an Editor. Flush and Clear drain the
// pool and run with no key held.
package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/backend"
	"github.com/wolfeidau/gallery-cache/lockpool"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

const (
	blobsDir    = "blobs"
	journalFile = "journal.db"

	// trimBatch is the number of LRU candidates loaded per eviction pass.
	trimBatch = 32
)

// ErrNotFound is returned when the key is not cached or the cache is unusable.
var ErrNotFound = gallerycache.ErrNotFound

// Cache is a disk LRU cache. It is safe for concurrent use.
type Cache struct {
	dir     string
	maxSize int64
	name    string
	keyFunc gallerycache.KeyFunc
	logger  *slog.Logger
	now     func() time.Time
	noSync  bool

	locks  *lockpool.Pool
	trimMu sync.Mutex

	// swapMu is held shared by eviction passes and exclusively, before
	// draining, by anything that swaps blobs and idx.
	swapMu sync.RWMutex

	// Swapped only while the lock pool is drained and swapMu is held.
	blobs backend.Backend
	idx   *index
	valid atomic.Bool

	size atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithLogger sets the logger for the cache.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// WithName sets the name used in metrics and logs.
func WithName(name string) Option {
	return func(c *Cache) {
		c.name = name
	}
}

// WithKeyFunc overrides the key to file name mapping.
func WithKeyFunc(fn gallerycache.KeyFunc) Option {
	return func(c *Cache) {
		c.keyFunc = fn
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithNoSync disables fsync of the journal per transaction.
// Use only for testing.
func WithNoSync(noSync bool) Option {
	return func(c *Cache) {
		c.noSync = noSync
	}
}

// Open opens or creates a cache in dir bounded to maxSize bytes.
func Open(dir string, maxSize int64, opts ...Option) (*Cache, error) {
	if maxSize <= 0 {
		return nil, fmt.Errorf("invalid max size %d", maxSize)
	}
	c := &Cache{
		dir:     dir,
		maxSize: maxSize,
		name:    filepath.Base(dir),
		keyFunc: gallerycache.DiskKey,
		logger:  slog.Default(),
		now:     time.Now,
		locks:   lockpool.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("cache", c.name)

	if err := c.open(context.Background()); err != nil {
		return nil, err
	}
	return c, nil
}

// open initialises the blob backend and journal. Callers other than Open
// must hold the drain barrier.
func (c *Cache) open(ctx context.Context) error {
	fs, err := backend.NewFilesystem(filepath.Join(c.dir, blobsDir))
	if err != nil {
		return fmt.Errorf("opening blob store: %w", err)
	}
	idx, err := openIndex(filepath.Join(c.dir, journalFile), c.noSync)
	if err != nil {
		return err
	}
	// the journal lock is held, so no staged write here is still live
	if n, err := fs.PurgeStaged(0); err != nil {
		c.logger.Warn("failed to purge staged writes", "error", err)
	} else if n > 0 {
		c.logger.Info("purged interrupted writes", "count", n)
	}

	c.blobs = backend.NewInstrumentedBackend(fs, c.name)
	c.idx = idx
	if err := c.reconcile(ctx); err != nil {
		_ = idx.close()
		return err
	}
	c.valid.Store(true)
	return nil
}

// reconcile drops journal entries whose blob is missing or has the wrong
// size, deletes blobs without a journal entry and recomputes the total size.
func (c *Cache) reconcile(ctx context.Context) error {
	blobs := make(map[string]int64)
	err := c.blobs.Walk(ctx, func(key string, size int64) error {
		blobs[key] = size
		return nil
	})
	if err != nil {
		return fmt.Errorf("listing blobs: %w", err)
	}

	var stale []string
	var total int64
	err = c.idx.each(func(e *entry) error {
		bk := blobKey(e.Key)
		size, ok := blobs[bk]
		if !ok || size != e.Size {
			stale = append(stale, e.Key)
			return nil
		}
		delete(blobs, bk)
		total += e.Size
		return nil
	})
	if err != nil {
		return fmt.Errorf("reading journal: %w", err)
	}
	for _, key := range stale {
		if _, err := c.idx.delete(key); err != nil {
			return fmt.Errorf("dropping stale entry: %w", err)
		}
	}

	// anything left is unreferenced, including blobs of stale entries
	for key := range blobs {
		if err := c.blobs.Remove(ctx, key); err != nil {
			c.logger.Warn("failed to delete orphaned blob", "key", key, "error", err)
		}
	}
	if len(stale) > 0 || len(blobs) > 0 {
		c.logger.Info("reconciled cache journal", "stale_entries", len(stale), "orphaned_blobs", len(blobs))
	}

	c.size.Store(total)
	telemetry.UpdateDiskCacheSize(ctx, c.name, total, c.maxSize)
	return nil
}

// Dir returns the cache directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Name returns the cache name used in logs and metrics.
func (c *Cache) Name() string {
	return c.name
}

// MaxSize returns the configured size bound in bytes.
func (c *Cache) MaxSize() int64 {
	return c.maxSize
}

// Size returns the total size of committed values in bytes.
func (c *Cache) Size() int64 {
	return c.size.Load()
}

// Get returns a snapshot of the value for key. The snapshot holds the
// key's shared lock until Release is called, so the value cannot be
// replaced or removed while it is being read.
func (c *Cache) Get(ctx context.Context, key string) (*Snapshot, error) {
	dk := c.keyFunc(key)
	l := c.locks.Acquire(dk)
	l.RLock()

	e, err := c.lookup(ctx, dk)
	if err != nil {
		l.RUnlock()
		c.locks.Release(dk, l)
		telemetry.RecordDiskCacheOp(ctx, c.name, "get", "miss")
		return nil, err
	}
	if err := c.idx.touch(dk, c.now()); err != nil {
		c.logger.Debug("failed to touch entry", "key", key, "error", err)
	}
	telemetry.RecordDiskCacheOp(ctx, c.name, "get", "hit")
	return &Snapshot{c: c, key: dk, lock: l, entry: *e}, nil
}

func (c *Cache) lookup(ctx context.Context, dk string) (*entry, error) {
	if !c.valid.Load() {
		return nil, ErrNotFound
	}
	e, err := c.idx.get(dk)
	if err != nil {
		if !errors.Is(err, errEntryNotFound) {
			c.logger.Warn("failed to read journal entry", "key", dk, "error", err)
		}
		return nil, ErrNotFound
	}
	if _, err := c.blobs.Stat(ctx, blobKey(dk)); err != nil {
		return nil, ErrNotFound
	}
	return e, nil
}

// Contains reports whether key has a committed value.
func (c *Cache) Contains(ctx context.Context, key string) bool {
	dk := c.keyFunc(key)
	l := c.locks.Acquire(dk)
	l.RLock()
	defer func() {
		l.RUnlock()
		c.locks.Release(dk, l)
	}()

	_, err := c.lookup(ctx, dk)
	return err == nil
}

// Edit opens a staged write for key. The key's exclusive lock is held
// until the editor is committed or aborted.
func (c *Cache) Edit(ctx context.Context, key string) (*Editor, error) {
	dk := c.keyFunc(key)
	l := c.locks.Acquire(dk)
	l.Lock()

	unlock := func() {
		l.Unlock()
		c.locks.Release(dk, l)
	}
	if !c.valid.Load() {
		unlock()
		return nil, fmt.Errorf("cache %s is not usable", c.name)
	}
	w, err := c.blobs.Create(ctx, blobKey(dk))
	if err != nil {
		unlock()
		return nil, fmt.Errorf("staging write: %w", err)
	}
	return &Editor{
		c:      c,
		ctx:    ctx,
		key:    dk,
		lock:   l,
		w:      w,
		hasher: gallerycache.NewHashingWriter(w),
	}, nil
}

// Put stores the contents of r under key with optional metadata. It returns
// false if the value could not be stored; any previous value is then left
// intact.
func (c *Cache) Put(ctx context.Context, key string, r io.Reader, metadata []byte) bool {
	ed, err := c.Edit(ctx, key)
	if err != nil {
		c.logger.Warn("failed to open editor", "key", key, "error", err)
		return false
	}
	ed.SetMetadata(metadata)
	if _, err := io.Copy(ed, r); err != nil {
		_ = ed.Abort()
		c.logger.Warn("failed to write value", "key", key, "error", err)
		return false
	}
	if err := ed.Commit(); err != nil {
		c.logger.Warn("failed to commit value", "key", key, "error", err)
		return false
	}
	return true
}

// Remove deletes the value for key. It returns true if a value was removed.
func (c *Cache) Remove(ctx context.Context, key string) bool {
	dk := c.keyFunc(key)
	l := c.locks.Acquire(dk)
	l.Lock()
	defer func() {
		l.Unlock()
		c.locks.Release(dk, l)
	}()

	if !c.valid.Load() {
		return false
	}
	ok := c.removeEntry(ctx, dk)
	telemetry.RecordDiskCacheOp(ctx, c.name, "remove", outcome(ok))
	return ok
}

// removeEntry deletes the journal entry and blob for dk. The caller must
// hold dk's exclusive lock or the drain barrier.
func (c *Cache) removeEntry(ctx context.Context, dk string) bool {
	e, err := c.idx.delete(dk)
	if err != nil {
		if !errors.Is(err, errEntryNotFound) {
			c.logger.Warn("failed to delete journal entry", "key", dk, "error", err)
		}
		return false
	}
	c.size.Add(-e.Size)
	if err := c.blobs.Remove(ctx, blobKey(dk)); err != nil {
		c.logger.Warn("failed to delete blob", "key", dk, "error", err)
		return false
	}
	return true
}

// Flush waits until no key is held, syncs the journal and trims the cache
// to its size bound.
func (c *Cache) Flush(ctx context.Context) error {
	var err error
	c.locks.Exclusive(func() {
		if !c.valid.Load() {
			err = fmt.Errorf("cache %s is not usable", c.name)
			return
		}
		if err = c.idx.sync(); err != nil {
			err = fmt.Errorf("syncing journal: %w", err)
			return
		}
		c.trim(ctx, false)
	})
	return err
}

// Clear waits until no key is held, deletes every value and reinitialises
// the cache. On failure the cache stays unusable until Reopen succeeds.
func (c *Cache) Clear(ctx context.Context) bool {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	ok := true
	c.locks.Exclusive(func() {
		if c.idx != nil {
			_ = c.idx.close()
			c.idx = nil
		}
		c.valid.Store(false)
		if err := os.RemoveAll(c.dir); err != nil {
			c.logger.Error("failed to remove cache directory", "error", err)
			ok = false
			return
		}
		if err := c.open(ctx); err != nil {
			c.logger.Error("failed to reinitialise cache", "error", err)
			ok = false
		}
	})
	telemetry.RecordDiskCacheOp(ctx, c.name, "clear", outcome(ok))
	return ok
}

// Reopen reinitialises a cache left unusable by a failed Clear or Close.
func (c *Cache) Reopen(ctx context.Context) error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	var err error
	c.locks.Exclusive(func() {
		if c.valid.Load() {
			return
		}
		err = c.open(ctx)
	})
	return err
}

// Usable reports whether the cache can serve reads and writes.
func (c *Cache) Usable() bool {
	return c.valid.Load()
}

// Close waits until no key is held and closes the journal.
func (c *Cache) Close() error {
	c.swapMu.Lock()
	defer c.swapMu.Unlock()

	var err error
	c.locks.Exclusive(func() {
		c.valid.Store(false)
		if c.idx != nil {
			err = c.idx.close()
			c.idx = nil
		}
	})
	return err
}

// Stats describes the cache contents.
type Stats struct {
	Entries int
	Size    int64
	MaxSize int64
}

// Stats returns entry count and size.
func (c *Cache) Stats() (Stats, error) {
	var (
		st  = Stats{MaxSize: c.maxSize}
		err error
	)
	c.locks.Exclusive(func() {
		if !c.valid.Load() {
			err = fmt.Errorf("cache %s is not usable", c.name)
			return
		}
		err = c.idx.each(func(e *entry) error {
			st.Entries++
			st.Size += e.Size
			return nil
		})
	})
	return st, err
}

// blobKey shards blobs by the first two characters of the disk key.
func blobKey(dk string) string {
	if len(dk) < 2 {
		return dk
	}
	return dk[:2] + "/" + dk
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}
