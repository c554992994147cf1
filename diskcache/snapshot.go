package diskcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/backend"
	"github.com/wolfeidau/gallery-cache/lockpool"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// Snapshot is a read view of one cached value. It holds the key's shared
// lock until Release. At most one stream may be open at a time and it must
// be closed before Release.
type Snapshot struct {
	c     *Cache
	key   string
	lock  *lockpool.Lock
	entry entry

	mu       sync.Mutex
	stream   io.ReadCloser
	released bool
}

// Size returns the value size in bytes.
func (s *Snapshot) Size() int64 {
	return s.entry.Size
}

// Digest returns the BLAKE3 digest of the value.
func (s *Snapshot) Digest() gallerycache.Hash {
	return s.entry.Digest
}

// Metadata returns the metadata stored with the value.
func (s *Snapshot) Metadata() []byte {
	return s.entry.Metadata
}

// Open opens a stream over the value.
func (s *Snapshot) Open(ctx context.Context) (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		return nil, errors.New("snapshot released")
	}
	if s.stream != nil {
		return nil, errors.New("snapshot stream already open")
	}
	rc, err := s.c.blobs.Open(ctx, blobKey(s.key))
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening value: %w", err)
	}
	s.stream = rc
	var r io.Reader = rc
	if !s.entry.Digest.IsZero() {
		r = gallerycache.NewVerifyingReader(rc, s.entry.Digest)
	}
	return &snapshotStream{r: r, s: s}, nil
}

// Close closes the open stream, if any.
func (s *Snapshot) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeStream()
}

func (s *Snapshot) closeStream() error {
	if s.stream == nil {
		return nil
	}
	err := s.stream.Close()
	s.stream = nil
	return err
}

// Release drops the key's shared lock. Releasing with a stream still open,
// or releasing twice, panics.
func (s *Snapshot) Release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.released {
		panic("diskcache: snapshot released twice")
	}
	if s.stream != nil {
		panic("diskcache: snapshot released with an open stream")
	}
	s.released = true
	s.lock.RUnlock()
	s.c.locks.Release(s.key, s.lock)
}

// snapshotStream verifies the value digest as it is read.
type snapshotStream struct {
	r io.Reader
	s *Snapshot
}

func (ss *snapshotStream) Read(p []byte) (int, error) {
	n, err := ss.r.Read(p)
	if errors.Is(err, gallerycache.ErrDigestMismatch) {
		ss.s.c.logger.Error("cached value is corrupt", "key", ss.s.key, "error", err)
		telemetry.RecordDiskCacheOp(context.Background(), ss.s.c.name, "verify", "error")
	}
	return n, err
}

func (ss *snapshotStream) Close() error {
	return ss.s.Close()
}

// Editor is a staged write of one value. It holds the key's exclusive lock
// until Commit or Abort. The previous value stays visible to later readers
// until Commit.
type Editor struct {
	c        *Cache
	ctx      context.Context
	key      string
	lock     *lockpool.Lock
	w        backend.StagedWriter
	hasher   *gallerycache.HashingWriter
	metadata []byte
	done     bool
}

// Write implements io.Writer.
func (e *Editor) Write(p []byte) (int, error) {
	if e.done {
		return 0, errors.New("editor closed")
	}
	return e.hasher.Write(p)
}

// SetMetadata sets the metadata stored alongside the value.
func (e *Editor) SetMetadata(metadata []byte) {
	e.metadata = append([]byte(nil), metadata...)
}

// Commit publishes the staged value and releases the lock.
func (e *Editor) Commit() error {
	if e.done {
		return errors.New("editor closed")
	}
	e.done = true

	err := e.commit()
	e.unlock()
	telemetry.RecordDiskCacheOp(e.ctx, e.c.name, "put", outcome(err == nil))
	if err != nil {
		return err
	}
	e.c.maybeTrim(e.ctx)
	return nil
}

func (e *Editor) commit() error {
	if err := e.w.Close(); err != nil {
		return fmt.Errorf("committing value: %w", err)
	}
	now := e.c.now()
	ent := &entry{
		Key:        e.key,
		Size:       e.hasher.BytesWritten(),
		Digest:     e.hasher.Sum(),
		Metadata:   e.metadata,
		CreatedAt:  now,
		LastAccess: now,
	}
	replaced, err := e.c.idx.put(ent)
	if err != nil {
		_ = e.c.blobs.Remove(e.ctx, blobKey(e.key))
		return fmt.Errorf("recording entry: %w", err)
	}
	e.c.size.Add(ent.Size - replaced)
	return nil
}

// Abort discards the staged value and releases the lock.
func (e *Editor) Abort() error {
	if e.done {
		return nil
	}
	e.done = true
	err := e.w.Abort()
	e.unlock()
	telemetry.RecordDiskCacheOp(e.ctx, e.c.name, "put", "aborted")
	return err
}

func (e *Editor) unlock() {
	e.lock.Unlock()
	e.c.locks.Release(e.key, e.lock)
}
