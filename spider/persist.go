package spider

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strconv"

	"golang.org/x/sync/errgroup"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/backend"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// DescriptorFilename is the descriptor file name inside a gallery directory.
const DescriptorFilename = ".gallery-cache"

// maxDescriptorSize bounds descriptor reads.
const maxDescriptorSize = 16 * 1024 * 1024

// run is the control loop: load the descriptor, start the workers, wait for
// Stop and persist the descriptor.
func (c *Coordinator) run() {
	defer close(c.done)
	ctx := c.ctx

	info, err := c.loadDescriptor(ctx)
	if err != nil {
		c.failed.Store(true)
		close(c.ready)
		if ctx.Err() == nil {
			c.logger.Error("crawl descriptor unavailable", "error", err)
		}
		<-ctx.Done()
		return
	}

	c.stateMu.Lock()
	c.states = make([]gallerycache.PageState, info.Pages)
	c.stateMu.Unlock()
	c.info.Store(info)
	close(c.ready)

	c.logger.Info("crawl descriptor ready", "pages", info.Pages, "tokens", info.TokenCount())
	c.eachListener(func(l Listener) { l.OnPageCount(info.Pages) })

	c.jobsMu.Lock()
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.index >= 0 && p.index < info.Pages {
			kept = append(kept, p)
		}
	}
	c.pending = kept
	c.jobsMu.Unlock()

	c.updateMode()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.dispatch(gctx)
		return nil
	})
	for w := range c.decodeWorkers {
		g.Go(func() error {
			c.decodeLoop(gctx, w)
			return nil
		})
	}
	_ = g.Wait()
	c.jobWG.Wait()

	c.saveDescriptor(context.WithoutCancel(ctx), info)
	c.logger.Info("coordinator stopped")
}

// loadDescriptor reads the descriptor from the gallery directory, then the
// fast local cache, then fetches it cold from the remote source.
func (c *Coordinator) loadDescriptor(ctx context.Context) (*Descriptor, error) {
	if d := c.readDirDescriptor(ctx); d != nil {
		telemetry.RecordTokenResolution(ctx, "durable", "success")
		return d, nil
	}
	if c.infoCache != nil {
		d, err := ReadCachedDescriptor(ctx, c.infoCache, c.gallery.ID)
		if err == nil && d.Matches(c.gallery) {
			telemetry.RecordTokenResolution(ctx, "cache", "success")
			return d, nil
		}
	}

	l, err := c.source.FetchListing(ctx, c.gallery, 0)
	if err != nil {
		telemetry.RecordTokenResolution(ctx, "cold_start", "error")
		return nil, fmt.Errorf("%w: %w", gallerycache.ErrDescriptorUnavailable, err)
	}
	if l.Pages < 0 || l.Pages > MaxPages {
		telemetry.RecordTokenResolution(ctx, "cold_start", "error")
		return nil, fmt.Errorf("%w: page count %d out of range", gallerycache.ErrDescriptorUnavailable, l.Pages)
	}
	telemetry.RecordTokenResolution(ctx, "cold_start", "success")
	d := NewDescriptor(c.gallery.ID, c.gallery.Token, l.Pages)
	d.MergeListing(0, l)
	return d, nil
}

func (c *Coordinator) readDirDescriptor(ctx context.Context) *Descriptor {
	dir := c.store.Dir()
	if dir == nil || !dir.FindFile(ctx, DescriptorFilename) {
		return nil
	}
	rc, err := dir.OpenFile(ctx, DescriptorFilename)
	if err != nil {
		return nil
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(io.LimitReader(rc, maxDescriptorSize))
	if err != nil {
		return nil
	}
	d, err := DecodeDescriptor(data)
	if err != nil {
		c.logger.Warn("ignoring unreadable descriptor", "path", filepath.Join(dir.Path(), DescriptorFilename), "error", err)
		return nil
	}
	if !d.Matches(c.gallery) {
		return nil
	}
	return d
}

// saveDescriptor writes d to the gallery directory, if it exists, and to
// the fast local cache.
func (c *Coordinator) saveDescriptor(ctx context.Context, d *Descriptor) {
	data, err := EncodeDescriptor(d)
	if err != nil {
		c.logger.Error("failed to encode descriptor", "error", err)
		return
	}

	if dir := c.store.Dir(); dir != nil && dir.Exists() {
		if err := writeDirFile(ctx, dir.CreateFile, DescriptorFilename, data); err != nil {
			c.logger.Warn("failed to write descriptor", "error", err)
		}
	}
	if c.infoCache != nil {
		if !c.infoCache.Put(ctx, descriptorKey(d.GID), bytes.NewReader(data), nil) {
			c.logger.Warn("failed to cache descriptor")
		}
	}
}

func writeDirFile(ctx context.Context, create func(context.Context, string) (backend.StagedWriter, error), name string, data []byte) error {
	w, err := create(ctx, name)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		_ = w.Abort()
		return err
	}
	return w.Close()
}

func descriptorKey(gid int64) string {
	return strconv.FormatInt(gid, 10)
}

// ReadCachedDescriptor reads the descriptor of gid from the fast local
// cache.
func ReadCachedDescriptor(ctx context.Context, cache *diskcache.Cache, gid int64) (*Descriptor, error) {
	snap, err := cache.Get(ctx, descriptorKey(gid))
	if err != nil {
		return nil, err
	}
	defer snap.Release()

	rc, err := snap.Open(ctx)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(rc, maxDescriptorSize))
	_ = rc.Close()
	if err != nil {
		return nil, err
	}
	return DecodeDescriptor(data)
}

// Extension returns the file extension of a finished page.
func (c *Coordinator) Extension(ctx context.Context, index int) (string, bool) {
	if c.PageState(index) != gallerycache.StateFinished {
		return "", false
	}
	return c.store.Extension(ctx, index)
}

// Save copies a finished page to w.
func (c *Coordinator) Save(ctx context.Context, index int, w io.Writer) error {
	if c.PageState(index) != gallerycache.StateFinished {
		return fmt.Errorf("%w: page %d is not finished", gallerycache.ErrNotFound, index)
	}
	rc, err := c.store.OpenRead(ctx, index)
	if err != nil {
		return err
	}
	defer func() { _ = rc.Close() }()
	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("copying page: %w", err)
	}
	return nil
}

// SaveTo saves a finished page as name plus its extension in dir and
// returns the written path.
func (c *Coordinator) SaveTo(ctx context.Context, index int, dir, name string) (string, error) {
	ext, ok := c.Extension(ctx, index)
	if !ok {
		return "", fmt.Errorf("%w: page %d is not finished", gallerycache.ErrNotFound, index)
	}
	fs, err := backend.NewFilesystem(dir)
	if err != nil {
		return "", err
	}
	path, err := fs.Path(name + ext)
	if err != nil {
		return "", err
	}
	w, err := fs.Create(ctx, name+ext)
	if err != nil {
		return "", err
	}
	if err := c.Save(ctx, index, w); err != nil {
		_ = w.Abort()
		return "", err
	}
	if err := w.Close(); err != nil {
		return "", err
	}
	return path, nil
}

// StartPage returns the saved reading position.
func (c *Coordinator) StartPage() int {
	if info := c.info.Load(); info != nil {
		return info.StartPage()
	}
	return 0
}

// PutStartPage saves the reading position. It is persisted on Stop.
func (c *Coordinator) PutStartPage(page int) {
	if info := c.info.Load(); info != nil {
		info.SetStartPage(page)
	}
}
