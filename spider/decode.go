package spider

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// enqueueDecode queues page index for decoding unless it is already queued
// or being decoded.
func (c *Coordinator) enqueueDecode(index int) {
	c.decodeMu.Lock()
	defer c.decodeMu.Unlock()

	if slices.Contains(c.decodeQueue, index) || slices.Contains(c.decoding, index) {
		return
	}
	c.decodeQueue = append(c.decodeQueue, index)
	c.decodeCond.Signal()
}

// decodeLoop is decode worker w. It takes pages off the queue in order.
func (c *Coordinator) decodeLoop(ctx context.Context, w int) {
	for {
		c.decodeMu.Lock()
		for len(c.decodeQueue) == 0 && ctx.Err() == nil {
			c.decodeCond.Wait()
		}
		if ctx.Err() != nil {
			c.decodeMu.Unlock()
			return
		}
		index := c.decodeQueue[0]
		c.decodeQueue = c.decodeQueue[1:]
		c.decoding[w] = index
		c.decodeMu.Unlock()

		missing := c.decodePage(ctx, index)

		c.decodeMu.Lock()
		c.decoding[w] = -1
		c.decodeMu.Unlock()

		if missing && ctx.Err() == nil {
			// evicted between finishing and decoding, fetch it again
			c.logger.Debug("page missing at decode, refetching", "index", index)
			c.resetPage(index)
			_, _ = c.RequestPage(index, false, false)
		}
	}
}

// decodePage decodes page index and notifies listeners. It reports whether
// the page bytes were missing.
func (c *Coordinator) decodePage(ctx context.Context, index int) (missing bool) {
	info := c.info.Load()
	if index < 0 || index >= info.Pages {
		c.decodeFailed(index, fmt.Errorf("%w: %d", gallerycache.ErrOutOfRange, index))
		return false
	}

	start := time.Now()
	rc, err := c.store.OpenRead(ctx, index)
	if errors.Is(err, gallerycache.ErrNotFound) {
		return true
	}
	if err != nil {
		telemetry.RecordDecode(ctx, "error", time.Since(start))
		c.decodeFailed(index, fmt.Errorf("%w: %w", gallerycache.ErrDecode, err))
		return false
	}
	img, err := c.decoder.Decode(rc)
	_ = rc.Close()
	if err != nil {
		telemetry.RecordDecode(ctx, "error", time.Since(start))
		c.decodeFailed(index, fmt.Errorf("%w: %w", gallerycache.ErrDecode, err))
		return false
	}

	telemetry.RecordDecode(ctx, "success", time.Since(start))
	c.eachListener(func(l Listener) { l.OnDecodeSuccess(index, img) })
	return false
}

func (c *Coordinator) decodeFailed(index int, err error) {
	c.logger.Warn("failed to decode page", "index", index, "error", err)
	msg := gallerycache.ErrorMessage(err)
	c.eachListener(func(l Listener) { l.OnDecodeFailure(index, msg) })
}
