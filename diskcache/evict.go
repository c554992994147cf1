package diskcache

import (
	"context"
	"time"

	"github.com/wolfeidau/gallery-cache/telemetry"
)

// maybeTrim evicts least recently used values while the cache is over its
// size bound. Only one trim runs at a time; concurrent callers skip.
func (c *Cache) maybeTrim(ctx context.Context) {
	if c.size.Load() <= c.maxSize {
		return
	}
	if !c.trimMu.TryLock() {
		return
	}
	defer c.trimMu.Unlock()

	c.swapMu.RLock()
	defer c.swapMu.RUnlock()
	if !c.valid.Load() {
		return
	}
	c.trim(ctx, true)
}

// trim evicts values in LRU order until the cache fits. With locking set,
// each victim's exclusive lock is tried without blocking and values that
// are being read or written are skipped. Without locking the caller must
// hold the drain barrier. Either way idx and blobs must not be swapped
// while it runs.
func (c *Cache) trim(ctx context.Context, locking bool) {
	start := time.Now()
	evicted := 0
	var freed int64

	skipped := make(map[string]struct{})
	for c.size.Load() > c.maxSize {
		candidates, err := c.idx.oldest(trimBatch + len(skipped))
		if err != nil {
			c.logger.Warn("failed to list eviction candidates", "error", err)
			break
		}

		progress := false
		for _, e := range candidates {
			if c.size.Load() <= c.maxSize {
				break
			}
			if _, ok := skipped[e.Key]; ok {
				continue
			}
			if !c.evict(ctx, e.Key, locking) {
				skipped[e.Key] = struct{}{}
				continue
			}
			progress = true
			evicted++
			freed += e.Size
			telemetry.RecordDiskCacheEviction(ctx, c.name, e.Size)
		}
		if !progress {
			break
		}
	}

	if evicted > 0 {
		c.logger.Debug("trimmed cache",
			"evicted", evicted,
			"bytes_freed", freed,
			"size", c.size.Load(),
			"duration", time.Since(start),
		)
	}
	telemetry.UpdateDiskCacheSize(ctx, c.name, c.size.Load(), c.maxSize)
}

func (c *Cache) evict(ctx context.Context, dk string, locking bool) bool {
	if !locking {
		return c.removeEntry(ctx, dk)
	}
	l := c.locks.Acquire(dk)
	defer c.locks.Release(dk, l)
	if !l.TryLock() {
		return false
	}
	defer l.Unlock()
	if !c.valid.Load() {
		return false
	}
	return c.removeEntry(ctx, dk)
}
