package spider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/download"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// pendingRequest is a page waiting for a download slot.
type pendingRequest struct {
	index      int
	force      bool // fetch even if the store has the page
	retryToken bool // forget a failed token resolution
	decode     bool // decode once finished
}

// job is an in-flight page download. A job only changes page state while it
// is still registered in Coordinator.jobs.
type job struct {
	pendingRequest
	cancel context.CancelFunc
}

// scheduleLocked queues req unless the page is pending or in flight. A
// forced request replaces an in-flight job. The caller holds jobsMu.
func (c *Coordinator) scheduleLocked(req pendingRequest) {
	c.lastRequested = req.index

	if j, ok := c.jobs[req.index]; ok {
		if !req.force {
			j.decode = j.decode || req.decode
			return
		}
		c.cancelJobLocked(req.index)
	}

	for i, p := range c.pending {
		if p.index != req.index {
			continue
		}
		p.force = p.force || req.force
		p.retryToken = p.retryToken || req.retryToken
		p.decode = p.decode || req.decode
		// a repeated request counts as the most recent one
		c.pending = append(append(c.pending[:i:i], c.pending[i+1:]...), p)
		return
	}

	c.pending = append(c.pending, req)
	c.jobsCond.Signal()
}

// scheduleAllLocked queues indices so that they are dispatched in the given
// order. The caller holds jobsMu.
func (c *Coordinator) scheduleAllLocked(indices []int) {
	if len(indices) == 0 {
		return
	}
	if c.order == DispatchLIFO {
		for i := len(indices) - 1; i >= 0; i-- {
			c.scheduleLocked(pendingRequest{index: indices[i]})
		}
	} else {
		for _, index := range indices {
			c.scheduleLocked(pendingRequest{index: index})
		}
		c.lastRequested = indices[0]
	}
	c.jobsCond.Broadcast()
}

func (c *Coordinator) removePendingLocked(index int) {
	kept := c.pending[:0]
	for _, p := range c.pending {
		if p.index != index {
			kept = append(kept, p)
		}
	}
	c.pending = kept
}

// cancelJobLocked cancels the in-flight job of page index. The page returns
// to none silently. The caller holds jobsMu.
func (c *Coordinator) cancelJobLocked(index int) {
	j, ok := c.jobs[index]
	if !ok {
		return
	}
	delete(c.jobs, index)
	j.cancel()

	c.stateMu.Lock()
	if index < len(c.states) && c.states[index] == gallerycache.StateDownloading {
		c.setStateLocked(index, gallerycache.StateNone, nil)
	}
	c.stateMu.Unlock()
	c.logger.Debug("cancelled page download", "index", index)
}

// popLocked removes the next pending request according to the dispatch
// order. The caller holds jobsMu and pending is not empty.
func (c *Coordinator) popLocked() pendingRequest {
	i := len(c.pending) - 1
	switch c.order {
	case DispatchFIFO:
		i = 0
	case DispatchNearest:
		best := -1
		for k, p := range c.pending {
			d := p.index - c.lastRequested
			if d < 0 {
				d = -d
			}
			if best < 0 || d < best {
				best, i = d, k
			}
		}
	}
	req := c.pending[i]
	c.pending = append(c.pending[:i], c.pending[i+1:]...)
	return req
}

// dispatch starts a job for each pending page as download slots free up.
func (c *Coordinator) dispatch(ctx context.Context) {
	for {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			return
		}

		c.jobsMu.Lock()
		for len(c.pending) == 0 && ctx.Err() == nil {
			c.jobsCond.Wait()
		}
		if ctx.Err() != nil {
			c.jobsMu.Unlock()
			c.sem.Release(1)
			return
		}
		req := c.popLocked()
		jctx, cancel := context.WithCancel(ctx)
		j := &job{pendingRequest: req, cancel: cancel}
		c.jobs[req.index] = j

		c.stateMu.Lock()
		c.setStateLocked(req.index, gallerycache.StateDownloading, nil)
		c.stateMu.Unlock()

		c.jobWG.Add(1)
		c.jobsMu.Unlock()

		go func() {
			defer c.jobWG.Done()
			defer c.sem.Release(1)
			defer cancel()
			c.runJob(jctx, j)
		}()
	}
}

// runJob downloads one page and records the outcome.
func (c *Coordinator) runJob(ctx context.Context, j *job) {
	start := time.Now()
	mode := c.store.Mode().String()
	info := c.info.Load()

	if !j.force && c.store.Contains(ctx, j.index) {
		c.logger.Debug("page already stored", "index", j.index)
		telemetry.RecordPageFetch(ctx, mode, "stored", time.Since(start), 0)
		c.finishJob(j, gallerycache.StateFinished, nil)
		return
	}

	if j.retryToken {
		info.clearTokenFailed(j.index)
	}
	token, err := c.resolveToken(ctx, info, j.index)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		telemetry.RecordPageFetch(ctx, mode, "token_error", time.Since(start), 0)
		c.finishJob(j, gallerycache.StateFailed, err)
		return
	}

	var written int64
	err = retry.Do(
		func() error {
			n, err := c.fetchPage(ctx, j.index, token)
			written = n
			return err
		},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.retryDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, gallerycache.ErrQuotaExceeded)
		}),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Debug("retrying page download", "index", j.index, "attempt", n+1, "error", err)
		}),
	)
	if ctx.Err() != nil {
		c.logger.Debug("page download cancelled", "index", j.index)
		return
	}
	if err != nil {
		c.logger.Warn("page download failed", "index", j.index, "error", err)
		c.store.Remove(context.WithoutCancel(ctx), j.index)
		outcome := "error"
		if errors.Is(err, gallerycache.ErrQuotaExceeded) {
			outcome = "quota_exceeded"
		}
		telemetry.RecordPageFetch(ctx, mode, outcome, time.Since(start), written)
		c.finishJob(j, gallerycache.StateFailed, err)
		return
	}

	telemetry.RecordPageFetch(ctx, mode, "success", time.Since(start), written)
	c.finishJob(j, gallerycache.StateFinished, nil)

	if c.limiter != nil {
		_ = c.limiter.Wait(ctx)
	}
}

// fetchPage makes one attempt at downloading page index into the store.
func (c *Coordinator) fetchPage(ctx context.Context, index int, token string) (int64, error) {
	page, err := c.fetcher.FetchPage(ctx, c.gallery, index, token)
	if errors.Is(err, gallerycache.ErrQuotaExceeded) {
		c.eachListener(func(l Listener) { l.OnQuotaExceeded(index) })
		return 0, err
	}
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gallerycache.ErrNetwork, err)
	}
	defer func() { _ = page.Body.Close() }()

	w, err := c.store.OpenWrite(ctx, index, page.ContentType)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", gallerycache.ErrPersist, err)
	}

	n, err := download.Copy(ctx, w, page.Body, page.ContentLength, func(delta, received, total int64) {
		c.reportProgress(ctx, index, total, received, delta)
	})
	if err != nil {
		_ = w.Abort()
		if errors.Is(err, download.ErrWrite) {
			return n, fmt.Errorf("%w: %w", gallerycache.ErrPersist, err)
		}
		return n, fmt.Errorf("%w: %w", gallerycache.ErrNetwork, err)
	}
	if err := w.Commit(); err != nil {
		return n, fmt.Errorf("%w: %w", gallerycache.ErrPersist, err)
	}
	return n, nil
}

// finishJob records the outcome of j unless it was cancelled or replaced.
func (c *Coordinator) finishJob(j *job, state gallerycache.PageState, err error) {
	c.jobsMu.Lock()
	if c.jobs[j.index] != j {
		c.jobsMu.Unlock()
		return
	}
	delete(c.jobs, j.index)
	decode := j.decode

	c.stateMu.Lock()
	ev := c.setStateLocked(j.index, state, err)
	c.stateMu.Unlock()
	c.jobsMu.Unlock()

	c.publish(ev)
	if state == gallerycache.StateFinished && decode {
		c.enqueueDecode(j.index)
	}
}
