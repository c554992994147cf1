// Package download deduplicates concurrent remote lookups and copies page
// bodies with progress reporting.
package download

import (
	"context"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// Downloader deduplicates concurrent work for the same key using
// singleflight. It uses DoChan so each caller can respect its own context
// deadline without cancelling the in-flight work for others.
type Downloader struct {
	group  singleflight.Group
	base   context.Context
	logger *slog.Logger
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithLogger sets the logger for the downloader.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Downloader) {
		d.logger = logger
	}
}

// WithBaseContext sets the context shared work runs under. Cancelling it
// aborts shared work for every waiter. Without a base context shared work
// runs detached from cancellation.
func WithBaseContext(ctx context.Context) Option {
	return func(d *Downloader) {
		d.base = ctx
	}
}

// New creates a new Downloader.
func New(opts ...Option) *Downloader {
	d := &Downloader{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Do deduplicates concurrent calls for the same key. Returns the result,
// whether it was shared with another caller, and any error.
//
// If the caller's context expires before fn completes, Do returns the
// context error but fn continues for other waiters.
func Do[T any](ctx context.Context, d *Downloader, key string, fn func(ctx context.Context) (T, error)) (T, bool, error) {
	ch := d.group.DoChan(key, func() (any, error) {
		runCtx := d.base
		if runCtx == nil {
			runCtx = context.WithoutCancel(ctx)
		}
		return fn(runCtx)
	})

	var zero T
	select {
	case res := <-ch:
		if res.Err != nil {
			d.logger.Debug("shared call failed", "key", key, "shared", res.Shared, "error", res.Err)
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the singleflight group, allowing a subsequent
// call to retry immediately.
func (d *Downloader) Forget(key string) {
	d.group.Forget(key)
}
