package main

import (
	"fmt"
	"io"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/spider"
)

// DownloadCmd is the "download" subcommand.
type DownloadCmd struct {
	Gallery string `arg:"" help:"Gallery as gid/token or gallery URL"`
	Title   string `short:"t" help:"Gallery title used to name its directory"`
}

func (cmd *DownloadCmd) Run(app *App) error {
	g, err := parseGallery(cmd.Gallery)
	if err != nil {
		return err
	}
	g.Title = cmd.Title

	registry, err := app.Registry()
	if err != nil {
		return err
	}
	h, err := registry.Acquire(app.Ctx, g, gallerycache.ModeDownload)
	if err != nil {
		return err
	}
	defer h.Release()

	c := h.Coordinator()
	p := newProgress(app.Stdout)
	defer c.AddListener(p)()

	if err := c.WaitReady(app.Ctx); err != nil {
		return fmt.Errorf("gallery %s: %w", g, err)
	}
	if finished, done, total := c.Counts(); total > 0 && done == total {
		p.OnAllDone(finished, done, total)
	}

	select {
	case <-p.done:
	case <-c.Done():
		return gallerycache.ErrStopped
	case <-app.Ctx.Done():
		return app.Ctx.Err()
	}

	finished, _, total := c.Counts()
	if dir := c.Store().Dir(); dir != nil {
		fmt.Fprintf(app.Stdout, "%d of %d pages in %s\n", finished, total, dir.Path())
	}
	if finished < total {
		return fmt.Errorf("%d pages failed, run download again to retry", total-finished)
	}
	return nil
}

// progress prints page events and signals when every page is done.
type progress struct {
	spider.NopListener

	mu    sync.Mutex
	w     io.Writer
	once  sync.Once
	quota sync.Once
	done  chan struct{}
}

func newProgress(w io.Writer) *progress {
	return &progress{w: w, done: make(chan struct{})}
}

func (p *progress) printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format, args...)
}

func (p *progress) OnPageCount(pages int) {
	p.printf("%d pages\n", pages)
}

func (p *progress) OnPageSuccess(index, finished, _, total int) {
	p.printf("[%d/%d] page %d\n", finished, total, index+1)
}

func (p *progress) OnPageFailure(index int, err string, _, _, _ int) {
	p.printf("page %d failed: %s\n", index+1, err)
}

func (p *progress) OnQuotaExceeded(int) {
	p.quota.Do(func() {
		p.printf("image quota exceeded, failed pages can be retried once it resets\n")
	})
}

func (p *progress) OnAllDone(int, int, int) {
	p.once.Do(func() { close(p.done) })
}
