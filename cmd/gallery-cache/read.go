package main

import (
	"errors"
	"fmt"
	"image"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/spider"
)

// ReadCmd is the "read" subcommand.
type ReadCmd struct {
	Gallery string `arg:"" help:"Gallery as gid/token or gallery URL"`
	Page    int    `arg:"" help:"Page number, starting at 1"`
	Output  string `short:"o" type:"path" help:"Directory to save the page to"`
	Force   bool   `short:"f" help:"Fetch the page again even if it is cached"`
	Preload int    `default:"0" help:"Number of following pages to fetch ahead"`
}

func (cmd *ReadCmd) Run(app *App) error {
	g, err := parseGallery(cmd.Gallery)
	if err != nil {
		return err
	}
	if cmd.Page < 1 {
		return fmt.Errorf("page must be 1 or more, got %d", cmd.Page)
	}
	index := cmd.Page - 1

	registry, err := app.Registry()
	if err != nil {
		return err
	}
	h, err := registry.Acquire(app.Ctx, g, gallerycache.ModeRead)
	if err != nil {
		return err
	}
	defer h.Release()

	c := h.Coordinator()
	if err := c.WaitReady(app.Ctx); err != nil {
		return fmt.Errorf("gallery %s: %w", g, err)
	}

	w := &decodeWaiter{index: index, result: make(chan decodeResult, 1)}
	defer c.AddListener(w)()

	request := c.Request
	if cmd.Force {
		request = c.ForceRequest
	}
	hint, err := request(index)
	if err != nil {
		return err
	}
	app.Logger.Debug("requested page", "gid", g.ID, "index", index, "state", hint.State)

	if cmd.Preload > 0 {
		window := make([]int, 0, cmd.Preload+1)
		for i := index; i <= index+cmd.Preload && i < c.Size(); i++ {
			window = append(window, i)
		}
		c.Preload(window)
	}

	var res decodeResult
	select {
	case res = <-w.result:
	case <-c.Done():
		return gallerycache.ErrStopped
	case <-app.Ctx.Done():
		return app.Ctx.Err()
	}
	if res.err != nil {
		return fmt.Errorf("page %d: %w", cmd.Page, res.err)
	}
	c.PutStartPage(index)

	b := res.img.Bounds()
	fmt.Fprintf(app.Stdout, "page %d of %d: %dx%d\n", cmd.Page, c.Size(), b.Dx(), b.Dy())

	if cmd.Output != "" {
		path, err := c.SaveTo(app.Ctx, index, cmd.Output, fmt.Sprintf("%d-%d", g.ID, cmd.Page))
		if err != nil {
			return fmt.Errorf("saving page: %w", err)
		}
		fmt.Fprintf(app.Stdout, "saved %s\n", path)
	}
	return nil
}

type decodeResult struct {
	img image.Image
	err error
}

// decodeWaiter reports the first decode or download outcome of one page.
type decodeWaiter struct {
	spider.NopListener
	index  int
	result chan decodeResult
}

func (w *decodeWaiter) send(r decodeResult) {
	select {
	case w.result <- r:
	default:
	}
}

func (w *decodeWaiter) OnPageFailure(index int, err string, _, _, _ int) {
	if index == w.index {
		w.send(decodeResult{err: errors.New(err)})
	}
}

func (w *decodeWaiter) OnDecodeSuccess(index int, img image.Image) {
	if index == w.index {
		w.send(decodeResult{img: img})
	}
}

func (w *decodeWaiter) OnDecodeFailure(index int, err string) {
	if index == w.index {
		w.send(decodeResult{err: errors.New(err)})
	}
}
