package main

import (
	"errors"
	"fmt"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/spider"
)

// InfoCmd is the "info" subcommand.
type InfoCmd struct {
	Gallery string `arg:"" help:"Gallery as gid/token or gallery URL"`
	Offline bool   `help:"Only read the locally cached descriptor"`
	Pages   bool   `help:"List the state of every page"`
}

func (cmd *InfoCmd) Run(app *App) error {
	g, err := parseGallery(cmd.Gallery)
	if err != nil {
		return err
	}

	if cmd.Offline {
		d, err := spider.ReadCachedDescriptor(app.Ctx, app.Infos, g.ID)
		if err != nil {
			return fmt.Errorf("gallery %d is not cached: %w", g.ID, err)
		}
		fmt.Fprintf(app.Stdout, "gallery:    %d\n", g.ID)
		fmt.Fprintf(app.Stdout, "pages:      %d\n", d.Pages)
		fmt.Fprintf(app.Stdout, "start page: %d\n", d.StartPage()+1)
		return nil
	}

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
		if errors.Is(err, gallerycache.ErrDescriptorUnavailable) {
			return fmt.Errorf("gallery %s: page count could not be fetched: %w", g, err)
		}
		return err
	}

	finished, done, total := c.Counts()
	fmt.Fprintf(app.Stdout, "gallery:    %d\n", g.ID)
	fmt.Fprintf(app.Stdout, "pages:      %d\n", total)
	fmt.Fprintf(app.Stdout, "finished:   %d\n", finished)
	fmt.Fprintf(app.Stdout, "failed:     %d\n", done-finished)
	fmt.Fprintf(app.Stdout, "start page: %d\n", c.StartPage()+1)
	if dir := c.Store().Dir(); dir != nil && dir.Exists() {
		fmt.Fprintf(app.Stdout, "directory:  %s\n", dir.Path())
	}

	if cmd.Pages {
		for i := range c.Size() {
			fmt.Fprintf(app.Stdout, "%6d  %s\n", i+1, c.PageState(i))
		}
	}
	return nil
}
