package main

import (
	"fmt"

	"github.com/wolfeidau/gallery-cache/diskcache"
)

// CacheCmd groups the cache maintenance subcommands.
type CacheCmd struct {
	Stats CacheStatsCmd `cmd:"" help:"Show entry counts and sizes"`
	Flush CacheFlushCmd `cmd:"" help:"Write pending index changes to disk"`
	Clear CacheClearCmd `cmd:"" help:"Remove every cached page and descriptor"`
}

// CacheStatsCmd is the "cache stats" subcommand.
type CacheStatsCmd struct{}

func (cmd *CacheStatsCmd) Run(app *App) error {
	for _, c := range []*diskcache.Cache{app.Images, app.Infos} {
		st, err := c.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(app.Stdout, "%-14s %6d entries %12d / %d bytes\n", c.Name(), st.Entries, st.Size, st.MaxSize)
	}
	return nil
}

// CacheFlushCmd is the "cache flush" subcommand.
type CacheFlushCmd struct{}

func (cmd *CacheFlushCmd) Run(app *App) error {
	for _, c := range []*diskcache.Cache{app.Images, app.Infos} {
		if err := c.Flush(app.Ctx); err != nil {
			return fmt.Errorf("flushing %s: %w", c.Name(), err)
		}
	}
	return nil
}

// CacheClearCmd is the "cache clear" subcommand.
type CacheClearCmd struct {
	Descriptors bool `help:"Also clear the cached crawl descriptors"`
}

func (cmd *CacheClearCmd) Run(app *App) error {
	caches := []*diskcache.Cache{app.Images}
	if cmd.Descriptors {
		caches = append(caches, app.Infos)
	}
	for _, c := range caches {
		if !c.Clear(app.Ctx) {
			if err := c.Reopen(app.Ctx); err != nil {
				return fmt.Errorf("clearing %s failed and it could not be reopened: %w", c.Name(), err)
			}
			return fmt.Errorf("clearing %s failed", c.Name())
		}
		fmt.Fprintf(app.Stdout, "cleared %s\n", c.Name())
	}
	return nil
}
