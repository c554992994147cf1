package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/config"
	"github.com/wolfeidau/gallery-cache/content"
	"github.com/wolfeidau/gallery-cache/credentials"
	"github.com/wolfeidau/gallery-cache/credentials/opprovider"
	"github.com/wolfeidau/gallery-cache/decode"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/remote"
	"github.com/wolfeidau/gallery-cache/spider"
)

const shutdownTimeout = 10 * time.Second

// App holds the opened stores shared by every command. The registry and
// remote client are created on first use since cache commands need no site.
type App struct {
	Ctx    context.Context
	Stdout io.Writer
	Config *config.Config
	Logger *slog.Logger

	Images    *diskcache.Cache
	Infos     *diskcache.Cache
	Locations *content.BoltLocations

	registry *spider.Registry
}

func openApp(ctx context.Context, cfg *config.Config, logger *slog.Logger, stdout io.Writer) (*App, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	app := &App{Ctx: ctx, Stdout: stdout, Config: cfg, Logger: logger}

	var err error
	app.Images, err = diskcache.Open(cfg.ImageCacheDir(), cfg.ReadCacheBytes(),
		diskcache.WithName("gallery_image"), diskcache.WithLogger(logger), diskcache.WithKeyFunc(cfg.KeyFunc()))
	if err != nil {
		return nil, fmt.Errorf("opening image cache: %w", err)
	}
	app.Infos, err = diskcache.Open(cfg.DescriptorCacheDir(), cfg.DescriptorCacheBytes(),
		diskcache.WithName("spider_info"), diskcache.WithLogger(logger), diskcache.WithKeyFunc(cfg.KeyFunc()))
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("opening descriptor cache: %w", err)
	}
	app.Locations, err = content.OpenLocations(cfg.LocationsPath())
	if err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Registry returns the coordinator registry, connecting to the configured
// site on first use.
func (a *App) Registry() (*spider.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}
	if a.Config.SiteURL == "" {
		return nil, errors.New("site_url is not configured")
	}

	opts := []remote.Option{remote.WithTimeout(a.Config.RequestTimeout)}
	if a.Config.Credentials != "" {
		resolver := credentials.NewResolver(
			credentials.WithLogger(a.Logger),
			opprovider.WithOnePassword(),
		)
		creds, err := resolver.ResolveFile(a.Ctx, a.Config.Credentials)
		if err != nil {
			return nil, fmt.Errorf("resolving credentials: %w", err)
		}
		opts = append(opts, remote.WithCredentials(creds))
	}
	client, err := remote.New(a.Config.SiteURL, opts...)
	if err != nil {
		return nil, err
	}

	decoder := decode.New()
	cfg := a.Config
	factory := func(g gallerycache.Gallery) (*spider.Coordinator, error) {
		store := content.New(g, a.Images,
			content.WithDownloadRoot(cfg.DownloadDir),
			content.WithLocations(a.Locations),
			content.WithLogger(a.Logger),
		)
		return spider.New(g, store, client, client, decoder,
			spider.WithLogger(a.Logger),
			spider.WithInfoCache(a.Infos),
			spider.WithDownloadThreads(cfg.DownloadThreads),
			spider.WithDecodeWorkers(cfg.DecodeWorkers),
			spider.WithAttempts(uint(cfg.DownloadAttempts)),
			spider.WithRetryDelay(cfg.RetryDelay),
			spider.WithDownloadDelay(cfg.DownloadDelay),
			spider.WithDispatchOrder(cfg.Order()),
		), nil
	}
	a.registry = spider.NewRegistry(factory,
		spider.WithRegistryLogger(a.Logger),
		spider.WithRegistryInfoCache(a.Infos),
	)
	return a.registry, nil
}

// Close stops every coordinator, waiting for descriptors to be persisted,
// then closes the stores.
func (a *App) Close() {
	if a.registry != nil {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(a.Ctx), shutdownTimeout)
		if err := a.registry.Shutdown(ctx); err != nil {
			a.Logger.Warn("coordinators did not stop in time", "error", err)
		}
		cancel()
	}
	if a.Locations != nil {
		_ = a.Locations.Close()
	}
	if a.Infos != nil {
		_ = a.Infos.Close()
	}
	if a.Images != nil {
		_ = a.Images.Close()
	}
}
