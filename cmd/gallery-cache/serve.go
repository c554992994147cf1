package main

import (
	"context"

	"github.com/wolfeidau/gallery-cache/server"
)

// ServeCmd is the "serve" subcommand.
type ServeCmd struct {
	Address   string `default:":8080" help:"Address to listen on"`
	AuthToken string `env:"GALLERY_CACHE_AUTH_TOKEN" help:"Bearer token required on page routes"`
}

func (cmd *ServeCmd) Run(app *App) error {
	registry, err := app.Registry()
	if err != nil {
		return err
	}

	srv := server.New(server.Config{
		Address:     cmd.Address,
		AuthToken:   cmd.AuthToken,
		PageTimeout: 4 * app.Config.RequestTimeout,
		Logger:      app.Logger,
	}, registry, app.Images, app.Infos)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-app.Ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
