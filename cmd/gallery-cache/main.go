// Command gallery-cache fetches, caches and downloads the pages of remote
// image galleries.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/gallery-cache/config"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// version is set at build time.
var version = "dev"

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	if err := NewMain().Run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// Main represents the program.
type Main struct {
	// Version reported in metrics resources.
	Version string
}

// NewMain returns a new instance of Main with defaults.
func NewMain() *Main {
	return &Main{Version: version}
}

// Run executes the CLI with the given arguments.
func (m *Main) Run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cli := &CLI{}
	parser, err := kong.New(cli,
		kong.Name("gallery-cache"),
		kong.Description("Fetch, cache and download the pages of remote image galleries"),
		kong.Writers(stdout, stderr),
		kong.Exit(func(int) {}), // Don't exit on help
		kong.UsageOnError(),
	)
	if err != nil {
		return fmt.Errorf("failed to create parser: %w", err)
	}

	if len(args) == 0 {
		_, _ = parser.Parse([]string{"--help"})
		return errors.New("no command specified. Run 'gallery-cache --help' to see available commands")
	}
	if cmd := args[0]; cmd == "help" || cmd == "--help" || cmd == "-h" {
		_, _ = parser.Parse([]string{"--help"})
		return nil
	}

	kongCtx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	shutdownMetrics, err := m.startMetrics(ctx, cfg.Metrics, logger)
	if err != nil {
		return err
	}
	defer shutdownMetrics()

	app, err := openApp(ctx, cfg, logger, stdout)
	if err != nil {
		return err
	}
	defer app.Close()

	return kongCtx.Run(app)
}

// loadConfig loads the config file and applies flag overrides.
func (cli *CLI) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return nil, err
	}
	if cli.DataDir != "" {
		cfg.DataDir = cli.DataDir
	}
	if cli.DownloadDir != "" {
		cfg.DownloadDir = cli.DownloadDir
	}
	if cli.SiteURL != "" {
		cfg.SiteURL = cli.SiteURL
	}
	if cli.LogLevel != "" {
		cfg.Log.Level = cli.LogLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// startMetrics initialises the meter provider and, when a listen address is
// configured, serves Prometheus metrics on it.
func (m *Main) startMetrics(ctx context.Context, cfg config.MetricsConfig, logger *slog.Logger) (func(), error) {
	shutdown, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:    "gallery-cache",
		ServiceVersion: m.Version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Prometheus:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("initialising metrics: %w", err)
	}

	var srv *http.Server
	if cfg.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", telemetry.PrometheusHandler())
		srv = &http.Server{Addr: cfg.Listen, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "address", cfg.Listen, "error", err)
			}
		}()
		logger.Info("serving metrics", "address", cfg.Listen)
	}

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if srv != nil {
			_ = srv.Shutdown(ctx)
		}
		if err := shutdown(ctx); err != nil {
			logger.Warn("failed to shut down metrics", "error", err)
		}
	}, nil
}
