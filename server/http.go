// Package server serves cached gallery pages, cache statistics and metrics
// over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"time"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/spider"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

// DefaultPageTimeout bounds how long a page request waits for the page.
const DefaultPageTimeout = 2 * time.Minute

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// AuthToken enables Bearer token authentication when set.
	AuthToken string

	// PageTimeout bounds how long a page request waits for the page to be
	// fetched. Default: 2 minutes.
	PageTimeout time.Duration

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the gallery cache.
type Server struct {
	config     Config
	registry   *spider.Registry
	caches     []*diskcache.Cache
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a server reading pages through registry and reporting the
// statistics of caches.
func New(cfg Config, registry *spider.Registry, caches ...*diskcache.Cache) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = DefaultPageTimeout
	}

	s := &Server{
		config:   cfg,
		registry: registry,
		caches:   caches,
		logger:   cfg.Logger,
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.httpServer = &http.Server{
		Addr:              cfg.Address,
		Handler:           s.loggingMiddleware(s.authMiddleware(mux)),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.PageTimeout + time.Minute,
		IdleTimeout:       60 * time.Second,
	}
	return s
}

// Handler returns the root handler, including middleware.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /stats", s.handleStats)

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	mux.HandleFunc("GET /galleries/{gid}/{token}", s.handleGallery)
	mux.HandleFunc("GET /galleries/{gid}/{token}/pages/{page}", s.handlePage)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

type cacheStats struct {
	Name    string `json:"name"`
	Entries int    `json:"entries"`
	Size    int64  `json:"size"`
	MaxSize int64  `json:"max_size"`
}

type statsResponse struct {
	Coordinators int          `json:"coordinators"`
	Caches       []cacheStats `json:"caches"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{Coordinators: s.registry.Live(), Caches: []cacheStats{}}
	for _, c := range s.caches {
		st, err := c.Stats()
		if err != nil {
			s.requestLogger(r).Warn("failed to read cache stats", "cache", c.Name(), "error", err)
			continue
		}
		resp.Caches = append(resp.Caches, cacheStats{
			Name:    c.Name(),
			Entries: st.Entries,
			Size:    st.Size,
			MaxSize: st.MaxSize,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

type galleryResponse struct {
	ID        int64  `json:"gid"`
	Pages     int    `json:"pages"`
	Finished  int    `json:"finished"`
	Done      int    `json:"done"`
	StartPage int    `json:"start_page"`
	Mode      string `json:"mode"`
}

func (s *Server) handleGallery(w http.ResponseWriter, r *http.Request) {
	g, ok := galleryFromPath(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PageTimeout)
	defer cancel()

	h, err := s.registry.Acquire(ctx, g, gallerycache.ModeRead)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer h.Release()

	c := h.Coordinator()
	if err := c.WaitReady(ctx); err != nil {
		s.writeError(w, err)
		return
	}
	finished, done, total := c.Counts()
	writeJSON(w, http.StatusOK, galleryResponse{
		ID:        g.ID,
		Pages:     total,
		Finished:  finished,
		Done:      done,
		StartPage: c.StartPage(),
		Mode:      c.Mode().String(),
	})
}

// handlePage serves page n (1-based) of a gallery, fetching it first if
// needed.
func (s *Server) handlePage(w http.ResponseWriter, r *http.Request) {
	g, ok := galleryFromPath(w, r)
	if !ok {
		return
	}
	page, err := strconv.Atoi(r.PathValue("page"))
	if err != nil || page < 1 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid page"})
		return
	}
	index := page - 1

	ctx, cancel := context.WithTimeout(r.Context(), s.config.PageTimeout)
	defer cancel()

	h, err := s.registry.Acquire(ctx, g, gallerycache.ModeRead)
	if err != nil {
		s.writeError(w, err)
		return
	}
	defer h.Release()

	c := h.Coordinator()
	if err := c.Fetch(ctx, index); err != nil {
		s.writeError(w, err)
		return
	}
	c.PutStartPage(index)

	ext, _ := c.Extension(ctx, index)
	contentType := mime.TypeByExtension(ext)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if err := c.Save(ctx, index, w); err != nil {
		s.requestLogger(r).Warn("failed to send page", "gid", g.ID, "index", index, "error", err)
	}
}

func galleryFromPath(w http.ResponseWriter, r *http.Request) (gallerycache.Gallery, bool) {
	gid, err := strconv.ParseInt(r.PathValue("gid"), 10, 64)
	if err != nil || gid <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid gallery id"})
		return gallerycache.Gallery{}, false
	}
	return gallerycache.Gallery{ID: gid, Token: r.PathValue("token")}, true
}

// writeError maps coordinator errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, gallerycache.ErrOutOfRange), errors.Is(err, gallerycache.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, gallerycache.ErrStopped):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		// client went away
		return
	}
	writeJSON(w, status, map[string]string{"error": gallerycache.ErrorMessage(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Start starts the server. It blocks until the server stops.
func (s *Server) Start() error {
	s.logger.Info("starting server", "address", s.config.Address)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")
	return s.httpServer.Shutdown(ctx)
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}
