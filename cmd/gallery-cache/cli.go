package main

import (
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	gallerycache "github.com/wolfeidau/gallery-cache"
)

// CLI defines the command-line interface structure for Kong.
type CLI struct {
	Config      string `short:"c" type:"path" env:"GALLERY_CACHE_CONFIG" help:"Config file (TOML, YAML or JSON)"`
	DataDir     string `type:"path" help:"Override the data directory"`
	DownloadDir string `type:"path" help:"Override the download directory"`
	SiteURL     string `name:"site-url" help:"Override the gallery site URL"`
	LogLevel    string `help:"Override the log level (debug, info, warn, error)"`

	Download DownloadCmd `cmd:"" help:"Download every page of a gallery into its directory"`
	Read     ReadCmd     `cmd:"" help:"Fetch and decode one page of a gallery"`
	Info     InfoCmd     `cmd:"" help:"Show the crawl state of a gallery"`
	Serve    ServeCmd    `cmd:"" help:"Serve gallery pages over HTTP"`
	Cache    CacheCmd    `cmd:"" help:"Inspect or empty the local caches"`
}

var galleryPathPattern = regexp.MustCompile(`/g/(\d+)/([0-9a-zA-Z]+)`)

// parseGallery accepts "gid/token" or a gallery URL.
func parseGallery(s string) (gallerycache.Gallery, error) {
	s = strings.TrimSpace(s)
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return gallerycache.Gallery{}, fmt.Errorf("parsing gallery URL: %w", err)
		}
		m := galleryPathPattern.FindStringSubmatch(u.Path)
		if m == nil {
			return gallerycache.Gallery{}, fmt.Errorf("not a gallery URL: %s", s)
		}
		s = m[1] + "/" + m[2]
	}

	gid, token, ok := strings.Cut(strings.Trim(s, "/"), "/")
	if !ok || token == "" || strings.Contains(token, "/") {
		return gallerycache.Gallery{}, fmt.Errorf("gallery must be gid/token or a gallery URL: %q", s)
	}
	id, err := strconv.ParseInt(gid, 10, 64)
	if err != nil || id <= 0 {
		return gallerycache.Gallery{}, fmt.Errorf("invalid gallery id %q", gid)
	}
	return gallerycache.Gallery{ID: id, Token: token}, nil
}
