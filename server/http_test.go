package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/content"
	"github.com/wolfeidau/gallery-cache/decode"
	"github.com/wolfeidau/gallery-cache/diskcache"
	"github.com/wolfeidau/gallery-cache/spider"
)

type staticSite struct {
	pages   int
	fetches atomic.Int32
}

func (s *staticSite) FetchListing(_ context.Context, _ gallerycache.Gallery, _ int) (*spider.Listing, error) {
	l := &spider.Listing{Pages: s.pages, ListingPages: 1}
	for i := range s.pages {
		l.Entries = append(l.Entries, spider.TokenEntry{Index: i, Token: fmt.Sprintf("tok-%d", i)})
	}
	return l, nil
}

func (s *staticSite) FetchViewerTokens(context.Context, gallerycache.Gallery) ([]string, error) {
	return nil, fmt.Errorf("viewer disabled")
}

func (s *staticSite) FetchPage(_ context.Context, _ gallerycache.Gallery, index int, _ string) (*spider.PageBody, error) {
	s.fetches.Add(1)
	body := fmt.Sprintf("page %d", index)
	return &spider.PageBody{
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentType:   "image/png",
		ContentLength: int64(len(body)),
	}, nil
}

func newTestServer(t *testing.T, token string) (*Server, *staticSite) {
	t.Helper()
	dir := t.TempDir()

	images, err := diskcache.Open(filepath.Join(dir, "gallery_image"), 1<<20,
		diskcache.WithNoSync(true), diskcache.WithName("gallery_image"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = images.Close() })

	infos, err := diskcache.Open(filepath.Join(dir, "spider_info"), 1<<20,
		diskcache.WithNoSync(true), diskcache.WithName("spider_info"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = infos.Close() })

	site := &staticSite{pages: 3}
	registry := spider.NewRegistry(func(g gallerycache.Gallery) (*spider.Coordinator, error) {
		store := content.New(g, images, content.WithDownloadRoot(filepath.Join(dir, "download")))
		return spider.New(g, store, site, site, decode.New(), spider.WithInfoCache(infos)), nil
	}, spider.WithRegistryInfoCache(infos))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = registry.Shutdown(ctx)
	})

	s := New(Config{
		AuthToken:   token,
		PageTimeout: 5 * time.Second,
		Logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}, registry, images, infos)
	return s, site
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t, "")
	rec := get(t, s.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestServePage(t *testing.T) {
	s, site := newTestServer(t, "")

	rec := get(t, s.Handler(), "/galleries/42/abc123/pages/2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "page 1", rec.Body.String())
	require.Equal(t, int32(1), site.fetches.Load())

	// served from the cache the second time
	rec = get(t, s.Handler(), "/galleries/42/abc123/pages/2")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "page 1", rec.Body.String())
	require.Equal(t, int32(1), site.fetches.Load())
}

func TestServePageErrors(t *testing.T) {
	s, _ := newTestServer(t, "")

	require.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/galleries/42/abc123/pages/0").Code)
	require.Equal(t, http.StatusBadRequest, get(t, s.Handler(), "/galleries/x/abc123/pages/1").Code)

	rec := get(t, s.Handler(), "/galleries/42/abc123/pages/9")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Contains(t, rec.Body.String(), "out of range")
}

func TestGalleryInfo(t *testing.T) {
	s, _ := newTestServer(t, "")

	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/galleries/42/abc123/pages/3").Code)

	rec := get(t, s.Handler(), "/galleries/42/abc123")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp galleryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, int64(42), resp.ID)
	require.Equal(t, 3, resp.Pages)
	require.Equal(t, 2, resp.StartPage)
	require.Equal(t, "read", resp.Mode)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, "")
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/galleries/42/abc123/pages/1").Code)

	rec := get(t, s.Handler(), "/stats")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Caches, 2)
	require.Equal(t, "gallery_image", resp.Caches[0].Name)
	require.Equal(t, 1, resp.Caches[0].Entries)
	require.Equal(t, int64(1<<20), resp.Caches[0].MaxSize)
}

func TestRoutesRequireToken(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	require.Equal(t, http.StatusUnauthorized, get(t, s.Handler(), "/galleries/42/abc123/pages/1").Code)
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/galleries/42/abc123/pages/1?access_token=secret").Code)
	require.Equal(t, http.StatusOK, get(t, s.Handler(), "/health").Code)
}
