package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/credentials"
)

var testGallery = gallerycache.Gallery{ID: 42, Token: "abc123", Title: "Test Gallery"}

func listingHTML(pages, listingPages int, first, last int) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body>
<div id="gdd"><table>
<tr><td class="gdt1">Posted:</td><td class="gdt2">2024-01-01</td></tr>
<tr><td class="gdt1">Length:</td><td class="gdt2">%d pages</td></tr>
</table></div>
<table class="ptt"><tr><td>&lt;</td>`, pages)
	for i := 1; i <= listingPages; i++ {
		fmt.Fprintf(&b, `<td><a href="?p=%d">%d</a></td>`, i-1, i)
	}
	b.WriteString(`<td>&gt;</td></tr></table><div id="gdt">`)
	for i := first; i <= last; i++ {
		fmt.Fprintf(&b, `<a href="https://example.org/s/t%04d/42-%d"><img></a>`, i, i+1)
	}
	// thumbnails of other galleries are ignored
	b.WriteString(`<a href="https://example.org/s/ffff/7-1">other</a></div></body></html>`)
	return b.String()
}

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/g/42/abc123/", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("p") {
		case "", "0":
			_, _ = io.WriteString(w, listingHTML(5, 3, 0, 1))
		case "1":
			_, _ = io.WriteString(w, listingHTML(5, 3, 2, 3))
		default:
			_, _ = io.WriteString(w, listingHTML(5, 3, 4, 4))
		}
	})
	mux.HandleFunc("/mpv/42/abc123/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<script>
var gid = 42;
var imagelist = [{"n":"1.jpg","k":"t0000","t":"x"},{"n":"2.jpg","k":"t0001","t":"x"}];
</script>`)
	})
	mux.HandleFunc("/s/t0002/42-3", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("member_id"); err != nil || c.Value != "1234" {
			http.Error(w, "login required", http.StatusForbidden)
			return
		}
		_, _ = io.WriteString(w, `<html><body><div id="i3"><img id="img" src="/images/3.webp"></div></body></html>`)
	})
	mux.HandleFunc("/images/3.webp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/webp")
		_, _ = io.WriteString(w, "webp bytes")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	host := strings.TrimPrefix(srv.URL, "http://")
	host = host[:strings.LastIndex(host, ":")]
	creds := &credentials.Credentials{
		UserAgent: "test-agent",
		Sites: []credentials.SiteAuth{
			{Host: host, Cookies: []credentials.Cookie{{Name: "member_id", Value: "1234"}}},
		},
	}
	c, err := New(srv.URL, WithCredentials(creds))
	require.NoError(t, err)
	return c
}

func TestFetchListing(t *testing.T) {
	c := newTestClient(t, newTestSite(t))

	l, err := c.FetchListing(context.Background(), testGallery, 0)
	require.NoError(t, err)
	require.Equal(t, 5, l.Pages)
	require.Equal(t, 3, l.ListingPages)
	require.Len(t, l.Entries, 2)
	require.Equal(t, 1, l.Entries[1].Index)
	require.Equal(t, "t0001", l.Entries[1].Token)

	l, err = c.FetchListing(context.Background(), testGallery, 1)
	require.NoError(t, err)
	require.Equal(t, 2, l.Entries[0].Index)
	require.Equal(t, "t0002", l.Entries[0].Token)
}

func TestFetchViewerTokens(t *testing.T) {
	c := newTestClient(t, newTestSite(t))

	tokens, err := c.FetchViewerTokens(context.Background(), testGallery)
	require.NoError(t, err)
	require.Equal(t, []string{"t0000", "t0001"}, tokens)
}

func TestFetchPage(t *testing.T) {
	c := newTestClient(t, newTestSite(t))

	page, err := c.FetchPage(context.Background(), testGallery, 2, "t0002")
	require.NoError(t, err)
	defer func() { _ = page.Body.Close() }()

	require.Equal(t, "image/webp", page.ContentType)
	require.Equal(t, int64(len("webp bytes")), page.ContentLength)
	data, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	require.Equal(t, "webp bytes", string(data))
}

func TestFetchPageWithoutCookies(t *testing.T) {
	srv := newTestSite(t)
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.FetchPage(context.Background(), testGallery, 2, "t0002")
	require.Error(t, err)
	require.Contains(t, err.Error(), "403")
}

func TestFetchMissingGallery(t *testing.T) {
	c := newTestClient(t, newTestSite(t))

	_, err := c.FetchListing(context.Background(), gallerycache.Gallery{ID: 1, Token: "nope"}, 0)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewRejectsRelativeURL(t *testing.T) {
	_, err := New("example.org")
	require.Error(t, err)
}

func TestParseListingWithoutPageCount(t *testing.T) {
	_, err := ParseListing([]byte(`<html><body>This gallery has been removed.</body></html>`), 42)
	require.ErrorIs(t, err, ErrParse)
}

func TestParsePageView(t *testing.T) {
	view, err := ParsePageView([]byte(pageViewHTML("/images/3.webp", "43-512")))
	require.NoError(t, err)
	require.Equal(t, "/images/3.webp", view.ImageURL)
	require.Equal(t, "43-512", view.MirrorKey)

	view, err = ParsePageView([]byte(pageViewHTML("/images/3.webp", "")))
	require.NoError(t, err)
	require.Empty(t, view.MirrorKey)

	_, err = ParsePageView([]byte(`<html><body><img id="other" src="x.jpg"></body></html>`))
	require.ErrorIs(t, err, ErrParse)
}

func TestQuotaExceeded(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{src: "https://ehgt.example.org/g/509.gif", want: true},
		{src: "/img/509s.gif", want: true},
		{src: "https://h.example.org/509.gif?x=1", want: true},
		{src: "https://h.example.org/om/1/509.gif.jpg", want: false},
		{src: "https://h.example.org/h/abc/keystamp/3.jpg", want: false},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, quotaExceeded(tt.src), tt.src)
	}
}

func pageViewHTML(src, mirrorKey string) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<html><body><div id="i3"><img id="img" src="%s" style="width:100px"></div>`, src)
	if mirrorKey != "" {
		fmt.Fprintf(&b, `<div id="i6"><a href="#" id="loadfail" onclick="return nl('%s')">Reload broken image</a></div>`, mirrorKey)
	}
	b.WriteString(`</body></html>`)
	return b.String()
}

// mirrorSite serves page 1 of gallery 42 from token tm. Each mirror key
// maps to the image path its page view points at; missing images 404.
func mirrorSite(t *testing.T, views, keys, images map[string]string) (*httptest.Server, func() []string) {
	t.Helper()
	var (
		mu        sync.Mutex
		requested []string
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/s/tm/42-1", func(w http.ResponseWriter, r *http.Request) {
		nl := r.URL.Query().Get("nl")
		mu.Lock()
		requested = append(requested, nl)
		mu.Unlock()
		_, _ = io.WriteString(w, pageViewHTML(views[nl], keys[nl]))
	})
	mux.HandleFunc("/images/", func(w http.ResponseWriter, r *http.Request) {
		body, ok := images[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = io.WriteString(w, body)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, func() []string {
		mu.Lock()
		defer mu.Unlock()
		return slices.Clone(requested)
	}
}

func TestFetchPageQuotaExceeded(t *testing.T) {
	srv, requested := mirrorSite(t,
		map[string]string{"": "https://ehgt.example.org/g/509.gif"},
		map[string]string{"": "1-abc"},
		nil,
	)
	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.FetchPage(context.Background(), testGallery, 0, "tm")
	require.ErrorIs(t, err, ErrQuotaExceeded)
	require.ErrorIs(t, err, gallerycache.ErrQuotaExceeded)
	require.Equal(t, []string{""}, requested(), "a quota notice is not retried from a mirror")
}

func TestFetchPageRetriesFromMirror(t *testing.T) {
	srv, requested := mirrorSite(t,
		map[string]string{"": "/images/broken.jpg", "1-abc": "/images/ok.jpg"},
		map[string]string{"": "1-abc", "1-abc": "2-def"},
		map[string]string{"/images/ok.jpg": "jpeg bytes"},
	)
	c, err := New(srv.URL)
	require.NoError(t, err)

	page, err := c.FetchPage(context.Background(), testGallery, 0, "tm")
	require.NoError(t, err)
	defer func() { _ = page.Body.Close() }()
	data, err := io.ReadAll(page.Body)
	require.NoError(t, err)
	require.Equal(t, "jpeg bytes", string(data))
	require.Equal(t, []string{"", "1-abc"}, requested())
}

func TestFetchPageTriesEachMirrorKeyOnce(t *testing.T) {
	t.Run("repeated key", func(t *testing.T) {
		srv, requested := mirrorSite(t,
			map[string]string{"": "/images/broken.jpg", "1-abc": "/images/broken.jpg"},
			map[string]string{"": "1-abc", "1-abc": "1-abc"},
			nil,
		)
		c, err := New(srv.URL)
		require.NoError(t, err)

		_, err = c.FetchPage(context.Background(), testGallery, 0, "tm")
		require.ErrorIs(t, err, ErrNotFound)
		require.Equal(t, []string{"", "1-abc"}, requested())
	})

	t.Run("no key", func(t *testing.T) {
		srv, requested := mirrorSite(t,
			map[string]string{"": "/images/broken.jpg"},
			nil,
			nil,
		)
		c, err := New(srv.URL)
		require.NoError(t, err)

		_, err = c.FetchPage(context.Background(), testGallery, 0, "tm")
		require.ErrorIs(t, err, ErrNotFound)
		require.Equal(t, []string{""}, requested())
	})

	t.Run("bounded", func(t *testing.T) {
		srv, requested := mirrorSite(t,
			map[string]string{"": "/images/a.jpg", "k1": "/images/b.jpg", "k2": "/images/c.jpg", "k3": "/images/d.jpg"},
			map[string]string{"": "k1", "k1": "k2", "k2": "k3", "k3": "k4"},
			map[string]string{"/images/d.jpg": "never reached"},
		)
		c, err := New(srv.URL)
		require.NoError(t, err)

		_, err = c.FetchPage(context.Background(), testGallery, 0, "tm")
		require.ErrorIs(t, err, ErrNotFound)
		require.Equal(t, []string{"", "k1", "k2"}, requested())
	})
}

func TestFetchPageRejectsTextImage(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/s/tm/42-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, pageViewHTML("/images/1.jpg", ""))
	})
	mux.HandleFunc("/images/1.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, "<html>error page</html>")
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL)
	require.NoError(t, err)
	_, err = c.FetchPage(context.Background(), testGallery, 0, "tm")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unexpected content type")
}

func TestParseViewerTokensMissing(t *testing.T) {
	_, err := ParseViewerTokens([]byte(`<script>var gid = 42;</script>`))
	require.ErrorIs(t, err, ErrParse)
}
