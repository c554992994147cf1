// Package remote is an HTTP client for gallery sites. It implements the
// spider's RemoteSource and ByteFetcher.
package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/credentials"
	"github.com/wolfeidau/gallery-cache/spider"
	"github.com/wolfeidau/gallery-cache/telemetry"
)

const (
	// DefaultTimeout is the default timeout for page requests.
	DefaultTimeout = 30 * time.Second

	// DefaultUserAgent is sent when the credentials name none.
	DefaultUserAgent = "gallery-cache/1.0"

	maxPageSize = 4 * 1024 * 1024

	// maxMirrorAttempts bounds page view requests per FetchPage.
	maxMirrorAttempts = 3
)

var (
	// ErrNotFound is returned when the site reports a gallery or page missing.
	ErrNotFound = errors.New("not found")

	// ErrQuotaExceeded is returned when the site serves its image quota
	// notice instead of a page image.
	ErrQuotaExceeded = gallerycache.ErrQuotaExceeded
)

var (
	_ spider.RemoteSource = (*Client)(nil)
	_ spider.ByteFetcher  = (*Client)(nil)
)

// Client fetches gallery listings, page tokens and page images.
type Client struct {
	baseURL   *url.URL
	client    *http.Client
	userAgent string
	creds     *credentials.Credentials
	timeout   time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client. Its cookie jar and transport are
// used as is.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithCredentials sets the site cookies and user agent.
func WithCredentials(creds *credentials.Credentials) Option {
	return func(c *Client) {
		c.creds = creds
	}
}

// WithTimeout sets the timeout for each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// New returns a client for the site at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parsing base URL: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", baseURL)
	}

	c := &Client{baseURL: u, userAgent: DefaultUserAgent, timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(c)
	}
	if c.creds != nil && c.creds.UserAgent != "" {
		c.userAgent = c.creds.UserAgent
	}

	if c.client == nil {
		jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}
		c.client = &http.Client{
			Jar:       jar,
			Timeout:   c.timeout,
			Transport: telemetry.NewInstrumentedTransport(nil, "gallery_site"),
		}
	}
	if c.client.Jar != nil {
		if site := c.creds.Site(u.Hostname()); site != nil {
			c.client.Jar.SetCookies(u, site.HTTPCookies())
		}
	}
	return c, nil
}

// GalleryURL returns the listing URL of g.
func (c *Client) GalleryURL(g gallerycache.Gallery) string {
	return fmt.Sprintf("%s/g/%d/%s/", c.baseURL, g.ID, g.Token)
}

func (c *Client) resolve(ref string) (string, error) {
	u, err := c.baseURL.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("resolving %q: %w", ref, err)
	}
	return u.String(), nil
}

// get performs a GET and returns the response for a 200, closing it
// otherwise.
func (c *Client) get(ctx context.Context, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%s: %w", target, ErrNotFound)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("upstream returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return resp, nil
}

// getPage fetches an HTML or script page into memory.
func (c *Client) getPage(ctx context.Context, target string) ([]byte, error) {
	resp, err := c.get(ctx, target)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", target, err)
	}
	if len(body) > maxPageSize {
		return nil, fmt.Errorf("%s exceeds maximum size of %d bytes", target, maxPageSize)
	}
	return body, nil
}

// FetchListing fetches listing page p of g.
func (c *Client) FetchListing(ctx context.Context, g gallerycache.Gallery, p int) (*spider.Listing, error) {
	target := c.GalleryURL(g)
	if p > 0 {
		target = fmt.Sprintf("%s?p=%d", target, p)
	}
	body, err := c.getPage(telemetry.WithRequestKind(ctx, "listing"), target)
	if err != nil {
		return nil, err
	}
	return ParseListing(body, g.ID)
}

// FetchViewerTokens fetches every page token of g from the multi-page
// viewer.
func (c *Client) FetchViewerTokens(ctx context.Context, g gallerycache.Gallery) ([]string, error) {
	body, err := c.getPage(telemetry.WithRequestKind(ctx, "viewer"), fmt.Sprintf("%s/mpv/%d/%s/", c.baseURL, g.ID, g.Token))
	if err != nil {
		return nil, err
	}
	return ParseViewerTokens(body)
}

// FetchPage resolves the image of page index from its page view and opens
// the image. When the image cannot be loaded the page view is requested
// again with its mirror key, once per distinct key. A quota notice in place
// of the image fails with ErrQuotaExceeded without trying a mirror.
func (c *Client) FetchPage(ctx context.Context, g gallerycache.Gallery, index int, token string) (*spider.PageBody, error) {
	viewURL := fmt.Sprintf("%s/s/%s/%d-%d", c.baseURL, token, g.ID, index+1)

	var (
		target  = viewURL
		tried   = make(map[string]struct{})
		lastErr error
	)
	for range maxMirrorAttempts {
		page, view, err := c.fetchImage(ctx, target)
		if err == nil {
			return page, nil
		}
		if view == nil || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
		if _, seen := tried[view.MirrorKey]; seen || view.MirrorKey == "" {
			break
		}
		tried[view.MirrorKey] = struct{}{}
		target = viewURL + "?nl=" + url.QueryEscape(view.MirrorKey)
	}
	return nil, lastErr
}

// fetchImage loads one page view and opens its image. Failures loading the
// image come back with the parsed view so the caller can try a mirror.
func (c *Client) fetchImage(ctx context.Context, target string) (*spider.PageBody, *PageView, error) {
	body, err := c.getPage(telemetry.WithRequestKind(ctx, "page_view"), target)
	if err != nil {
		return nil, nil, err
	}
	view, err := ParsePageView(body)
	if err != nil {
		return nil, nil, err
	}
	if quotaExceeded(view.ImageURL) {
		return nil, nil, fmt.Errorf("%s: %w", target, ErrQuotaExceeded)
	}
	imageURL, err := c.resolve(view.ImageURL)
	if err != nil {
		return nil, view, err
	}

	resp, err := c.get(telemetry.WithRequestKind(ctx, "image"), imageURL)
	if err != nil {
		return nil, view, err
	}
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/") {
		_ = resp.Body.Close()
		return nil, view, fmt.Errorf("%s: unexpected content type %q", imageURL, ct)
	}
	return &spider.PageBody{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, view, nil
}
