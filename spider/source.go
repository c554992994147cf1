package spider

import (
	"context"
	"image"
	"io"

	gallerycache "github.com/wolfeidau/gallery-cache"
)

// TokenEntry is a page fetch token revealed by a listing page.
type TokenEntry struct {
	Index int
	Token string
}

// Listing is one parsed listing page of a gallery.
type Listing struct {
	// Pages is the gallery page count.
	Pages int
	// ListingPages is the number of listing pages, 0 if unknown.
	ListingPages int
	// Entries are the tokens revealed by this listing page in page order.
	Entries []TokenEntry
}

// RemoteSource resolves gallery metadata and page fetch tokens.
type RemoteSource interface {
	// FetchListing fetches listing page p of g. Page 0 doubles as the cold
	// start request for the page count.
	FetchListing(ctx context.Context, g gallerycache.Gallery, p int) (*Listing, error)

	// FetchViewerTokens fetches every page token of g in page order from the
	// multi-page viewer.
	FetchViewerTokens(ctx context.Context, g gallerycache.Gallery) ([]string, error)
}

// PageBody is the response of a page byte fetch.
type PageBody struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 if unknown
}

// ByteFetcher fetches the bytes of a page given its resolved token.
type ByteFetcher interface {
	FetchPage(ctx context.Context, g gallerycache.Gallery, index int, token string) (*PageBody, error)
}

// Decoder turns stored page bytes into an image.
type Decoder interface {
	Decode(r io.Reader) (image.Image, error)
}
