package spider

import (
	"maps"
	"sync"

	gallerycache "github.com/wolfeidau/gallery-cache"
)

// MaxPages is the largest page count a descriptor may carry.
const MaxPages = 100_000

// Descriptor is the resumable crawl state of a gallery: its page count,
// the tokens discovered so far and the listing pagination. It is safe for
// concurrent use.
type Descriptor struct {
	GID   int64
	Token string
	Pages int

	mu           sync.Mutex
	startPage    int
	listingPages int // -1 if unknown
	perPage      int // -1 if unknown
	tokens       map[int]string
	failed       map[int]struct{}
}

// NewDescriptor returns a descriptor with unknown pagination and no tokens.
func NewDescriptor(gid int64, token string, pages int) *Descriptor {
	return &Descriptor{
		GID:          gid,
		Token:        token,
		Pages:        pages,
		listingPages: -1,
		perPage:      -1,
		tokens:       make(map[int]string),
		failed:       make(map[int]struct{}),
	}
}

// Matches reports whether the descriptor belongs to g.
func (d *Descriptor) Matches(g gallerycache.Gallery) bool {
	return d.GID == g.ID && d.Token == g.Token
}

// PageToken returns the fetch token of page index, if known.
func (d *Descriptor) PageToken(index int) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tokens[index]
	return t, ok
}

// SetPageToken records the fetch token of page index.
func (d *Descriptor) SetPageToken(index int, token string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.setTokenLocked(index, token)
}

func (d *Descriptor) setTokenLocked(index int, token string) {
	if token == "" {
		return
	}
	d.tokens[index] = token
	delete(d.failed, index)
}

// TokenCount returns the number of known tokens.
func (d *Descriptor) TokenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tokens)
}

// StartPage returns the saved reading position.
func (d *Descriptor) StartPage() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.startPage
}

// SetStartPage saves the reading position.
func (d *Descriptor) SetStartPage(page int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.startPage = page
}

// Pagination returns the listing page count and tokens revealed per listing
// page. Either is -1 if unknown.
func (d *Descriptor) Pagination() (listingPages, perPage int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.listingPages, d.perPage
}

// SetPagination sets the listing page count and tokens per listing page.
func (d *Descriptor) SetPagination(listingPages, perPage int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listingPages = listingPages
	d.perPage = perPage
}

// ListingPageFor returns the listing page expected to reveal the token of
// page index.
func (d *Descriptor) ListingPageFor(index int) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	p := 0
	if d.perPage > 0 {
		p = index / d.perPage
	}
	if d.listingPages > 0 {
		p = min(p, d.listingPages-1)
	}
	return p
}

// MergeListing records the tokens and pagination revealed by listing page p.
func (d *Descriptor) MergeListing(p int, l *Listing) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if l.ListingPages > 0 {
		d.listingPages = l.ListingPages
	}
	if len(l.Entries) > 0 {
		if p == 0 {
			d.perPage = len(l.Entries)
		} else {
			d.perPage = l.Entries[0].Index / p
		}
	}
	for _, e := range l.Entries {
		d.setTokenLocked(e.Index, e.Token)
	}
}

// MergeTokens records tokens listed in page order starting at page 0.
func (d *Descriptor) MergeTokens(tokens []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, t := range tokens {
		d.setTokenLocked(i, t)
	}
}

// tokenFailed reports whether resolving the token of page index failed
// before.
func (d *Descriptor) tokenFailed(index int) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.failed[index]
	return ok
}

func (d *Descriptor) markTokenFailed(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failed[index] = struct{}{}
}

func (d *Descriptor) clearTokenFailed(index int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.failed, index)
}

// snapshot returns a consistent copy of the persisted fields.
func (d *Descriptor) snapshot() descriptorState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return descriptorState{
		gid:          d.GID,
		token:        d.Token,
		pages:        d.Pages,
		startPage:    d.startPage,
		listingPages: d.listingPages,
		perPage:      d.perPage,
		tokens:       maps.Clone(d.tokens),
	}
}

type descriptorState struct {
	gid          int64
	token        string
	pages        int
	startPage    int
	listingPages int
	perPage      int
	tokens       map[int]string
}

func (s descriptorState) descriptor() *Descriptor {
	d := NewDescriptor(s.gid, s.token, s.pages)
	d.startPage = s.startPage
	d.listingPages = s.listingPages
	d.perPage = s.perPage
	for i, t := range s.tokens {
		d.setTokenLocked(i, t)
	}
	return d
}
