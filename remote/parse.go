package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/wolfeidau/gallery-cache/spider"
)

// ErrParse is returned when a page does not have the expected structure.
var ErrParse = errors.New("unexpected page structure")

var (
	pageLinkPattern  = regexp.MustCompile(`/s/([0-9a-zA-Z]+)/(\d+)-(\d+)`)
	firstIntPattern  = regexp.MustCompile(`\d[\d,]*`)
	imagelistPattern = regexp.MustCompile(`(?s)var\s+imagelist\s*=\s*(\[.*?\]);`)
	mirrorKeyPattern = regexp.MustCompile(`return nl\('([^)']+)'\)`)
)

// ParseListing parses a gallery listing page. The page count comes from the
// "Length" detail row, the listing page count from the pager and the page
// tokens from the thumbnail links.
func ParseListing(body []byte, gid int64) (*spider.Listing, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML: %w", ErrParse, err)
	}

	l := &spider.Listing{}
	doc.Find("#gdd tr").EachWithBreak(func(_ int, row *goquery.Selection) bool {
		label := strings.TrimSpace(row.Find(".gdt1").Text())
		if !strings.EqualFold(strings.TrimSuffix(label, ":"), "length") {
			return true
		}
		l.Pages = firstInt(row.Find(".gdt2").Text())
		return false
	})
	if l.Pages <= 0 {
		return nil, fmt.Errorf("%w: page count not found", ErrParse)
	}

	doc.Find("table.ptt td").Each(func(_ int, td *goquery.Selection) {
		if n, err := strconv.Atoi(strings.TrimSpace(td.Text())); err == nil {
			l.ListingPages = max(l.ListingPages, n)
		}
	})

	seen := make(map[int]bool)
	doc.Find("#gdt a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		m := pageLinkPattern.FindStringSubmatch(href)
		if m == nil {
			return
		}
		if id, err := strconv.ParseInt(m[2], 10, 64); err != nil || id != gid {
			return
		}
		page, err := strconv.Atoi(m[3])
		if err != nil || page < 1 || page > l.Pages || seen[page-1] {
			return
		}
		seen[page-1] = true
		l.Entries = append(l.Entries, spider.TokenEntry{Index: page - 1, Token: m[1]})
	})
	return l, nil
}

type viewerImage struct {
	Key string `json:"k"`
}

// ParseViewerTokens extracts the page tokens, in page order, from the
// multi-page viewer's image list.
func ParseViewerTokens(body []byte) ([]string, error) {
	m := imagelistPattern.FindSubmatch(body)
	if m == nil {
		return nil, fmt.Errorf("%w: image list not found", ErrParse)
	}
	var images []viewerImage
	if err := json.Unmarshal(m[1], &images); err != nil {
		return nil, fmt.Errorf("%w: decoding image list: %w", ErrParse, err)
	}
	tokens := make([]string, len(images))
	for i, img := range images {
		tokens[i] = img.Key
	}
	return tokens, nil
}

// PageView is the parsed page view of one page.
type PageView struct {
	// ImageURL is the image source, possibly relative.
	ImageURL string
	// MirrorKey asks the site for the image from another server when sent
	// back as the nl query parameter. Empty if the page offers none.
	MirrorKey string
}

// ParsePageView extracts the image source and mirror key from a page view.
func ParsePageView(body []byte) (*PageView, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML: %w", ErrParse, err)
	}
	src, ok := doc.Find("img#img").Attr("src")
	if !ok || strings.TrimSpace(src) == "" {
		return nil, fmt.Errorf("%w: image not found", ErrParse)
	}
	view := &PageView{ImageURL: strings.TrimSpace(src)}
	doc.Find("a[onclick]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		onclick, _ := a.Attr("onclick")
		if m := mirrorKeyPattern.FindStringSubmatch(onclick); m != nil {
			view.MirrorKey = m[1]
			return false
		}
		return true
	})
	return view, nil
}

// quotaExceeded reports whether the site substituted its quota notice for
// the image.
func quotaExceeded(imageURL string) bool {
	if u, err := url.Parse(imageURL); err == nil {
		imageURL = u.Path
	}
	return strings.HasSuffix(imageURL, "/509.gif") || strings.HasSuffix(imageURL, "/509s.gif")
}

func firstInt(s string) int {
	m := firstIntPattern.FindString(s)
	if m == "" {
		return 0
	}
	n, err := strconv.Atoi(strings.ReplaceAll(m, ",", ""))
	if err != nil {
		return 0
	}
	return n
}
