// Package gallerycache holds the types shared by the gallery page cache:
// gallery identity, page states, access modes and the error taxonomy.
package gallerycache

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Gallery identifies a remote multi-page gallery.
type Gallery struct {
	ID    int64
	Token string
	Title string
}

// String returns "gid/token".
func (g Gallery) String() string {
	return strconv.FormatInt(g.ID, 10) + "/" + g.Token
}

var unsafeDirname = regexp.MustCompile(`[\\/:*?"<>|\x00-\x1f]+`)

// Dirname returns the durable directory name for the gallery, "<gid>-<title>",
// with characters that are unsafe in file names replaced.
func (g Gallery) Dirname() string {
	title := strings.TrimSpace(unsafeDirname.ReplaceAllString(g.Title, " "))
	title = strings.Trim(title, ".")
	if len(title) > 120 {
		title = strings.TrimSpace(title[:120])
	}
	if title == "" {
		return strconv.FormatInt(g.ID, 10)
	}
	return strconv.FormatInt(g.ID, 10) + "-" + title
}

// ImageKey returns the shared cache key for a page image.
func ImageKey(gid int64, index int) string {
	return fmt.Sprintf("image:%d:%d", gid, index)
}

// PageState is the fetch state of a single page.
type PageState int

const (
	StateNone PageState = iota
	StateDownloading
	StateFinished
	StateFailed
)

func (s PageState) String() string {
	switch s {
	case StateNone:
		return "none"
	case StateDownloading:
		return "downloading"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Done reports whether the state is terminal (finished or failed).
func (s PageState) Done() bool {
	return s == StateFinished || s == StateFailed
}

// Mode is the access mode of a gallery.
type Mode int

const (
	// ModeRead fetches pages on demand into the shared cache.
	ModeRead Mode = iota
	// ModeDownload fetches every page into the gallery's durable directory.
	ModeDownload
)

func (m Mode) String() string {
	switch m {
	case ModeRead:
		return "read"
	case ModeDownload:
		return "download"
	default:
		return "unknown"
	}
}
