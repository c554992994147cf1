package content

import (
	"fmt"
	"mime"
	"strings"
)

// SupportedExtensions lists the page file extensions looked up in a gallery
// directory, in lookup order. The first entry is the default.
var SupportedExtensions = []string{".jpg", ".jpeg", ".png", ".gif", ".webp"}

// DefaultExtension is used when a content type hint is unknown.
var DefaultExtension = SupportedExtensions[0]

var contentTypeExtensions = map[string]string{
	"image/jpeg":  ".jpg",
	"image/jpg":   ".jpg",
	"image/pjpeg": ".jpg",
	"image/png":   ".png",
	"image/gif":   ".gif",
	"image/webp":  ".webp",
}

// NormalizeExtension maps a content type hint to a supported extension.
// The hint may be a MIME type ("image/png"), an extension (".png") or a
// bare name ("png"). Unknown hints map to DefaultExtension.
func NormalizeExtension(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	if hint == "" {
		return DefaultExtension
	}
	if strings.Contains(hint, "/") {
		if mt, _, err := mime.ParseMediaType(hint); err == nil {
			hint = mt
		}
		if ext, ok := contentTypeExtensions[hint]; ok {
			return ext
		}
		return DefaultExtension
	}
	if !strings.HasPrefix(hint, ".") {
		hint = "." + hint
	}
	for _, ext := range SupportedExtensions {
		if ext == hint {
			return ext
		}
	}
	return DefaultExtension
}

// PageFilename returns the gallery directory file name for a page:
// the 1-based page number zero padded to eight digits plus ext.
func PageFilename(index int, ext string) string {
	return fmt.Sprintf("%08d%s", index+1, ext)
}
