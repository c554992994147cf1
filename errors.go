package gallerycache

import "errors"

// DefaultErrorMessage is reported for failures without a readable message.
const DefaultErrorMessage = "Unknown error"

var (
	// ErrNotFound is returned when a cache entry or page file does not exist.
	ErrNotFound = errors.New("not found")

	// ErrTokenResolution is returned when a page token cannot be obtained.
	ErrTokenResolution = errors.New("failed to resolve page token")

	// ErrNetwork wraps transport failures while fetching page bytes.
	ErrNetwork = errors.New("network error")

	// ErrQuotaExceeded is returned when the remote site refuses page images
	// because the account's image quota is used up. Retrying does not help.
	ErrQuotaExceeded = errors.New("image quota exceeded")

	// ErrPersist wraps failures writing page bytes to a content tier.
	ErrPersist = errors.New("failed to persist page")

	// ErrDecode wraps failures decoding stored page bytes.
	ErrDecode = errors.New("failed to decode page")

	// ErrOutOfRange is returned for page indices outside [0, pages).
	ErrOutOfRange = errors.New("page index out of range")

	// ErrDescriptorUnavailable is returned when the crawl descriptor could
	// not be loaded locally or fetched remotely.
	ErrDescriptorUnavailable = errors.New("crawl descriptor unavailable")

	// ErrStopped is returned by operations on a stopped coordinator.
	ErrStopped = errors.New("coordinator stopped")
)

// ErrorMessage returns a readable message for err, substituting
// DefaultErrorMessage when err is nil or has an empty message.
func ErrorMessage(err error) string {
	if err == nil || err.Error() == "" {
		return DefaultErrorMessage
	}
	return err.Error()
}
