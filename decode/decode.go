// Package decode turns stored page bytes into images.
package decode

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register gif
	_ "image/jpeg" // register jpeg
	_ "image/png"  // register png
	"io"

	_ "golang.org/x/image/bmp"  // register bmp
	_ "golang.org/x/image/webp" // register webp
)

// DefaultMaxPixels bounds decoded image dimensions.
const DefaultMaxPixels = 64 * 1024 * 1024

// headerSize is how much of a page is buffered to read its dimensions.
const headerSize = 64 * 1024

// ErrTooLarge is returned for images whose dimensions exceed the limit.
var ErrTooLarge = errors.New("image too large")

// ImageDecoder decodes any registered image format.
type ImageDecoder struct {
	maxPixels int
}

// Option configures an ImageDecoder.
type Option func(*ImageDecoder)

// WithMaxPixels sets the largest width*height accepted.
func WithMaxPixels(n int) Option {
	return func(d *ImageDecoder) {
		d.maxPixels = n
	}
}

// New returns a decoder for jpeg, png, gif, webp and bmp pages.
func New(opts ...Option) *ImageDecoder {
	d := &ImageDecoder{maxPixels: DefaultMaxPixels}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode checks the image dimensions from its header, then decodes it.
func (d *ImageDecoder) Decode(r io.Reader) (image.Image, error) {
	br := bufio.NewReaderSize(r, headerSize)
	header, err := br.Peek(headerSize)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading image header: %w", err)
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(header))
	switch {
	case err == nil:
		if d.maxPixels > 0 && cfg.Width*cfg.Height > d.maxPixels {
			return nil, fmt.Errorf("%w: %s %dx%d", ErrTooLarge, format, cfg.Width, cfg.Height)
		}
	case len(header) < headerSize:
		// the whole image fit in the header
		return nil, fmt.Errorf("decoding image header: %w", err)
	}

	img, format, err := image.Decode(br)
	if err != nil {
		return nil, fmt.Errorf("decoding %s image: %w", format, err)
	}
	return img, nil
}

// Format returns the registered format name of the image in r.
func Format(r io.Reader) (string, error) {
	_, format, err := image.DecodeConfig(r)
	if err != nil {
		return "", err
	}
	return format, nil
}
