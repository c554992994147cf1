package download

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// ErrLengthMismatch is returned when a body ends before or after its
// declared length.
var ErrLengthMismatch = errors.New("content-length mismatch")

// ErrWrite wraps failures writing to the destination, as opposed to
// reading the body.
var ErrWrite = errors.New("write failed")

const chunkSize = 32 * 1024

// ProgressFunc receives the bytes copied in the last chunk, the running
// total and the declared total (-1 if unknown).
type ProgressFunc func(delta, received, total int64)

// Copy copies r to w in chunks, calling progress after each chunk and
// stopping when ctx is cancelled. When total is non-negative the copied
// length must match it.
func Copy(ctx context.Context, w io.Writer, r io.Reader, total int64, progress ProgressFunc) (int64, error) {
	buf := make([]byte, chunkSize)
	var received int64
	for {
		if err := ctx.Err(); err != nil {
			return received, err
		}
		n, readErr := r.Read(buf)
		if n > 0 {
			if _, err := w.Write(buf[:n]); err != nil {
				return received, fmt.Errorf("%w: %w", ErrWrite, err)
			}
			received += int64(n)
			if progress != nil {
				progress(int64(n), received, total)
			}
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return received, fmt.Errorf("reading body: %w", readErr)
		}
	}

	if total >= 0 && received != total {
		return received, fmt.Errorf("%w: expected %d, got %d", ErrLengthMismatch, total, received)
	}
	return received, nil
}
