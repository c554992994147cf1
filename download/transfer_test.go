package download

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCopyReportsProgress(t *testing.T) {
	data := strings.Repeat("x", chunkSize*2+10)

	var (
		buf    bytes.Buffer
		deltas []int64
		last   int64
	)
	n, err := Copy(context.Background(), &buf, strings.NewReader(data), int64(len(data)), func(delta, received, total int64) {
		deltas = append(deltas, delta)
		last = received
		require.Equal(t, int64(len(data)), total)
	})
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), n)
	require.Equal(t, data, buf.String())
	require.Equal(t, int64(len(data)), last)

	var sum int64
	for _, d := range deltas {
		sum += d
	}
	require.Equal(t, int64(len(data)), sum)
}

func TestCopyUnknownLength(t *testing.T) {
	var buf bytes.Buffer
	n, err := Copy(context.Background(), &buf, strings.NewReader("abc"), -1, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCopyLengthMismatch(t *testing.T) {
	var buf bytes.Buffer
	_, err := Copy(context.Background(), &buf, strings.NewReader("short"), 100, nil)
	require.ErrorIs(t, err, ErrLengthMismatch)
}

func TestCopyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var buf bytes.Buffer
	_, err := Copy(ctx, &buf, strings.NewReader("data"), -1, nil)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, buf.Len())
}

type errWriter struct{}

func (errWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestCopyDistinguishesWriteErrors(t *testing.T) {
	_, err := Copy(context.Background(), errWriter{}, strings.NewReader("data"), -1, nil)
	require.ErrorIs(t, err, ErrWrite)

	_, err = Copy(context.Background(), io.Discard, errReader{}, -1, nil)
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrWrite)
}
