package content

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeExtension(t *testing.T) {
	tests := []struct {
		hint string
		want string
	}{
		{"", ".jpg"},
		{"image/png", ".png"},
		{"image/jpeg; charset=binary", ".jpg"},
		{"IMAGE/WEBP", ".webp"},
		{"application/octet-stream", ".jpg"},
		{".gif", ".gif"},
		{"jpeg", ".jpeg"},
		{"png", ".png"},
		{"tiff", ".jpg"},
	}
	for _, tt := range tests {
		t.Run(tt.hint, func(t *testing.T) {
			require.Equal(t, tt.want, NormalizeExtension(tt.hint))
		})
	}
}

func TestPageFilename(t *testing.T) {
	require.Equal(t, "00000001.jpg", PageFilename(0, ".jpg"))
	require.Equal(t, "00000124.png", PageFilename(123, ".png"))
}

func TestLocations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "locations.db")
	locs, err := OpenLocations(path)
	require.NoError(t, err)

	_, ok, err := locs.Dirname(1)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, locs.PutDirname(1, "1-first"))
	require.NoError(t, locs.Close())

	locs, err = OpenLocations(path)
	require.NoError(t, err)
	defer func() { _ = locs.Close() }()

	name, ok, err := locs.Dirname(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "1-first", name)
}
