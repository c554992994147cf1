package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/spider"
)

func writeConfig(t *testing.T, name, data string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, int64(DefaultReadCacheMB), cfg.ReadCacheMB)
	require.Equal(t, int64(DefaultDescriptorCacheMB), cfg.DescriptorCacheMB)
	require.Equal(t, spider.DefaultDownloadThreads, cfg.DownloadThreads)
	require.Equal(t, spider.DefaultDecodeWorkers, cfg.DecodeWorkers)
	require.Equal(t, spider.DefaultAttempts, cfg.DownloadAttempts)
	require.Equal(t, spider.DefaultRetryDelay, cfg.RetryDelay)
	require.Equal(t, spider.DispatchLIFO, cfg.Order())
	require.Equal(t, "info", cfg.Log.Level)
	require.True(t, filepath.IsAbs(cfg.DataDir))
	require.Equal(t, filepath.Join(cfg.DataDir, "gallery_image"), cfg.ImageCacheDir())
	require.Equal(t, filepath.Join(cfg.DataDir, "spider_info"), cfg.DescriptorCacheDir())
}

func TestLoadTOML(t *testing.T) {
	path := writeConfig(t, "config.toml", `
data_dir = "/var/lib/gallery-cache"
site_url = "https://example.org"
read_cache_mb = 640
download_threads = 5
download_delay = "250ms"
dispatch_order = "nearest"

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "/var/lib/gallery-cache", cfg.DataDir)
	require.Equal(t, "https://example.org", cfg.SiteURL)
	require.Equal(t, int64(640), cfg.ReadCacheMB)
	require.Equal(t, int64(640*1024*1024), cfg.ReadCacheBytes())
	require.Equal(t, 5, cfg.DownloadThreads)
	require.Equal(t, 250*time.Millisecond, cfg.DownloadDelay)
	require.Equal(t, spider.DispatchNearest, cfg.Order())
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "json", cfg.Log.Format)
}

func TestLoadClampsRanges(t *testing.T) {
	path := writeConfig(t, "config.yaml", `
read_cache_mb: 5000
download_threads: 0
decode_workers: 12
download_attempts: -3
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, int64(MaxReadCacheMB), cfg.ReadCacheMB)
	require.Equal(t, MinDownloadThreads, cfg.DownloadThreads)
	require.Equal(t, MaxDecodeWorkers, cfg.DecodeWorkers)
	require.Equal(t, 1, cfg.DownloadAttempts)

	path = writeConfig(t, "small.yaml", "read_cache_mb: 1\n")
	cfg, err = Load(path)
	require.NoError(t, err)
	require.Equal(t, int64(MinReadCacheMB), cfg.ReadCacheMB)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("GALLERY_CACHE_DOWNLOAD_THREADS", "7")
	t.Setenv("GALLERY_CACHE_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.DownloadThreads)
	require.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	path := writeConfig(t, "config.toml", `
dispatch_order = "random"
disk_key = "md5"

[log]
format = "xml"
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown dispatch order")
	require.Contains(t, err.Error(), "invalid log format")
	require.Contains(t, err.Error(), `unknown disk key function "md5"`)
}

func TestLoadDiskKey(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "blake3", cfg.DiskKey)
	require.Equal(t, gallerycache.DiskKey("image:42:0"), cfg.KeyFunc()("image:42:0"))

	t.Setenv("GALLERY_CACHE_DISK_KEY", "xxhash")
	cfg, err = Load("")
	require.NoError(t, err)
	require.Equal(t, gallerycache.FallbackDiskKey("image:42:0"), cfg.KeyFunc()("image:42:0"))
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "reading config")
}
