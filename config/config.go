// Package config loads gallery-cache settings from a file, the environment
// and defaults.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	gallerycache "github.com/wolfeidau/gallery-cache"
	"github.com/wolfeidau/gallery-cache/spider"
)

// EnvPrefix prefixes environment overrides, e.g. GALLERY_CACHE_DATA_DIR.
const EnvPrefix = "GALLERY_CACHE"

// Limits applied by Load.
const (
	MinReadCacheMB     = 40
	MaxReadCacheMB     = 1280
	DefaultReadCacheMB = 320

	MinDownloadThreads = 1
	MaxDownloadThreads = 10

	MinDecodeWorkers = 1
	MaxDecodeWorkers = 4

	DefaultDescriptorCacheMB = 20
)

// Config is the complete gallery-cache configuration.
type Config struct {
	DataDir     string `mapstructure:"data_dir"`
	DownloadDir string `mapstructure:"download_dir"`
	SiteURL     string `mapstructure:"site_url"`
	Credentials string `mapstructure:"credentials"`

	ReadCacheMB       int64  `mapstructure:"read_cache_mb"`
	DescriptorCacheMB int64  `mapstructure:"descriptor_cache_mb"`
	DiskKey           string `mapstructure:"disk_key"`

	DownloadThreads  int           `mapstructure:"download_threads"`
	DecodeWorkers    int           `mapstructure:"decode_workers"`
	DownloadAttempts int           `mapstructure:"download_attempts"`
	RetryDelay       time.Duration `mapstructure:"retry_delay"`
	DownloadDelay    time.Duration `mapstructure:"download_delay"`
	DispatchOrder    string        `mapstructure:"dispatch_order"`
	RequestTimeout   time.Duration `mapstructure:"request_timeout"`

	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig configures metrics export.
type MetricsConfig struct {
	Listen       string `mapstructure:"listen"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

// ReadCacheBytes returns the tier A cache size in bytes.
func (c *Config) ReadCacheBytes() int64 {
	return c.ReadCacheMB * 1024 * 1024
}

// DescriptorCacheBytes returns the descriptor cache size in bytes.
func (c *Config) DescriptorCacheBytes() int64 {
	return c.DescriptorCacheMB * 1024 * 1024
}

// ImageCacheDir returns the tier A cache directory.
func (c *Config) ImageCacheDir() string {
	return filepath.Join(c.DataDir, "gallery_image")
}

// DescriptorCacheDir returns the fast local descriptor cache directory.
func (c *Config) DescriptorCacheDir() string {
	return filepath.Join(c.DataDir, "spider_info")
}

// LocationsPath returns the durable directory name database.
func (c *Config) LocationsPath() string {
	return filepath.Join(c.DataDir, "locations.db")
}

// Order returns the parsed dispatch order.
func (c *Config) Order() spider.DispatchOrder {
	o, err := spider.ParseDispatchOrder(c.DispatchOrder)
	if err != nil {
		return spider.DispatchLIFO
	}
	return o
}

// KeyFunc returns the cache file name function selected by disk_key.
func (c *Config) KeyFunc() gallerycache.KeyFunc {
	fn, err := gallerycache.KeyFuncByName(c.DiskKey)
	if err != nil {
		return gallerycache.DiskKey
	}
	return fn
}

// Load reads the file at path, if not empty, applies environment overrides
// and defaults, then clamps and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.clamp()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	for _, dir := range []*string{&cfg.DataDir, &cfg.DownloadDir} {
		if *dir == "" {
			continue
		}
		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", *dir, err)
		}
		*dir = abs
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("download_dir", "./galleries")
	v.SetDefault("site_url", "")
	v.SetDefault("credentials", "")
	v.SetDefault("read_cache_mb", DefaultReadCacheMB)
	v.SetDefault("descriptor_cache_mb", DefaultDescriptorCacheMB)
	v.SetDefault("disk_key", "blake3")
	v.SetDefault("download_threads", spider.DefaultDownloadThreads)
	v.SetDefault("decode_workers", spider.DefaultDecodeWorkers)
	v.SetDefault("download_attempts", spider.DefaultAttempts)
	v.SetDefault("retry_delay", spider.DefaultRetryDelay)
	v.SetDefault("download_delay", time.Duration(0))
	v.SetDefault("dispatch_order", string(spider.DispatchLIFO))
	v.SetDefault("request_timeout", 30*time.Second)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
	v.SetDefault("metrics.listen", "")
	v.SetDefault("metrics.otlp_endpoint", "")
}

func (c *Config) clamp() {
	c.ReadCacheMB = min(max(c.ReadCacheMB, MinReadCacheMB), MaxReadCacheMB)
	c.DownloadThreads = min(max(c.DownloadThreads, MinDownloadThreads), MaxDownloadThreads)
	c.DecodeWorkers = min(max(c.DecodeWorkers, MinDecodeWorkers), MaxDecodeWorkers)
	c.DownloadAttempts = max(c.DownloadAttempts, 1)
	if c.DescriptorCacheMB <= 0 {
		c.DescriptorCacheMB = DefaultDescriptorCacheMB
	}
	c.RetryDelay = max(c.RetryDelay, 0)
	c.DownloadDelay = max(c.DownloadDelay, 0)
}

// Validate reports settings that cannot be clamped into range.
func (c *Config) Validate() error {
	var errs []error
	if c.DataDir == "" {
		errs = append(errs, errors.New("data_dir must be set"))
	}
	if _, err := spider.ParseDispatchOrder(c.DispatchOrder); err != nil {
		errs = append(errs, err)
	}
	if _, err := gallerycache.KeyFuncByName(c.DiskKey); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("invalid log level %q", c.Log.Level))
	}
	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("invalid log format %q", c.Log.Format))
	}
	return errors.Join(errs...)
}
