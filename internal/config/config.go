// Package config loads the YAML configuration that assembles an
// fsctx.Context, a service profile, a signer, and the network/logging/
// metrics knobs — the configuration loading this core's collaborators
// are deliberately built against interfaces for, but a runnable wiring
// still needs to construct those collaborators from somewhere.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/s3corefs/internal/apperrors"
)

// Configuration is the top-level YAML document.
type Configuration struct {
	Bucket  BucketConfig  `yaml:"bucket"`
	Auth    AuthConfig    `yaml:"auth"`
	Cache   CacheConfig   `yaml:"cache"`
	Network NetworkConfig `yaml:"network"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type BucketConfig struct {
	Endpoint     string `yaml:"endpoint"`
	Name         string `yaml:"name"`
	Region       string `yaml:"region"`
	PathStyle    bool   `yaml:"path_style"`
	HeaderPrefix string `yaml:"header_prefix"`

	MultipartUploadSupported   bool `yaml:"multipart_upload_supported"`
	MultipartDownloadSupported bool `yaml:"multipart_download_supported"`
	NextMarkerSupported        bool `yaml:"next_marker_supported"`
}

// AuthConfig selects and configures the signer. Scheme is either
// "legacy" (classic V2-style HMAC canonical string) or "sigv4".
type AuthConfig struct {
	Scheme    string `yaml:"scheme"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Service   string `yaml:"service"`
}

type CacheConfig struct {
	ExpiryTTL          time.Duration `yaml:"expiry_ttl"`
	VendorMetaPrefix   string        `yaml:"vendor_meta_prefix"`
	ReservedPrefix     string        `yaml:"reserved_prefix"`
	AmzHeaderPrefix    string        `yaml:"amz_header_prefix"`
	DefaultUID         uint32        `yaml:"default_uid"`
	DefaultGID         uint32        `yaml:"default_gid"`
	DefaultFileMode    uint32        `yaml:"default_file_mode"`
	DefaultDirMode     uint32        `yaml:"default_dir_mode"`
	DirectoryProbeKeys int           `yaml:"directory_probe_keys"`
}

type NetworkConfig struct {
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	SupervisorInterval time.Duration `yaml:"supervisor_interval"`
	WorkerPoolSize     int           `yaml:"worker_pool_size"`
	ScratchDir         string        `yaml:"scratch_dir"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// NewDefault returns a Configuration holding the defaults that
// LoadFromFile layers the YAML document onto; Validate only checks
// fields and fills nothing in.
func NewDefault() *Configuration {
	return &Configuration{
		Auth: AuthConfig{Scheme: "legacy", Service: "s3"},
		Cache: CacheConfig{
			ExpiryTTL:          30 * time.Second,
			VendorMetaPrefix:   "x-amz-meta-",
			ReservedPrefix:     "s3fuse-",
			AmzHeaderPrefix:    "x-amz-",
			DefaultUID:         0,
			DefaultGID:         0,
			DefaultFileMode:    0644,
			DefaultDirMode:     0755,
			DirectoryProbeKeys: 1,
		},
		Network: NetworkConfig{
			RequestTimeout:     30 * time.Second,
			SupervisorInterval: 500 * time.Millisecond,
			WorkerPoolSize:     8,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Addr: ":9100"},
	}
}

// LoadFromFile reads and unmarshals a YAML configuration file, layering
// it onto the defaults.
func LoadFromFile(path string) (*Configuration, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, apperrors.Transport("config.load", err)
	}
	cfg := NewDefault()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Parse("config.load", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv overlays S3COREFS_*-prefixed environment variables onto c,
// for the settings an operator typically overrides per-deployment rather
// than commits to a config file (credentials, endpoint, log level). Only
// variables that are set take effect; anything already loaded from a file
// or the defaults is left alone otherwise.
func (c *Configuration) LoadFromEnv() error {
	if val := os.Getenv("S3COREFS_BUCKET_ENDPOINT"); val != "" {
		c.Bucket.Endpoint = val
	}
	if val := os.Getenv("S3COREFS_BUCKET_NAME"); val != "" {
		c.Bucket.Name = val
	}
	if val := os.Getenv("S3COREFS_BUCKET_REGION"); val != "" {
		c.Bucket.Region = val
	}
	if val := os.Getenv("S3COREFS_BUCKET_PATH_STYLE"); val != "" {
		c.Bucket.PathStyle = strings.ToLower(val) == "true"
	}

	if val := os.Getenv("S3COREFS_AUTH_SCHEME"); val != "" {
		c.Auth.Scheme = val
	}
	if val := os.Getenv("S3COREFS_AUTH_ACCESS_KEY"); val != "" {
		c.Auth.AccessKey = val
	}
	if val := os.Getenv("S3COREFS_AUTH_SECRET_KEY"); val != "" {
		c.Auth.SecretKey = val
	}
	if val := os.Getenv("S3COREFS_AUTH_SERVICE"); val != "" {
		c.Auth.Service = val
	}

	if val := os.Getenv("S3COREFS_CACHE_EXPIRY_TTL"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return apperrors.Validation("config.loadenv", fmt.Sprintf("invalid S3COREFS_CACHE_EXPIRY_TTL: %v", err))
		}
		c.Cache.ExpiryTTL = d
	}

	if val := os.Getenv("S3COREFS_NETWORK_REQUEST_TIMEOUT"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return apperrors.Validation("config.loadenv", fmt.Sprintf("invalid S3COREFS_NETWORK_REQUEST_TIMEOUT: %v", err))
		}
		c.Network.RequestTimeout = d
	}
	if val := os.Getenv("S3COREFS_NETWORK_WORKER_POOL_SIZE"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return apperrors.Validation("config.loadenv", fmt.Sprintf("invalid S3COREFS_NETWORK_WORKER_POOL_SIZE: %v", err))
		}
		c.Network.WorkerPoolSize = n
	}
	if val := os.Getenv("S3COREFS_NETWORK_SCRATCH_DIR"); val != "" {
		c.Network.ScratchDir = val
	}

	if val := os.Getenv("S3COREFS_LOG_LEVEL"); val != "" {
		c.Logging.Level = val
	}
	if val := os.Getenv("S3COREFS_LOG_FORMAT"); val != "" {
		c.Logging.Format = val
	}

	if val := os.Getenv("S3COREFS_METRICS_ENABLED"); val != "" {
		c.Metrics.Enabled = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("S3COREFS_METRICS_ADDR"); val != "" {
		c.Metrics.Addr = val
	}

	return nil
}

// Validate checks that the fields required to construct a runnable
// wiring are present.
func (c *Configuration) Validate() error {
	if c.Bucket.Endpoint == "" {
		return apperrors.Validation("config.validate", "bucket.endpoint is required")
	}
	if c.Bucket.Name == "" {
		return apperrors.Validation("config.validate", "bucket.name is required")
	}
	switch c.Auth.Scheme {
	case "legacy", "sigv4":
	default:
		return apperrors.Validation("config.validate", fmt.Sprintf("unknown auth.scheme %q", c.Auth.Scheme))
	}
	if c.Auth.AccessKey == "" || c.Auth.SecretKey == "" {
		return apperrors.Validation("config.validate", "auth.access_key and auth.secret_key are required")
	}
	if c.Network.WorkerPoolSize <= 0 {
		return apperrors.Validation("config.validate", "network.worker_pool_size must be positive")
	}
	return nil
}
