// Package config loads the immutable, process-wide configuration
// snapshot and the symmetric cipher used to decrypt at-rest tenant
// secrets.
package config

import (
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Class is the error class for config loading failures.
var Class = errs.Class("config")

// Backend selects the blob backend implementation.
type Backend string

// Supported blob backends.
const (
	BackendS3   Backend = "s3"
	BackendFile Backend = "file"
)

// Config is the immutable snapshot read once at process startup.
type Config struct {
	// Transport
	Host               string
	Port               int
	AdminPort          int
	RequestIDHeader    string
	AdminRequestHeader string

	// Tenancy
	IsMultitenant        bool
	TenantID             string
	XForwardedHostRegexp *regexp.Regexp
	MultitenantDatabase  string

	// Storage
	StorageBackend      Backend
	S3Bucket            string
	S3Endpoint          string
	Region              string
	FileStorageRootPath string
	FileSizeLimit       int64

	// Queue
	QueueEnabled    bool
	QueueDSN        string
	WebhookURL      string
	WebhookAPIKey   string
	SlowRetryAfter  time.Duration
	PullInterval    time.Duration
	ShutdownGrace   time.Duration
	RetryBackoffMax time.Duration

	// Auth
	JWTSecret     string
	JWTAlgorithm  string
	EncryptionKey []byte
	AnonKey       string
	ServiceKey    string
	AdminAPIKeys  []string

	// Misc
	LogLevel           string
	EnableMetrics      bool
	ImgProxyURL        string
	URLLengthLimit     int
}

// Load assembles a Config from the process environment, matching the
// variable names in spec.md §6. It fails fast when a value required by
// the selected mode (single vs multi-tenant, s3 vs file backend) is
// missing.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("")
	v.AutomaticEnv()

	bindDefaults(v)

	cfg := &Config{
		Host:                v.GetString("HOST"),
		Port:                v.GetInt("PORT"),
		AdminPort:           v.GetInt("ADMIN_PORT"),
		RequestIDHeader:     v.GetString("REQUEST_ID_HEADER"),
		AdminRequestHeader:  v.GetString("ADMIN_REQUEST_ID_HEADER"),
		IsMultitenant:       v.GetBool("IS_MULTITENANT"),
		TenantID:            v.GetString("TENANT_ID"),
		MultitenantDatabase: v.GetString("MULTITENANT_DATABASE_URL"),
		StorageBackend:      Backend(v.GetString("STORAGE_BACKEND")),
		S3Bucket:            v.GetString("STORAGE_S3_BUCKET"),
		S3Endpoint:          v.GetString("STORAGE_S3_ENDPOINT"),
		Region:              v.GetString("REGION"),
		FileStorageRootPath: v.GetString("FILE_STORAGE_BACKEND_PATH"),
		FileSizeLimit:       v.GetInt64("FILE_SIZE_LIMIT"),
		QueueEnabled:        v.GetBool("PG_QUEUE_ENABLE"),
		QueueDSN:            v.GetString("PG_QUEUE_CONNECTION_URL"),
		WebhookURL:          v.GetString("WEBHOOK_URL"),
		WebhookAPIKey:       v.GetString("WEBHOOK_API_KEY"),
		SlowRetryAfter:      30 * time.Minute,
		PullInterval:        2 * time.Second,
		ShutdownGrace:       30 * time.Second,
		RetryBackoffMax:     30 * time.Second,
		JWTSecret:           v.GetString("PGRST_JWT_SECRET"),
		JWTAlgorithm:        v.GetString("JWT_ALGORITHM"),
		AnonKey:             v.GetString("ANON_KEY"),
		ServiceKey:          v.GetString("SERVICE_KEY"),
		AdminAPIKeys:        v.GetStringSlice("ADMIN_API_KEYS"),
		LogLevel:            v.GetString("LOG_LEVEL"),
		EnableMetrics:       v.GetBool("ENABLE_DEFAULT_METRICS"),
		ImgProxyURL:         v.GetString("IMG_PROXY_URL"),
		URLLengthLimit:      v.GetInt("URL_LENGTH_LIMIT"),
	}

	if key := v.GetString("ENCRYPTION_KEY"); key != "" {
		cfg.EncryptionKey = []byte(key)
	}

	if regex := v.GetString("X_FORWARDED_HOST_REGEXP"); regex != "" {
		re, err := regexp.Compile(regex)
		if err != nil {
			return nil, Class.Wrap(fmt.Errorf("invalid X_FORWARDED_HOST_REGEXP: %w", err))
		}
		cfg.XForwardedHostRegexp = re
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func bindDefaults(v *viper.Viper) {
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 5000)
	v.SetDefault("ADMIN_PORT", 5001)
	v.SetDefault("REQUEST_ID_HEADER", "")
	v.SetDefault("ADMIN_REQUEST_ID_HEADER", "")
	v.SetDefault("STORAGE_BACKEND", string(BackendFile))
	v.SetDefault("FILE_SIZE_LIMIT", int64(50*1024*1024))
	v.SetDefault("JWT_ALGORITHM", "HS256")
	v.SetDefault("URL_LENGTH_LIMIT", 7_500)
}

func (c *Config) validate() error {
	// MultitenantDatabase backs the tenant registry's single source of
	// truth (spec.md §4.B): even a single-tenant deployment looks its
	// one tenant row up from it, so it is required in both modes.
	if c.MultitenantDatabase == "" {
		return Class.New("MULTITENANT_DATABASE_URL is required")
	}

	if c.IsMultitenant {
		if c.XForwardedHostRegexp == nil {
			return Class.New("X_FORWARDED_HOST_REGEXP is required when IS_MULTITENANT=true")
		}
	} else if c.TenantID == "" {
		return Class.New("TENANT_ID is required when IS_MULTITENANT=false")
	}

	if len(c.EncryptionKey) == 0 {
		return Class.New("ENCRYPTION_KEY is required")
	}
	if c.JWTSecret == "" {
		return Class.New("PGRST_JWT_SECRET is required")
	}

	switch c.StorageBackend {
	case BackendS3:
		if c.S3Bucket == "" {
			return Class.New("STORAGE_S3_BUCKET is required when STORAGE_BACKEND=s3")
		}
	case BackendFile:
		if c.FileStorageRootPath == "" {
			return Class.New("FILE_STORAGE_BACKEND_PATH is required when STORAGE_BACKEND=file")
		}
	default:
		return Class.New("unsupported STORAGE_BACKEND %q", c.StorageBackend)
	}

	return nil
}
