// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Document store layout
	StoragePath string `yaml:"storage_path"`
	ServeFiles  bool   `yaml:"serve_files"`

	// Uploads
	MaxUploadSize int64 `yaml:"max_upload_size"`

	// Claims. DatabaseURL switches the claim store to PostgreSQL.
	DatabaseURL      string `yaml:"database_url"`
	GlobalClaimToken string `yaml:"global_claim_token"`
	GlobalClaimSalt  string `yaml:"global_claim_salt"`

	// Admin auth
	AdminJWTSecret string `yaml:"admin_jwt_secret"`
	OIDCIssuerURL  string `yaml:"oidc_issuer_url"`
	OIDCClientID   string `yaml:"oidc_client_id"`
	OIDCAdminClaim string `yaml:"oidc_admin_claim"`
	OIDCAdminValue string `yaml:"oidc_admin_value"`

	// Staging backend ("local" or "s3")
	StagingBackend string `yaml:"staging_backend"`
	S3Endpoint     string `yaml:"s3_endpoint"`
	S3Bucket       string `yaml:"s3_bucket"`
	S3AccessKey    string `yaml:"s3_access_key"`
	S3SecretKey    string `yaml:"s3_secret_key"`
	S3Region       string `yaml:"s3_region"`
	S3UseSSL       bool   `yaml:"s3_use_ssl"`

	// Reverse proxy
	NginxConfigDir string `yaml:"nginx_config_dir"`

	// Index
	RebuildWorkers int           `yaml:"rebuild_workers"`
	RebuildOnStart bool          `yaml:"rebuild_on_start"`
	WatchStore     bool          `yaml:"watch_store"`
	WatchDebounce  time.Duration `yaml:"watch_debounce"`

	// Rate limiting for mutating endpoints (0 = unlimited)
	RateLimitPerMinute int `yaml:"rate_limit_per_minute"`

	// TLS (optional, if both set the server uses HTTPS)
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
}

// DocsPath is the root of the document store.
func (c *Config) DocsPath() string {
	return filepath.Join(c.StoragePath, "doc")
}

// IndexPath is the live search index file.
func (c *Config) IndexPath() string {
	return filepath.Join(c.StoragePath, "index.db")
}

// ClaimsPath is the file claim store.
func (c *Config) ClaimsPath() string {
	return filepath.Join(c.StoragePath, "claims.json")
}

// StagingPath is where the local staging backend keeps uploads.
func (c *Config) StagingPath() string {
	return filepath.Join(c.StoragePath, "staging")
}

func defaults() *Config {
	return &Config{
		ListenAddr:     ":5000",
		MetricsAddr:    ":9090",
		LogLevel:       "info",
		LogFormat:      "json",
		StoragePath:    "/var/docat",
		MaxUploadSize:  100 * 1024 * 1024, // 100MB
		OIDCAdminClaim: "is_admin",
		OIDCAdminValue: "true",
		StagingBackend: "local",
		S3Endpoint:     "http://localhost:9000",
		S3Bucket:       "docat-staging",
		S3Region:       "us-east-1",
		WatchDebounce:  2 * time.Second,
	}
}

// Load reads configuration from DOCAT_CONFIG (if set) and the environment.
func Load() (*Config, error) {
	cfg := defaults()

	if path := os.Getenv("DOCAT_CONFIG"); path != "" {
		if err := loadFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ListenAddr = envOr("LISTEN_ADDR", cfg.ListenAddr)
	cfg.MetricsAddr = envOr("METRICS_ADDR", cfg.MetricsAddr)
	cfg.LogLevel = envOr("LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = envOr("LOG_FORMAT", cfg.LogFormat)
	cfg.StoragePath = envOr("DOCAT_STORAGE_PATH", cfg.StoragePath)
	cfg.ServeFiles = envBool("DOCAT_SERVE_FILES", cfg.ServeFiles)
	cfg.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", cfg.MaxUploadSize)
	cfg.DatabaseURL = envOr("DATABASE_URL", cfg.DatabaseURL)
	cfg.GlobalClaimToken = envOr("DOCAT_GLOBAL_CLAIM_TOKEN", cfg.GlobalClaimToken)
	cfg.GlobalClaimSalt = envOr("DOCAT_GLOBAL_CLAIM_SALT", cfg.GlobalClaimSalt)
	cfg.AdminJWTSecret = envOr("ADMIN_JWT_SECRET", cfg.AdminJWTSecret)
	cfg.OIDCIssuerURL = envOr("OIDC_ISSUER_URL", cfg.OIDCIssuerURL)
	cfg.OIDCClientID = envOr("OIDC_CLIENT_ID", cfg.OIDCClientID)
	cfg.OIDCAdminClaim = envOr("OIDC_ADMIN_CLAIM", cfg.OIDCAdminClaim)
	cfg.OIDCAdminValue = envOr("OIDC_ADMIN_VALUE", cfg.OIDCAdminValue)
	cfg.StagingBackend = envOr("STAGING_BACKEND", cfg.StagingBackend)
	cfg.S3Endpoint = envOr("S3_ENDPOINT", cfg.S3Endpoint)
	cfg.S3Bucket = envOr("S3_BUCKET", cfg.S3Bucket)
	cfg.S3AccessKey = envOr("S3_ACCESS_KEY", cfg.S3AccessKey)
	cfg.S3SecretKey = envOr("S3_SECRET_KEY", cfg.S3SecretKey)
	cfg.S3Region = envOr("S3_REGION", cfg.S3Region)
	cfg.S3UseSSL = envBool("S3_USE_SSL", cfg.S3UseSSL)
	cfg.NginxConfigDir = envOr("NGINX_CONFIG_DIR", cfg.NginxConfigDir)
	cfg.RebuildWorkers = envInt("REBUILD_WORKERS", cfg.RebuildWorkers)
	cfg.RebuildOnStart = envBool("REBUILD_ON_START", cfg.RebuildOnStart)
	cfg.WatchStore = envBool("WATCH_STORE", cfg.WatchStore)
	cfg.WatchDebounce = envDuration("WATCH_DEBOUNCE", cfg.WatchDebounce)
	cfg.RateLimitPerMinute = envInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute)
	cfg.TLSCertFile = envOr("TLS_CERT_FILE", cfg.TLSCertFile)
	cfg.TLSKeyFile = envOr("TLS_KEY_FILE", cfg.TLSKeyFile)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

func (c *Config) validate() error {
	if c.StoragePath == "" {
		return fmt.Errorf("DOCAT_STORAGE_PATH is required")
	}
	switch c.StagingBackend {
	case "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required for the s3 staging backend")
		}
	default:
		return fmt.Errorf("unknown staging backend: %s", c.StagingBackend)
	}
	if c.GlobalClaimSalt != "" && c.GlobalClaimToken == "" {
		return fmt.Errorf("DOCAT_GLOBAL_CLAIM_SALT requires DOCAT_GLOBAL_CLAIM_TOKEN")
	}
	if c.MaxUploadSize <= 0 {
		return fmt.Errorf("MAX_UPLOAD_SIZE must be positive")
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
