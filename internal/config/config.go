package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete application configuration.
type Config struct {
	ListenAddr string           `yaml:"listen_addr" env:"LISTEN_ADDR"`
	LogLevel   string           `yaml:"log_level" env:"LOG_LEVEL"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metadata   MetadataConfig   `yaml:"metadata"`
	Storage    StorageConfig    `yaml:"storage"`
	Encryption EncryptionConfig `yaml:"encryption"`
	Rotation   RotationConfig   `yaml:"rotation"`
	Cache      CacheConfig      `yaml:"cache"`
	Audit      AuditConfig      `yaml:"audit"`
	TLS        TLSConfig        `yaml:"tls"`
	Server     ServerConfig     `yaml:"server"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

// LoggingConfig holds request logging configuration.
type LoggingConfig struct {
	AccessLogFormat string   `yaml:"access_log_format" env:"LOGGING_ACCESS_LOG_FORMAT"` // default, json, clf
	RedactHeaders   []string `yaml:"redact_headers" env:"LOGGING_REDACT_HEADERS"`
}

// MetadataConfig selects the key, image and rotation metadata store.
type MetadataConfig struct {
	Driver      string `yaml:"driver" env:"METADATA_DRIVER"` // memory, badger, postgres
	BadgerDir   string `yaml:"badger_dir" env:"METADATA_BADGER_DIR"`
	PostgresURL string `yaml:"postgres_url" env:"METADATA_POSTGRES_URL"`
}

// StorageConfig selects the image blob store.
type StorageConfig struct {
	Driver  string   `yaml:"driver" env:"STORAGE_DRIVER"` // filesystem, s3
	RootDir string   `yaml:"root_dir" env:"STORAGE_ROOT_DIR"`
	S3      S3Config `yaml:"s3"`
}

// S3Config holds S3 backend configuration.
type S3Config struct {
	Endpoint     string `yaml:"endpoint" env:"STORAGE_S3_ENDPOINT"`
	Region       string `yaml:"region" env:"STORAGE_S3_REGION"`
	Bucket       string `yaml:"bucket" env:"STORAGE_S3_BUCKET"`
	Prefix       string `yaml:"prefix" env:"STORAGE_S3_PREFIX"`
	AccessKey    string `yaml:"access_key" env:"STORAGE_S3_ACCESS_KEY"`
	SecretKey    string `yaml:"secret_key" env:"STORAGE_S3_SECRET_KEY"`
	UsePathStyle bool   `yaml:"use_path_style" env:"STORAGE_S3_USE_PATH_STYLE"`
}

// EncryptionConfig holds encryption-related configuration.
type EncryptionConfig struct {
	// Algorithm is assigned to newly created keys. Existing keys keep theirs.
	Algorithm string `yaml:"algorithm" env:"ENCRYPTION_ALGORITHM"`
}

// RotationConfig tunes the rotation engine.
type RotationConfig struct {
	DefaultBatchSize int  `yaml:"default_batch_size" env:"ROTATION_DEFAULT_BATCH_SIZE"`
	MaxBatchSize     int  `yaml:"max_batch_size" env:"ROTATION_MAX_BATCH_SIZE"`
	Concurrency      int  `yaml:"concurrency" env:"ROTATION_CONCURRENCY"`       // Images re-encrypted in parallel within a batch
	ProgressBuffer   int  `yaml:"progress_buffer" env:"ROTATION_PROGRESS_BUFFER"` // Per-subscriber progress channel size
	ResumeOnStart    bool `yaml:"resume_on_start" env:"ROTATION_RESUME_ON_START"`
	// LeaseDuration is how long a worker's claim on a rotation holds without
	// renewal before another process may take it over.
	LeaseDuration time.Duration `yaml:"lease_duration" env:"ROTATION_LEASE_DURATION"`
	// Owner identifies this process on rotation leases. Empty means host:pid.
	Owner string `yaml:"owner" env:"ROTATION_OWNER"`
}

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" env:"TLS_ENABLED"`
	CertFile string `yaml:"cert_file" env:"TLS_CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"TLS_KEY_FILE"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	ReadTimeout       time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout      time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	IdleTimeout       time.Duration `yaml:"idle_timeout" env:"SERVER_IDLE_TIMEOUT"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" env:"SERVER_READ_HEADER_TIMEOUT"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes" env:"SERVER_MAX_HEADER_BYTES"`
	MaxImageBytes     int64         `yaml:"max_image_bytes" env:"SERVER_MAX_IMAGE_BYTES"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool          `yaml:"enabled" env:"RATE_LIMIT_ENABLED"`
	Limit   int           `yaml:"limit" env:"RATE_LIMIT_REQUESTS"`
	Window  time.Duration `yaml:"window" env:"RATE_LIMIT_WINDOW"`
}

// CacheConfig holds key material cache configuration.
type CacheConfig struct {
	Enabled    bool          `yaml:"enabled" env:"CACHE_ENABLED"`
	MaxItems   int           `yaml:"max_items" env:"CACHE_MAX_ITEMS"`
	DefaultTTL time.Duration `yaml:"default_ttl" env:"CACHE_DEFAULT_TTL"`
}

// AuditConfig holds audit logging configuration.
type AuditConfig struct {
	Enabled   bool `yaml:"enabled" env:"AUDIT_ENABLED"`
	MaxEvents int  `yaml:"max_events" env:"AUDIT_MAX_EVENTS"` // Max events to keep in memory
}

// TracingConfig holds OpenTelemetry tracing configuration.
type TracingConfig struct {
	Enabled         bool    `yaml:"enabled" env:"TRACING_ENABLED"`
	ServiceName     string  `yaml:"service_name" env:"TRACING_SERVICE_NAME"`
	ServiceVersion  string  `yaml:"service_version" env:"TRACING_SERVICE_VERSION"`
	Exporter        string  `yaml:"exporter" env:"TRACING_EXPORTER"` // stdout, jaeger, otlp
	JaegerEndpoint  string  `yaml:"jaeger_endpoint" env:"TRACING_JAEGER_ENDPOINT"`
	OtlpEndpoint    string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT"`
	SamplingRatio   float64 `yaml:"sampling_ratio" env:"TRACING_SAMPLING_RATIO"`
	RedactSensitive bool    `yaml:"redact_sensitive" env:"TRACING_REDACT_SENSITIVE"`
}

// Default returns the configuration used before the file and environment
// are applied.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
		Logging: LoggingConfig{
			AccessLogFormat: "default",
			RedactHeaders:   []string{"authorization", "cookie", "x-api-key"},
		},
		Metadata: MetadataConfig{
			Driver:    "badger",
			BadgerDir: "data/metadata",
		},
		Storage: StorageConfig{
			Driver:  "filesystem",
			RootDir: "data/images",
			S3: S3Config{
				Region: "us-east-1",
			},
		},
		Encryption: EncryptionConfig{
			Algorithm: "AES256-GCM",
		},
		Rotation: RotationConfig{
			DefaultBatchSize: 100,
			MaxBatchSize:     1000,
			Concurrency:      4,
			ProgressBuffer:   16,
			ResumeOnStart:    true,
			LeaseDuration:    30 * time.Second,
		},
		Server: ServerConfig{
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      60 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			MaxHeaderBytes:    1 << 20,  // 1MB
			MaxImageBytes:     50 << 20, // 50MB
		},
		RateLimit: RateLimitConfig{
			Enabled: false,
			Limit:   100,
			Window:  60 * time.Second,
		},
		Cache: CacheConfig{
			Enabled:    true,
			MaxItems:   64,
			DefaultTTL: 5 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled:   true,
			MaxEvents: 10000,
		},
		Tracing: TracingConfig{
			Enabled:         false,
			ServiceName:     "image-keyring",
			ServiceVersion:  "dev",
			Exporter:        "stdout",
			SamplingRatio:   1.0,
			RedactSensitive: true,
		},
	}
}

// LoadConfig loads configuration from a file and environment variables.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	// Load from file if provided
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// Override with environment variables
	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envBool(name string, dst *bool) {
	if v := os.Getenv(name); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(name string, dst *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}

func envDuration(name string, dst *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func envList(name string, dst *[]string) {
	if v := os.Getenv(name); v != "" {
		parts := strings.Split(v, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		*dst = parts
	}
}

// loadFromEnv loads configuration values from environment variables.
func loadFromEnv(config *Config) {
	envString("LISTEN_ADDR", &config.ListenAddr)
	envString("LOG_LEVEL", &config.LogLevel)
	envString("LOGGING_ACCESS_LOG_FORMAT", &config.Logging.AccessLogFormat)
	envList("LOGGING_REDACT_HEADERS", &config.Logging.RedactHeaders)

	envString("METADATA_DRIVER", &config.Metadata.Driver)
	envString("METADATA_BADGER_DIR", &config.Metadata.BadgerDir)
	envString("METADATA_POSTGRES_URL", &config.Metadata.PostgresURL)

	envString("STORAGE_DRIVER", &config.Storage.Driver)
	envString("STORAGE_ROOT_DIR", &config.Storage.RootDir)
	envString("STORAGE_S3_ENDPOINT", &config.Storage.S3.Endpoint)
	envString("STORAGE_S3_REGION", &config.Storage.S3.Region)
	envString("STORAGE_S3_BUCKET", &config.Storage.S3.Bucket)
	envString("STORAGE_S3_PREFIX", &config.Storage.S3.Prefix)
	envString("STORAGE_S3_ACCESS_KEY", &config.Storage.S3.AccessKey)
	envString("STORAGE_S3_SECRET_KEY", &config.Storage.S3.SecretKey)
	envBool("STORAGE_S3_USE_PATH_STYLE", &config.Storage.S3.UsePathStyle)

	envString("ENCRYPTION_ALGORITHM", &config.Encryption.Algorithm)

	envInt("ROTATION_DEFAULT_BATCH_SIZE", &config.Rotation.DefaultBatchSize)
	envInt("ROTATION_MAX_BATCH_SIZE", &config.Rotation.MaxBatchSize)
	envInt("ROTATION_CONCURRENCY", &config.Rotation.Concurrency)
	envInt("ROTATION_PROGRESS_BUFFER", &config.Rotation.ProgressBuffer)
	envBool("ROTATION_RESUME_ON_START", &config.Rotation.ResumeOnStart)
	envDuration("ROTATION_LEASE_DURATION", &config.Rotation.LeaseDuration)
	envString("ROTATION_OWNER", &config.Rotation.Owner)

	envBool("TLS_ENABLED", &config.TLS.Enabled)
	envString("TLS_CERT_FILE", &config.TLS.CertFile)
	envString("TLS_KEY_FILE", &config.TLS.KeyFile)

	// Server timeouts from environment
	envDuration("SERVER_READ_TIMEOUT", &config.Server.ReadTimeout)
	envDuration("SERVER_WRITE_TIMEOUT", &config.Server.WriteTimeout)
	envDuration("SERVER_IDLE_TIMEOUT", &config.Server.IdleTimeout)
	envDuration("SERVER_READ_HEADER_TIMEOUT", &config.Server.ReadHeaderTimeout)
	envInt("SERVER_MAX_HEADER_BYTES", &config.Server.MaxHeaderBytes)
	if v := os.Getenv("SERVER_MAX_IMAGE_BYTES"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
			config.Server.MaxImageBytes = n
		}
	}

	envBool("RATE_LIMIT_ENABLED", &config.RateLimit.Enabled)
	envInt("RATE_LIMIT_REQUESTS", &config.RateLimit.Limit)
	envDuration("RATE_LIMIT_WINDOW", &config.RateLimit.Window)

	envBool("CACHE_ENABLED", &config.Cache.Enabled)
	envInt("CACHE_MAX_ITEMS", &config.Cache.MaxItems)
	envDuration("CACHE_DEFAULT_TTL", &config.Cache.DefaultTTL)

	envBool("AUDIT_ENABLED", &config.Audit.Enabled)
	envInt("AUDIT_MAX_EVENTS", &config.Audit.MaxEvents)

	envBool("TRACING_ENABLED", &config.Tracing.Enabled)
	envString("TRACING_SERVICE_NAME", &config.Tracing.ServiceName)
	envString("TRACING_SERVICE_VERSION", &config.Tracing.ServiceVersion)
	envString("TRACING_EXPORTER", &config.Tracing.Exporter)
	envString("TRACING_JAEGER_ENDPOINT", &config.Tracing.JaegerEndpoint)
	envString("TRACING_OTLP_ENDPOINT", &config.Tracing.OtlpEndpoint)
	if v := os.Getenv("TRACING_SAMPLING_RATIO"); v != "" {
		if ratio, err := strconv.ParseFloat(v, 64); err == nil && ratio >= 0.0 && ratio <= 1.0 {
			config.Tracing.SamplingRatio = ratio
		}
	}
	envBool("TRACING_REDACT_SENSITIVE", &config.Tracing.RedactSensitive)
}

// Validate validates the configuration and returns an error if invalid.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}

	if c.LogLevel != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[c.LogLevel] {
			return fmt.Errorf("invalid log_level: %s (must be debug, info, warn, or error)", c.LogLevel)
		}
	}

	switch c.Logging.AccessLogFormat {
	case "", "default", "json", "clf":
	default:
		return fmt.Errorf("invalid logging.access_log_format: %s (must be default, json, or clf)", c.Logging.AccessLogFormat)
	}

	switch c.Metadata.Driver {
	case "memory":
	case "badger":
		if c.Metadata.BadgerDir == "" {
			return fmt.Errorf("metadata.badger_dir is required when driver is badger")
		}
	case "postgres":
		if c.Metadata.PostgresURL == "" {
			return fmt.Errorf("metadata.postgres_url is required when driver is postgres")
		}
	default:
		return fmt.Errorf("invalid metadata.driver: %s (must be memory, badger, or postgres)", c.Metadata.Driver)
	}

	switch c.Storage.Driver {
	case "filesystem":
		if c.Storage.RootDir == "" {
			return fmt.Errorf("storage.root_dir is required when driver is filesystem")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when driver is s3")
		}
		if (c.Storage.S3.AccessKey == "") != (c.Storage.S3.SecretKey == "") {
			return fmt.Errorf("storage.s3.access_key and storage.s3.secret_key must be set together")
		}
	default:
		return fmt.Errorf("invalid storage.driver: %s (must be filesystem or s3)", c.Storage.Driver)
	}

	// Validate encryption algorithm policy
	allowed := map[string]bool{
		"AES256-GCM":        true,
		"ChaCha20-Poly1305": true,
	}
	if !allowed[strings.TrimSpace(c.Encryption.Algorithm)] {
		return fmt.Errorf("invalid encryption.algorithm: %s", c.Encryption.Algorithm)
	}

	if c.Rotation.DefaultBatchSize <= 0 {
		return fmt.Errorf("rotation.default_batch_size must be positive")
	}
	if c.Rotation.MaxBatchSize < c.Rotation.DefaultBatchSize {
		return fmt.Errorf("rotation.max_batch_size must be at least rotation.default_batch_size")
	}
	if c.Rotation.Concurrency <= 0 {
		return fmt.Errorf("rotation.concurrency must be positive")
	}
	if c.Rotation.ProgressBuffer <= 0 {
		return fmt.Errorf("rotation.progress_buffer must be positive")
	}
	if c.Rotation.LeaseDuration <= 0 {
		return fmt.Errorf("rotation.lease_duration must be positive")
	}

	if c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			return fmt.Errorf("tls.cert_file is required when TLS is enabled")
		}
		if c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.key_file is required when TLS is enabled")
		}
	}

	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return fmt.Errorf("rate_limit.limit and rate_limit.window must be positive when rate limiting is enabled")
	}

	if c.Tracing.Enabled {
		if c.Tracing.ServiceName == "" {
			return fmt.Errorf("tracing.service_name is required when tracing is enabled")
		}
		validExporters := map[string]bool{
			"stdout": true,
			"jaeger": true,
			"otlp":   true,
		}
		if !validExporters[c.Tracing.Exporter] {
			return fmt.Errorf("invalid tracing.exporter: %s (must be stdout, jaeger, or otlp)", c.Tracing.Exporter)
		}
		if c.Tracing.SamplingRatio < 0.0 || c.Tracing.SamplingRatio > 1.0 {
			return fmt.Errorf("tracing.sampling_ratio must be between 0.0 and 1.0")
		}
		if c.Tracing.Exporter == "jaeger" && c.Tracing.JaegerEndpoint == "" {
			return fmt.Errorf("tracing.jaeger_endpoint is required when exporter is jaeger")
		}
		if c.Tracing.Exporter == "otlp" && c.Tracing.OtlpEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is otlp")
		}
	}

	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	cp := *c
	cp.Logging.RedactHeaders = append([]string(nil), c.Logging.RedactHeaders...)
	return &cp
}
