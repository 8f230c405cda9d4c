package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	config, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if config.ListenAddr != ":8080" {
		t.Errorf("expected ListenAddr :8080, got %s", config.ListenAddr)
	}
	if config.LogLevel != "info" {
		t.Errorf("expected LogLevel info, got %s", config.LogLevel)
	}
	if config.Metadata.Driver != "badger" {
		t.Errorf("expected metadata driver badger, got %s", config.Metadata.Driver)
	}
	if config.Encryption.Algorithm != "AES256-GCM" {
		t.Errorf("expected algorithm AES256-GCM, got %s", config.Encryption.Algorithm)
	}
	if config.Rotation.DefaultBatchSize != 100 || config.Rotation.MaxBatchSize != 1000 {
		t.Errorf("unexpected rotation batch defaults: %+v", config.Rotation)
	}
	if !config.Rotation.ResumeOnStart {
		t.Error("expected rotation.resume_on_start to default to true")
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("LISTEN_ADDR", ":9090")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("METADATA_DRIVER", "postgres")
	t.Setenv("METADATA_POSTGRES_URL", "postgres://localhost/keyring")
	t.Setenv("STORAGE_DRIVER", "s3")
	t.Setenv("STORAGE_S3_BUCKET", "images")
	t.Setenv("STORAGE_S3_ENDPOINT", "http://localhost:9000")
	t.Setenv("ROTATION_DEFAULT_BATCH_SIZE", "25")
	t.Setenv("ROTATION_CONCURRENCY", "8")
	t.Setenv("ROTATION_RESUME_ON_START", "false")
	t.Setenv("CACHE_DEFAULT_TTL", "30s")
	t.Setenv("LOGGING_REDACT_HEADERS", "authorization, x-actor")

	config, err := LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, ":9090", config.ListenAddr)
	assert.Equal(t, "debug", config.LogLevel)
	assert.Equal(t, "postgres", config.Metadata.Driver)
	assert.Equal(t, "postgres://localhost/keyring", config.Metadata.PostgresURL)
	assert.Equal(t, "s3", config.Storage.Driver)
	assert.Equal(t, "images", config.Storage.S3.Bucket)
	assert.Equal(t, "http://localhost:9000", config.Storage.S3.Endpoint)
	assert.Equal(t, 25, config.Rotation.DefaultBatchSize)
	assert.Equal(t, 8, config.Rotation.Concurrency)
	assert.False(t, config.Rotation.ResumeOnStart)
	assert.Equal(t, 30*time.Second, config.Cache.DefaultTTL)
	assert.Equal(t, []string{"authorization", "x-actor"}, config.Logging.RedactHeaders)
}

func TestLoadConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := `listen_addr: ":7070"
metadata:
  driver: memory
storage:
  driver: filesystem
  root_dir: /var/lib/images
encryption:
  algorithm: ChaCha20-Poly1305
rotation:
  default_batch_size: 10
  max_batch_size: 50
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, ":7070", config.ListenAddr)
	assert.Equal(t, "memory", config.Metadata.Driver)
	assert.Equal(t, "/var/lib/images", config.Storage.RootDir)
	assert.Equal(t, "ChaCha20-Poly1305", config.Encryption.Algorithm)
	assert.Equal(t, 10, config.Rotation.DefaultBatchSize)
	assert.Equal(t, 4, config.Rotation.Concurrency, "unset fields keep defaults")
}

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	config, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, ":8080", config.ListenAddr)
}

func TestLoadConfig_InvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: [unterminated"), 0o644))

	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{name: "defaults are valid", mutate: func(c *Config) {}},
		{name: "missing listen addr", mutate: func(c *Config) { c.ListenAddr = "" }, wantErr: true},
		{name: "invalid log level", mutate: func(c *Config) { c.LogLevel = "verbose" }, wantErr: true},
		{name: "invalid access log format", mutate: func(c *Config) { c.Logging.AccessLogFormat = "xml" }, wantErr: true},
		{name: "unknown metadata driver", mutate: func(c *Config) { c.Metadata.Driver = "sqlite" }, wantErr: true},
		{name: "badger without dir", mutate: func(c *Config) { c.Metadata.BadgerDir = "" }, wantErr: true},
		{name: "postgres without url", mutate: func(c *Config) { c.Metadata.Driver = "postgres" }, wantErr: true},
		{name: "memory metadata", mutate: func(c *Config) { c.Metadata.Driver = "memory" }},
		{name: "filesystem without root", mutate: func(c *Config) { c.Storage.RootDir = "" }, wantErr: true},
		{name: "s3 without bucket", mutate: func(c *Config) { c.Storage.Driver = "s3" }, wantErr: true},
		{
			name: "s3 with half credentials",
			mutate: func(c *Config) {
				c.Storage.Driver = "s3"
				c.Storage.S3.Bucket = "images"
				c.Storage.S3.AccessKey = "key"
			},
			wantErr: true,
		},
		{
			name: "s3 with ambient credentials",
			mutate: func(c *Config) {
				c.Storage.Driver = "s3"
				c.Storage.S3.Bucket = "images"
			},
		},
		{name: "unknown algorithm", mutate: func(c *Config) { c.Encryption.Algorithm = "DES" }, wantErr: true},
		{name: "zero batch size", mutate: func(c *Config) { c.Rotation.DefaultBatchSize = 0 }, wantErr: true},
		{name: "max below default", mutate: func(c *Config) { c.Rotation.MaxBatchSize = 10 }, wantErr: true},
		{name: "zero concurrency", mutate: func(c *Config) { c.Rotation.Concurrency = 0 }, wantErr: true},
		{name: "zero lease", mutate: func(c *Config) { c.Rotation.LeaseDuration = 0 }, wantErr: true},
		{name: "tls without cert", mutate: func(c *Config) { c.TLS.Enabled = true }, wantErr: true},
		{
			name: "tracing otlp without endpoint",
			mutate: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "otlp"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := Default()
			tt.mutate(c)
			err := c.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_CloneIsDeep(t *testing.T) {
	c := Default()
	cp := c.Clone()
	cp.Logging.RedactHeaders[0] = "changed"
	assert.NotEqual(t, "changed", c.Logging.RedactHeaders[0])
}
