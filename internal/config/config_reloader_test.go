package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel) // Reduce noise
	return logger
}

func TestNewConfigReloader(t *testing.T) {
	logger := quietLogger()

	// No file: SIGHUP only
	cfg := &Config{LogLevel: "info"}
	reloader, err := NewConfigReloader("", cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()

	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\n"), 0o644))

	reloader, err = NewConfigReloader(configPath, cfg, logger)
	require.NoError(t, err)
	require.NotNil(t, reloader)
	reloader.Stop()
	reloader.Stop() // idempotent
}

func TestConfigReloader_FileWatching(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\nmetadata:\n  driver: memory\n"), 0o644))

	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initialConfig, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	oldLevels := make(chan string, 4)
	newLevels := make(chan string, 4)
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		oldLevels <- old.LogLevel
		newLevels <- new.LogLevel
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(configPath, []byte("log_level: debug\nmetadata:\n  driver: memory\n"), 0o644))

	select {
	case old := <-oldLevels:
		assert.Equal(t, "info", old)
		assert.Equal(t, "debug", <-newLevels)
	case <-time.After(2 * time.Second):
		t.Fatal("reload callback was not called")
	}

	assert.Eventually(t, func() bool {
		return reloader.GetCurrentConfig().LogLevel == "debug"
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, atomic.LoadInt64(&callbackCalled), int64(1))
}

func TestConfigReloader_RejectsUnsafeChange(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("metadata:\n  driver: memory\n"), 0o644))

	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)

	reloader, err := NewConfigReloader(configPath, initialConfig, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	// Driven directly rather than through the watcher.
	require.NoError(t, os.WriteFile(configPath, []byte("metadata:\n  driver: badger\n  badger_dir: /tmp/x\n"), 0o644))
	reloader.reload("test")

	assert.Equal(t, int64(0), atomic.LoadInt64(&callbackCalled))
	assert.Equal(t, "memory", reloader.GetCurrentConfig().Metadata.Driver)
}

func TestConfigReloader_SIGHUP(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "test-config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("log_level: info\nmetadata:\n  driver: memory\n"), 0o644))

	initialConfig, err := LoadConfig(configPath)
	require.NoError(t, err)
	initialConfig.LogLevel = "warn"

	reloader, err := NewConfigReloader("", initialConfig, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()
	// Keep the file path for the reload but skip the watcher.
	reloader.path = configPath

	var callbackCalled int64
	reloader.SetOnReloadCallback(func(old, new *Config) error {
		atomic.AddInt64(&callbackCalled, 1)
		return nil
	})

	go reloader.Start()
	time.Sleep(100 * time.Millisecond)

	process, err := os.FindProcess(os.Getpid())
	require.NoError(t, err)
	require.NoError(t, process.Signal(syscall.SIGHUP))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt64(&callbackCalled) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}

func TestValidateReloadSafety(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	tests := []struct {
		name     string
		mutate   func(c *Config)
		errorMsg string
	}{
		{name: "safe changes allowed", mutate: func(c *Config) {
			c.LogLevel = "debug"
			c.RateLimit.Limit = 500
			c.Rotation.Concurrency = 16
		}},
		{name: "metadata driver change rejected", mutate: func(c *Config) { c.Metadata.Driver = "postgres" }, errorMsg: "metadata settings cannot be changed"},
		{name: "storage root change rejected", mutate: func(c *Config) { c.Storage.RootDir = "/elsewhere" }, errorMsg: "storage.driver and storage.root_dir"},
		{name: "s3 bucket change rejected", mutate: func(c *Config) { c.Storage.S3.Bucket = "other" }, errorMsg: "storage.s3 cannot be changed"},
		{name: "algorithm change rejected", mutate: func(c *Config) { c.Encryption.Algorithm = "ChaCha20-Poly1305" }, errorMsg: "encryption.algorithm cannot be changed"},
		{name: "tls change rejected", mutate: func(c *Config) { c.TLS.Enabled = true }, errorMsg: "tls settings cannot be changed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			old := Default()
			next := Default()
			tt.mutate(next)
			err := reloader.validateReloadSafety(old, next)
			if tt.errorMsg != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errorMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestGetCurrentConfig(t *testing.T) {
	reloader, err := NewConfigReloader("", &Config{LogLevel: "info"}, quietLogger())
	require.NoError(t, err)
	defer reloader.Stop()

	current := reloader.GetCurrentConfig()
	assert.Equal(t, "info", current.LogLevel)

	// Modify returned config (should not affect internal state)
	current.LogLevel = "debug"
	assert.Equal(t, "info", reloader.GetCurrentConfig().LogLevel)
}
