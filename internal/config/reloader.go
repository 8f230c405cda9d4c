package config

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"
)

// reloadDebounce coalesces the burst of events editors emit on save.
const reloadDebounce = 50 * time.Millisecond

// ReloadCallback is invoked with the previous and the newly loaded config.
// Returning an error keeps the previous config current.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration on file change or SIGHUP.
type ConfigReloader struct {
	path    string
	logger  *logrus.Logger
	watcher *fsnotify.Watcher
	signals chan os.Signal

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback

	stopOnce sync.Once
	stop     chan struct{}
}

// NewConfigReloader creates a reloader for path. An empty path disables file
// watching; SIGHUP is still handled.
func NewConfigReloader(path string, initial *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:    path,
		logger:  logger,
		current: initial.Clone(),
		signals: make(chan os.Signal, 1),
		stop:    make(chan struct{}),
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create file watcher: %w", err)
		}
		// Watch the directory so atomic rename-on-save is seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			_ = watcher.Close()
			return nil, fmt.Errorf("failed to watch %s: %w", path, err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run after a successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onReload = cb
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current.Clone()
}

// Start blocks, reloading on events until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		watchErrs = r.watcher.Errors
	}

	var debounce <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stop:
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce = time.After(reloadDebounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-debounce:
			debounce = nil
			r.reload("file change")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop ends Start and releases the watcher and signal handler.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		signal.Stop(r.signals)
		if r.watcher != nil {
			_ = r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	logger := r.logger.WithField("trigger", trigger)
	if r.path == "" {
		logger.Warn("Config reload requested but no config file is set")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		logger.WithError(err).Error("Config reload failed, keeping current config")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	old := r.current
	if err := r.validateReloadSafety(old, next); err != nil {
		logger.WithError(err).Error("Config reload rejected")
		return
	}
	if r.onReload != nil {
		if err := r.onReload(old.Clone(), next.Clone()); err != nil {
			logger.WithError(err).Error("Config reload callback failed, keeping current config")
			return
		}
	}
	r.current = next
	logger.Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that need a restart: the stores and
// the algorithm for new keys are bound at startup.
func (r *ConfigReloader) validateReloadSafety(old, new *Config) error {
	if old.Metadata != new.Metadata {
		return fmt.Errorf("metadata settings cannot be changed during hot reload")
	}
	if old.Storage.Driver != new.Storage.Driver || old.Storage.RootDir != new.Storage.RootDir {
		return fmt.Errorf("storage.driver and storage.root_dir cannot be changed during hot reload")
	}
	if old.Storage.S3 != new.Storage.S3 {
		return fmt.Errorf("storage.s3 cannot be changed during hot reload")
	}
	if old.Encryption.Algorithm != new.Encryption.Algorithm {
		return fmt.Errorf("encryption.algorithm cannot be changed during hot reload")
	}
	if old.TLS != new.TLS {
		return fmt.Errorf("tls settings cannot be changed during hot reload")
	}
	return nil
}
