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

// ReloadCallback is invoked after a new configuration has been loaded and
// validated. Returning an error keeps the previous configuration active.
type ReloadCallback func(old, new *Config) error

// ConfigReloader reloads the configuration on file change or SIGHUP.
type ConfigReloader struct {
	path     string
	logger   *logrus.Logger
	watcher  *fsnotify.Watcher
	signals  chan os.Signal
	stop     chan struct{}
	stopOnce sync.Once
	debounce time.Duration

	mu       sync.RWMutex
	current  *Config
	onReload ReloadCallback
}

// NewConfigReloader creates a reloader for the config at path. An empty path
// disables file watching and only SIGHUP triggers a reload.
func NewConfigReloader(path string, cfg *Config, logger *logrus.Logger) (*ConfigReloader, error) {
	r := &ConfigReloader{
		path:     path,
		logger:   logger,
		signals:  make(chan os.Signal, 1),
		stop:     make(chan struct{}),
		debounce: 100 * time.Millisecond,
		current:  cfg,
	}

	if path != "" {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("failed to create config watcher: %w", err)
		}
		// Watch the directory so atomic rename-based saves are seen.
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			watcher.Close()
			return nil, fmt.Errorf("failed to watch config directory: %w", err)
		}
		r.watcher = watcher
	}

	signal.Notify(r.signals, syscall.SIGHUP)
	return r, nil
}

// SetOnReloadCallback registers the callback run on every successful reload.
func (r *ConfigReloader) SetOnReloadCallback(cb ReloadCallback) {
	r.mu.Lock()
	r.onReload = cb
	r.mu.Unlock()
}

// GetCurrentConfig returns a copy of the active configuration.
func (r *ConfigReloader) GetCurrentConfig() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := *r.current
	return &cp
}

// Start runs the reload loop until Stop is called.
func (r *ConfigReloader) Start() {
	var events <-chan fsnotify.Event
	var errs <-chan error
	if r.watcher != nil {
		events = r.watcher.Events
		errs = r.watcher.Errors
	}

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(r.path)

	for {
		select {
		case <-r.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(r.debounce)
			} else {
				timer.Reset(r.debounce)
			}
			fire = timer.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			r.logger.WithError(err).Warn("Config watcher error")
		case <-fire:
			fire = nil
			r.reload("file change")
		case <-r.signals:
			r.reload("SIGHUP")
		}
	}
}

// Stop terminates the reload loop and releases the watcher.
func (r *ConfigReloader) Stop() {
	r.stopOnce.Do(func() {
		signal.Stop(r.signals)
		close(r.stop)
		if r.watcher != nil {
			r.watcher.Close()
		}
	})
}

func (r *ConfigReloader) reload(trigger string) {
	if r.path == "" {
		r.logger.WithField("trigger", trigger).Debug("Config reload requested without a config file")
		return
	}

	next, err := LoadConfig(r.path)
	if err != nil {
		r.logger.WithError(err).WithField("trigger", trigger).Error("Config reload failed, keeping current configuration")
		return
	}

	r.mu.RLock()
	old := r.current
	cb := r.onReload
	r.mu.RUnlock()

	if err := r.validateReloadSafety(old, next); err != nil {
		r.logger.WithError(err).Error("Config reload rejected")
		return
	}

	if cb != nil {
		if err := cb(old, next); err != nil {
			r.logger.WithError(err).Error("Config reload callback failed, keeping current configuration")
			return
		}
	}

	r.mu.Lock()
	r.current = next
	r.mu.Unlock()

	r.logger.WithFields(logrus.Fields{
		"trigger":   trigger,
		"log_level": next.LogLevel,
	}).Info("Configuration reloaded")
}

// validateReloadSafety rejects changes that cannot be applied to a running
// process because they would orphan cached keys or stored content.
func (r *ConfigReloader) validateReloadSafety(old, next *Config) error {
	if old.Store.Backend != next.Store.Backend {
		return fmt.Errorf("store.backend cannot be changed during hot reload")
	}
	if old.Keystore.Path != next.Keystore.Path {
		return fmt.Errorf("keystore.path cannot be changed during hot reload")
	}
	if old.Keystore.Secret != next.Keystore.Secret {
		return fmt.Errorf("keystore.secret cannot be changed during hot reload")
	}
	if old.AccessControl.Endpoint != next.AccessControl.Endpoint {
		return fmt.Errorf("access_control.endpoint cannot be changed during hot reload")
	}
	if old.Uploader.ChunkSize != next.Uploader.ChunkSize {
		return fmt.Errorf("uploader.chunk_size cannot be changed during hot reload")
	}
	return nil
}
