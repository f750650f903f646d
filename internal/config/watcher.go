package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"sessionchat/internal/models"
)

const defaultWatchInterval = 5 * time.Second

// Change names one configuration field whose value differs after a reload.
type Change struct {
	Field string
	// Restart is set for fields that only take effect on the next start.
	Restart bool
}

// ConfigWatcher polls the configuration file and hands reloaded
// configurations to registered callbacks when a hot-reloadable field
// changed. Fields that need a restart are only reported.
type ConfigWatcher struct {
	configPath string
	logger     *logrus.Logger
	interval   time.Duration

	mu        sync.RWMutex
	config    *models.Config
	digest    [sha256.Size]byte
	callbacks []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		logger:     logger,
		interval:   defaultWatchInterval,
	}
}

// Start loads the configuration and then polls for changes until ctx is done.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	raw, err := os.ReadFile(cw.configPath) // #nosec G304 - validated by LoadConfig
	if err != nil {
		return err
	}
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.digest = sha256.Sum256(raw)
	cw.mu.Unlock()

	cw.logger.WithField("path", cw.configPath).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil
		case <-ticker.C:
			cw.poll()
		}
	}
}

func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

// OnConfigChange registers a callback run after a reload that changed at
// least one hot-reloadable field.
func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

func (cw *ConfigWatcher) poll() {
	raw, err := os.ReadFile(cw.configPath) // #nosec G304 - validated by LoadConfig
	if err != nil {
		cw.logger.WithError(err).Error("Failed to read configuration file")
		return
	}
	sum := sha256.Sum256(raw)

	cw.mu.RLock()
	unchanged := bytes.Equal(sum[:], cw.digest[:])
	cw.mu.RUnlock()
	if unchanged {
		return
	}

	next, err := LoadConfig(cw.configPath)
	if err != nil {
		// Keep the last good configuration; retry once the file changes again.
		cw.logger.WithError(err).Error("Failed to reload configuration")
		cw.mu.Lock()
		cw.digest = sum
		cw.mu.Unlock()
		return
	}

	cw.mu.Lock()
	prev := cw.config
	cw.config = next
	cw.digest = sum
	callbacks := slices.Clone(cw.callbacks)
	cw.mu.Unlock()

	changes := Diff(prev, next)
	hot := false
	for _, c := range changes {
		entry := cw.logger.WithField("field", c.Field)
		if c.Restart {
			entry.Warn("Configuration field changed; restart required for it to take effect")
			continue
		}
		hot = true
		entry.Info("Configuration field reloaded")
	}
	if !hot {
		return
	}

	for _, cb := range callbacks {
		cw.runCallback(cb, next)
	}
}

func (cw *ConfigWatcher) runCallback(cb func(*models.Config), c *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(c)
}

// Diff lists the fields that differ between two configurations.
func Diff(old, next *models.Config) []Change {
	if old == nil || next == nil {
		return nil
	}
	var out []Change
	add := func(changed bool, field string, restart bool) {
		if changed {
			out = append(out, Change{Field: field, Restart: restart})
		}
	}

	add(old.LogLevel != next.LogLevel, "log_level", false)
	add(old.RetentionDays != next.RetentionDays, "retention_days", true)
	add(old.Gateway != next.Gateway, "gateway", true)
	add(old.Identity != next.Identity, "identity", true)
	add(old.Database != next.Database, "database", true)
	add(old.Server != next.Server, "server", true)
	add(old.Notifier != next.Notifier, "notifier", true)
	add(old.Tracing != next.Tracing, "tracing", true)
	add(old.Presence != next.Presence, "presence", true)
	add(old.Typing != next.Typing, "typing", true)
	add(old.Delivery != next.Delivery, "delivery", true)
	add(old.KeyExchange != next.KeyExchange, "key_exchange", true)
	add(old.Router != next.Router, "router", true)
	return out
}
