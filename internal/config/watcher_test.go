package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessionchat/internal/models"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel)
	return logger
}

func watcherConfig(level string) string {
	return `{"gateway": {"url": "ws://h/ws"}, "identity": {"sessionId": "` + testSessionID + `"}, "database": {"path": "x.db"}, "log_level": "` + level + `"}`
}

func TestNewConfigWatcher(t *testing.T) {
	logger := quietLogger()
	watcher := NewConfigWatcher("config.json", logger)

	assert.Equal(t, "config.json", watcher.configPath)
	assert.Equal(t, defaultWatchInterval, watcher.interval)
	assert.Empty(t, watcher.callbacks)
	assert.Nil(t, watcher.GetConfig())
}

func TestConfigWatcher_Start_InvalidPath(t *testing.T) {
	watcher := NewConfigWatcher(filepath.Join(t.TempDir(), "missing.json"), quietLogger())
	assert.Error(t, watcher.Start(context.Background()))
}

func TestConfigWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", watcherConfig("info"))

	watcher := NewConfigWatcher(path, quietLogger())
	watcher.interval = 10 * time.Millisecond

	var mu sync.Mutex
	var seen []string
	watcher.OnConfigChange(func(c *models.Config) {
		mu.Lock()
		seen = append(seen, c.LogLevel)
		mu.Unlock()
	})
	watcher.OnConfigChange(func(*models.Config) { panic("callback failure is contained") })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	require.Eventually(t, func() bool { return watcher.GetConfig() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "info", watcher.GetConfig().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte(watcherConfig("warn")), 0o600))
	future := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	require.Eventually(t, func() bool {
		return watcher.GetConfig().LogLevel == "warn"
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"warn"}, seen)
	mu.Unlock()

	cancel()
	assert.NoError(t, <-done)
}

func TestConfigWatcher_KeepsConfigOnInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", watcherConfig("info"))

	watcher := NewConfigWatcher(path, quietLogger())
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	watcher.config = cfg

	require.NoError(t, os.WriteFile(path, []byte(`{"gateway":`), 0o600))
	watcher.poll()
	assert.Same(t, cfg, watcher.GetConfig())
}

func TestConfigWatcher_RestartOnlyChangesSkipCallbacks(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.json", watcherConfig("info"))

	watcher := NewConfigWatcher(path, quietLogger())
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	watcher.config = cfg

	called := 0
	watcher.OnConfigChange(func(*models.Config) { called++ })

	moved := `{"gateway": {"url": "ws://other/ws"}, "identity": {"sessionId": "` + testSessionID + `"}, "database": {"path": "x.db"}, "log_level": "info"}`
	require.NoError(t, os.WriteFile(path, []byte(moved), 0o600))
	watcher.poll()

	assert.Equal(t, "ws://other/ws", watcher.GetConfig().Gateway.URL)
	assert.Equal(t, 0, called)

	// Same bytes again: nothing to do.
	watcher.poll()
	assert.Equal(t, 0, called)
}

func TestDiff(t *testing.T) {
	base := &models.Config{LogLevel: "info", RetentionDays: 30}
	base.Delivery.MaxAttempts = 3

	next := *base
	next.LogLevel = "warn"
	next.Delivery.MaxAttempts = 5

	assert.Equal(t, []Change{
		{Field: "log_level"},
		{Field: "delivery", Restart: true},
	}, Diff(base, &next))
	assert.Empty(t, Diff(base, base))
	assert.Nil(t, Diff(nil, base))
}
