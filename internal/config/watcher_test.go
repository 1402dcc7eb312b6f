package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherReloadsOnFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "overlay.yaml")
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  auto_capture: true\n"), 0o644))

	cfg := &Config{autoCapture: true}
	reloaded := make(chan struct{}, 1)

	w := NewWatcher(path, cfg, func(c *Config) {
		select {
		case reloaded <- struct{}{}:
		default:
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	w.Run(ctx)

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("capture:\n  auto_capture: false\n"), 0o644))

	select {
	case <-reloaded:
		assert.False(t, cfg.AutoCapture())
	case <-time.After(900 * time.Millisecond):
		t.Fatal("timed out waiting for config reload")
	}
}

func TestWatcherNoopWithEmptyPath(t *testing.T) {
	cfg := &Config{}
	w := NewWatcher("", cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NotPanics(t, func() { w.Run(ctx) })
}
