package config

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_ReloadsOnChange(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, minimalConfigYAML)

	received := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) {
		received <- cfg
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NotNil(t, w.GetLastConfig())
	assert.Len(t, w.GetLastConfig().Routes, 1)

	updated := minimalConfigYAML + `
  - name: second
    pathPrefix: /second
    upstream: http://127.0.0.1:9001
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case cfg := <-received:
		assert.Len(t, cfg.Routes, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
	assert.Len(t, w.GetLastConfig().Routes, 2)
}

func TestWatcher_InvalidReloadKeepsPrevious(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, minimalConfigYAML)

	var callbacks atomic.Int32
	errCh := make(chan error, 1)
	w, err := NewWatcher(path, func(*Config) { callbacks.Add(1) },
		WithDebounceDelay(10*time.Millisecond),
		WithErrorCallback(func(err error) {
			select {
			case errCh <- err:
			default:
			}
		}),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(path, []byte("routes: []\n"), 0o600))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrInvalidConfig)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload error")
	}
	assert.Equal(t, int32(0), callbacks.Load())
	assert.Len(t, w.GetLastConfig().Routes, 1)
}

func TestWatcher_StartFailsOnInvalidConfig(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.yaml")
	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	assert.Error(t, w.Start(context.Background()))
	assert.NoError(t, w.Stop())
}

func TestWatcher_ForceReload(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, minimalConfigYAML)

	var got *Config
	w, err := NewWatcher(path, func(cfg *Config) { got = cfg })
	require.NoError(t, err)
	defer func() { _ = w.Stop() }()

	require.NoError(t, w.ForceReload())
	require.NotNil(t, got)
	assert.Same(t, got, w.GetLastConfig())
}
