package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MrWong99/parley/internal/config"
)

const watcherValidYAML = `
log:
  level: info
session:
  voice: Puck
`

const watcherUpdatedYAML = `
log:
  level: debug
session:
  voice: Kore
`

const watcherInvalidYAML = `
log:
  level: bananas
`

// writeFile writes content and pushes the mtime forward so that polls with
// coarse timestamp resolution still see the change.
func writeFile(t *testing.T, path, content string, bump time.Duration) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	if bump != 0 {
		at := time.Now().Add(bump)
		require.NoError(t, os.Chtimes(path, at, at))
	}
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, 0)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	require.NotNil(t, w.Current())
	assert.Equal(t, config.LogInfo, w.Current().Log.Level)
	assert.Equal(t, "Puck", w.Current().Session.Voice)
}

func TestWatcher_DetectsChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, 0)

	var (
		mu       sync.Mutex
		old, new *config.Config
	)
	called := make(chan struct{}, 1)
	w, err := config.NewWatcher(path, func(o, n *config.Config) {
		mu.Lock()
		old, new = o, n
		mu.Unlock()
		select {
		case called <- struct{}{}:
		default:
		}
	}, config.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, watcherUpdatedYAML, 2*time.Second)

	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("callback was not invoked within timeout")
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotNil(t, old)
	require.NotNil(t, new)
	assert.Equal(t, "Puck", old.Session.Voice)
	assert.Equal(t, "Kore", new.Session.Voice)
	assert.Equal(t, config.LogDebug, w.Current().Log.Level)
}

func TestWatcher_InvalidFileKeepsOldConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, 0)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	writeFile(t, path, watcherInvalidYAML, 2*time.Second)
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
	assert.Equal(t, config.LogInfo, w.Current().Log.Level)
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, 0)

	var mu sync.Mutex
	calls := 0
	w, err := config.NewWatcher(path, func(_, _ *config.Config) {
		mu.Lock()
		calls++
		mu.Unlock()
	}, config.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	defer w.Stop()

	at := time.Now().Add(2 * time.Second)
	require.NoError(t, os.Chtimes(path, at, at))
	time.Sleep(200 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, calls)
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	_, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, watcherValidYAML, 0)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	require.NoError(t, err)
	w.Stop()
	w.Stop()
}
