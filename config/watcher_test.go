package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewFileWatcher_Defaults(t *testing.T) {
	f := filepath.Join(t.TempDir(), "test.yaml")
	require.NoError(t, os.WriteFile(f, []byte("key: val"), 0644))

	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	assert.Equal(t, []string{f}, w.Paths())
	assert.False(t, w.IsRunning())
	assert.Equal(t, 100*time.Millisecond, w.debounceDelay)
	assert.Equal(t, time.Second, w.pollInterval)
}

func TestNewFileWatcher_NonExistentPath(t *testing.T) {
	w, err := NewFileWatcher([]string{"/nonexistent/path/runflow.yaml"}, WithWatcherLogger(zap.NewNop()))
	require.NoError(t, err)
	require.NotNil(t, w)
}

func TestFileWatcher_StartStop(t *testing.T) {
	f := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(f, []byte("a"), 0644))
	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	require.NoError(t, w.Start(t.Context()))
	assert.True(t, w.IsRunning())
	assert.Error(t, w.Start(t.Context()), "second start")

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	require.NoError(t, w.Stop())
}

func TestFileWatcher_CheckFiles(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.yaml")
	w, err := NewFileWatcher([]string{f})
	require.NoError(t, err)

	assert.Empty(t, w.checkFiles())

	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))
	events := w.checkFiles()
	require.Len(t, events, 1)
	assert.Equal(t, FileOpCreate, events[0].Op)
	assert.Empty(t, w.checkFiles(), "unchanged")

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(f, later, later))
	events = w.checkFiles()
	require.Len(t, events, 1)
	assert.Equal(t, FileOpWrite, events[0].Op)

	require.NoError(t, os.Remove(f))
	events = w.checkFiles()
	require.Len(t, events, 1)
	assert.Equal(t, FileOpRemove, events[0].Op)
	assert.Equal(t, "REMOVE", events[0].Op.String())
}

func TestFileWatcher_DebouncedDispatch(t *testing.T) {
	f := filepath.Join(t.TempDir(), "a.yaml")
	require.NoError(t, os.WriteFile(f, []byte("v1"), 0644))

	w, err := NewFileWatcher([]string{f},
		WithPollInterval(10*time.Millisecond),
		WithDebounceDelay(20*time.Millisecond))
	require.NoError(t, err)

	got := make(chan FileEvent, 8)
	w.OnChange(func(e FileEvent) { got <- e })

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(f, later, later))

	select {
	case e := <-got:
		assert.Equal(t, f, e.Path)
		assert.Equal(t, FileOpWrite, e.Op)
	case <-time.After(2 * time.Second):
		t.Fatal("no file event dispatched")
	}
}
