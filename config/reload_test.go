package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReloader_ApplyDetectsChanges(t *testing.T) {
	r := NewReloader(DefaultConfig(), "")
	var seen [2]*Config
	r.OnReload(func(prev, next *Config) error {
		seen = [2]*Config{prev, next}
		return nil
	})

	next := DefaultConfig()
	next.Log.Level = "debug"
	next.Server.HTTPPort = 9000
	next.Server.JWT.Secret = "new"
	require.NoError(t, r.Apply(next, "test"))

	assert.Same(t, next, r.Current())
	assert.Same(t, next, seen[1])
	assert.Equal(t, 2, r.Version())

	byPath := map[string]ConfigChange{}
	for _, c := range r.Changes(0) {
		byPath[c.Path] = c
	}
	require.Len(t, byPath, 3)
	assert.False(t, byPath["Log.Level"].RequiresRestart)
	assert.Equal(t, "debug", byPath["Log.Level"].NewValue)
	assert.True(t, byPath["Server.HTTPPort"].RequiresRestart)
	assert.Equal(t, "[REDACTED]", byPath["Server.JWT.Secret"].NewValue)
	assert.Equal(t, "test", byPath["Log.Level"].Source)

	assert.Len(t, r.Changes(1), 1)
}

func TestReloader_NoChangesIsNoop(t *testing.T) {
	r := NewReloader(DefaultConfig(), "")
	called := false
	r.OnReload(func(_, _ *Config) error { called = true; return nil })
	require.NoError(t, r.Apply(DefaultConfig(), "test"))
	assert.False(t, called)
	assert.Equal(t, 1, r.Version())
}

func TestReloader_CallbackFailureRollsBack(t *testing.T) {
	initial := DefaultConfig()
	r := NewReloader(initial, "")
	r.OnReload(func(_, next *Config) error {
		if next.Engine.MaxRetries > 5 {
			return errors.New("too many retries")
		}
		return nil
	})

	next := DefaultConfig()
	next.Engine.MaxRetries = 9
	err := r.Apply(next, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too many retries")
	assert.Same(t, initial, r.Current())

	r.OnReload(func(_, _ *Config) error { panic("boom") })
	next = DefaultConfig()
	next.Engine.MaxRetries = 1
	err = r.Apply(next, "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
	assert.Same(t, initial, r.Current())
}

func TestReloader_ReloadFromFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "runflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: warn\n"), 0644))

	r := NewReloader(DefaultConfig(), p)
	require.NoError(t, r.ReloadFromFile())
	assert.Equal(t, "warn", r.Current().Log.Level)

	require.NoError(t, os.WriteFile(p, []byte("checkpoint:\n  backend: etcd\n"), 0644))
	err := r.ReloadFromFile()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
	assert.Equal(t, "warn", r.Current().Log.Level, "current config kept")
}

func TestReloader_WatchesFile(t *testing.T) {
	p := filepath.Join(t.TempDir(), "runflow.yaml")
	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: info\n"), 0644))

	r := NewReloader(DefaultConfig(), p,
		WithWatcherOptions(WithPollInterval(10*time.Millisecond), WithDebounceDelay(10*time.Millisecond)))
	levels := make(chan string, 4)
	r.OnReload(func(_, next *Config) error {
		levels <- next.Log.Level
		return nil
	})
	require.NoError(t, r.Start(t.Context()))
	defer r.Stop()

	require.NoError(t, os.WriteFile(p, []byte("log:\n  level: error\n"), 0644))
	later := time.Now().Add(time.Minute)
	require.NoError(t, os.Chtimes(p, later, later))

	select {
	case lvl := <-levels:
		assert.Equal(t, "error", lvl)
	case <-time.After(2 * time.Second):
		t.Fatal("reload not triggered")
	}
}

func TestReloader_StartWithoutPath(t *testing.T) {
	assert.Error(t, NewReloader(DefaultConfig(), "").Start(t.Context()))
	assert.NoError(t, NewReloader(DefaultConfig(), "").Stop())
	assert.True(t, IsHotReloadable("Engine.MaxRetries"))
	assert.False(t, IsHotReloadable("Server.HTTPPort"))
}
