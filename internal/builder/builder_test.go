package builder

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/assetpipe/internal/cache"
	"github.com/fruitsalade/assetpipe/internal/config"
	"github.com/fruitsalade/assetpipe/internal/events"
)

func setup(t *testing.T, files map[string]string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.Entry = filepath.Join(dir, "static")
	cfg.Output = filepath.Join(dir, "dist")
	cfg.CacheLocation = filepath.Join(dir, ".assetpipe")
	require.NoError(t, os.MkdirAll(cfg.Entry, 0755))
	for name, content := range files {
		path := filepath.Join(cfg.Entry, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
	return cfg
}

func build(t *testing.T, cfg *config.Config) (*Builder, bool) {
	t.Helper()
	b, err := New(cfg, nil)
	require.NoError(t, err)
	res, err := b.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, res.Err)
	b.Close()
	return b, res.Dispatched
}

func writeStale(t *testing.T, cfg *config.Config) string {
	t.Helper()
	stale := filepath.Join(cfg.Output, "stale.txt")
	require.NoError(t, os.MkdirAll(cfg.Output, 0755))
	require.NoError(t, os.WriteFile(stale, []byte("old"), 0644))
	return stale
}

func TestRestartUsesCache(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a", "ui/b.txt": "b"})

	_, dispatched := build(t, cfg)
	assert.True(t, dispatched)
	assert.FileExists(t, filepath.Join(cfg.Output, "ui/b.txt"))

	stale := writeStale(t, cfg)
	_, dispatched = build(t, cfg)
	assert.False(t, dispatched)
	// a trusted cache leaves the output alone
	assert.FileExists(t, stale)
	assert.FileExists(t, filepath.Join(cfg.Output, "a.txt"))
}

func TestCacheDisabledWipesOutputAndCache(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a"})
	build(t, cfg)
	require.DirExists(t, cfg.CacheLocation)

	cfg.Cache = false
	stale := writeStale(t, cfg)
	_, dispatched := build(t, cfg)
	assert.True(t, dispatched)
	assert.NoFileExists(t, stale)
	assert.NoDirExists(t, cfg.CacheLocation)
	assert.FileExists(t, filepath.Join(cfg.Output, "a.txt"))
}

func TestCorruptCacheRebuildsEverything(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a"})
	build(t, cfg)

	identity, err := cfg.CacheIdentity()
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(cache.New(cfg.CacheLocation, identity).Path(), []byte("{oops"), 0644))

	stale := writeStale(t, cfg)
	_, dispatched := build(t, cfg)
	assert.True(t, dispatched)
	assert.NoFileExists(t, stale)
	assert.FileExists(t, filepath.Join(cfg.Output, "a.txt"))
}

func TestConfigChangeInvalidatesCache(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a", "b.psd": "psd"})
	build(t, cfg)
	assert.FileExists(t, filepath.Join(cfg.Output, "b.psd"))

	cfg.Ignore = []string{"*.psd"}
	_, dispatched := build(t, cfg)
	assert.True(t, dispatched)
	assert.NoFileExists(t, filepath.Join(cfg.Output, "b.psd"))
}

func TestOutputEnclosingEntryIsRefused(t *testing.T) {
	tests := []struct {
		name  string
		apply func(cfg *config.Config)
	}{
		{"output is parent", func(cfg *config.Config) { cfg.Output = filepath.Dir(cfg.Entry) }},
		{"cache is parent", func(cfg *config.Config) { cfg.CacheLocation = filepath.Dir(cfg.Entry) }},
		{"cache disabled", func(cfg *config.Config) {
			cfg.Cache = false
			cfg.Output = filepath.Dir(cfg.Entry)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := setup(t, map[string]string{"hero.png": "png"})
			tt.apply(cfg)

			_, err := New(cfg, nil)
			require.Error(t, err)
			assert.FileExists(t, filepath.Join(cfg.Entry, "hero.png"))
		})
	}
}

func TestOutputInsideEntryIsNotTracked(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a"})
	cfg.Output = filepath.Join(cfg.Entry, "dist")

	b, err := New(cfg, nil)
	require.NoError(t, err)
	defer b.Close()
	_, err = b.Run(context.Background())
	require.NoError(t, err)

	assert.FileExists(t, filepath.Join(cfg.Output, "a.txt"))
	_, err = b.Run(context.Background())
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(cfg.Output, "dist"))
}

func TestEventsReachSubscribers(t *testing.T) {
	cfg := setup(t, map[string]string{"a.txt": "a"})
	b, err := New(cfg, nil)
	require.NoError(t, err)

	var mu sync.Mutex
	var types []events.Type
	var phases []string
	b.Subscribe(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, ev.Type)
		if ev.Phase != "" && ev.Type == events.BuildProgress && ev.Percent == 0 {
			phases = append(phases, ev.Phase)
		}
	})

	_, err = b.Run(context.Background())
	require.NoError(t, err)
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, types)
	assert.Equal(t, events.BuildStart, types[0])
	assert.Equal(t, events.BuildSuccess, types[len(types)-1])
	assert.Equal(t, []string{"start", "clean", "transform", "post", "finish"}, phases)
}
