// Package builder wires configuration, cache, pipeline and watcher into one
// asset build that runs once or keeps watching.
package builder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetpipe/internal/cache"
	"github.com/fruitsalade/assetpipe/internal/config"
	"github.com/fruitsalade/assetpipe/internal/events"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
	"github.com/fruitsalade/assetpipe/internal/watcher"
)

// Builder owns one configured build.
type Builder struct {
	cfg      *config.Config
	events   *events.Broadcaster
	pipeline *pipeline.Pipeline
	cache    *cache.Cache
	watcher  *watcher.Watcher
	detach   []func()
}

// New prepares the output and cache folders and wires the build. A disabled
// cache wipes both folders; a missing or unusable snapshot wipes the output
// so nothing stale survives. Failing to create the output folder is fatal.
func New(cfg *config.Config, plugins []pipeline.Plugin) (*Builder, error) {
	rules, err := cfg.Rules()
	if err != nil {
		return nil, fmt.Errorf("asset rules: %w", err)
	}

	b := &Builder{cfg: cfg, events: events.NewBroadcaster()}
	b.pipeline, err = pipeline.New(pipeline.Config{
		Entry:       cfg.Entry,
		Output:      cfg.Output,
		Plugins:     plugins,
		Concurrency: cfg.Concurrency,
		Strict:      cfg.Strict,
		Reporter:    events.NewReporter(b.events),
	})
	if err != nil {
		return nil, err
	}

	snap, err := b.prepare()
	if err != nil {
		return nil, err
	}

	exclude := []string{cfg.Output}
	if cfg.CacheLocation != "" {
		exclude = append(exclude, cfg.CacheLocation)
	}
	b.watcher, err = watcher.New(watcher.Options{
		Entry:    cfg.Entry,
		Ignore:   cfg.Ignore,
		Exclude:  exclude,
		Pipeline: b.pipeline,
		Rules:    rules,
		Cache:    b.cache,
		Snapshot: snap,
		Strict:   cfg.Strict,
		Debounce: cfg.Debounce,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Builder) prepare() (*cache.Snapshot, error) {
	cfg := b.cfg
	var snap *cache.Snapshot

	for _, dir := range []string{cfg.Output, cfg.CacheLocation} {
		if dir != "" && config.Encloses(dir, cfg.Entry) {
			return nil, fmt.Errorf("refusing to clean %s: it contains the entry folder %s", dir, cfg.Entry)
		}
	}

	if !cfg.Cache {
		logging.Info("cache disabled, cleaning output", logging.Path(cfg.Output))
		if err := os.RemoveAll(cfg.Output); err != nil {
			return nil, fmt.Errorf("clean output: %w", err)
		}
		if cfg.CacheLocation != "" {
			if err := os.RemoveAll(cfg.CacheLocation); err != nil {
				return nil, fmt.Errorf("clean cache: %w", err)
			}
		}
	} else {
		identity, err := cfg.CacheIdentity()
		if err != nil {
			return nil, err
		}
		b.cache = cache.New(cfg.CacheLocation, identity)

		snap, err = b.cache.Load()
		if err != nil {
			snap = nil
			if errors.Is(err, cache.ErrNotFound) {
				logging.Warn("no cache found, rebuilding everything", zap.String("cache", b.cache.Path()))
			} else {
				logging.Warn("cache unusable, rebuilding everything", zap.String("cache", b.cache.Path()), zap.Error(err))
			}
			if err := os.RemoveAll(cfg.Output); err != nil {
				return nil, fmt.Errorf("clean output: %w", err)
			}
		}
	}

	if err := os.MkdirAll(cfg.Output, 0755); err != nil {
		return nil, fmt.Errorf("create output dir: %w", err)
	}
	return snap, nil
}

// Subscribe delivers every build event to fn until the builder is closed.
func (b *Builder) Subscribe(fn func(events.Event)) {
	b.detach = append(b.detach, events.Attach(b.events, fn))
}

// Console renders build events on w.
func (b *Builder) Console(w io.Writer) {
	b.Subscribe(events.ConsoleSink(w))
}

// Pipeline returns the build's pipeline.
func (b *Builder) Pipeline() *pipeline.Pipeline {
	return b.pipeline
}

// Run builds once and returns the cycle's result.
func (b *Builder) Run(ctx context.Context) (*watcher.Result, error) {
	return b.watcher.Run(ctx)
}

// Watch builds once, then rebuilds on every change until Stop or ctx ends.
func (b *Builder) Watch(ctx context.Context) (<-chan watcher.Result, error) {
	return b.watcher.Watch(ctx)
}

// Stop stops watching and waits for an in-flight build.
func (b *Builder) Stop() {
	b.watcher.Stop()
}

// Close stops the builder, waits for pending cache writes and detaches the
// event subscribers.
func (b *Builder) Close() {
	b.watcher.Stop()
	if b.cache != nil {
		b.cache.Wait()
	}
	for _, detach := range b.detach {
		detach()
	}
	b.detach = nil
}
