// Package watcher turns filesystem changes under the entry folder into tree
// diffs and drives one pipeline run per batch of changes.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	fswatch "github.com/radovskyb/watcher"
	"go.uber.org/zap"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/cache"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

const (
	DefaultDebounce     = 100 * time.Millisecond
	DefaultPollInterval = 100 * time.Millisecond
)

// ErrStopped is returned when Watch is called on a stopped watcher.
var ErrStopped = errors.New("watcher: stopped")

// Dispatcher runs a build over the tree.
type Dispatcher interface {
	Run(ctx context.Context, tree *asset.Tree) (*pipeline.RunReport, error)
}

// Options configures a Watcher.
type Options struct {
	Entry string
	// Ignore holds globs, relative to Entry, of paths never tracked.
	Ignore []string
	// Exclude holds absolute paths never tracked, such as an output folder
	// that lives inside Entry.
	Exclude  []string
	Pipeline Dispatcher
	Rules    *asset.Rules
	// Cache persists the tree after every build; nil disables it.
	Cache *cache.Cache
	// Snapshot seeds the initial cycle with the state of a previous process.
	Snapshot *cache.Snapshot
	// Strict turns per-node failures into Result.Err.
	Strict       bool
	Debounce     time.Duration
	PollInterval time.Duration
}

// Result is the outcome of one watch cycle.
type Result struct {
	Root *asset.Node
	// Dispatched is false when the cycle found nothing to build.
	Dispatched bool
	Report     *pipeline.RunReport
	Failures   []pipeline.Failure
	Duration   time.Duration
	Err        error
}

// Watcher owns the live tree. Only its build driver mutates the tree.
type Watcher struct {
	opts   Options
	filter *filter

	buildMu sync.Mutex
	tree    *asset.Tree
	// replaced holds paths whose kind flipped; they are re-added after the
	// old subtree was cleaned.
	replaced map[string]struct{}

	pendingMu sync.Mutex
	pending   map[string]struct{}
	timer     *time.Timer
	trigger   chan struct{}

	stopOnce sync.Once
	stopped  chan struct{}
	fs       *fswatch.Watcher
	done     chan struct{}
}

// New creates a Watcher.
func New(opts Options) (*Watcher, error) {
	if opts.Entry == "" {
		return nil, errors.New("watcher: entry is required")
	}
	if opts.Pipeline == nil {
		return nil, errors.New("watcher: pipeline is required")
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	entry, err := filepath.Abs(opts.Entry)
	if err != nil {
		return nil, fmt.Errorf("resolve entry: %w", err)
	}
	opts.Entry = asset.CleanPath(entry)

	f, err := newFilter(opts.Entry, opts.Ignore, opts.Exclude)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		opts:     opts,
		filter:   f,
		replaced: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
		trigger:  make(chan struct{}, 1),
		stopped:  make(chan struct{}),
	}, nil
}

// Tree returns the live tree. It must not be used while a build runs.
func (w *Watcher) Tree() *asset.Tree {
	return w.tree
}

// Run performs exactly one cycle: scan, diff against the snapshot, build,
// persist.
func (w *Watcher) Run(ctx context.Context) (*Result, error) {
	w.buildMu.Lock()
	defer w.buildMu.Unlock()

	if err := w.init(); err != nil {
		return nil, err
	}
	res := w.build(ctx)
	return &res, nil
}

// Watch performs the initial cycle, then keeps building on every debounced
// batch of filesystem changes until Stop is called or ctx ends. One Result
// is published per cycle; the channel is closed once the watcher stopped.
//
// The entry folder is subscribed to before it is scanned, so edits made
// while the initial cycle builds are queued for the next one.
func (w *Watcher) Watch(ctx context.Context) (<-chan Result, error) {
	select {
	case <-w.stopped:
		return nil, ErrStopped
	default:
	}

	fs := fswatch.New()
	fs.FilterOps(fswatch.Create, fswatch.Write, fswatch.Remove, fswatch.Rename, fswatch.Move)
	if err := fs.AddRecursive(w.opts.Entry); err != nil {
		return nil, fmt.Errorf("watch %s: %w", w.opts.Entry, err)
	}
	for _, path := range w.filter.exclude {
		if err := fs.Ignore(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			logging.Debug("cannot ignore path", logging.Path(path), logging.Err(err))
		}
	}

	go w.listen(ctx, fs)
	go func() {
		if err := fs.Start(w.opts.PollInterval); err != nil {
			logging.Error("filesystem watcher failed", logging.Err(err))
		}
	}()
	fs.Wait()

	w.buildMu.Lock()
	err := w.init()
	w.buildMu.Unlock()
	if err != nil {
		fs.Close()
		return nil, err
	}

	results := make(chan Result, 16)
	done := make(chan struct{})
	w.pendingMu.Lock()
	select {
	case <-w.stopped:
		w.pendingMu.Unlock()
		fs.Close()
		return nil, ErrStopped
	default:
	}
	w.fs = fs
	w.done = done
	w.pendingMu.Unlock()

	go w.drive(ctx, results, done)

	logging.Info("watching for changes", logging.Path(w.opts.Entry))
	return results, nil
}

// Stop stops accepting filesystem events and waits for an in-flight build
// to finish. It is idempotent and safe to call before Watch.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopped)

		w.pendingMu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		fs := w.fs
		w.pendingMu.Unlock()

		if fs != nil {
			fs.Close()
		}
	})

	w.pendingMu.Lock()
	done := w.done
	w.pendingMu.Unlock()
	if done != nil {
		<-done
	}
}

// listen forwards raw filesystem events into the debounce buffer. It keeps
// draining until the primitive is closed, which never happens while an
// event send is pending.
func (w *Watcher) listen(ctx context.Context, fs *fswatch.Watcher) {
	ctxDone := ctx.Done()
	for {
		select {
		case ev := <-fs.Event:
			paths := []string{ev.Path}
			if ev.OldPath != "" {
				paths = append(paths, ev.OldPath)
			}
			w.queue(paths...)
		case err := <-fs.Error:
			logging.Warn("filesystem watcher error", logging.Err(err))
		case <-fs.Closed:
			return
		case <-ctxDone:
			ctxDone = nil
			go w.Stop()
		}
	}
}

// queue buffers changed paths and restarts the quiet window.
func (w *Watcher) queue(paths ...string) {
	select {
	case <-w.stopped:
		return
	default:
	}

	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	added := false
	for _, path := range paths {
		path = asset.CleanPath(path)
		if w.filter.ignored(path) {
			continue
		}
		w.pending[path] = struct{}{}
		added = true
	}
	if !added {
		return
	}

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.opts.Debounce, func() {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	})
}

func (w *Watcher) takePending() []string {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()

	paths := make([]string, 0, len(w.pending))
	for path := range w.pending {
		paths = append(paths, path)
	}
	w.pending = make(map[string]struct{})
	w.timer = nil
	return paths
}

// drive is the build driver: the initial cycle, then one build per
// debounced batch.
func (w *Watcher) drive(ctx context.Context, results chan<- Result, done chan struct{}) {
	defer close(done)
	defer close(results)

	w.buildMu.Lock()
	first := w.build(ctx)
	w.buildMu.Unlock()
	results <- first

	for {
		select {
		case <-w.stopped:
			return
		case <-w.trigger:
		}

		paths := w.takePending()
		if len(paths) == 0 {
			continue
		}

		w.buildMu.Lock()
		w.applyChanges(paths)
		res := w.build(ctx)
		w.buildMu.Unlock()

		select {
		case results <- res:
		case <-w.stopped:
			return
		}
	}
}

// init scans the entry folder and reconciles it with the snapshot. It only
// does work on the first call.
func (w *Watcher) init() error {
	if w.tree != nil {
		return nil
	}
	tree, err := w.scan()
	if err != nil {
		return err
	}
	if w.opts.Snapshot != nil {
		unchanged := w.opts.Snapshot.Apply(tree)
		logging.Info("restored cached tree", zap.Int("unchanged", unchanged), zap.Int("nodes", tree.Count()))
	}
	w.tree = tree
	return nil
}

// build dispatches the current diff and persists the result. Paths whose
// kind flipped are tracked again once the tree settled, and built by a
// follow-up pass within the same cycle.
func (w *Watcher) build(ctx context.Context) Result {
	start := time.Now()
	res, settled := w.dispatch(ctx)
	for settled && len(w.replaced) > 0 {
		paths := make([]string, 0, len(w.replaced))
		for path := range w.replaced {
			paths = append(paths, path)
		}
		w.replaced = make(map[string]struct{})
		w.applyChanges(paths)

		var next Result
		next, settled = w.dispatch(ctx)
		next.Dispatched = next.Dispatched || res.Dispatched
		next.Failures = append(res.Failures, next.Failures...)
		if next.Err == nil {
			next.Err = res.Err
		}
		res = next
	}
	res.Duration = time.Since(start)
	metrics.SetTreeSize(w.tree.Count())
	return res
}

// dispatch runs the pipeline once. It reports whether the tree was settled.
func (w *Watcher) dispatch(ctx context.Context) (Result, bool) {
	tree := w.tree
	tree.ApplySettings(w.opts.Rules)

	res := Result{Root: tree.Root()}
	if !tree.Changed() {
		logging.Debug("no changes to build")
		return res, false
	}

	report, err := w.opts.Pipeline.Run(ctx, tree)
	res.Dispatched = true
	res.Report = report
	if report != nil {
		res.Failures = report.Failures
	}
	if err != nil {
		res.Err = err
		return res, false
	}

	tree.Settle()
	if w.opts.Cache != nil {
		w.opts.Cache.Save(tree)
	}
	tree.ReleaseBuffers()

	if w.opts.Strict {
		res.Err = report.Err()
	}
	return res, true
}
