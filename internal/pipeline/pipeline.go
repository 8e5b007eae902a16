// Package pipeline runs the ordered plugin chain over an asset tree in five
// strictly sequential phases: start, clean, transform, post and finish.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/events"
	"github.com/fruitsalade/assetpipe/internal/limiter"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/metrics"
)

// Config configures a Pipeline.
type Config struct {
	Entry       string
	Output      string
	Plugins     []Plugin
	Concurrency int
	// Strict turns per-node failures into a failed build.
	Strict   bool
	Reporter *events.Reporter
}

// Pipeline owns the ordered plugin list of a build and the handle plugins
// use to produce outputs. Run must not be called concurrently.
type Pipeline struct {
	entry       string
	output      string
	plugins     []Plugin
	concurrency int
	strict      bool
	reporter    *events.Reporter

	runTime time.Time
	runID   string

	mu       sync.Mutex
	fresh    map[asset.NodeID][]string
	failures []Failure
}

// New validates cfg and creates a Pipeline.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Entry == "" || cfg.Output == "" {
		return nil, errors.New("pipeline: entry and output are required")
	}
	entry, err := filepath.Abs(cfg.Entry)
	if err != nil {
		return nil, fmt.Errorf("resolve entry: %w", err)
	}
	output, err := filepath.Abs(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("resolve output: %w", err)
	}
	if entry == output {
		return nil, errors.New("pipeline: entry and output must differ")
	}

	seen := make(map[string]bool, len(cfg.Plugins))
	for _, pl := range cfg.Plugins {
		if seen[pl.Name()] {
			return nil, fmt.Errorf("pipeline: plugin %q registered twice", pl.Name())
		}
		seen[pl.Name()] = true
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = limiter.DefaultConcurrency
	}

	return &Pipeline{
		entry:       asset.CleanPath(entry),
		output:      asset.CleanPath(output),
		plugins:     append([]Plugin(nil), cfg.Plugins...),
		concurrency: concurrency,
		strict:      cfg.Strict,
		reporter:    cfg.Reporter,
		fresh:       make(map[asset.NodeID][]string),
	}, nil
}

// Entry returns the absolute source root.
func (p *Pipeline) Entry() string { return p.entry }

// Output returns the absolute output root.
func (p *Pipeline) Output() string { return p.output }

// RunTime returns the timestamp shared by every output of the current run.
func (p *Pipeline) RunTime() time.Time { return p.runTime }

// RunID returns the id of the current run.
func (p *Pipeline) RunID() string { return p.runID }

// Plugins returns the registered plugins in order.
func (p *Pipeline) Plugins() []Plugin {
	return append([]Plugin(nil), p.plugins...)
}

// Options returns the settings of n under the plugin's key. Nodes no rule
// matched get an empty, non-nil Settings.
func (p *Pipeline) Options(n *asset.Node, pl Plugin) asset.Settings {
	return n.Settings.Sub(pl.Name())
}

// Run executes one build over tree. Per-node errors are recovered into the
// report; the returned error is reserved for setup failures and
// cancellation.
func (p *Pipeline) Run(ctx context.Context, tree *asset.Tree) (*RunReport, error) {
	p.runTime = time.Now()
	p.runID = p.reporter.Begin()
	p.failures = nil
	ctx = logging.WithRunID(ctx, p.runID)
	log := logging.WithContext(ctx)

	report := &RunReport{RunID: p.runID, Started: p.runTime}
	if err := os.MkdirAll(p.output, 0755); err != nil {
		err = fmt.Errorf("create output dir: %w", err)
		p.reporter.Fail(err)
		return report, err
	}

	log.Info("build started", zap.String("entry", p.entry), zap.String("output", p.output))

	p.reporter.Phase(PhaseStart)
	p.start(ctx, tree)

	p.reporter.Phase(PhaseClean)
	report.Deleted = p.clean(ctx, tree)
	if err := ctx.Err(); err != nil {
		return p.abort(report, err)
	}

	p.reporter.Phase(PhaseTransform)
	nodes := p.collect(tree)
	report.Transformed = p.transform(ctx, nodes)
	if err := ctx.Err(); err != nil {
		return p.abort(report, err)
	}

	p.reporter.Phase(PhasePost)
	p.post(ctx, nodes)

	p.reporter.Phase(PhaseFinish)
	p.finish(ctx, tree)

	for _, n := range nodes {
		report.Outputs += len(n.Outputs)
	}
	report.Failures = p.failures
	report.Duration = time.Since(p.runTime)

	err := report.Err()
	metrics.RecordBuild(report.Duration, err == nil)
	summary := fmt.Sprintf("%d transformed, %d deleted, %d failed", report.Transformed, report.Deleted, len(report.Errors()))
	if err != nil && p.strict {
		p.reporter.Fail(err)
	} else {
		p.reporter.Success(summary)
	}
	log.Info("build finished", zap.String("summary", summary), zap.Duration("duration", report.Duration))
	return report, nil
}

func (p *Pipeline) abort(report *RunReport, err error) (*RunReport, error) {
	report.Failures = p.failures
	report.Duration = time.Since(p.runTime)
	metrics.RecordBuild(report.Duration, false)
	p.reporter.Fail(err)
	return report, err
}

// fail records a recovered error.
func (p *Pipeline) fail(ctx context.Context, f Failure) {
	p.mu.Lock()
	p.failures = append(p.failures, f)
	p.mu.Unlock()

	log := logging.WithContext(ctx)
	if f.Warning() {
		log.Warn("asset skipped", zap.String("path", f.Path), zap.Error(f.Err))
		return
	}
	log.Error("asset failed",
		zap.String("phase", f.Phase),
		zap.String("path", f.Path),
		zap.String("plugin", f.Plugin),
		zap.Error(f.Err),
	)
}

func (p *Pipeline) trackFresh(id asset.NodeID, path string) {
	p.mu.Lock()
	p.fresh[id] = append(p.fresh[id], path)
	p.mu.Unlock()
}

func (p *Pipeline) takeFresh(id asset.NodeID) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	paths := p.fresh[id]
	delete(p.fresh, id)
	return paths
}

// hookError attributes an error to the plugin that returned it.
type hookError struct {
	plugin string
	err    error
}

func (e *hookError) Error() string { return e.plugin + ": " + e.err.Error() }
func (e *hookError) Unwrap() error { return e.err }

// call runs a plugin hook, turning a panic into an error.
func call(pl Plugin, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &hookError{plugin: pl.Name(), err: fmt.Errorf("panic: %v", r)}
		}
	}()
	if err := fn(); err != nil {
		return &hookError{plugin: pl.Name(), err: err}
	}
	return nil
}

func failureFor(phase string, n *asset.Node, err error) Failure {
	f := Failure{Phase: phase, Err: err}
	if n != nil {
		f.Path = n.Path
	}
	if he, ok := err.(*hookError); ok {
		f.Plugin = he.plugin
		f.Err = he.err
	} else if errors.As(err, &he) {
		// joined errors of several records name the first plugin
		f.Plugin = he.plugin
	}
	return f
}

// cancelled reports whether err only says that ctx ended.
func cancelled(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, ctx.Err())
}

func (p *Pipeline) start(ctx context.Context, tree *asset.Tree) {
	for _, pl := range p.plugins {
		s, ok := pl.(Starter)
		if !ok {
			continue
		}
		if err := call(pl, func() error { return s.Start(ctx, tree, p) }); err != nil {
			p.fail(ctx, failureFor(PhaseStart, nil, err))
		}
	}
}

func (p *Pipeline) finish(ctx context.Context, tree *asset.Tree) {
	for _, pl := range p.plugins {
		f, ok := pl.(Finisher)
		if !ok {
			continue
		}
		if err := call(pl, func() error { return f.Finish(ctx, tree, p) }); err != nil {
			p.fail(ctx, failureFor(PhaseFinish, nil, err))
		}
	}
}

// clean runs delete hooks for every deleted node, then removes the nodes'
// recorded outputs children first so emptied output folders can go too.
func (p *Pipeline) clean(ctx context.Context, tree *asset.Tree) int {
	var deleted []*asset.Node
	walkChangedPost(tree, tree.Root(), func(n *asset.Node) {
		if n.State == asset.Deleted {
			deleted = append(deleted, n)
		}
	})
	if len(deleted) == 0 {
		return 0
	}

	units := make([]limiter.Unit, len(deleted))
	for i, n := range deleted {
		units[i] = func(ctx context.Context) error {
			return p.deleteHooks(ctx, n)
		}
	}
	for i, err := range limiter.Run(ctx, p.concurrency, units) {
		if err != nil && !cancelled(ctx, err) {
			p.fail(ctx, failureFor(PhaseClean, deleted[i], err))
		}
	}

	for _, n := range deleted {
		for _, rec := range n.Outputs {
			if err := removeOutput(rec); err != nil {
				p.fail(ctx, failureFor(PhaseClean, n, err))
			}
		}
		n.Outputs = nil
	}
	return len(deleted)
}

func (p *Pipeline) deleteHooks(ctx context.Context, n *asset.Node) error {
	if n.HasTag(asset.TagIgnore) {
		return nil
	}
	start := time.Now()
	var errs []error
	for _, pl := range p.plugins {
		d, ok := pl.(Deleter)
		if !ok {
			continue
		}
		opts := p.Options(n, pl)
		if !pl.Test(n, p, opts) {
			continue
		}
		if err := call(pl, func() error { return d.Delete(ctx, n, p, opts) }); err != nil {
			errs = append(errs, err)
		}
	}
	metrics.RecordUnit(PhaseClean, time.Since(start), len(errs) == 0)
	return errors.Join(errs...)
}

func walkChangedPost(tree *asset.Tree, n *asset.Node, fn func(*asset.Node)) {
	if n.State == asset.Normal {
		return
	}
	for _, c := range tree.Children(n) {
		walkChangedPost(tree, c, fn)
	}
	fn(n)
}

// collect lists, pre-order, the nodes the transform and post phases visit.
// A folder matched by a folder-scoped plugin is listed but its subtree is
// not.
func (p *Pipeline) collect(tree *asset.Tree) []*asset.Node {
	var nodes []*asset.Node
	tree.Walk(func(n *asset.Node) bool {
		if !n.State.NeedsTransform() {
			return false
		}
		if n.Skip || n.HasTag(asset.TagIgnore) {
			n.Skip = true
			return false
		}
		nodes = append(nodes, n)
		return !p.owned(n)
	})
	return nodes
}

func (p *Pipeline) owned(n *asset.Node) bool {
	if !n.IsFolder {
		return false
	}
	for _, pl := range p.plugins {
		if pl.Folder() && pl.Test(n, p, p.Options(n, pl)) {
			return true
		}
	}
	return false
}

// transform runs one work unit per node through the limiter and returns
// the number of nodes transformed successfully.
func (p *Pipeline) transform(ctx context.Context, nodes []*asset.Node) int {
	total := len(nodes)
	var done, ok int32
	units := make([]limiter.Unit, total)
	for i, n := range nodes {
		units[i] = func(ctx context.Context) error {
			err := p.transformNode(ctx, n)
			if err == nil {
				atomic.AddInt32(&ok, 1)
			}
			p.reporter.Progress(PhaseTransform, int(atomic.AddInt32(&done, 1)), total)
			return err
		}
	}

	for i, err := range limiter.Run(ctx, p.concurrency, units) {
		if err == nil || cancelled(ctx, err) {
			continue
		}
		p.fail(ctx, failureFor(PhaseTransform, nodes[i], err))
	}
	return int(ok)
}

// transformNode replaces n's output records. On success, outputs of the
// previous run missing from the new list are removed. On failure the
// previous records are restored and only files this attempt created are
// removed.
func (p *Pipeline) transformNode(ctx context.Context, n *asset.Node) error {
	start := time.Now()
	prev := n.Outputs
	n.Outputs = nil
	p.takeFresh(n.ID)

	err := p.applyTransforms(ctx, n)
	fresh := p.takeFresh(n.ID)

	prevPaths := make(map[string]bool, len(prev))
	for _, rec := range prev {
		prevPaths[rec.Path] = true
	}

	if err != nil {
		n.Outputs = prev
		for _, path := range fresh {
			if !prevPaths[path] {
				os.Remove(path)
			}
		}
		if errors.Is(err, ErrSourceMissing) {
			n.Skip = true
		}
	} else {
		keep := n.OutputPaths()
		for _, rec := range prev {
			if keep[rec.Path] {
				continue
			}
			if rmErr := removeOutput(rec); rmErr != nil {
				logging.WithContext(ctx).Warn("stale output not removed", zap.String("path", rec.Path), zap.Error(rmErr))
			}
		}
	}

	d := time.Since(start)
	n.Stats = &asset.Stats{Date: p.runTime, Duration: d, Success: err == nil}
	if err != nil {
		n.Stats.Error = err.Error()
	}
	metrics.RecordUnit(PhaseTransform, d, err == nil)
	return err
}

func (p *Pipeline) applyTransforms(ctx context.Context, n *asset.Node) error {
	if _, err := os.Stat(n.Path); errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%s: %w", n.Path, ErrSourceMissing)
	}

	matched := false
	for _, pl := range p.plugins {
		t, ok := pl.(Transformer)
		if !ok {
			continue
		}
		opts := p.Options(n, pl)
		if !pl.Test(n, p, opts) {
			continue
		}
		matched = true
		if err := call(pl, func() error { return t.Transform(ctx, n, p, opts) }); err != nil {
			return err
		}
	}
	if matched {
		return nil
	}

	if n.IsFolder {
		return p.registerFolder(n)
	}
	_, err := p.AddToTreeAndSave(n, SaveOptions{})
	return err
}

// post runs post hooks over the records of every node transformed in this
// run. Records appended by a post hook are not themselves post-processed.
func (p *Pipeline) post(ctx context.Context, nodes []*asset.Node) {
	var work []*asset.Node
	for _, n := range nodes {
		if n.Skip || n.Stats == nil || !n.Stats.Success || len(n.Outputs) == 0 {
			continue
		}
		work = append(work, n)
	}

	units := make([]limiter.Unit, len(work))
	for i, n := range work {
		units[i] = func(ctx context.Context) error {
			return p.postNode(ctx, n)
		}
	}
	for i, err := range limiter.Run(ctx, p.concurrency, units) {
		if err == nil || cancelled(ctx, err) {
			continue
		}
		n := work[i]
		n.Stats.Success = false
		n.Stats.Error = err.Error()
		p.fail(ctx, failureFor(PhasePost, n, err))
	}
}

func (p *Pipeline) postNode(ctx context.Context, n *asset.Node) error {
	type hook struct {
		pl   Plugin
		pp   PostProcessor
		opts asset.Settings
	}
	var hooks []hook
	for _, pl := range p.plugins {
		pp, ok := pl.(PostProcessor)
		if !ok {
			continue
		}
		opts := p.Options(n, pl)
		if pl.Test(n, p, opts) {
			hooks = append(hooks, hook{pl, pp, opts})
		}
	}
	if len(hooks) == 0 {
		return nil
	}

	start := time.Now()
	var errs []error
	count := len(n.Outputs)
	for i := 0; i < count; i++ {
		rec := n.Outputs[i]
		for _, h := range hooks {
			if err := call(h.pl, func() error { return h.pp.Post(ctx, &rec, n, p, h.opts) }); err != nil {
				errs = append(errs, err)
				break
			}
		}
		n.Outputs[i] = rec
	}
	metrics.RecordUnit(PhasePost, time.Since(start), len(errs) == 0)
	return errors.Join(errs...)
}
