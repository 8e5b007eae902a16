package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/assetpipe/internal/asset"
)

// recorder counts hook invocations per node path.
type recorder struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *recorder) hit(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls == nil {
		r.calls = map[string]int{}
	}
	r.calls[key]++
}

func (r *recorder) count(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[key]
}

// sheetPlugin turns x.tps into x.json and x.png.
type sheetPlugin struct{ recorder }

func (s *sheetPlugin) Name() string { return "sheet" }
func (s *sheetPlugin) Folder() bool { return false }
func (s *sheetPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return !n.IsFolder && n.Ext() == ".tps"
}
func (s *sheetPlugin) Transform(_ context.Context, n *asset.Node, p *Pipeline, _ asset.Settings) error {
	s.hit(n.Path)
	for _, ext := range []string{".json", ".png"} {
		if _, err := p.AddToTreeAndSave(n, SaveOptions{
			AddOptions: AddOptions{Ext: ext, TransformID: "sheet"},
			Data:       []byte("sheet" + ext),
		}); err != nil {
			return err
		}
	}
	return nil
}

// failPlugin fails every *.bad file with a message naming the file.
type failPlugin struct{}

func (failPlugin) Name() string { return "fail" }
func (failPlugin) Folder() bool { return false }
func (failPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return n.Ext() == ".bad"
}
func (failPlugin) Transform(_ context.Context, n *asset.Node, _ *Pipeline, _ asset.Settings) error {
	return fmt.Errorf("cannot decode %s", n.Name())
}

// versionPlugin writes *.src to an extension chosen per run. When failWith
// is set it writes a fresh file and then fails.
type versionPlugin struct {
	recorder
	ext      string
	failWith error
}

func (v *versionPlugin) Name() string { return "version" }
func (v *versionPlugin) Folder() bool { return false }
func (v *versionPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return n.Ext() == ".src"
}
func (v *versionPlugin) Transform(_ context.Context, n *asset.Node, p *Pipeline, _ asset.Settings) error {
	v.hit(n.Path)
	if _, err := p.AddToTreeAndSave(n, SaveOptions{
		AddOptions: AddOptions{Ext: v.ext, TransformID: "version"},
		Data:       []byte(v.ext),
	}); err != nil {
		return err
	}
	return v.failWith
}

// packPlugin owns folders tagged {pack}.
type packPlugin struct{ recorder }

func (k *packPlugin) Name() string { return "pack" }
func (k *packPlugin) Folder() bool { return true }
func (k *packPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return n.IsFolder && n.PathTags.Has("pack")
}
func (k *packPlugin) Transform(_ context.Context, n *asset.Node, p *Pipeline, _ asset.Settings) error {
	k.hit(n.Path)
	_, err := p.AddToTreeAndSave(n, SaveOptions{
		AddOptions: AddOptions{Ext: ".pack", IsFolder: new(bool), TransformID: "pack"},
		Data:       []byte("packed"),
	})
	return err
}

// stampPlugin post-processes every record, marking it and appending one
// extra record per node.
type stampPlugin struct{ recorder }

func (s *stampPlugin) Name() string { return "stamp" }
func (s *stampPlugin) Folder() bool { return false }
func (s *stampPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return !n.IsFolder
}
func (s *stampPlugin) Post(_ context.Context, rec *asset.OutputRecord, n *asset.Node, p *Pipeline, _ asset.Settings) error {
	s.hit(rec.Path)
	if rec.TransformData == nil {
		rec.TransformData = map[string]string{}
	}
	rec.TransformData["stamped"] = "yes"
	if filepath.Ext(rec.Path) != ".stamp" {
		p.AddToTree(n, AddOptions{Path: rec.Path + ".stamp"})
	}
	return nil
}

type fixture struct {
	src, out string
}

func newFixture(t *testing.T, files map[string]string) fixture {
	t.Helper()
	dir := t.TempDir()
	f := fixture{src: filepath.Join(dir, "src"), out: filepath.Join(dir, "out")}
	require.NoError(t, os.MkdirAll(f.src, 0755))
	for name, content := range files {
		f.write(t, name, content)
	}
	return f
}

func (f fixture) write(t *testing.T, name, content string) {
	t.Helper()
	path := filepath.Join(f.src, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func (f fixture) in(name string) string  { return filepath.Join(f.src, name) }
func (f fixture) dst(name string) string { return filepath.Join(f.out, name) }

// scan builds a tree in which every path under src is Added.
func (f fixture) scan(t *testing.T) *asset.Tree {
	t.Helper()
	tree := asset.NewTree(f.src)
	err := filepath.WalkDir(f.src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == f.src {
			return err
		}
		n, _ := tree.EnsurePath(path, d.IsDir())
		info, err := d.Info()
		if err != nil {
			return err
		}
		n.ModTime, n.Size = info.ModTime(), info.Size()
		return nil
	})
	require.NoError(t, err)
	tree.ApplySettings(nil)
	return tree
}

func (f fixture) pipeline(t *testing.T, plugins ...Plugin) *Pipeline {
	t.Helper()
	p, err := New(Config{Entry: f.src, Output: f.out, Plugins: plugins, Concurrency: 2})
	require.NoError(t, err)
	return p
}

func mark(tree *asset.Tree, path string, state asset.State) *asset.Node {
	n := tree.FindByPath(path)
	if state == asset.Deleted {
		tree.MarkSubtree(n, asset.Deleted)
	} else {
		n.State = state
	}
	tree.MarkAncestorsModified(n)
	return n
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func TestPlainCopy(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "hello"})
	tree := f.scan(t)
	p := f.pipeline(t)

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.Empty(t, report.Failures)

	got, err := os.ReadFile(f.dst("a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got))

	n := tree.FindByPath(f.in("a.txt"))
	require.Len(t, n.Outputs, 1)
	assert.Nil(t, n.Outputs[0].TransformID)
	assert.Equal(t, f.dst("a.txt"), n.Outputs[0].Path)
	assert.Equal(t, n.Path, n.Outputs[0].Creator)
	assert.Equal(t, p.RunTime().UnixMilli(), n.Outputs[0].Time)
	require.NotNil(t, n.Stats)
	assert.True(t, n.Stats.Success)

	tree.Settle()
	assert.Equal(t, asset.Normal, n.State)
}

func TestDeletedNodeRemovesAllOutputs(t *testing.T) {
	f := newFixture(t, map[string]string{"sheet.tps": "frames", "keep.txt": "k"})
	sheet := &sheetPlugin{}
	tree := f.scan(t)
	p := f.pipeline(t, sheet)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, exists(f.dst("sheet.json")))
	require.True(t, exists(f.dst("sheet.png")))
	tree.Settle()

	require.NoError(t, os.Remove(f.in("sheet.tps")))
	mark(tree, f.in("sheet.tps"), asset.Deleted)

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Deleted)
	assert.False(t, exists(f.dst("sheet.json")))
	assert.False(t, exists(f.dst("sheet.png")))
	assert.True(t, exists(f.dst("keep.txt")))

	tree.Settle()
	assert.Nil(t, tree.FindByPath(f.in("sheet.tps")))
	assert.Equal(t, 1, sheet.count(f.in("sheet.tps")))
}

func TestDeletedFolderRemovesMirror(t *testing.T) {
	f := newFixture(t, map[string]string{"dir/sub/a.txt": "a", "b.txt": "b"})
	tree := f.scan(t)
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, exists(f.dst("dir/sub/a.txt")))
	tree.Settle()

	require.NoError(t, os.RemoveAll(f.in("dir")))
	mark(tree, f.in("dir"), asset.Deleted)

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Deleted)
	assert.False(t, exists(f.dst("dir")))
	assert.True(t, exists(f.dst("b.txt")))
}

func TestFailuresAreIsolated(t *testing.T) {
	f := newFixture(t, map[string]string{"x.bad": "1", "y.bad": "2", "ok.txt": "3"})
	tree := f.scan(t)
	p := f.pipeline(t, failPlugin{})

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)

	require.Len(t, report.Failures, 2)
	msgs := map[string]bool{}
	for _, fl := range report.Failures {
		assert.Equal(t, "fail", fl.Plugin)
		assert.Equal(t, PhaseTransform, fl.Phase)
		msgs[fl.Err.Error()] = true
	}
	assert.True(t, msgs["cannot decode x.bad"])
	assert.True(t, msgs["cannot decode y.bad"])
	assert.Error(t, report.Err())

	assert.True(t, exists(f.dst("ok.txt")))
	x := tree.FindByPath(f.in("x.bad"))
	require.NotNil(t, x.Stats)
	assert.False(t, x.Stats.Success)
	assert.Equal(t, "fail: cannot decode x.bad", x.Stats.Error)
	assert.Empty(t, x.Outputs)
}

func TestStaleOutputsRemovedOnRetransform(t *testing.T) {
	f := newFixture(t, map[string]string{"a.src": "v"})
	v := &versionPlugin{ext: ".v1"}
	tree := f.scan(t)
	p := f.pipeline(t, v)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.True(t, exists(f.dst("a.v1")))
	tree.Settle()

	v.ext = ".v2"
	mark(tree, f.in("a.src"), asset.Modified)
	_, err = p.Run(context.Background(), tree)
	require.NoError(t, err)

	assert.True(t, exists(f.dst("a.v2")))
	assert.False(t, exists(f.dst("a.v1")), "orphaned output survived the rename")
	n := tree.FindByPath(f.in("a.src"))
	require.Len(t, n.Outputs, 1)
	assert.Equal(t, f.dst("a.v2"), n.Outputs[0].Path)
}

func TestFailedRetransformKeepsPreviousOutputs(t *testing.T) {
	f := newFixture(t, map[string]string{"a.src": "v"})
	v := &versionPlugin{ext: ".v1"}
	tree := f.scan(t)
	p := f.pipeline(t, v)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	tree.Settle()
	before := append([]asset.OutputRecord(nil), tree.FindByPath(f.in("a.src")).Outputs...)

	v.ext, v.failWith = ".v2", errors.New("encoder crashed")
	mark(tree, f.in("a.src"), asset.Modified)
	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)

	assert.True(t, exists(f.dst("a.v1")))
	assert.False(t, exists(f.dst("a.v2")), "file written by the failed attempt should be removed")
	assert.Equal(t, before, tree.FindByPath(f.in("a.src")).Outputs)
}

func TestUntouchedNodesAreIdempotent(t *testing.T) {
	f := newFixture(t, map[string]string{"a.src": "a", "dir/b.src": "b", "dir/c.txt": "c"})
	v := &versionPlugin{ext: ".out"}
	stamp := &stampPlugin{}
	tree := f.scan(t)
	p := f.pipeline(t, v, stamp)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	tree.Settle()

	b := tree.FindByPath(f.in("dir/b.src"))
	c := tree.FindByPath(f.in("dir/c.txt"))
	bBefore := append([]asset.OutputRecord(nil), b.Outputs...)
	cBefore := append([]asset.OutputRecord(nil), c.Outputs...)

	mark(tree, f.in("a.src"), asset.Modified)
	_, err = p.Run(context.Background(), tree)
	require.NoError(t, err)

	assert.Equal(t, 2, v.count(f.in("a.src")))
	assert.Equal(t, 1, v.count(f.in("dir/b.src")))
	assert.Equal(t, asset.Normal, b.State)
	assert.Equal(t, bBefore, b.Outputs)
	assert.Equal(t, cBefore, c.Outputs)
	assert.Equal(t, 1, stamp.count(f.dst("dir/b.out")))
}

func TestFolderPluginSuppressesDescent(t *testing.T) {
	f := newFixture(t, map[string]string{
		"ui{pack}/a.src": "a",
		"ui{pack}/b.txt": "b",
		"loose/c.src":    "c",
	})
	pack := &packPlugin{}
	v := &versionPlugin{ext: ".out"}
	stamp := &stampPlugin{}
	tree := f.scan(t)
	p := f.pipeline(t, pack, v, stamp)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)

	assert.Equal(t, 1, pack.count(f.in("ui{pack}")))
	assert.True(t, exists(f.dst("ui.pack")))
	assert.Equal(t, 0, v.count(f.in("ui{pack}/a.src")))
	assert.False(t, exists(f.dst("ui/b.txt")))
	assert.Equal(t, 1, v.count(f.in("loose/c.src")))

	// post runs on the owned folder's own records, never below it
	assert.Equal(t, 0, stamp.count(f.dst("ui/a.out")))
	assert.Equal(t, 1, stamp.count(f.dst("loose/c.out")))
}

func TestPostRecordsAppendedDuringPostAreSkipped(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a"})
	stamp := &stampPlugin{}
	tree := f.scan(t)
	p := f.pipeline(t, stamp)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)

	n := tree.FindByPath(f.in("a.txt"))
	require.Len(t, n.Outputs, 2)
	assert.Equal(t, "yes", n.Outputs[0].TransformData["stamped"])
	assert.Equal(t, f.dst("a.txt")+".stamp", n.Outputs[1].Path)
	assert.Equal(t, 0, stamp.count(f.dst("a.txt")+".stamp"))
}

func TestMissingSourceIsAWarning(t *testing.T) {
	f := newFixture(t, map[string]string{"a.txt": "a", "b.txt": "b"})
	tree := f.scan(t)
	require.NoError(t, os.Remove(f.in("b.txt")))
	p := f.pipeline(t)

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.True(t, report.Failures[0].Warning())
	assert.ErrorIs(t, report.Failures[0], ErrSourceMissing)
	assert.NoError(t, report.Err())
	assert.True(t, exists(f.dst("a.txt")))
	assert.True(t, tree.FindByPath(f.in("b.txt")).Skip)
}

func TestIgnoreTagSkipsSubtree(t *testing.T) {
	f := newFixture(t, map[string]string{"raw{ignore}/a.txt": "a", "b.txt": "b"})
	tree := f.scan(t)
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	assert.False(t, exists(f.dst("raw")))
	assert.True(t, exists(f.dst("b.txt")))
}

func TestPathTagsStrippedFromOutput(t *testing.T) {
	f := newFixture(t, map[string]string{"img{m}/hero{fix}.txt": "h"})
	tree := f.scan(t)
	p := f.pipeline(t)

	_, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	assert.True(t, exists(f.dst("img/hero.txt")))
	assert.Equal(t, f.dst("img/hero.json"), p.InputToOutputPath(f.in("img{m}/hero{fix}.txt"), "json"))
}

type panicPlugin struct{}

func (panicPlugin) Name() string { return "panic" }
func (panicPlugin) Folder() bool { return false }
func (panicPlugin) Test(n *asset.Node, _ *Pipeline, _ asset.Settings) bool {
	return n.Ext() == ".boom"
}
func (panicPlugin) Transform(context.Context, *asset.Node, *Pipeline, asset.Settings) error {
	panic("decoder exploded")
}

func TestPanickingPluginIsRecovered(t *testing.T) {
	f := newFixture(t, map[string]string{"a.boom": "x", "b.txt": "b"})
	tree := f.scan(t)
	p := f.pipeline(t, panicPlugin{})

	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "panic", report.Failures[0].Plugin)
	assert.True(t, exists(f.dst("b.txt")))
}

func TestNewRejectsDuplicatePlugins(t *testing.T) {
	_, err := New(Config{Entry: "a", Output: "b", Plugins: []Plugin{failPlugin{}, failPlugin{}}})
	assert.Error(t, err)

	_, err = New(Config{Entry: "same", Output: "same"})
	assert.Error(t, err)
}
