// Package plugintest runs plugins against a throwaway source folder.
package plugintest

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

// Fixture is a source and an output folder under t.TempDir.
type Fixture struct {
	Src, Out string
	Rules    *asset.Rules
}

// New creates a fixture holding files, keyed by slash path under Src.
func New(t *testing.T, files map[string][]byte) *Fixture {
	t.Helper()
	dir := t.TempDir()
	f := &Fixture{Src: filepath.Join(dir, "src"), Out: filepath.Join(dir, "out")}
	require.NoError(t, os.MkdirAll(f.Src, 0755))
	for name, data := range files {
		f.Write(t, name, data)
	}
	return f
}

// Write creates or replaces a source file.
func (f *Fixture) Write(t *testing.T, name string, data []byte) {
	t.Helper()
	path := filepath.Join(f.Src, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, data, 0644))
}

// In returns the absolute source path of name.
func (f *Fixture) In(name string) string { return asset.CleanPath(filepath.Join(f.Src, name)) }

// Dst returns the absolute output path of name.
func (f *Fixture) Dst(name string) string { return asset.CleanPath(filepath.Join(f.Out, name)) }

// Scan builds a tree in which every source path is Added.
func (f *Fixture) Scan(t *testing.T) *asset.Tree {
	t.Helper()
	tree := asset.NewTree(f.Src)
	err := filepath.WalkDir(f.Src, func(path string, d fs.DirEntry, err error) error {
		if err != nil || path == f.Src {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		n, _ := tree.EnsurePath(path, d.IsDir())
		n.ModTime, n.Size = info.ModTime(), info.Size()
		return nil
	})
	require.NoError(t, err)
	return tree
}

// Build runs one pipeline over a fresh scan and returns the tree.
func (f *Fixture) Build(t *testing.T, plugins ...pipeline.Plugin) (*asset.Tree, *pipeline.RunReport) {
	t.Helper()
	tree := f.Scan(t)
	return tree, f.Rebuild(t, tree, plugins...)
}

// Rebuild runs one pipeline over tree and settles it.
func (f *Fixture) Rebuild(t *testing.T, tree *asset.Tree, plugins ...pipeline.Plugin) *pipeline.RunReport {
	t.Helper()
	p, err := pipeline.New(pipeline.Config{Entry: f.Src, Output: f.Out, Plugins: plugins})
	require.NoError(t, err)
	tree.ApplySettings(f.Rules)
	report, err := p.Run(context.Background(), tree)
	require.NoError(t, err)
	tree.Settle()
	return report
}

// Outputs returns the output paths recorded on the node at path.
func Outputs(t *testing.T, tree *asset.Tree, path string) []string {
	t.Helper()
	n := tree.FindByPath(path)
	require.NotNil(t, n, path)
	out := make([]string, 0, len(n.Outputs))
	for _, rec := range n.Outputs {
		out = append(out, rec.Path)
	}
	return out
}
