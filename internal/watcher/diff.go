package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/logging"
)

// filter decides which paths under the entry folder are tracked.
type filter struct {
	entry   string
	globs   []string
	exclude []string
}

func newFilter(entry string, globs, exclude []string) (*filter, error) {
	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid ignore glob %q", g)
		}
	}
	f := &filter{entry: entry, globs: globs}
	for _, path := range exclude {
		if path == "" {
			continue
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", path, err)
		}
		f.exclude = append(f.exclude, asset.CleanPath(abs))
	}
	return f, nil
}

func (f *filter) ignored(path string) bool {
	for _, ex := range f.exclude {
		if path == ex || strings.HasPrefix(path, ex+"/") {
			return true
		}
	}
	if path == f.entry {
		return false
	}
	rel, err := filepath.Rel(f.entry, path)
	if err != nil {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, g := range f.globs {
		if ok, _ := doublestar.Match(g, rel); ok {
			return true
		}
	}
	return false
}

// scan builds a tree of everything tracked under the entry folder, all in
// state Added.
func (w *Watcher) scan() (*asset.Tree, error) {
	info, err := os.Stat(w.opts.Entry)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", w.opts.Entry, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("entry %s is not a folder", w.opts.Entry)
	}

	tree := asset.NewTree(w.opts.Entry)
	tree.Root().ModTime = info.ModTime()
	if err := w.addSubtree(tree, w.opts.Entry); err != nil {
		return nil, err
	}
	return tree, nil
}

// addSubtree adds every tracked path below dir that the tree does not know
// yet.
func (w *Watcher) addSubtree(tree *asset.Tree, dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			logging.Warn("cannot read path", logging.Path(path), logging.Err(err))
			return nil
		}
		path = asset.CleanPath(path)
		if path == dir {
			return nil
		}
		if w.filter.ignored(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		n, created := tree.EnsurePath(path, d.IsDir())
		if n != nil && created {
			stamp(n, info)
		}
		return nil
	})
}

func stamp(n *asset.Node, info fs.FileInfo) {
	n.ModTime = info.ModTime()
	if !info.IsDir() {
		n.Size = info.Size()
	}
}

// applyChanges turns a batch of changed paths into node states. Each path
// is checked against the disk, which also resolves renames and moves into
// a delete of the old path and an add of the new one. Untouched nodes stay
// Normal; ancestors of changed nodes become Modified.
func (w *Watcher) applyChanges(paths []string) {
	tree := w.tree
	root := tree.Root()
	sort.Strings(paths)

	for _, path := range paths {
		path = asset.CleanPath(path)
		if path == root.Path || w.filter.ignored(path) || w.underReplaced(path) {
			continue
		}

		n := tree.FindByPath(path)
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOTDIR):
			if n == nil || n.State == asset.Deleted {
				continue
			}
			tree.MarkSubtree(n, asset.Deleted)
			tree.MarkAncestorsModified(n)

		case err != nil:
			logging.Warn("cannot stat changed path", logging.Path(path), logging.Err(err))

		case n == nil:
			n, _ = tree.EnsurePath(path, info.IsDir())
			if n == nil {
				continue
			}
			stamp(n, info)
			if info.IsDir() {
				if err := w.addSubtree(tree, path); err != nil {
					logging.Warn("cannot scan new folder", logging.Path(path), logging.Err(err))
				}
			}
			tree.MarkAncestorsModified(n)

		case n.IsFolder != info.IsDir():
			// Replaced by an entry of the other kind. The old subtree is deleted
			// so its outputs get cleaned; the path is tracked afresh once the
			// tree has settled.
			if n.State != asset.Deleted {
				tree.MarkSubtree(n, asset.Deleted)
				tree.MarkAncestorsModified(n)
			}
			w.replaced[path] = struct{}{}

		case n.IsFolder:
			// Folder writes only mean its listing changed; the children carry
			// their own events.
			if n.State == asset.Deleted {
				tree.MarkSubtree(n, asset.Modified)
				tree.MarkAncestorsModified(n)
			}

		default:
			if n.State == asset.Added {
				stamp(n, info)
				continue
			}
			if n.State == asset.Normal && n.ModTime.Equal(info.ModTime()) && n.Size == info.Size() {
				continue
			}
			n.State = asset.Modified
			stamp(n, info)
			tree.MarkAncestorsModified(n)
		}
	}
}

// underReplaced reports whether path lies below a path whose kind flipped.
// Its new contents are scanned when that path is tracked again.
func (w *Watcher) underReplaced(path string) bool {
	for dir := range w.replaced {
		if strings.HasPrefix(path, dir+"/") {
			return true
		}
	}
	return false
}
