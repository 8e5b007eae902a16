package cache

import (
	"sort"
	"time"

	"github.com/fruitsalade/assetpipe/internal/asset"
)

// Snapshot is the persisted form of a settled tree.
type Snapshot struct {
	Version  int       `json:"version"`
	Identity string    `json:"identity"`
	Root     string    `json:"root"`
	SavedAt  time.Time `json:"savedAt"`
	Entries  []Entry   `json:"entries"`
}

// Entry is the persisted form of one node.
type Entry struct {
	Path     string               `json:"path"`
	IsFolder bool                 `json:"isFolder"`
	ModTime  int64                `json:"modTime"`
	Size     int64                `json:"size"`
	PathTags asset.Tags           `json:"pathTags,omitempty"`
	Outputs  []asset.OutputRecord `json:"outputs,omitempty"`
	Stats    *asset.Stats         `json:"stats,omitempty"`
	Failed   bool                 `json:"failed,omitempty"`
}

// Capture converts tree into a snapshot, pre-order.
func Capture(tree *asset.Tree) *Snapshot {
	snap := &Snapshot{
		Root:    tree.Root().Path,
		SavedAt: time.Now(),
		Entries: make([]Entry, 0, tree.Count()),
	}
	tree.Walk(func(n *asset.Node) bool {
		if n.State == asset.Deleted {
			return false
		}
		e := Entry{
			Path:     n.Path,
			IsFolder: n.IsFolder,
			Size:     n.Size,
			PathTags: n.PathTags,
			Outputs:  append([]asset.OutputRecord(nil), n.Outputs...),
			Stats:    n.Stats,
			Failed:   n.Stats != nil && !n.Stats.Success,
		}
		if !n.ModTime.IsZero() {
			e.ModTime = n.ModTime.UnixNano()
		}
		snap.Entries = append(snap.Entries, e)
		return true
	})
	return snap
}

// Apply reconciles a freshly scanned tree, in which every node is Added,
// with the snapshot:
//   - entries whose file is unchanged become Normal with their outputs back;
//   - changed entries and entries whose last transform failed become Modified
//     with their previous outputs, so stale ones are removed on rebuild;
//   - entries missing on disk are re-created as Deleted so their outputs are
//     cleaned up;
//   - every ancestor of a changed node is marked Modified.
//
// It returns the number of nodes left Normal.
func (s *Snapshot) Apply(tree *asset.Tree) int {
	entries := make(map[string]Entry, len(s.Entries))
	for _, e := range s.Entries {
		entries[e.Path] = e
	}

	tree.Walk(func(n *asset.Node) bool {
		e, ok := entries[n.Path]
		if !ok {
			return true
		}
		delete(entries, n.Path)

		n.Outputs = append([]asset.OutputRecord(nil), e.Outputs...)
		n.Stats = e.Stats
		switch {
		case e.Failed, e.IsFolder != n.IsFolder:
			n.State = asset.Modified
		case n.IsFolder, e.ModTime == n.ModTime.UnixNano() && e.Size == n.Size:
			n.State = asset.Normal
		default:
			n.State = asset.Modified
		}
		return true
	})

	// Gone while we were down. Parents sort before their children.
	missing := make([]string, 0, len(entries))
	for path := range entries {
		missing = append(missing, path)
	}
	sort.Strings(missing)
	for _, path := range missing {
		e := entries[path]
		n, created := tree.EnsurePath(path, e.IsFolder)
		if n == nil || !created {
			continue
		}
		n.State = asset.Deleted
		n.Outputs = append([]asset.OutputRecord(nil), e.Outputs...)
		n.Stats = e.Stats
		n.ModTime = time.Unix(0, e.ModTime)
		n.Size = e.Size
	}

	var changed []*asset.Node
	tree.Walk(func(n *asset.Node) bool {
		if n.State != asset.Normal {
			changed = append(changed, n)
		}
		return true
	})
	for _, n := range changed {
		tree.MarkAncestorsModified(n)
	}

	unchanged := 0
	tree.Walk(func(n *asset.Node) bool {
		if n.State == asset.Normal {
			unchanged++
		}
		return true
	})
	return unchanged
}
