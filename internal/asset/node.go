// Package asset holds the asset tree: one node per tracked source file or
// folder, its change state for the current run, the settings and tags that
// apply to it, and the outputs produced from it.
package asset

import (
	"path/filepath"
	"time"
)

// NodeID addresses a node inside its Tree. IDs are stable for the lifetime of
// a node; the slot of a removed node may be reused.
type NodeID int

// NoParent is the parent of the root node.
const NoParent NodeID = -1

// Node is one tracked filesystem entry.
type Node struct {
	ID       NodeID
	Parent   NodeID
	Children []NodeID

	Path     string
	IsFolder bool
	State    State
	ModTime  time.Time
	Size     int64

	Settings Settings
	PathTags Tags
	Tags     Tags

	Outputs []OutputRecord
	Stats   *Stats

	// Skip suppresses processing of the node for the current run.
	Skip bool

	// Buffer is an in-memory payload plugins may stash between phases.
	// It is released once the run has been persisted.
	Buffer []byte
}

// OutputRecord is one produced artifact attributed to a source node.
type OutputRecord struct {
	Path          string            `json:"path"`
	IsFolder      bool              `json:"isFolder"`
	Creator       string            `json:"creator"`
	Time          int64             `json:"time"`
	Tags          Tags              `json:"tags,omitempty"`
	TransformID   *string           `json:"transformId"`
	TransformData map[string]string `json:"transformData,omitempty"`
}

// Stats is the outcome of the last processing pass of a node.
type Stats struct {
	Date     time.Time     `json:"date"`
	Duration time.Duration `json:"duration"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
}

// Name returns the base name of the node path.
func (n *Node) Name() string {
	return filepath.Base(n.Path)
}

// Ext returns the file extension of the node path, including the dot.
func (n *Node) Ext() string {
	return filepath.Ext(n.Path)
}

// HasTag reports whether the node carries the tag.
func (n *Node) HasTag(name string) bool {
	return n.Tags.Has(name)
}

// ApplySettings merges every rule matching the node path (relative to
// basePath) into the node settings and lays the rules' tag overrides over the
// node tags. Later rules win on conflicting keys.
func (n *Node) ApplySettings(rules *Rules, basePath string) {
	rel, err := filepath.Rel(basePath, n.Path)
	if err != nil {
		rel = n.Path
	}
	settings, tags := rules.Match(filepath.ToSlash(rel))
	n.Settings = settings
	if len(tags) > 0 {
		n.Tags = n.Tags.Merge(tags)
	}
}

// AddOutput appends rec to the node outputs. The record inherits the node
// tags merged with overrides.
func (n *Node) AddOutput(rec OutputRecord, overrides Tags) OutputRecord {
	rec.Tags = n.Tags.Merge(rec.Tags).Merge(overrides)
	if rec.Creator == "" {
		rec.Creator = n.Path
	}
	n.Outputs = append(n.Outputs, rec)
	return rec
}

// OutputPaths returns the set of output paths currently owned by the node.
func (n *Node) OutputPaths() map[string]bool {
	paths := make(map[string]bool, len(n.Outputs))
	for _, rec := range n.Outputs {
		paths[rec.Path] = true
	}
	return paths
}

// ReleaseBuffer drops any stashed payload.
func (n *Node) ReleaseBuffer() {
	n.Buffer = nil
}
