// Package manifest writes a JSON map from source assets to the outputs built
// from them once every build has finished.
package manifest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fruitsalade/assetpipe/internal/asset"
	"github.com/fruitsalade/assetpipe/internal/logging"
	"github.com/fruitsalade/assetpipe/internal/pipeline"
)

// Name is the plugin and settings key.
const Name = "manifest"

// DefaultFile is the manifest path relative to the output folder.
const DefaultFile = "manifest.json"

// Manifest is the written document.
type Manifest struct {
	Version int                `json:"version"`
	Assets  map[string][]Entry `json:"assets"`
}

// Entry is one output of an asset.
type Entry struct {
	Path        string            `json:"path"`
	TransformID string            `json:"transformId,omitempty"`
	Data        map[string]string `json:"data,omitempty"`
}

// Plugin rebuilds the manifest from the whole tree at finish.
//
// Options:
//
//	output: manifest path relative to the output folder
//	trimExtensions: drop the source extension from asset keys
type Plugin struct {
	file    string
	trimExt bool
}

// New creates the plugin.
func New(opts asset.Settings) (*Plugin, error) {
	file := opts.String("output", DefaultFile)
	if file == "" || filepath.IsAbs(file) || strings.HasPrefix(filepath.Clean(file), "..") {
		return nil, fmt.Errorf("manifest: output %q must be relative to the output folder", file)
	}
	return &Plugin{file: file, trimExt: opts.Bool("trimExtensions", false)}, nil
}

func (m *Plugin) Name() string { return Name }
func (m *Plugin) Folder() bool { return false }

// Test is false: the plugin has no per-node hooks.
func (m *Plugin) Test(*asset.Node, *pipeline.Pipeline, asset.Settings) bool { return false }

// Finish writes the manifest.
func (m *Plugin) Finish(_ context.Context, tree *asset.Tree, p *pipeline.Pipeline) error {
	doc := Build(tree, p.Entry(), p.Output(), m.trimExt)
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode manifest: %w", err)
	}
	path, err := p.WriteOutput(m.file, data)
	if err != nil {
		return err
	}
	logging.Debug("manifest written", logging.Path(path), logging.Int("assets", len(doc.Assets)))
	return nil
}

// Build collects every file output of every live node. Keys are source paths
// relative to entry with path tags removed; output paths are relative to
// output.
func Build(tree *asset.Tree, entry, output string, trimExt bool) *Manifest {
	doc := &Manifest{Version: 1, Assets: make(map[string][]Entry)}
	tree.Walk(func(n *asset.Node) bool {
		if n.State == asset.Deleted || n.HasTag(asset.TagIgnore) {
			return false
		}
		var entries []Entry
		for _, rec := range n.Outputs {
			if rec.IsFolder {
				continue
			}
			rel, ok := relTo(output, rec.Path)
			if !ok {
				continue
			}
			e := Entry{Path: rel, Data: rec.TransformData}
			if rec.TransformID != nil {
				e.TransformID = *rec.TransformID
			}
			entries = append(entries, e)
		}
		if len(entries) == 0 {
			return true
		}
		key, ok := relTo(entry, n.Path)
		if !ok {
			return true
		}
		key = asset.StripTags(key)
		if trimExt {
			key = strings.TrimSuffix(key, filepath.Ext(key))
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
		doc.Assets[key] = append(doc.Assets[key], entries...)
		return true
	})
	return doc
}

func relTo(base, path string) (string, bool) {
	rel, err := filepath.Rel(base, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", false
	}
	return filepath.ToSlash(rel), true
}
